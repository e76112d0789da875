package docker

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"runtime"

	"github.com/charmbracelet/log"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/go-connections/nat"

	"github.com/bnema/mxtester/internal/config"
	"github.com/bnema/mxtester/internal/workers"
)

const (
	// Synapse has a tendency to not start correctly or to stop shortly
	// after startup. This restart allowance seems to help a lot.
	maxSynapseRestartCount = 20

	// Extremely large memory allowance.
	memoryAllocationBytes = 4 * 1024 * 1024 * 1024
)

// SynapseEnv is the environment handed to the synapse entry point.
func SynapseEnv(cfg *config.Config) []string {
	httpPort := config.GuestPort
	if cfg.Workers.Enabled {
		httpPort = config.WorkerMainHTTPPort
	}
	env := []string{
		fmt.Sprintf("SYNAPSE_SERVER_NAME=%s", cfg.Homeserver.ServerName),
		"SYNAPSE_REPORT_STATS=no",
		"SYNAPSE_CONFIG_DIR=/data",
		fmt.Sprintf("SYNAPSE_HTTP_PORT=%d", httpPort),
	}
	if cfg.Workers.Enabled {
		env = append(env,
			"SYNAPSE_WORKER_TYPES="+workers.Roster,
			"SYNAPSE_WORKERS_WRITE_LOGS_TO_DISK=1",
		)
	}
	return env
}

// CreateSynapseContainer creates (but does not start) a synapse
// container with the full shape the tests rely on: port mappings, data
// and worker bind mounts, restart policy and the host-uid guest user.
// The container is attached to the test network.
func (c *Client) CreateSynapseContainer(ctx context.Context, cfg *config.Config, name string, cmd []string) error {
	exposedPorts := nat.PortSet{}
	portBindings := nat.PortMap{}
	mappings := append([]config.PortMapping{}, cfg.Docker.PortMapping...)
	mappings = append(mappings, config.PortMapping{
		Host:  cfg.Homeserver.HostPort,
		Guest: config.GuestPort,
	})
	for _, mapping := range mappings {
		port, err := nat.NewPort("tcp", fmt.Sprint(mapping.Guest))
		if err != nil {
			return fmt.Errorf("invalid guest port %d: %w", mapping.Guest, err)
		}
		exposedPorts[port] = struct{}{}
		portBindings[port] = []nat.PortBinding{{HostPort: fmt.Sprint(mapping.Host)}}
	}

	hostConfig := &container.HostConfig{
		LogConfig: container.LogConfig{Type: "json-file"},
		RestartPolicy: container.RestartPolicy{
			Name:              container.RestartPolicyOnFailure,
			MaximumRetryCount: maxSynapseRestartCount,
		},
		Resources: container.Resources{
			MemoryReservation: memoryAllocationBytes,
			MemorySwap:        -1,
		},
		// Mount guest directories as host directories. Everything past
		// /data is for workers; harmless when workers are off.
		Binds: []string{
			cfg.SynapseDataDir() + ":/data:rw",
			cfg.SynapseWorkersDir() + ":/conf/workers:rw",
			filepath.Join(cfg.EtcDir(), "nginx") + ":/etc/nginx/conf.d:rw",
			filepath.Join(cfg.EtcDir(), "supervisor") + ":/etc/supervisor/conf.d:rw",
			filepath.Join(cfg.LogsDir(), "nginx") + ":/var/log/nginx:rw",
			filepath.Join(cfg.LogsDir(), "workers") + ":/var/log/workers:rw",
		},
		PortBindings: portBindings,
	}
	if runtime.GOOS == "linux" {
		// Expose the host as host.docker.internal, which macOS and
		// Windows daemons do transparently.
		hostConfig.ExtraHosts = []string{"host.docker.internal:host-gateway"}
	}

	containerConfig := &container.Config{
		Image:        cfg.Tag(),
		Hostname:     cfg.Docker.Hostname,
		Cmd:          cmd,
		Env:          SynapseEnv(cfg),
		ExposedPorts: exposedPorts,
		AttachStdout: true,
		AttachStderr: true,
		User:         ContainerUser(),
		Volumes: map[string]struct{}{
			"/data":                  {},
			"/conf/workers":          {},
			"/etc/nginx/conf.d":      {},
			"/etc/supervisor/conf.d": {},
			"/var/log/workers":       {},
		},
	}

	networking := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			cfg.Network(): {},
		},
	}

	log.Debug("creating container", "container", name, "image", cfg.Tag())
	resp, err := c.cli.ContainerCreate(ctx, containerConfig, hostConfig, networking, nil, name)
	if err != nil {
		return fmt.Errorf("failed to create container %s: %w", name, err)
	}
	for _, warning := range resp.Warnings {
		log.Warn("container creation warning", "container", name, "warning", warning)
	}
	return nil
}

// StartContainer starts a created container.
func (c *Client) StartContainer(ctx context.Context, name string) error {
	if err := c.cli.ContainerStart(ctx, name, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container %s: %w", name, err)
	}
	return nil
}

// FollowLogs returns the container's multiplexed log stream, following
// until the container stops or ctx is cancelled.
func (c *Client) FollowLogs(ctx context.Context, name string) (io.ReadCloser, error) {
	reader, err := c.cli.ContainerLogs(ctx, name, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
		Tail:       "10",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to follow logs of container %s: %w", name, err)
	}
	return reader, nil
}
