// Package docker wraps the Docker Engine API with the operations the
// lifecycle orchestrator needs, including teardown calls that tolerate
// already-absent resources.
package docker

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
)

// Client wraps the Docker API client.
type Client struct {
	cli client.APIClient
}

// New connects to the Docker daemon using the standard environment
// (DOCKER_HOST and friends) with API version negotiation.
func New() (*Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}
	return &Client{cli: cli}, nil
}

// NewWithClient wraps an existing API client (for testing).
func NewWithClient(cli client.APIClient) *Client {
	return &Client{cli: cli}
}

// Ping verifies daemon connectivity. Any failure here is fatal for the
// calling phase.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.cli.Ping(ctx); err != nil {
		return fmt.Errorf("Docker daemon unreachable: %w", err)
	}
	return nil
}

// Close releases the underlying client.
func (c *Client) Close() error {
	return c.cli.Close()
}

// TeardownOutcome classifies a stop/remove call against a remote
// resource, so callers never match on a client library's error values.
type TeardownOutcome int

const (
	// TornDown means the call succeeded.
	TornDown TeardownOutcome = iota
	// AlreadyAbsent means the resource was already stopped, removed,
	// or never existed: success for teardown purposes.
	AlreadyAbsent
	// TeardownFailed is everything else.
	TeardownFailed
)

// classifyTeardown maps a Docker API error to a TeardownOutcome.
func classifyTeardown(err error) TeardownOutcome {
	switch {
	case err == nil:
		return TornDown
	case errdefs.IsNotFound(err), errdefs.IsNotModified(err), errdefs.IsConflict(err):
		// 404: never existed or already gone. 304: already stopped.
		// 409: removal already in progress.
		return AlreadyAbsent
	default:
		return TeardownFailed
	}
}

// StopContainer stops a container, treating "already stopped" and
// "not found" as success.
func (c *Client) StopContainer(ctx context.Context, name string) error {
	err := c.cli.ContainerStop(ctx, name, container.StopOptions{})
	switch classifyTeardown(err) {
	case TornDown:
		log.Debug("container stopped", "container", name)
		return nil
	case AlreadyAbsent:
		log.Debug("container already stopped or absent", "container", name)
		return nil
	default:
		return fmt.Errorf("error stopping container %s: %w", name, err)
	}
}

// RemoveContainer removes a container, treating "not found" as
// success.
func (c *Client) RemoveContainer(ctx context.Context, name string) error {
	err := c.cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: true})
	switch classifyTeardown(err) {
	case TornDown:
		log.Debug("container removed", "container", name)
		return nil
	case AlreadyAbsent:
		log.Debug("container already removed", "container", name)
		return nil
	default:
		return fmt.Errorf("error removing container %s: %w", name, err)
	}
}

// RemoveNetwork removes a network, treating "not found" as success.
func (c *Client) RemoveNetwork(ctx context.Context, name string) error {
	err := c.cli.NetworkRemove(ctx, name)
	switch classifyTeardown(err) {
	case TornDown:
		log.Debug("network removed", "network", name)
		return nil
	case AlreadyAbsent:
		log.Debug("network already removed", "network", name)
		return nil
	default:
		return fmt.Errorf("error removing network %s: %w", name, err)
	}
}

// RemoveImage removes an image, treating "not found" as success.
func (c *Client) RemoveImage(ctx context.Context, ref string) error {
	_, err := c.cli.ImageRemove(ctx, ref, image.RemoveOptions{Force: true})
	switch classifyTeardown(err) {
	case TornDown, AlreadyAbsent:
		log.Debug("image removed or absent", "image", ref)
		return nil
	default:
		return fmt.Errorf("error removing image %s: %w", ref, err)
	}
}

// EnsureNetwork creates the named bridge network unless it already
// exists. A pre-existing network is reused: a user script may have
// created it to attach other images to the same test.
func (c *Client) EnsureNetwork(ctx context.Context, name string) error {
	up, err := c.NetworkExists(ctx, name)
	if err != nil {
		return err
	}
	if up {
		log.Debug("network already exists", "network", name)
		return nil
	}
	log.Debug("creating network", "network", name)
	_, err = c.cli.NetworkCreate(ctx, name, network.CreateOptions{
		Driver:     "bridge",
		Attachable: true,
	})
	if err != nil {
		return fmt.Errorf("failed to create network %s: %w", name, err)
	}
	return nil
}

// NetworkExists checks whether a network with exactly this name is up.
func (c *Client) NetworkExists(ctx context.Context, name string) (bool, error) {
	networks, err := c.cli.NetworkList(ctx, network.ListOptions{
		Filters: filters.NewArgs(filters.Arg("name", name)),
	})
	if err != nil {
		return false, fmt.Errorf("failed to list networks: %w", err)
	}
	// The name filter matches substrings; double-check.
	for _, n := range networks {
		if n.Name == name {
			return true, nil
		}
	}
	return false, nil
}

// IsContainerRunning checks whether a container with exactly this name
// is currently running.
func (c *Client) IsContainerRunning(ctx context.Context, name string) (bool, error) {
	return c.containerListed(ctx, name, false)
}

// ContainerExists checks whether a container with exactly this name
// has been created, running or not.
func (c *Client) ContainerExists(ctx context.Context, name string) (bool, error) {
	return c.containerListed(ctx, name, true)
}

func (c *Client) containerListed(ctx context.Context, name string, all bool) (bool, error) {
	containers, err := c.cli.ContainerList(ctx, container.ListOptions{
		All:     all,
		Filters: filters.NewArgs(filters.Arg("name", name)),
	})
	if err != nil {
		return false, fmt.Errorf("failed to list containers: %w", err)
	}
	// The name filter matches substrings; double-check.
	for _, ctr := range containers {
		for _, candidate := range ctr.Names {
			if candidate == "/"+name || candidate == name {
				return true, nil
			}
		}
	}
	return false, nil
}

// WaitNotRunning polls until the container is confirmed no longer
// running. The daemon tears containers down asynchronously, so a
// bounded sleep interval absorbs the lag; there is deliberately no
// overall timeout.
func (c *Client) WaitNotRunning(ctx context.Context, name string, interval time.Duration) error {
	for {
		running, err := c.IsContainerRunning(ctx, name)
		if err != nil {
			return err
		}
		if !running {
			return nil
		}
		log.Debug("waiting for container to go down", "container", name)
		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// WaitRemoved blocks until the container has been removed from the
// daemon, tolerating "already removed".
func (c *Client) WaitRemoved(ctx context.Context, name string) error {
	waitCh, errCh := c.cli.ContainerWait(ctx, name, container.WaitConditionRemoved)
	select {
	case resp := <-waitCh:
		if resp.Error != nil {
			return fmt.Errorf("error while waiting for container %s to be removed: %s", name, resp.Error.Message)
		}
		return nil
	case err := <-errCh:
		if classifyTeardown(err) == AlreadyAbsent {
			return nil
		}
		return fmt.Errorf("waiting for container %s to be removed: %w", name, err)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitExit blocks until the container stops and returns its exit code.
func (c *Client) WaitExit(ctx context.Context, name string) (int64, error) {
	waitCh, errCh := c.cli.ContainerWait(ctx, name, container.WaitConditionNotRunning)
	select {
	case resp := <-waitCh:
		if resp.Error != nil {
			return -1, fmt.Errorf("error while waiting for container %s: %s", name, resp.Error.Message)
		}
		return resp.StatusCode, nil
	case err := <-errCh:
		return -1, fmt.Errorf("waiting for container %s: %w", name, err)
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}
