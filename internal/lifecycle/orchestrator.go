// Package lifecycle sequences the four phases of a test environment:
// Build the image, bring the homeserver Up, Run the test script, tear
// everything Down.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"

	"github.com/bnema/mxtester/internal/config"
	"github.com/bnema/mxtester/internal/docker"
	"github.com/bnema/mxtester/internal/logstream"
	"github.com/bnema/mxtester/internal/registration"
	"github.com/bnema/mxtester/internal/script"
	"github.com/bnema/mxtester/internal/workers"
)

// Status is the outcome the Down phase reacts to.
type Status int

const (
	// StatusSuccess means the run script succeeded.
	StatusSuccess Status = iota
	// StatusFailure means a previous phase failed.
	StatusFailure
	// StatusManual means Down was requested on its own, with no run
	// outcome to report. Only the `finally` hook runs.
	StatusManual
)

// How long to sleep between polls while waiting for the setup
// container to be fully torn down.
const containerDownPollInterval = 5 * time.Second

// Orchestrator drives the container lifecycle for one configuration.
type Orchestrator struct {
	client *docker.Client
	cfg    *config.Config
}

// New returns an orchestrator over the given Docker client.
func New(client *docker.Client, cfg *config.Config) *Orchestrator {
	return &Orchestrator{client: client, cfg: cfg}
}

// Build rebuilds the synapse image with the configured modules baked
// in. Any leftovers of a previous build are removed first, and the
// per-test directory tree is recreated from scratch.
func (o *Orchestrator) Build(ctx context.Context) error {
	cfg := o.cfg
	log.Info("build step starting", "tag", cfg.Tag())
	if err := o.client.Ping(ctx); err != nil {
		return err
	}

	// Remove any trace of a previous build. Failures here are
	// non-fatal: the resources usually do not exist.
	for _, name := range []string{cfg.RunContainerName(), cfg.SetupContainerName()} {
		if err := o.client.StopContainer(ctx, name); err != nil {
			log.Warn("could not stop leftover container", "container", name, "error", err)
		}
		if err := o.client.RemoveContainer(ctx, name); err != nil {
			log.Warn("could not remove leftover container", "container", name, "error", err)
		}
	}
	if err := o.client.RemoveImage(ctx, cfg.Tag()); err != nil {
		log.Warn("could not remove leftover image", "image", cfg.Tag(), "error", err)
	}

	if err := os.RemoveAll(cfg.TestRoot()); err != nil {
		return fmt.Errorf("could not clear test directory %s: %w", cfg.TestRoot(), err)
	}
	moduleLogDir := filepath.Join(cfg.ScriptLogsDir(), "modules")
	for _, dir := range []string{
		cfg.SynapseDataDir(),
		cfg.SynapseWorkersDir(),
		filepath.Join(cfg.EtcDir(), "nginx"),
		filepath.Join(cfg.EtcDir(), "supervisor"),
		filepath.Join(cfg.LogsDir(), "docker"),
		filepath.Join(cfg.LogsDir(), "nginx"),
		filepath.Join(cfg.LogsDir(), "workers"),
		moduleLogDir,
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("could not create directory %s: %w", dir, err)
		}
	}

	// Build modules. Each build script is expected to leave the
	// installable module source in its module directory, which the
	// Dockerfile then copies into the image.
	log.Info("building modules", "count", len(cfg.Modules))
	env, err := cfg.SharedEnv()
	if err != nil {
		return err
	}
	for i := range cfg.Modules {
		module := &cfg.Modules[i]
		env[config.EnvModuleDir] = filepath.Join(cfg.SynapseRoot(), module.Name)
		log.Debug("building module", "module", module.Name, "dir", env[config.EnvModuleDir])
		logDir := filepath.Join(moduleLogDir, module.Name)
		if err := script.Run(ctx, &module.Build, "build", logDir, env); err != nil {
			return fmt.Errorf("error building module %s: %w", module.Name, err)
		}
	}
	delete(env, config.EnvModuleDir)

	if cfg.Workers.Enabled {
		if err := workers.GenerateResources(cfg); err != nil {
			return fmt.Errorf("could not generate worker resources: %w", err)
		}
	}
	if err := docker.WriteDockerfile(cfg); err != nil {
		return err
	}

	buildLogPath := filepath.Join(cfg.LogsDir(), "docker", "build.log")
	log.Info("building Docker image", "tag", cfg.Tag(), "log", buildLogPath)
	buildLog, err := os.Create(buildLogPath)
	if err != nil {
		return fmt.Errorf("could not create build log %s: %w", buildLogPath, err)
	}
	defer buildLog.Close()
	if err := o.client.BuildImage(ctx, cfg, cfg.SynapseRoot(), buildLog); err != nil {
		return err
	}
	log.Info("build step success")
	return nil
}

// Up brings the homeserver up: create the network, run the `before`
// hook, generate and patch homeserver.yaml, start synapse, provision
// users and run the `after` hook. On error, an armed guard removes
// whatever came up.
func (o *Orchestrator) Up(ctx context.Context) error {
	cfg := o.cfg
	log.Info("up step starting")
	if err := o.client.Ping(ctx); err != nil {
		return err
	}
	guard := NewGuard(o.client, cfg)
	defer guard.Release()

	if err := o.client.EnsureNetwork(ctx, cfg.Network()); err != nil {
		return err
	}

	// Only run the `before` hook once the network is up, in case it
	// wants to bring up other images on that same network.
	env, err := cfg.SharedEnv()
	if err != nil {
		return err
	}
	if cfg.Up != nil && !cfg.Up.Before.IsEmpty() {
		if err := script.Run(ctx, cfg.Up.Before, "up", cfg.ScriptLogsDir(), env); err != nil {
			return fmt.Errorf("error running `up` script (before): %w", err)
		}
	}

	dataDir := cfg.SynapseDataDir()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("cannot create directory %s: %w", dataDir, err)
	}
	// A leftover homeserver.yaml would survive the generate step with
	// stale patches applied; start fresh.
	os.Remove(cfg.HomeserverYAMLPath())

	if err := o.generateHomeserverConfig(ctx); err != nil {
		return fmt.Errorf("couldn't generate homeserver.yaml: %w", err)
	}
	log.Debug("updating homeserver.yaml")
	if err := cfg.PatchHomeserverYAML(); err != nil {
		return fmt.Errorf("error updating homeserver config: %w", err)
	}

	logPath := filepath.Join(cfg.LogsDir(), "docker", "up-run-down.log")
	log.Info("starting synapse", "log", logPath)
	if err := o.startSynapseContainer(ctx, cfg.RunContainerName(), o.startCommand(), logPath, true); err != nil {
		return fmt.Errorf("failed to start synapse: %w", err)
	}
	if err := o.provisionUsers(ctx); err != nil {
		return err
	}

	if cfg.Up != nil && !cfg.Up.After.IsEmpty() {
		if err := script.Run(ctx, cfg.Up.After, "up", cfg.ScriptLogsDir(), env); err != nil {
			return fmt.Errorf("error running `up` script (after): %w", err)
		}
	}
	guard.Disarm()
	log.Info("up step success")
	return nil
}

// generateHomeserverConfig runs the setup container once in the
// foreground to produce homeserver.yaml, then removes it. A container
// cannot be restarted with a different command, so the run container is
// created separately afterwards.
func (o *Orchestrator) generateHomeserverConfig(ctx context.Context) error {
	cfg := o.cfg
	setupName := cfg.SetupContainerName()
	logPath := filepath.Join(cfg.LogsDir(), "docker", "build.log")
	if err := o.startSynapseContainer(ctx, setupName, o.generateCommand(), logPath, false); err != nil {
		return err
	}
	log.Debug("done generating")
	if err := o.client.StopContainer(ctx, setupName); err != nil {
		return err
	}
	if err := o.client.RemoveContainer(ctx, setupName); err != nil {
		return err
	}
	if err := o.client.WaitRemoved(ctx, setupName); err != nil {
		return err
	}
	// Docker has a tendency to return before containers are fully torn
	// down. Make extra-sure before reusing the ports.
	return o.client.WaitNotRunning(ctx, setupName, containerDownPollInterval)
}

func (o *Orchestrator) generateCommand() []string {
	if o.cfg.Workers.Enabled {
		return []string{"/workers_start.py", "generate"}
	}
	return []string{"/start.py", "generate"}
}

func (o *Orchestrator) startCommand() []string {
	if o.cfg.Workers.Enabled {
		return []string{"/workers_start.py", "start"}
	}
	return []string{"/start.py"}
}

// startSynapseContainer creates and starts one synapse container,
// streaming its logs to logPath. When detach is false the call blocks
// until the container exits and fails on a non-zero exit code.
func (o *Orchestrator) startSynapseContainer(ctx context.Context, name string, cmd []string, logPath string, detach bool) error {
	cfg := o.cfg
	guard := NewGuard(o.client, cfg)
	defer guard.Release()

	if err := o.client.CreateSynapseContainer(ctx, cfg, name, cmd); err != nil {
		return err
	}
	running, err := o.client.IsContainerRunning(ctx, name)
	if err != nil {
		return err
	}
	if !running {
		if err := o.client.StartContainer(ctx, name); err != nil {
			return err
		}
	}

	logs, err := o.client.FollowLogs(ctx, name)
	if err != nil {
		return err
	}
	stream, err := logstream.New(name, logPath)
	if err != nil {
		logs.Close()
		return err
	}
	done := logstream.Go(func() error { return stream.FollowDocker(logs) })

	if !detach {
		code, err := o.client.WaitExit(ctx, name)
		if err != nil {
			return err
		}
		// The log stream ends when the container does; collect it so
		// the file is complete before we move on.
		<-done
		if code != 0 {
			return fmt.Errorf("container %s exited with status %d", name, code)
		}
	}
	guard.Disarm()
	return nil
}

// provisionUsers registers the configured users, bounded by the
// registration wait for this deployment mode.
func (o *Orchestrator) provisionUsers(ctx context.Context) error {
	cfg := o.cfg
	wait := cfg.RegistrationWait()
	regCtx := ctx
	if wait > 0 {
		var cancel context.CancelFunc
		regCtx, cancel = context.WithTimeout(ctx, wait)
		defer cancel()
	}
	err := registration.ProvisionUsers(regCtx, cfg)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		// Diagnose whether synapse is still there: the distinction
		// decides where to look for the bug.
		running, checkErr := o.client.IsContainerRunning(ctx, cfg.RunContainerName())
		switch {
		case checkErr != nil:
			return fmt.Errorf("user registration timed out after %s: %w", wait, err)
		case running:
			return fmt.Errorf("user registration timed out after %s; the container is running, so this is usually an error in synapse or modules", wait)
		default:
			return fmt.Errorf("user registration timed out after %s; the container has stopped", wait)
		}
	}
	return fmt.Errorf("failed to setup users: %w", err)
}

// Run executes the test script.
func (o *Orchestrator) Run(ctx context.Context) error {
	cfg := o.cfg
	log.Info("run step starting")
	if cfg.Run != nil {
		env, err := cfg.SharedEnv()
		if err != nil {
			return err
		}
		if err := script.Run(ctx, cfg.Run, "run", cfg.ScriptLogsDir(), env); err != nil {
			return fmt.Errorf("error running `run` script: %w", err)
		}
	}
	log.Info("run step success")
	return nil
}

// Down runs the outcome hooks and tears the environment down. Every
// teardown step is attempted regardless of earlier failures; the
// errors, if any, are reported together once everything that can come
// down is down.
func (o *Orchestrator) Down(ctx context.Context, status Status) error {
	cfg := o.cfg
	log.Info("down step starting")
	var errs []error

	if cfg.Down != nil {
		env, err := cfg.SharedEnv()
		if err != nil {
			errs = append(errs, err)
		} else {
			switch {
			case status == StatusFailure && !cfg.Down.Failure.IsEmpty():
				if err := script.Run(ctx, cfg.Down.Failure, "on_failure", cfg.ScriptLogsDir(), env); err != nil {
					errs = append(errs, fmt.Errorf("error while running script `down/failure`: %w", err))
				}
			case status == StatusSuccess && !cfg.Down.Success.IsEmpty():
				if err := script.Run(ctx, cfg.Down.Success, "on_success", cfg.ScriptLogsDir(), env); err != nil {
					errs = append(errs, fmt.Errorf("error while running script `down/success`: %w", err))
				}
			}
			if !cfg.Down.Finally.IsEmpty() {
				if err := script.Run(ctx, cfg.Down.Finally, "on_always", cfg.ScriptLogsDir(), env); err != nil {
					errs = append(errs, fmt.Errorf("error while running script `down/finally`: %w", err))
				}
			}
		}
	}

	log.Debug("taking down synapse")
	runName := cfg.RunContainerName()
	if err := o.client.StopContainer(ctx, runName); err != nil {
		errs = append(errs, err)
	}
	if err := o.client.RemoveContainer(ctx, runName); err != nil {
		errs = append(errs, err)
	}
	log.Debug("taking down network")
	if err := o.client.RemoveNetwork(ctx, cfg.Network()); err != nil {
		errs = append(errs, err)
	}

	log.Info("down step complete")
	return errors.Join(errs...)
}
