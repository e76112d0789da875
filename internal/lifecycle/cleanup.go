package lifecycle

import (
	"context"
	"time"

	"github.com/charmbracelet/log"

	"github.com/bnema/mxtester/internal/config"
	"github.com/bnema/mxtester/internal/docker"
)

// Guard tears leftover containers down when a phase aborts before
// reaching its own cleanup. Without it, Docker may decide on the next
// daemon restart that the containers must be brought back up, as root.
//
// The guard captures every name at construction so cleanup never
// depends on state mutated after the error. Disarm it once the phase
// has handed responsibility over.
type Guard struct {
	client         *docker.Client
	setupContainer string
	runContainer   string
	network        string
	cleanupNetwork bool
	armed          bool
}

// NewGuard returns an armed guard for the configuration's containers.
// Returns nil when autoclean is disabled; a nil guard is inert.
func NewGuard(client *docker.Client, cfg *config.Config) *Guard {
	if !cfg.AutocleanOnError {
		return nil
	}
	return &Guard{
		client:         client,
		setupContainer: cfg.SetupContainerName(),
		runContainer:   cfg.RunContainerName(),
		network:        cfg.Network(),
		armed:          true,
	}
}

// CleanupNetwork makes the guard also remove the test network.
// Off by default: the network usually outlives a failed phase so the
// next attempt can reuse it.
func (g *Guard) CleanupNetwork(value bool) {
	if g == nil {
		return
	}
	g.cleanupNetwork = value
}

// Disarm marks cleanup as no longer needed.
func (g *Guard) Disarm() {
	if g == nil {
		return
	}
	g.armed = false
}

// Release performs the cleanup if the guard is still armed. Intended
// for defer; every step is best-effort and failures are only logged.
func (g *Guard) Release() {
	if g == nil || !g.armed {
		return
	}
	log.Warn("auto-cleanup starting")
	// The phase context is likely already cancelled or expired; take a
	// fresh bounded one.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	for _, name := range []string{g.setupContainer, g.runContainer} {
		if err := g.client.StopContainer(ctx, name); err != nil {
			log.Warn("auto-cleanup could not stop container", "container", name, "error", err)
		}
		if err := g.client.RemoveContainer(ctx, name); err != nil {
			log.Warn("auto-cleanup could not remove container", "container", name, "error", err)
		}
	}
	if g.cleanupNetwork {
		if err := g.client.RemoveNetwork(ctx, g.network); err != nil {
			log.Warn("auto-cleanup could not remove network", "network", g.network, "error", err)
		}
	}
	log.Warn("auto-cleanup done")
}
