package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/charmbracelet/log"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/jsonmessage"

	"github.com/bnema/mxtester/internal/config"
)

// BuildImage builds the test image from the assembled context directory
// (the synapse root, holding the Dockerfile, module sources and worker
// resources). Build progress is streamed to progressLog.
func (c *Client) BuildImage(ctx context.Context, cfg *config.Config, contextDir string, progressLog io.Writer) error {
	buildCtx, err := archive.TarWithOptions(contextDir, &archive.TarOptions{})
	if err != nil {
		return fmt.Errorf("could not tar build context %s: %w", contextDir, err)
	}
	defer buildCtx.Close()

	options := types.ImageBuildOptions{
		Tags:        []string{cfg.Tag()},
		Remove:      true,
		NoCache:     true,
		PullParent:  true,
		AuthConfigs: registryAuth(cfg.Credentials),
	}
	log.Debug("building image", "tag", cfg.Tag(), "context", contextDir)
	resp, err := c.cli.ImageBuild(ctx, buildCtx, options)
	if err != nil {
		return fmt.Errorf("daemon refused image build: %w", err)
	}
	defer resp.Body.Close()

	// The build endpoint streams JSON messages; a build failure arrives
	// as an error message in the stream, not as an HTTP error.
	decoder := json.NewDecoder(resp.Body)
	for {
		var msg jsonmessage.JSONMessage
		if err := decoder.Decode(&msg); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("could not decode image build stream: %w", err)
		}
		if msg.Error != nil {
			return fmt.Errorf("error while building an image: %s", msg.Error.Message)
		}
		if msg.Stream != "" {
			log.Debug("image build", "output", msg.Stream)
			fmt.Fprint(progressLog, msg.Stream)
		}
		if msg.Progress != nil && msg.Progress.String() != "" {
			fmt.Fprintln(progressLog, msg.Progress.String())
		}
	}
}

// registryAuth maps the configured pull credentials into the per-server
// form the build endpoint expects. No server address, no auth.
func registryAuth(creds config.Credentials) map[string]registry.AuthConfig {
	if creds.ServerAddress == "" {
		return nil
	}
	return map[string]registry.AuthConfig{
		creds.ServerAddress: {
			Username:      creds.Username,
			Password:      creds.Password,
			ServerAddress: creds.ServerAddress,
		},
	}
}
