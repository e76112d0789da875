// Package cmd wires the command line to the lifecycle orchestrator.
package cmd

import (
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/bnema/mxtester/internal/config"
	"github.com/bnema/mxtester/internal/docker"
	"github.com/bnema/mxtester/internal/lifecycle"
)

var (
	cfgFile          string
	rootDir          string
	useWorkers       bool
	synapseTag       string
	registryUsername string
	registryPassword string
	registryServer   string
	noAutoclean      bool
	verbose          bool
)

var phaseStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))

var rootCmd = &cobra.Command{
	Use:   "mx-tester [build|up|run|down]...",
	Short: "Command-line tool to simplify testing bots and synapse modules",
	Long: `mx-tester provisions an ephemeral synapse homeserver in Docker, with
your modules baked into the image, runs your test script against it and
tears everything down afterwards.

Phases are run in the order given and may be repeated. Without
arguments, mx-tester runs up, run, down.`,
	Version:       "0.4.0",
	Args:          cobra.OnlyValidArgs,
	ValidArgs:     []string{"build", "up", "run", "down"},
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          execute,
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.Error("mx-tester failed", "error", err)
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVarP(&cfgFile, "config", "c", "mx-tester.yml", "file containing the test configuration")
	flags.StringVar(&rootDir, "root", "", "write all files in subdirectories of this directory (default: the system temp directory)")
	flags.BoolVar(&useWorkers, "workers", false, "use workerized synapse")
	flags.StringVar(&synapseTag, "synapse-tag", "", "use the matrixdotorg/synapse image published with this tag (default: the configured image)")
	flags.StringVarP(&registryUsername, "username", "u", "", "username for logging to the Docker registry")
	flags.StringVarP(&registryPassword, "password", "p", "", "password for logging to the Docker registry")
	flags.StringVar(&registryServer, "server", "", "server name for the Docker registry")
	flags.BoolVar(&noAutoclean, "no-autoclean-on-error", false, "do NOT clean up containers in case of error")
	flags.BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

func execute(cmd *cobra.Command, args []string) error {
	if verbose {
		log.SetLevel(log.DebugLevel)
	}
	// Tag every log line with a short invocation id, so interleaved CI
	// runs against the same daemon stay tellable apart.
	log.SetDefault(log.Default().With("run", uuid.NewString()[:8]))
	// Convenient place for registry credentials in CI.
	if err := godotenv.Load(); err == nil {
		log.Debug("loaded .env")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	applyFlags(cfg)

	phases := args
	if len(phases) == 0 {
		phases = []string{"up", "run", "down"}
	}
	log.Debug("running phases", "phases", phases, "root", cfg.TestRoot())

	client, err := docker.New()
	if err != nil {
		return err
	}
	defer client.Close()
	orchestrator := lifecycle.New(client, cfg)

	// Remember the outcome of `run` so a later `down` can pick between
	// its success and failure hooks, and so a `run` failure surfaces
	// after cleanup instead of skipping it.
	var runResult error
	haveRun := false
	for _, phase := range phases {
		fmt.Println(phaseStyle.Render("* " + phase))
		switch phase {
		case "build":
			if err := orchestrator.Build(cmd.Context()); err != nil {
				return fmt.Errorf("error in `build`: %w", err)
			}
		case "up":
			if err := orchestrator.Up(cmd.Context()); err != nil {
				return fmt.Errorf("error in `up`: %w", err)
			}
		case "run":
			haveRun = true
			runResult = orchestrator.Run(cmd.Context())
		case "down":
			status := lifecycle.StatusManual
			switch {
			case haveRun && runResult == nil:
				status = lifecycle.StatusSuccess
			case haveRun:
				status = lifecycle.StatusFailure
			}
			downErr := orchestrator.Down(cmd.Context(), status)
			if haveRun {
				// Report the `run` error first: it is the interesting
				// one.
				haveRun = false
				if runResult != nil {
					err := runResult
					runResult = nil
					return fmt.Errorf("error in `run`: %w", err)
				}
			}
			if downErr != nil {
				return fmt.Errorf("error during teardown: %w", downErr)
			}
		}
	}
	if runResult != nil {
		return fmt.Errorf("error in `run`: %w", runResult)
	}
	return nil
}

func applyFlags(cfg *config.Config) {
	if registryServer != "" {
		cfg.Credentials.ServerAddress = registryServer
	}
	if registryUsername != "" {
		cfg.Credentials.Username = registryUsername
	}
	if registryPassword != "" {
		cfg.Credentials.Password = registryPassword
	}
	if rootDir != "" {
		cfg.Directories.Root = rootDir
	}
	if useWorkers {
		cfg.Workers.Enabled = true
	}
	if synapseTag != "" {
		cfg.Synapse.Docker.Tag = "matrixdotorg/synapse:" + synapseTag
	}
	if noAutoclean {
		cfg.AutocleanOnError = false
	}
}
