// Package script executes user-declared shell scripts, capturing their
// output to per-stage log files.
package script

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/bnema/mxtester/internal/config"
	"github.com/bnema/mxtester/internal/logstream"
)

// shell returns the shell used to interpret script lines.
func shell() string {
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return "/bin/sh"
}

// Run executes the script's lines in order, each in its own
// subprocess sharing the given environment map. The first failing line
// aborts the rest. Stdout and stderr are captured to
// <logDir>/<stage>.out and <logDir>/<stage>.log and mirrored to the
// process logger.
func Run(ctx context.Context, s *config.Script, stage, logDir string, env map[string]string) error {
	if s.IsEmpty() {
		return nil
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return fmt.Errorf("could not create script log directory %s: %w", logDir, err)
	}
	outPath := filepath.Join(logDir, stage+".out")
	errPath := filepath.Join(logDir, stage+".log")
	// Start each stage from a clean capture.
	os.Remove(outPath)
	os.Remove(errPath)

	log.Info("running script", "stage", stage, "capture", logDir)
	for _, line := range s.Lines {
		log.Info("script line", "stage", stage, "line", line)
		if err := runLine(ctx, stage, line, outPath, errPath, env); err != nil {
			return fmt.Errorf("error within line `%s`: %w", line, err)
		}
	}
	log.Info("script success", "stage", stage)
	return nil
}

func runLine(ctx context.Context, stage, line, outPath, errPath string, env map[string]string) error {
	cmd := exec.CommandContext(ctx, shell(), "-c", line)
	cmd.Env = os.Environ()
	for key, value := range env {
		cmd.Env = append(cmd.Env, key+"="+value)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("could not open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("could not open stderr pipe: %w", err)
	}

	outStream, err := logstream.New(stage, outPath)
	if err != nil {
		return err
	}
	errStream, err := logstream.New(stage, errPath)
	if err != nil {
		outStream.Close()
		return err
	}

	if err := cmd.Start(); err != nil {
		outStream.Close()
		errStream.Close()
		return fmt.Errorf("could not spawn process: %w", err)
	}

	// Drain both pipes concurrently so a full pipe buffer on one
	// stream cannot deadlock the child.
	var g errgroup.Group
	g.Go(func() error { return outStream.Follow(stdout) })
	g.Go(func() error { return errStream.Follow(stderr) })
	drainErr := g.Wait()

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("script line failed: %w", err)
	}
	return drainErr
}
