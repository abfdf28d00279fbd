package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/wolfeidau/modpack/internal/bundler"
	"github.com/wolfeidau/modpack/internal/logger"
)

type BuildCmd struct {
	ConfigFlags `embed:""`

	out io.Writer
}

func (c *BuildCmd) Run(ctx context.Context, globals *Globals) error {
	log := logger.Setup(globals.Debug)

	out := c.out
	if out == nil {
		out = os.Stdout
	}

	cfg, err := c.load()
	if err != nil {
		return err
	}

	flush := c.initTelemetry(ctx, log, globals.Version)
	defer flush()

	b, err := newBundler(cfg, log)
	if err != nil {
		return err
	}

	snap, err := b.Build(ctx, nil, nil)
	if err != nil {
		return fmt.Errorf("build failed: %w", err)
	}

	for _, w := range snap.Warnings {
		log.Warn().Str("build_id", snap.ID).Msg(w.String())
	}

	dir := cfg.OutputDir()
	files, err := bundler.Write(snap, dir, cfg.Output.Clean)
	if err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}

	for _, f := range files {
		rel, err := filepath.Rel(cfg.Root, f)
		if err != nil {
			rel = f
		}
		fmt.Fprintln(out, rel)
	}
	fmt.Fprintf(out, "\n%d files written to %s in %s\n", len(files), dir, snap.Duration.Round(time.Millisecond))

	return nil
}
