package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/wolfeidau/modpack/internal/config"
	"github.com/wolfeidau/modpack/internal/devserver"
	"github.com/wolfeidau/modpack/internal/logger"
	"github.com/wolfeidau/modpack/internal/watch"
	"golang.org/x/sync/errgroup"
)

type ServeCmd struct {
	ConfigFlags `embed:""`

	Listen string `help:"override devServer.listen" env:"MODPACK_LISTEN"`
	NoHot  bool   `help:"disable hot replacement, reload the page on every change" env:"MODPACK_NO_HOT"`
	Open   bool   `help:"open a browser once the first build is served" env:"MODPACK_OPEN"`
	Static string `help:"directory served for paths that are not build output" type:"path" env:"MODPACK_STATIC"`
}

func (c *ServeCmd) Run(ctx context.Context, globals *Globals) error {
	log := logger.Setup(globals.Debug)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := c.loadServe()
	if err != nil {
		return err
	}

	flush := c.initTelemetry(ctx, log, globals.Version)
	defer flush()

	b, err := newBundler(cfg, log)
	if err != nil {
		return err
	}

	srv := devserver.New(b, devserver.Options{
		Hot:         cfg.DevServer.Hot,
		WriteToDisk: cfg.DevServer.WriteToDisk,
		OutputDir:   cfg.OutputDir(),
		StaticDir:   c.Static,
		CORSOrigins: cfg.DevServer.CORSOrigins,
		ConfigPath:  c.Config,
		Reload: func() (*devserver.Reloaded, error) {
			next, err := c.loadServe()
			if err != nil {
				return nil, err
			}
			nb, err := newBundler(next, log)
			if err != nil {
				return nil, err
			}
			if fixed := restartRequired(cfg, next); len(fixed) > 0 {
				log.Warn().Strs("settings", fixed).Msg("Restart the dev server to apply these settings")
			}
			log.Info().Str("config", c.Config).Msg("Configuration reloaded")
			return &devserver.Reloaded{
				Builder:     nb,
				Hot:         next.DevServer.Hot,
				WriteToDisk: next.DevServer.WriteToDisk,
				CORSOrigins: next.DevServer.CORSOrigins,
			}, nil
		},
		Logger: &log,
	})

	watcher, err := watch.New(watch.Config{
		BaseDir:  cfg.WatchRoot(),
		Ignore:   watchIgnores(cfg),
		Debounce: cfg.DevServer.Debounce,
		OnChange: srv.Notify,
	})
	if err != nil {
		return fmt.Errorf("failed to watch %s: %w", cfg.WatchRoot(), err)
	}
	if !within(cfg.WatchRoot(), c.Config) {
		log.Warn().Str("config", c.Config).Msg("Config file is outside the watch root, changes to it are not picked up")
	}

	ln, err := net.Listen("tcp", cfg.DevServer.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.DevServer.Listen, err)
	}
	httpServer := configureHTTPServer(cfg.DevServer.Listen, srv.Handler())
	baseURL := "http://" + ln.Addr().String() + "/"

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.Run(gctx)
	})
	g.Go(func() error {
		return watcher.Run(gctx)
	})
	g.Go(func() error {
		log.Info().Str("url", baseURL).Bool("hot", cfg.DevServer.Hot).Msg("Starting dev server")
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("dev server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	if cfg.DevServer.Open {
		g.Go(func() error {
			openCtx := log.WithContext(gctx)
			if err := devserver.OpenBrowser(openCtx, baseURL, devserver.SystemOpener); err != nil && gctx.Err() == nil {
				log.Warn().Err(err).Msg("Failed to open browser")
			}
			return nil
		})
	}

	err = g.Wait()
	log.Info().Msg("Dev server stopped")
	return err
}

// loadServe loads the config and applies the serve specific flags
func (c *ServeCmd) loadServe() (*config.Config, error) {
	cfg, err := c.load()
	if err != nil {
		return nil, err
	}
	if c.Listen != "" {
		cfg.DevServer.Listen = c.Listen
	}
	if c.NoHot {
		cfg.DevServer.Hot = false
	}
	if c.Open {
		cfg.DevServer.Open = true
	}
	return cfg, nil
}

// restartRequired lists the settings that changed between prev and next but
// are fixed for the life of the dev server
func restartRequired(prev, next *config.Config) []string {
	var out []string
	if prev.DevServer.Listen != next.DevServer.Listen {
		out = append(out, "devServer.listen")
	}
	if prev.WatchRoot() != next.WatchRoot() {
		out = append(out, "devServer.watchRoot")
	}
	if prev.DevServer.Debounce != next.DevServer.Debounce {
		out = append(out, "devServer.debounce")
	}
	if prev.OutputDir() != next.OutputDir() {
		out = append(out, "output.dir")
	}
	return out
}

// watchIgnores keeps build output from triggering rebuilds when it is
// written inside the watched tree.
func watchIgnores(cfg *config.Config) []string {
	root, out := cfg.WatchRoot(), cfg.OutputDir()
	if !within(root, out) {
		return nil
	}
	rel, err := filepath.Rel(root, out)
	if err != nil || rel == "." {
		return nil
	}
	rel = filepath.ToSlash(rel)
	return []string{rel, rel + "/**"}
}

func within(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
