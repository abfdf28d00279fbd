package commands

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/wolfeidau/modpack/internal/bundler"
	"github.com/wolfeidau/modpack/internal/config"
	"github.com/wolfeidau/modpack/internal/plugins/htmlplugin"
	"github.com/wolfeidau/modpack/internal/telemetry"
)

type Globals struct {
	Debug   bool
	Version string
}

// ConfigFlags are shared by every command that loads a project
type ConfigFlags struct {
	Config    string `help:"YAML/JSON config file path" default:"modpack.yaml" env:"MODPACK_CONFIG" type:"path"`
	OutDir    string `help:"override output.dir" env:"MODPACK_OUT_DIR"`
	CSS       string `help:"override stylesheet handling: extract or inline" enum:"config,extract,inline" default:"config" env:"MODPACK_CSS"`
	Telemetry bool   `help:"export traces and metrics over OTLP" default:"false" env:"MODPACK_TELEMETRY"`
}

// load reads the config file and applies flag overrides
func (f *ConfigFlags) load() (*config.Config, error) {
	cfg, err := config.Load(f.Config)
	if err != nil {
		return nil, err
	}

	if f.OutDir != "" {
		cfg.Output.Dir = f.OutDir
	}
	switch f.CSS {
	case "extract":
		cfg.ExtractCSS = true
	case "inline":
		cfg.ExtractCSS = false
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", f.Config, err)
	}
	return cfg, nil
}

// initTelemetry starts the OTLP providers when enabled and returns a func
// that flushes them.
func (f *ConfigFlags) initTelemetry(ctx context.Context, log zerolog.Logger, version string) func() {
	shutdown, err := telemetry.Init(ctx, f.Telemetry, "modpack", version)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize telemetry, continuing without metrics")
		return func() {}
	}
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Failed to shutdown telemetry")
		}
	}
}

// newBundler wires the built-in plugins into a bundler for cfg
func newBundler(cfg *config.Config, log zerolog.Logger) (*bundler.Bundler, error) {
	b := bundler.New(cfg, bundler.WithLogger(log))
	if err := b.Use(htmlplugin.New(cfg)); err != nil {
		return nil, fmt.Errorf("failed to register html plugin: %w", err)
	}
	return b, nil
}

func configureHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Minute,
		IdleTimeout:       5 * time.Minute,
		MaxHeaderBytes:    8 * 1024, // 8KiB
	}
}
