package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads a YAML or JSON configuration file over the defaults. The root
// directory is resolved relative to the file's directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()

	// Determine file format by extension
	if strings.HasSuffix(strings.ToLower(path), ".json") {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	}

	if !filepath.IsAbs(cfg.Root) {
		cfg.Root = filepath.Join(filepath.Dir(path), cfg.Root)
	}

	return cfg, cfg.Absolute()
}

// Absolute rewrites Root to an absolute, cleaned path
func (c *Config) Absolute() error {
	root, err := filepath.Abs(c.Root)
	if err != nil {
		return fmt.Errorf("failed to resolve root directory: %w", err)
	}
	c.Root = root
	return nil
}

// UnmarshalJSON decodes the dev server section, reading debounce the same way
// YAML does
func (d *DevServer) UnmarshalJSON(data []byte) error {
	type plain DevServer
	aux := struct {
		*plain
		Debounce json.RawMessage `json:"debounce"`
	}{plain: (*plain)(d)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if len(aux.Debounce) == 0 || string(aux.Debounce) == "null" {
		return nil
	}

	var s string
	if err := json.Unmarshal(aux.Debounce, &s); err == nil {
		debounce, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("devServer.debounce: %w", err)
		}
		d.Debounce = debounce
		return nil
	}

	var ns int64
	if err := json.Unmarshal(aux.Debounce, &ns); err != nil {
		return fmt.Errorf("devServer.debounce must be a duration string or nanoseconds: %s", aux.Debounce)
	}
	d.Debounce = time.Duration(ns)
	return nil
}
