package cmd

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/inference-sim/inference-serve/engine"
	"github.com/inference-sim/inference-serve/server"
)

// FileConfig is the YAML configuration file layout.
// All top-level sections must be listed to satisfy KnownFields(true) strict parsing.
type FileConfig struct {
	engine.Config `yaml:",inline"`
	Server        server.Config `yaml:"server"`
}

// DefaultFileConfig returns the configuration used when no file or flag overrides a value.
func DefaultFileConfig() FileConfig {
	return FileConfig{Config: engine.DefaultConfig(), Server: server.DefaultConfig()}
}

// LoadConfig reads path on top of the defaults. Keys missing from the file keep
// their default; unknown keys are errors. An empty path returns the defaults.
func LoadConfig(path string) (FileConfig, error) {
	cfg := DefaultFileConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	// Strict field checking: typos must cause errors.
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the engine and server sections together.
func (c FileConfig) Validate() error {
	var errs []error
	if err := c.Config.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be in [0, 65535], got %d", c.Server.Port))
	}
	if c.Server.MaxBodyBytes <= 0 {
		errs = append(errs, fmt.Errorf("server.max_body_bytes must be > 0, got %d", c.Server.MaxBodyBytes))
	}
	return errors.Join(errs...)
}
