package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] merged over [Default]. A missing file is not an error; the node
// runs on defaults, matching upstream behaviour.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		slog.Info("config file not found, using defaults", "path", path)
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes YAML from r over the built-in defaults and validates
// the result. Decoding over the default struct gives deep-merge semantics:
// keys absent from the file keep their default values. Unknown keys are
// ignored — Lavalink configs carry Spring Boot keys the node never reads.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d is out of range [1, 65535]", cfg.Server.Port))
	}
	if cfg.Logging.Level.Root != "" && !cfg.Logging.Level.Root.IsValid() {
		errs = append(errs, fmt.Errorf("logging.level.root %q is invalid; valid values: TRACE, DEBUG, INFO, WARN, ERROR", cfg.Logging.Level.Root))
	}
	if cfg.Logging.Level.Lavalink != "" && !cfg.Logging.Level.Lavalink.IsValid() {
		errs = append(errs, fmt.Errorf("logging.level.lavalink %q is invalid; valid values: TRACE, DEBUG, INFO, WARN, ERROR", cfg.Logging.Level.Lavalink))
	}

	src := cfg.Lavalink.Server.Sources
	if !src.Youtube && !src.Soundcloud && !src.Local && !src.HTTP {
		slog.Warn("all sources are disabled; every loadtracks request will fail")
	}
	if cfg.Lavalink.Server.Password == "" {
		slog.Warn("lavalink.server.password is empty; the node accepts unauthenticated clients")
	}
	if !src.Youtube && cfg.Lavalink.Server.YoutubeSearchEnabled {
		slog.Warn("youtubeSearchEnabled is set but the youtube source is disabled; search will fall back to soundcloud")
	}

	return errors.Join(errs...)
}
