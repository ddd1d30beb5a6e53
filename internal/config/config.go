// Package config provides the configuration schema and loader for a Cinder
// node. The YAML layout is kept compatible with upstream Lavalink
// application.yml files, so an existing deployment's config can be pointed at
// a Cinder node unchanged. Keys the node does not consume (most of the
// spring.* tree) are tolerated and ignored.
package config

import (
	"log/slog"
	"strings"
)

// LogLevel controls log verbosity. Upstream configs write these in upper
// case (INFO, DEBUG); matching is case-insensitive.
type LogLevel string

const (
	LogTrace LogLevel = "TRACE"
	LogDebug LogLevel = "DEBUG"
	LogInfo  LogLevel = "INFO"
	LogWarn  LogLevel = "WARN"
	LogError LogLevel = "ERROR"
)

// Slog maps the level to its slog equivalent. Matching is case-insensitive
// like [LogLevel.IsValid]; slog has no trace level, so TRACE collapses into
// debug. Unrecognised levels fall back to info.
func (l LogLevel) Slog() slog.Level {
	switch LogLevel(strings.ToUpper(string(l))) {
	case LogTrace, LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch LogLevel(strings.ToUpper(string(l))) {
	case LogTrace, LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure, loaded from application.yml
// over the built-in defaults via [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Lavalink LavalinkConfig `yaml:"lavalink"`
	Logging  LoggingConfig  `yaml:"logging"`
	Spring   SpringConfig   `yaml:"spring"`
}

// ServerConfig holds the listen address for the combined HTTP/WebSocket server.
type ServerConfig struct {
	// Address is the bind address (e.g. "0.0.0.0").
	Address string `yaml:"address"`

	// Port is the TCP port serving both REST and the client WebSocket.
	Port int `yaml:"port"`
}

// LavalinkConfig nests the node settings under the upstream lavalink.server key.
type LavalinkConfig struct {
	Server NodeConfig `yaml:"server"`
}

// NodeConfig holds the node's behavioural settings.
type NodeConfig struct {
	// Password is required in the Authorization header of every REST request
	// and WebSocket upgrade. Empty disables authentication.
	Password string `yaml:"password"`

	// Sources toggles each track source.
	Sources SourcesConfig `yaml:"sources"`

	// YoutubeSearchEnabled allows ytsearch: identifiers.
	YoutubeSearchEnabled bool `yaml:"youtubeSearchEnabled"`

	// SoundcloudSearchEnabled allows scsearch: identifiers and the search
	// fallback when youtube search is disabled.
	SoundcloudSearchEnabled bool `yaml:"soundcloudSearchEnabled"`
}

// SourcesConfig gates the individual audio sources.
type SourcesConfig struct {
	Youtube    bool `yaml:"youtube"`
	Soundcloud bool `yaml:"soundcloud"`
	Local      bool `yaml:"local"`
	HTTP       bool `yaml:"http"`
}

// LoggingConfig mirrors the upstream logging.level block.
type LoggingConfig struct {
	Level LogLevels `yaml:"level"`
}

// LogLevels holds per-component log levels. Lavalink overrides Root for the
// node's own subsystems when set.
type LogLevels struct {
	Root     LogLevel `yaml:"root"`
	Lavalink LogLevel `yaml:"lavalink"`
}

// Effective returns the level the node's own loggers should use.
func (l LogLevels) Effective() LogLevel {
	if l.Lavalink != "" {
		return l.Lavalink
	}
	if l.Root != "" {
		return l.Root
	}
	return LogInfo
}

// SpringConfig captures the single spring.* key the node honours.
type SpringConfig struct {
	Main SpringMainConfig `yaml:"main"`
}

// SpringMainConfig controls the startup banner. "off" suppresses it.
type SpringMainConfig struct {
	BannerMode string `yaml:"banner-mode"`
}

// Default returns the built-in defaults a loaded file is merged over.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address: "0.0.0.0",
			Port:    2333,
		},
		Lavalink: LavalinkConfig{
			Server: NodeConfig{
				Sources: SourcesConfig{
					Youtube:    true,
					Soundcloud: true,
					Local:      false,
					HTTP:       true,
				},
				YoutubeSearchEnabled:    true,
				SoundcloudSearchEnabled: true,
			},
		},
		Logging: LoggingConfig{
			Level: LogLevels{Root: LogInfo},
		},
	}
}
