package config_test

import (
	"log/slog"
	"strings"
	"testing"

	"github.com/cinderaudio/cinder/internal/config"
)

func TestLoadFromReader_MergesOverDefaults(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  port: 8080
lavalink:
  server:
    password: "hunter2"
    sources:
      local: true
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Server.Address != "0.0.0.0" {
		t.Errorf("address should keep default, got %q", cfg.Server.Address)
	}
	if !cfg.Lavalink.Server.Sources.Local {
		t.Error("sources.local should be enabled")
	}
	if !cfg.Lavalink.Server.Sources.HTTP {
		t.Error("sources.http should keep its default of true")
	}
	if cfg.Lavalink.Server.Password != "hunter2" {
		t.Errorf("password = %q", cfg.Lavalink.Server.Password)
	}
}

func TestLoadFromReader_IgnoresSpringKeys(t *testing.T) {
	t.Parallel()
	yaml := `
spring:
  main:
    banner-mode: "off"
  application:
    name: lavalink
logging:
  file:
    path: ./logs/
  level:
    root: WARN
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unknown keys must be tolerated: %v", err)
	}
	if cfg.Spring.Main.BannerMode != "off" {
		t.Errorf("banner-mode = %q, want off", cfg.Spring.Main.BannerMode)
	}
	if cfg.Logging.Level.Effective() != config.LogWarn {
		t.Errorf("effective level = %q, want WARN", cfg.Logging.Level.Effective())
	}
}

func TestLoadFromReader_InvalidPort(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("server:\n  port: 123456\n"))
	if err == nil {
		t.Fatal("expected error for out-of-range port")
	}
	if !strings.Contains(err.Error(), "server.port") {
		t.Errorf("error should mention server.port, got: %v", err)
	}
}

func TestLoadFromReader_InvalidLogLevel(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("logging:\n  level:\n    root: chatty\n"))
	if err == nil {
		t.Fatal("expected error for invalid log level")
	}
	if !strings.Contains(err.Error(), "logging.level.root") {
		t.Errorf("error should mention logging.level.root, got: %v", err)
	}
}

func TestLogLevel_SlogIgnoresCase(t *testing.T) {
	t.Parallel()
	want := map[config.LogLevel]slog.Level{
		"TRACE":   slog.LevelDebug,
		"trace":   slog.LevelDebug,
		"debug":   slog.LevelDebug,
		"warn":    slog.LevelWarn,
		"Error":   slog.LevelError,
		"INFO":    slog.LevelInfo,
		"unknown": slog.LevelInfo,
	}
	for l, lvl := range want {
		if got := l.Slog(); got != lvl {
			t.Errorf("%q.Slog() = %v, want %v", l, got, lvl)
		}
	}
}

func TestEffectiveLevel_LavalinkOverridesRoot(t *testing.T) {
	t.Parallel()
	l := config.LogLevels{Root: config.LogInfo, Lavalink: config.LogDebug}
	if l.Effective() != config.LogDebug {
		t.Errorf("effective = %q, want DEBUG", l.Effective())
	}
	if (config.LogLevels{}).Effective() != config.LogInfo {
		t.Error("empty levels should default to INFO")
	}
}
