// Command cinder runs a standalone audio streaming node speaking the
// Lavalink v3 wire protocol: a WebSocket control channel and a REST
// side-channel on one port, playing into Discord voice servers.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cinderaudio/cinder/internal/config"
	"github.com/cinderaudio/cinder/internal/gateway"
	"github.com/cinderaudio/cinder/internal/health"
	"github.com/cinderaudio/cinder/internal/observe"
	"github.com/cinderaudio/cinder/internal/pool"
	"github.com/cinderaudio/cinder/internal/queue"
	"github.com/cinderaudio/cinder/internal/rest"
	"github.com/cinderaudio/cinder/internal/source"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

const banner = `
        _           _
   ___ (_)_ __   __| | ___ _ __
  / __|| | '_ \ / _` + "`" + ` |/ _ \ '__|
 | (__ | | | | | (_| |  __/ |
  \___||_|_| |_|\__,_|\___|_|
`

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "application.yml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	// A missing file is not an error; the node runs on defaults.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cinder: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.Logging.Level.Effective().Slog(),
	}))
	slog.SetDefault(logger)

	if cfg.Spring.Main.BannerMode != "off" {
		fmt.Print(banner, "\n")
	}
	slog.Info("cinder starting",
		"version", version,
		"config", *configPath,
		"address", cfg.Server.Address,
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level.Effective(),
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "cinder",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Node assembly ─────────────────────────────────────────────────────────
	node := cfg.Lavalink.Server
	sources := source.NewManager(node)
	slog.Info("sources configured",
		"youtube", node.Sources.Youtube,
		"soundcloud", node.Sources.Soundcloud,
		"local", node.Sources.Local,
		"http", node.Sources.HTTP,
		"youtube_search", node.YoutubeSearchEnabled,
		"soundcloud_search", node.SoundcloudSearchEnabled,
	)

	// The gateway needs the pool for dispatch and the pool needs the
	// gateway's emitter; break the cycle by wiring the pool in afterwards.
	gw := gateway.New(node.Password, nil)
	workers := pool.New(0, sources, queue.DefaultConfig(), gw.Emit, gw.VoiceLookup)
	gw.SetPool(workers)

	checks := health.New(
		health.Checker{Name: "workers", Check: func(context.Context) error {
			if workers.Size() == 0 {
				return errors.New("worker pool is empty")
			}
			return nil
		}},
	)

	api := rest.New(node.Password, sources, gw, checks)
	addr := net.JoinHostPort(cfg.Server.Address, strconv.Itoa(cfg.Server.Port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ── Serve ─────────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return gw.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})

	slog.Info("node ready — press Ctrl+C to shut down")

	exit := 0
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("node error", "err", err)
		exit = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	workers.Shutdown()
	shutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := otelShutdown(shutCtx); err != nil {
		slog.Warn("telemetry shutdown", "err", err)
	}

	slog.Info("goodbye")
	return exit
}
