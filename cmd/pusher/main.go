package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/bryanhonof/workadventure/internal/admin"
	"github.com/bryanhonof/workadventure/internal/back"
	"github.com/bryanhonof/workadventure/internal/config"
	"github.com/bryanhonof/workadventure/internal/embed"
	"github.com/bryanhonof/workadventure/internal/metrics"
	"github.com/bryanhonof/workadventure/internal/pusher"
	"github.com/bryanhonof/workadventure/internal/ws"
	"github.com/bryanhonof/workadventure/pkg/backrpc"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := zerolog.New(os.Stderr)
		bootLog.Fatal().Err(err).Msg("cannot load configuration")
	}

	log := newLogger(cfg)

	directory, err := back.NewDirectory(cfg.BackAddrs, backrpc.Dial)
	if err != nil {
		log.Fatal().Err(err).Msg("cannot build back directory")
	}
	defer directory.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	gauges := metrics.NewSet(registry)

	adminAPI := admin.NewClient(cfg.AdminAPIURL, cfg.AdminAPIToken, log)
	checker := embed.NewChecker(cfg.EmbeddedDomainsAllowList, log)

	mux := pusher.NewSessionMultiplexer(directory, adminAPI, checker, pusher.Config{
		SpacePingTimeout:      cfg.SpacePingTimeout,
		ForwardUnknownKickOff: cfg.ForwardUnknownKickOff,
		BatchSize:             cfg.BatchSize,
		BatchInterval:         cfg.BatchInterval,
	}, gauges, log)
	defer mux.Close()

	wsServer := ws.NewServer(mux, log)

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Get("/ws", wsServer.HandleClientConnection)
	router.Get("/admin/ws", wsServer.HandleAdminConnection)
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Int("backs", directory.Count()).
			Msg("pusher listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("shutdown incomplete")
	}
}

func newLogger(cfg config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var out = zerolog.New(os.Stdout)
	if cfg.LogFormat == "console" {
		out = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout})
	}
	return out.Level(level).With().Timestamp().Logger()
}
