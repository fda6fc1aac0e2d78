// Command agorusta runs the chat fan-out service: the websocket push
// endpoint, the REST message API, and the background maintenance loops, all
// backed by a single Pebble database.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/NTitterton/agorusta/internal/auth"
	"github.com/NTitterton/agorusta/internal/config"
	"github.com/NTitterton/agorusta/internal/directory"
	"github.com/NTitterton/agorusta/internal/dispatch"
	"github.com/NTitterton/agorusta/internal/server"
	"github.com/NTitterton/agorusta/internal/store"
	"github.com/NTitterton/agorusta/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	// Missing .env is fine; the environment may be set by the runtime.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fallback := zerolog.New(os.Stderr)
		fallback.Fatal().Err(err).Msg("loading configuration")
	}

	log := newLogger(cfg.LogLevel)
	log.Info().Str("listen_addr", cfg.ListenAddr).Str("data_dir", cfg.DataDir).Msg("starting agorusta")

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("service failed")
	}
	log.Info().Msg("shutdown complete")
}

func run(cfg config.Config, log zerolog.Logger) error {
	db, err := pebble.Open(cfg.DataDir, &pebble.Options{})
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error().Err(err).Msg("closing database")
		}
	}()

	metrics := telemetry.New()
	verifier := auth.NewVerifier(cfg.JWTSecret)
	dir := directory.New(db, cfg.ConnectionTTL, log)
	st := store.New(db, log)

	hub := server.NewHub(dir, metrics, log)
	go hub.Run()

	dispatcher := dispatch.New(dir, hub, metrics, log, cfg.Dispatch.Workers, cfg.Dispatch.QueueSize)
	dispatcher.Start()

	janitorCtx, stopJanitor := context.WithCancel(context.Background())
	go dir.RunJanitor(janitorCtx, cfg.SweepInterval)

	srv := server.New(cfg, verifier, dir, st, dispatcher, hub, metrics, log)
	httpServer := server.NewHTTPServer(cfg.ListenAddr, srv.Router())

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		stopJanitor()
		return err
	}

	// Stop accepting work first, then drain the push side.
	if err := server.ShutdownHTTPServer(httpServer, shutdownTimeout); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	if err := hub.Shutdown(shutdownTimeout); err != nil {
		log.Error().Err(err).Msg("hub shutdown")
	}
	dispatcher.Stop()
	stopJanitor()
	return nil
}

func newLogger(level string) zerolog.Logger {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		parsed = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).Level(parsed).With().Timestamp().Logger()
}
