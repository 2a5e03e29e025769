package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/wakefleet/wakefleet/internal/config"
	"github.com/wakefleet/wakefleet/internal/server"
	"github.com/wakefleet/wakefleet/internal/storage"
)

func main() {
	log := newLogger("console", "info")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	log = newLogger(cfg.LogFormat, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(ctx, storage.Config{Type: cfg.DBType, URL: cfg.DatabaseURL}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}

	srv, err := server.New(ctx, cfg, store, clockwork.NewRealClock(), log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to assemble server")
	}

	if err := srv.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("server error")
	}
	log.Info().Msg("server stopped")
}

func newLogger(format, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	var log zerolog.Logger
	if format == "json" {
		log = zerolog.New(os.Stderr)
	} else {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	return log.Level(lvl).With().Timestamp().Logger()
}
