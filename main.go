package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"tradeloop/api"
	"tradeloop/config"
	"tradeloop/events"
	"tradeloop/store"
	"tradeloop/stream"
)

func main() {
	cfg := config.Load()

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).
		With().Timestamp().Logger()

	if err := store.Init(cfg.DataDir); err != nil {
		log.Fatal().Err(err).Msg("database init failed")
	}
	defer store.Close()

	hub := events.NewHub(log)
	go hub.Run()

	supervisor := stream.NewSupervisor(cfg, hub, log)
	supervisor.AutoResume()

	server := &http.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: api.NewServer(supervisor, hub, log).Handler(),
	}
	go func() {
		log.Info().Str("addr", server.Addr).Msg("api listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("api server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("api shutdown incomplete")
	}
	supervisor.Shutdown()
	log.Info().Msg("stopped")
}
