package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/hitushen/mcseeker/internal/config"
	"github.com/hitushen/mcseeker/internal/server"
	"github.com/hitushen/mcseeker/internal/store"
)

func main() {
	logger := newLogger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("config")
	}

	st, err := store.New(cfg.DBPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("store")
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := st.EnsureAdmin(ctx, cfg.AdminUser, cfg.AdminPassword); err != nil {
		logger.Fatal().Err(err).Msg("ensure admin")
	}

	srv, err := server.New(cfg, st, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("server init")
	}
	defer srv.Close()

	// 启动时把配置的网段排入扫描队列。
	for _, cidr := range cfg.ScanRanges {
		if _, err := srv.Scanner().Enqueue(cidr, cfg.PortStart, cfg.PortEnd); err != nil {
			logger.Error().Str("cidr", cidr).Err(err).Msg("enqueue initial range")
		}
	}

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: srv.Handler(),
	}

	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("mcseeker listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server")
		}
	}()

	// 优雅地关闭服务
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	logger.Info().Msg("shutting down...")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}
}

func newLogger() zerolog.Logger {
	level := zerolog.InfoLevel
	if raw := os.Getenv("LOG_LEVEL"); raw != "" {
		if parsed, err := zerolog.ParseLevel(raw); err == nil {
			level = parsed
		}
	}
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}
