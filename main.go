// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/TiltMeSenpai/proxy-project/pkg/certauthority"
	"github.com/TiltMeSenpai/proxy-project/pkg/config"
	"github.com/TiltMeSenpai/proxy-project/pkg/eventbus"
	"github.com/TiltMeSenpai/proxy-project/pkg/proxy"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatal().Err(err).Str("log_level", cfg.LogLevel).Msg("invalid log level")
	}
	log.Logger = log.Level(level)

	ca, err := certauthority.LoadOrCreate(cfg.CertPath, cfg.KeyPath,
		certauthority.WithLogger(log.Logger),
		certauthority.WithCache(cfg.CertCacheTTL),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load or create certificate authority")
	}

	bus := eventbus.New(cfg.EventBuffer, log.Logger)
	defer bus.Shutdown()

	p := proxy.New(cfg, ca, bus, log.Logger)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		log.Fatal().Err(err).Str("listen_addr", cfg.ListenAddr).Msg("failed to bind listen address")
	}

	go func() {
		log.Info().Str("listen_addr", cfg.ListenAddr).Msg("starting intercepting proxy")
		if err := p.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("proxy server exited unexpectedly")
		}
	}()

	waitForShutdown(context.Background(), p, cfg.GracefulShutdownTimeout)
}

// waitForShutdown blocks until SIGINT/SIGTERM, then gracefully stops the
// proxy: no new connections are accepted, and in-flight ones get up to
// timeout to finish before being force-closed.
func waitForShutdown(ctx context.Context, p *proxy.Proxy, timeout time.Duration) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	<-stop

	log.Info().Msg("shutting down intercepting proxy")

	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := p.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}

	log.Info().Msg("proxy stopped")
}
