package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jason-s-yu/anonchat/internal/config"
	"github.com/jason-s-yu/anonchat/internal/events"
	"github.com/jason-s-yu/anonchat/internal/handlers"
	"github.com/jason-s-yu/anonchat/internal/matchmaking"
	"github.com/sirupsen/logrus"
)

func newLogger(cfg *config.Config) *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(cfg.Level())
	if cfg.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.close()

	issuer, err := newIssuer(cfg, b.store)
	if err != nil {
		return err
	}

	var audit events.Publisher = events.NopPublisher{}
	if cfg.AMQPURL != "" {
		p, err := events.DialAMQP(cfg.AMQPURL, cfg.AMQPQueue, logger)
		if err != nil {
			logger.Warnf("audit feed disabled: %v", err)
		} else {
			audit = p
		}
	}
	defer audit.Close()

	engine := matchmaking.NewEngine(newStrategy(cfg, b), logger)
	go matchmaking.RunJanitor(ctx, b.store, cfg.TicketTTL, cfg.JanitorInterval, logger)

	server := &handlers.Server{
		Engine:         engine,
		Issuer:         issuer,
		Rooms:          b.store,
		RoomEvents:     b.bus,
		Audit:          audit,
		Logger:         logger,
		OriginPatterns: cfg.AllowedOrigins,
	}
	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithFields(logrus.Fields{
			"addr":     cfg.Addr(),
			"backend":  cfg.Backend,
			"strategy": engine.Strategy(),
		}).Info("listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	engine.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
