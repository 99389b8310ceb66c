package main

import (
	"context"
	"fmt"

	"github.com/jason-s-yu/anonchat/internal/auth"
	"github.com/jason-s-yu/anonchat/internal/config"
	"github.com/jason-s-yu/anonchat/internal/database"
	"github.com/jason-s-yu/anonchat/internal/matchmaking"
	"github.com/jason-s-yu/anonchat/internal/memory"
	"github.com/jason-s-yu/anonchat/internal/realtime"
	"github.com/jason-s-yu/anonchat/internal/room"
	"github.com/sirupsen/logrus"
)

// backendStore is everything the server needs from a rendezvous store.
type backendStore interface {
	matchmaking.Store
	matchmaking.Sweeper
	room.Store
	auth.BanChecker
}

// backendBus is everything the server needs from a notification channel.
type backendBus interface {
	matchmaking.Channel
	matchmaking.PresenceChannel
	room.Subscriber
}

type backend struct {
	store backendStore
	bus   backendBus
	close func()
}

func openBackend(ctx context.Context, cfg *config.Config, logger logrus.FieldLogger) (*backend, error) {
	if cfg.Backend == config.BackendMemory {
		logger.Warn("running single-node in-memory backend; state is lost on restart")
		bus := memory.NewBus()
		return &backend{store: memory.NewStore(bus), bus: bus, close: func() {}}, nil
	}

	pool, err := database.Connect(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	rdb, err := realtime.Connect(ctx, cfg.RedisURL)
	if err != nil {
		pool.Close()
		return nil, err
	}
	channel := realtime.NewChannel(rdb, logger)

	return &backend{
		store: realtime.NewCapturingStore(database.NewStore(pool), channel, logger),
		bus:   channel,
		close: func() {
			_ = rdb.Close()
			pool.Close()
		},
	}, nil
}

func newStrategy(cfg *config.Config, b *backend) matchmaking.MatchStrategy {
	if cfg.Strategy == config.StrategyPresence {
		return matchmaking.NewPresenceStrategy(b.bus, b.store, matchmaking.PresenceOptions{})
	}
	return matchmaking.NewTicketStrategy(b.store, b.bus, matchmaking.TicketOptions{
		PollInterval:     cfg.PollInterval,
		ResearchInterval: cfg.ResearchInterval,
		ResearchBurst:    cfg.ResearchBurst,
		TouchInterval:    cfg.TicketTTL / 3,
	})
}

func newIssuer(cfg *config.Config, bans auth.BanChecker) (*auth.Issuer, error) {
	if cfg.PrivateKeyPath != "" {
		return auth.NewIssuerFromPath(cfg.PrivateKeyPath, cfg.PublicKeyPath, cfg.TokenTTL, bans)
	}
	return auth.NewIssuer(cfg.TokenTTL, bans)
}
