// internal/matchmaking/janitor.go
package matchmaking

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	DefaultTicketTTL       = 15 * time.Minute
	DefaultJanitorInterval = time.Minute
)

// Sweeper deletes tickets nobody has looked after since the cutoff and reports how
// many went.
type Sweeper interface {
	DeleteStaleTickets(ctx context.Context, seenBefore time.Time) (int64, error)
}

// RunJanitor removes ghost tickets left behind by clients that vanished without
// cleaning up. Hosts that are still polling refresh their ticket and are spared.
// It blocks until ctx is cancelled.
func RunJanitor(ctx context.Context, sweeper Sweeper, ttl, interval time.Duration, logger logrus.FieldLogger) {
	if ttl <= 0 {
		ttl = DefaultTicketTTL
	}
	if interval <= 0 {
		interval = DefaultJanitorInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := sweeper.DeleteStaleTickets(ctx, now.Add(-ttl))
			if err != nil {
				if ctx.Err() == nil {
					logger.WithError(err).Warn("ghost ticket sweep failed")
				}
				continue
			}
			if n > 0 {
				logger.WithField("deleted", n).Info("swept ghost tickets")
			}
		}
	}
}
