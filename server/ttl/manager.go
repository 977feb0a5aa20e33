// Package ttl runs the background TTL bookkeeping for the replicated store:
// refreshing locally originated entries before they lapse and expiring
// entries whose originator has vanished.
package ttl

import (
	"context"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/meridianrt/meridian/pkg/log"
	"github.com/meridianrt/meridian/server/kvstore"
)

// Manager periodically refreshes and expires entries in the store.
//
// All mutation goes through the store merge path, so the manager never races
// with peer sessions or local publishers.
type Manager struct {
	store *kvstore.Store

	conf Config

	clock clock.Clock

	logger log.Logger
}

func NewManager(
	store *kvstore.Store,
	conf Config,
	clk clock.Clock,
	logger log.Logger,
) *Manager {
	if clk == nil {
		clk = clock.New()
	}
	return &Manager{
		store:  store,
		conf:   conf,
		clock:  clk,
		logger: logger.WithSubsystem("ttl"),
	}
}

// Run ticks at the configured interval until the context is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := m.clock.Ticker(m.conf.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.tick()
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) tick() {
	refreshed := m.store.RefreshLocal(m.conf.RefreshThreshold)
	if len(refreshed) > 0 {
		m.logger.Debug(
			"refreshed local entries",
			zap.Int("entries", len(refreshed)),
		)
	}

	purged := m.store.SweepExpired(m.conf.GracePeriod)
	if len(purged) > 0 {
		m.logger.Info(
			"purged expired entries",
			zap.Int("entries", len(purged)),
		)
	}
}
