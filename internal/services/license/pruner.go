// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package license

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const DefaultPruneInterval = 10 * time.Minute

type SessionPruner interface {
	PruneExpired(ctx context.Context, now time.Time) (int64, error)
}

// Pruner periodically deletes expired sessions of licenses nobody is using.
// Issuance sweeps its own license, so this only bounds table growth.
type Pruner struct {
	store    SessionPruner
	interval time.Duration
	now      func() time.Time

	mu        sync.RWMutex
	lastRun   time.Time
	lastCount int64
}

func NewPruner(store SessionPruner, interval time.Duration) *Pruner {
	if interval <= 0 {
		interval = DefaultPruneInterval
	}
	return &Pruner{
		store:    store,
		interval: interval,
		now:      time.Now,
	}
}

// Run prunes once immediately and then on every tick until ctx is done.
func (p *Pruner) Run(ctx context.Context) {
	p.prune(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.prune(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (p *Pruner) prune(ctx context.Context) {
	now := p.now().UTC()
	n, err := p.store.PruneExpired(ctx, now)
	if err != nil {
		if ctx.Err() == nil {
			log.Warn().Err(err).Msg("Failed to prune expired sessions")
		}
		return
	}

	p.mu.Lock()
	p.lastRun = now
	p.lastCount = n
	p.mu.Unlock()

	if n > 0 {
		log.Debug().Int64("removed", n).Msg("Pruned expired sessions")
	}
}

// LastRun reports when the last successful prune ran and how many rows it
// removed.
func (p *Pruner) LastRun() (time.Time, int64) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastRun, p.lastCount
}
