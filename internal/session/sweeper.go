package session

import (
	"context"
	"time"

	"go.uber.org/zap"

	"seat-service/internal/model"
	"seat-service/internal/util"
)

// Sweeper periodically tears down sessions whose absolute lifetime has
// passed or that have gone idle past the configured timeout. Each teardown
// returns the session's seat to the pool.
type Sweeper struct {
	manager     *Manager
	interval    time.Duration
	idleTimeout time.Duration
	now         func() time.Time
}

func NewSweeper(manager *Manager, interval, idleTimeout time.Duration) *Sweeper {
	return &Sweeper{
		manager:     manager,
		interval:    interval,
		idleTimeout: idleTimeout,
		now:         time.Now,
	}
}

// Run blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	util.Info("Session sweeper started",
		zap.Duration("interval", s.interval),
		zap.Duration("idle_timeout", s.idleTimeout))

	for {
		select {
		case <-ctx.Done():
			util.Info("Session sweeper stopped")
			return ctx.Err()
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pass over the active sessions.
func (s *Sweeper) Sweep(ctx context.Context) {
	active, err := s.manager.sessions.ListActive()
	if err != nil {
		util.Error("Sweep failed to list active sessions", zap.Error(err))
		return
	}

	now := s.now().UTC()
	expired, idled := 0, 0

	for _, session := range active {
		switch {
		case session.IsExpired(now):
			if err := s.manager.expire(ctx, session.ID, model.ReasonExpired); err != nil {
				util.Error("Failed to expire session",
					zap.String("session_id", session.ID),
					zap.Error(err))
				continue
			}
			expired++
		case s.idleTimeout > 0 && now.Sub(session.LastActivity) >= s.idleTimeout:
			if err := s.manager.expire(ctx, session.ID, model.ReasonIdle); err != nil {
				util.Error("Failed to reap idle session",
					zap.String("session_id", session.ID),
					zap.Error(err))
				continue
			}
			idled++
		}
	}

	if expired > 0 || idled > 0 {
		util.Info("Sweep pass complete",
			zap.Int("expired", expired),
			zap.Int("idle", idled),
			zap.Int("scanned", len(active)))
	}
}
