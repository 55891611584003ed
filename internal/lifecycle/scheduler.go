package lifecycle

import (
	"context"
	"log/slog"
	"time"

	"omemostore/internal/store"
)

// Scheduler periodically runs Maintain for every registered account.
type Scheduler struct {
	manager  *Manager
	store    *store.Store
	interval time.Duration
	log      *slog.Logger
}

func NewScheduler(m *Manager, st *store.Store, interval time.Duration, log *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Hour
	}
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{manager: m, store: st, interval: interval, log: log}
}

// Run performs one pass immediately and then one per interval until ctx is
// cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce maintains every account once. A failing account is logged and
// skipped. It returns how many accounts were processed and how many failed.
func (s *Scheduler) RunOnce(ctx context.Context) (processed, failed int) {
	regs, err := s.store.Registrations().List(ctx)
	if err != nil {
		s.log.Error("maintenance: list registrations", "error", err)
		return 0, 0
	}
	for _, reg := range regs {
		if ctx.Err() != nil {
			break
		}
		processed++
		if err := s.manager.Maintain(ctx, reg.Account); err != nil {
			failed++
			s.log.Error("maintenance failed", "account", reg.Account, "error", err)
		}
	}
	s.log.Debug("maintenance pass finished", "processed", processed, "failed", failed)
	return processed, failed
}
