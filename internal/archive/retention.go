// Package archive trims the cloud job history on a schedule.
package archive

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// Pruner deletes job history rows older than a cutoff.
type Pruner interface {
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type Config struct {
	// Days of history to keep. Zero disables the worker.
	Days     int
	Interval time.Duration
}

type Retention struct {
	jobs   Pruner
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewRetention(jobs Pruner, cfg Config, logger *slog.Logger) *Retention {
	if cfg.Interval <= 0 {
		cfg.Interval = 24 * time.Hour
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Retention{
		jobs:   jobs,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
}

// Start runs one pass immediately and then one per interval.
func (r *Retention) Start(ctx context.Context) {
	if r.cfg.Days <= 0 {
		r.logger.Info("job history retention disabled")
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.cfg.Interval)
		defer ticker.Stop()

		for {
			if _, err := r.RunOnce(ctx); err != nil {
				r.logger.Warn("job history prune failed", "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-r.stopCh:
				return
			case <-ticker.C:
			}
		}
	}()
}

func (r *Retention) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

func (r *Retention) RunOnce(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cfg.Days <= 0 {
		return 0, nil
	}
	cutoff := r.now().AddDate(0, 0, -r.cfg.Days)
	removed, err := r.jobs.PruneBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune job history: %w", err)
	}
	if removed > 0 {
		r.logger.Info("pruned job history", "removed", removed, "cutoff", cutoff)
	}
	return removed, nil
}
