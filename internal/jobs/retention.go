// Package jobs contains background workers that run on a schedule.
// The retention job periodically deletes audit log entries older than the
// configured maximum age. It is idempotent — re-running after a crash deletes
// whatever is past the cutoff at that moment.
package jobs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/changetrail/changetrail/internal/config"
	"github.com/changetrail/changetrail/internal/safego"
	"github.com/changetrail/changetrail/internal/telemetry"
)

// RetentionStore is the slice of the log entry repository the retention job
// needs.
type RetentionStore interface {
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// RetentionJob deletes log entries older than the configured window. Purging
// the oldest rows moves the hash chain anchor forward; chain verification
// treats the oldest retained row as the new anchor, so purges do not break
// verification.
type RetentionJob struct {
	store RetentionStore

	mu  sync.Mutex
	cfg config.RetentionConfig

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewRetentionJob creates a retention job. Start must be called to begin
// purging.
func NewRetentionJob(store RetentionStore, cfg config.RetentionConfig) *RetentionJob {
	return &RetentionJob{
		store:  store,
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}
}

// UpdateConfig swaps the retention settings at runtime. A disabled config
// turns subsequent cycles into no-ops without stopping the loop, so a config
// reload can re-enable retention later.
func (j *RetentionJob) UpdateConfig(cfg config.RetentionConfig) {
	j.mu.Lock()
	j.cfg = cfg
	j.mu.Unlock()
}

func (j *RetentionJob) snapshot() config.RetentionConfig {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cfg
}

// Start begins the periodic purge loop. The first cycle runs immediately so a
// long-stopped server catches up on startup rather than waiting a full
// interval.
func (j *RetentionJob) Start(ctx context.Context) {
	cfg := j.snapshot()
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	slog.Info("starting retention job", "interval", interval, "max_age", cfg.MaxAge, "enabled", cfg.Enabled)

	j.wg.Add(1)
	safego.Go(func() {
		defer j.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		j.RunOnce(ctx)

		for {
			select {
			case <-ticker.C:
				j.RunOnce(ctx)
			case <-j.stopCh:
				slog.Info("retention job stopped")
				return
			case <-ctx.Done():
				slog.Info("retention job context cancelled")
				return
			}
		}
	})
}

// RunOnce executes a single purge cycle. Exported so an operator endpoint or
// a test can trigger a cycle without waiting for the ticker.
func (j *RetentionJob) RunOnce(ctx context.Context) {
	cfg := j.snapshot()
	if !cfg.Enabled || cfg.MaxAge <= 0 {
		return
	}

	cutoff := time.Now().UTC().Add(-cfg.MaxAge)
	purged, err := j.store.PurgeOlderThan(ctx, cutoff)
	if err != nil {
		slog.Error("retention purge failed", "cutoff", cutoff, "error", err)
		return
	}
	if purged > 0 {
		telemetry.RetentionPurgedTotal.Add(float64(purged))
		slog.Info("retention purge completed", "purged", purged, "cutoff", cutoff)
	}
}

// Stop halts the purge loop and waits for an in-flight cycle to finish.
func (j *RetentionJob) Stop() {
	j.stopOnce.Do(func() { close(j.stopCh) })
	j.wg.Wait()
}
