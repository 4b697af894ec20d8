// stale_restore_reaper.go implements the StaleRestoreReaper background job. A restore
// whose process died between enqueue and finalize would keep its company locked out of
// new restores forever; the reaper fails PENDING entries older than restore.stale_after
// and writes the matching backup.restore.failed audit entry.
package jobs

import (
	"context"
	"log/slog"
	"time"
)

const reapBatchSize = 100

// RestoreReaper is the part of services.RestoreService the reaper drives.
type RestoreReaper interface {
	ReapStale(ctx context.Context, cutoff time.Time, batch int) (int, error)
}

// StaleRestoreReaper periodically fails abandoned PENDING restores.
type StaleRestoreReaper struct {
	restores   RestoreReaper
	staleAfter time.Duration
	interval   time.Duration
	now        func() time.Time
	stopChan   chan struct{}
}

// NewStaleRestoreReaper creates the reaper. Entries older than staleAfter are reaped
// every interval.
func NewStaleRestoreReaper(restores RestoreReaper, staleAfter, interval time.Duration) *StaleRestoreReaper {
	if staleAfter <= 0 {
		staleAfter = 30 * time.Minute
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &StaleRestoreReaper{
		restores:   restores,
		staleAfter: staleAfter,
		interval:   interval,
		now:        time.Now,
		stopChan:   make(chan struct{}),
	}
}

// Start runs one pass immediately, then one per interval, until ctx is cancelled or
// Stop is called.
func (r *StaleRestoreReaper) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	slog.Info("stale restore reaper started", "interval", r.interval, "stale_after", r.staleAfter)

	r.RunOnce(ctx)

	for {
		select {
		case <-ticker.C:
			r.RunOnce(ctx)
		case <-r.stopChan:
			slog.Info("stale restore reaper stopped")
			return
		case <-ctx.Done():
			slog.Info("stale restore reaper context cancelled")
			return
		}
	}
}

// Stop signals the loop to exit.
func (r *StaleRestoreReaper) Stop() {
	close(r.stopChan)
}

// RunOnce reaps until a pass comes back short of a full batch.
func (r *StaleRestoreReaper) RunOnce(ctx context.Context) int {
	cutoff := r.now().Add(-r.staleAfter)
	total := 0
	for {
		n, err := r.restores.ReapStale(ctx, cutoff, reapBatchSize)
		total += n
		if err != nil {
			slog.Error("stale restore reaper: pass failed", "reaped", total, "error", err)
			return total
		}
		if n < reapBatchSize {
			break
		}
	}
	if total > 0 {
		slog.Warn("stale restore reaper: failed abandoned restores", "count", total, "cutoff", cutoff)
	}
	return total
}
