// archive_retention.go implements the ArchiveRetention background job, which removes
// snapshot archives older than snapshot.archive_retention_days from object storage and
// marks their rows deleted.
package jobs

import (
	"context"
	"log/slog"
	"time"
)

const pruneBatchSize = 100

// ArchivePruner is the part of services.ArchiveService the retention job drives.
type ArchivePruner interface {
	Prune(ctx context.Context, cutoff time.Time, batch int) (int, error)
}

// ArchiveRetention periodically prunes expired archives.
type ArchiveRetention struct {
	archives  ArchivePruner
	retention time.Duration
	interval  time.Duration
	now       func() time.Time
	stopChan  chan struct{}
}

// NewArchiveRetention creates the job. retentionDays <= 0 keeps archives forever and
// makes Start a no-op.
func NewArchiveRetention(archives ArchivePruner, retentionDays int, interval time.Duration) *ArchiveRetention {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &ArchiveRetention{
		archives:  archives,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		interval:  interval,
		now:       time.Now,
		stopChan:  make(chan struct{}),
	}
}

// Enabled reports whether a retention window is configured.
func (j *ArchiveRetention) Enabled() bool {
	return j.retention > 0
}

// Start runs one pass immediately, then one per interval.
func (j *ArchiveRetention) Start(ctx context.Context) {
	if !j.Enabled() {
		slog.Info("archive retention: disabled (snapshot.archive_retention_days=0)")
		return
	}

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	slog.Info("archive retention started", "interval", j.interval, "retention", j.retention)

	j.RunOnce(ctx)

	for {
		select {
		case <-ticker.C:
			j.RunOnce(ctx)
		case <-j.stopChan:
			slog.Info("archive retention stopped")
			return
		case <-ctx.Done():
			slog.Info("archive retention context cancelled")
			return
		}
	}
}

// Stop signals the loop to exit.
func (j *ArchiveRetention) Stop() {
	close(j.stopChan)
}

// RunOnce prunes archives created before now minus the retention window. Archives that
// fail to delete are left for the next run, so a pass stops at the first short batch.
func (j *ArchiveRetention) RunOnce(ctx context.Context) int {
	if !j.Enabled() {
		return 0
	}
	cutoff := j.now().Add(-j.retention)
	total := 0
	for {
		n, err := j.archives.Prune(ctx, cutoff, pruneBatchSize)
		total += n
		if err != nil {
			slog.Error("archive retention: prune failed", "removed", total, "error", err)
			return total
		}
		if n < pruneBatchSize {
			break
		}
	}
	if total > 0 {
		slog.Info("archive retention: removed expired archives", "count", total, "cutoff", cutoff)
	}
	return total
}
