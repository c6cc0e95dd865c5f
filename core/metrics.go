package core

import (
	"context"
	"sync/atomic"
)

type NopMetricsRecorder struct{}

func (NopMetricsRecorder) IncCounter(context.Context, string, int64, map[string]string) {}

func (NopMetricsRecorder) ObserveHistogram(context.Context, string, float64, map[string]string) {}

type LockStats struct {
	Acquired  int64
	Contended int64
	Failed    int64
	Released  int64
	Extended  int64
	Swept     int64
}

type IdempotencyStats struct {
	Checks     int64
	Duplicates int64
	Expired    int64
	Completed  int64
	Purged     int64
}

type lockCounters struct {
	acquired  atomic.Int64
	contended atomic.Int64
	failed    atomic.Int64
	released  atomic.Int64
	extended  atomic.Int64
	swept     atomic.Int64
}

func (c *lockCounters) snapshot() LockStats {
	return LockStats{
		Acquired:  c.acquired.Load(),
		Contended: c.contended.Load(),
		Failed:    c.failed.Load(),
		Released:  c.released.Load(),
		Extended:  c.extended.Load(),
		Swept:     c.swept.Load(),
	}
}

type idempotencyCounters struct {
	checks     atomic.Int64
	duplicates atomic.Int64
	expired    atomic.Int64
	completed  atomic.Int64
	purged     atomic.Int64
}

func (c *idempotencyCounters) snapshot() IdempotencyStats {
	return IdempotencyStats{
		Checks:     c.checks.Load(),
		Duplicates: c.duplicates.Load(),
		Expired:    c.expired.Load(),
		Completed:  c.completed.Load(),
		Purged:     c.purged.Load(),
	}
}

func cloneTags(tags map[string]string) map[string]string {
	if len(tags) == 0 {
		return map[string]string{}
	}
	copied := make(map[string]string, len(tags))
	for key, value := range tags {
		copied[key] = value
	}
	return copied
}

var _ MetricsRecorder = NopMetricsRecorder{}
