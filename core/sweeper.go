package core

import (
	"context"
	"errors"
	"time"
)

type SweepReport struct {
	LocksDeactivated  int
	LocksPurged       int
	IdempotencyPurged int
	ClaimsReleased    int
	StartedAt         time.Time
	Duration          time.Duration
}

// StaleClaimReleaser returns abandoned processing claims to their queue.
type StaleClaimReleaser interface {
	ReleaseStaleClaims(ctx context.Context, olderThan time.Duration) (int, error)
}

// Sweeper reclaims expired locks, purges expired idempotency records and
// releases stale inbox claims in a single pass.
type Sweeper struct {
	Interval         time.Duration
	LockHistory      time.Duration
	ClaimTimeout     time.Duration
	Locks            *LockManager
	Idempotency      *IdempotencyManager
	Claims           StaleClaimReleaser
	Observer         *Observer
	Now              func() time.Time
	OnSweepCompleted func(ctx context.Context, report SweepReport)
}

func NewSweeper(locks *LockManager, idempotency *IdempotencyManager, observer *Observer) *Sweeper {
	if observer == nil {
		observer = NewObserver("sweeper", nil, nil)
	}
	return &Sweeper{
		Interval:    defaultSweepInterval,
		LockHistory: defaultLockHistory,
		Locks:       locks,
		Idempotency: idempotency,
		Observer:    observer,
		Now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// SweepOnce runs every configured cleanup step; a failure in one does not
// skip the others.
func (s *Sweeper) SweepOnce(ctx context.Context) (report SweepReport, err error) {
	if s == nil || (s.Locks == nil && s.Idempotency == nil && s.Claims == nil) {
		return SweepReport{}, ConfigurationError("core: sweeper is not configured", nil)
	}
	report.StartedAt = s.now()
	defer func() {
		report.Duration = s.now().Sub(report.StartedAt)
		s.Observer.Observe(ctx, report.StartedAt, "sweep", err, map[string]any{
			"locks_deactivated":  report.LocksDeactivated,
			"locks_purged":       report.LocksPurged,
			"idempotency_purged": report.IdempotencyPurged,
			"claims_released":    report.ClaimsReleased,
		})
	}()

	var errs []error
	if s.Locks != nil {
		deactivated, sweepErr := s.Locks.SweepExpired(ctx)
		if sweepErr != nil {
			errs = append(errs, sweepErr)
		}
		report.LocksDeactivated = deactivated
		purged, purgeErr := s.Locks.PurgeReleased(ctx, s.LockHistory)
		if purgeErr != nil {
			errs = append(errs, purgeErr)
		}
		report.LocksPurged = purged
	}
	if s.Idempotency != nil {
		purged, purgeErr := s.Idempotency.PurgeExpired(ctx)
		if purgeErr != nil {
			errs = append(errs, purgeErr)
		}
		report.IdempotencyPurged = purged
	}
	if s.Claims != nil && s.ClaimTimeout > 0 {
		released, releaseErr := s.Claims.ReleaseStaleClaims(ctx, s.ClaimTimeout)
		if releaseErr != nil {
			errs = append(errs, releaseErr)
		}
		report.ClaimsReleased = released
	}
	if s.OnSweepCompleted != nil {
		s.OnSweepCompleted(ctx, report)
	}
	return report, errors.Join(errs...)
}

// Run sweeps on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	if s == nil {
		return ConfigurationError("core: sweeper is not configured", nil)
	}
	ticker := time.NewTicker(s.interval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				s.Observer.Warn(ctx, "sweep pass incomplete", map[string]any{"error": err.Error()})
			}
		}
	}
}

func (s *Sweeper) interval() time.Duration {
	if s != nil && s.Interval > 0 {
		return s.Interval
	}
	return defaultSweepInterval
}

func (s *Sweeper) now() time.Time {
	if s != nil && s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}
