package payments

import (
	"context"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/goliatone/go-txcoord/core"
)

const (
	lockNamePrefix    = "payment"
	memoKeyPrefix     = "txcoord::payment::v1"
	memoOperationType = "payment"
	defaultMemoTTL    = 24 * time.Hour
)

type Status string

const (
	StatusProcessed         Status = "processed"
	StatusAlreadyProcessing Status = "already_processing"
	StatusAlreadyProcessed  Status = "already_processed"
)

type ProcessInput struct {
	Source       string
	OrderID      string
	ExternalTxID string
	Payload      core.Document
	// Timeout bounds both the lock TTL and the processor run. Zero uses the
	// lock manager default.
	Timeout time.Duration
}

// ProcessorFunc applies the payment. Its context is cancelled when the lock
// that guards it would expire.
type ProcessorFunc func(ctx context.Context, in ProcessInput) (core.Document, error)

type Result struct {
	Status        Status
	Data          core.Document
	LedgerEntryID string
	Strategy      string
}

func (r Result) Duplicate() bool {
	return r.Status == StatusAlreadyProcessing || r.Status == StatusAlreadyProcessed
}

type Stats struct {
	Processed         int64
	AlreadyProcessing int64
	AlreadyProcessed  int64
	Failed            int64
}

type Coordinator struct {
	MemoTTL time.Duration
	Now     func() time.Time

	locks       *core.LockManager
	idempotency *core.IdempotencyManager
	lookups     []LedgerLookup
	observer    *core.Observer

	processed         atomic.Int64
	alreadyProcessing atomic.Int64
	alreadyProcessed  atomic.Int64
	failed            atomic.Int64
}

// NewCoordinator wires the lock manager with optional result memoization
// and ledger lookups. lookups run in order and the first hit wins.
func NewCoordinator(
	locks *core.LockManager,
	idempotency *core.IdempotencyManager,
	observer *core.Observer,
	lookups ...LedgerLookup,
) *Coordinator {
	if observer == nil {
		observer = core.NewObserver("payments", nil, nil)
	}
	kept := make([]LedgerLookup, 0, len(lookups))
	for _, lookup := range lookups {
		if lookup != nil {
			kept = append(kept, lookup)
		}
	}
	return &Coordinator{
		MemoTTL: defaultMemoTTL,
		Now: func() time.Time {
			return time.Now().UTC()
		},
		locks:       locks,
		idempotency: idempotency,
		lookups:     kept,
		observer:    observer,
	}
}

// Process runs fn at most once for the (OrderID, ExternalTxID) pair. A
// concurrent holder yields StatusAlreadyProcessing; a ledger or memo hit
// yields StatusAlreadyProcessed without calling fn.
func (c *Coordinator) Process(ctx context.Context, in ProcessInput, fn ProcessorFunc) (result Result, err error) {
	if c == nil || c.locks == nil {
		return Result{}, core.ConfigurationError("payments: coordinator is not configured", nil)
	}
	in.Source = strings.TrimSpace(in.Source)
	in.OrderID = strings.TrimSpace(in.OrderID)
	in.ExternalTxID = strings.TrimSpace(in.ExternalTxID)
	if in.OrderID == "" || in.ExternalTxID == "" {
		c.failed.Add(1)
		return Result{}, missingCorrelationError(in)
	}
	if fn == nil {
		return Result{}, core.BadInputError("payments: processor function is required", nil)
	}

	fields := map[string]any{
		"source":         in.Source,
		"order_id":       in.OrderID,
		"external_tx_id": in.ExternalTxID,
	}
	startedAt := time.Now()
	defer func() {
		c.observer.Observe(ctx, startedAt, "payment_process", err, withStatus(fields, result.Status))
	}()

	timeout := in.Timeout
	if timeout <= 0 {
		timeout = c.locks.DefaultTimeout
	}
	lockErr := c.locks.WithLock(ctx, core.AcquireLockInput{
		Name:          LockName(in.OrderID, in.ExternalTxID),
		OperationType: memoOperationType,
		ResourceID:    in.OrderID,
		Timeout:       timeout,
		Metadata: core.Document{
			"source":         in.Source,
			"external_tx_id": in.ExternalTxID,
		},
	}, func(ctx context.Context, lease *core.LockLease) error {
		if lease == nil {
			result = Result{Status: StatusAlreadyProcessing}
			return nil
		}
		var runErr error
		result, runErr = c.processLocked(ctx, in, fn, lease.ExpiresAt.Sub(lease.AcquiredAt))
		return runErr
	})
	if lockErr != nil {
		c.failed.Add(1)
		return Result{}, lockErr
	}

	switch result.Status {
	case StatusAlreadyProcessing:
		c.alreadyProcessing.Add(1)
		c.observer.Count(ctx, "txcoord.payments.already_processing", 1, sourceTags(in.Source))
	case StatusAlreadyProcessed:
		c.alreadyProcessed.Add(1)
		c.observer.Count(ctx, "txcoord.payments.already_processed", 1, sourceTags(in.Source))
		c.observer.Info(ctx, "payment already processed", withStatus(fields, result.Status))
	case StatusProcessed:
		c.processed.Add(1)
		c.observer.Count(ctx, "txcoord.payments.processed", 1, sourceTags(in.Source))
	}
	return result, nil
}

func (c *Coordinator) processLocked(ctx context.Context, in ProcessInput, fn ProcessorFunc, budget time.Duration) (Result, error) {
	memoKey := MemoKey(in.Source, in.OrderID, in.ExternalTxID)
	if c.idempotency != nil {
		record, found, err := c.idempotency.Lookup(ctx, memoKey)
		if err != nil {
			return Result{}, err
		}
		if found && record.Status == core.IdempotencyStatusCompleted && !record.Expired(c.now()) {
			return Result{Status: StatusAlreadyProcessed, Data: record.ResultData.Clone(), Strategy: "memo"}, nil
		}
	}

	for _, lookup := range c.lookups {
		entry, found, err := lookup.FindExisting(ctx, in)
		if err != nil {
			return Result{}, err
		}
		if found {
			if entry.Strategy == "" {
				entry.Strategy = lookup.Name()
			}
			return Result{Status: StatusAlreadyProcessed, LedgerEntryID: entry.ID, Strategy: entry.Strategy}, nil
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()
	data, err := fn(runCtx, in)
	if err != nil {
		return Result{}, err
	}

	if c.idempotency != nil {
		if err := c.idempotency.Remember(ctx, memoKey, memoOperationType, in.OrderID, c.memoTTL(), data); err != nil {
			c.observer.Warn(ctx, "payment result memo failed", map[string]any{
				"order_id":       in.OrderID,
				"external_tx_id": in.ExternalTxID,
				"error":          err.Error(),
			})
		}
	}
	return Result{Status: StatusProcessed, Data: data}, nil
}

func (c *Coordinator) Stats() Stats {
	if c == nil {
		return Stats{}
	}
	return Stats{
		Processed:         c.processed.Load(),
		AlreadyProcessing: c.alreadyProcessing.Load(),
		AlreadyProcessed:  c.alreadyProcessed.Load(),
		Failed:            c.failed.Load(),
	}
}

func (c *Coordinator) now() time.Time {
	if c.Now != nil {
		return c.Now().UTC()
	}
	return time.Now().UTC()
}

func (c *Coordinator) memoTTL() time.Duration {
	if c.MemoTTL > 0 {
		return c.MemoTTL
	}
	return defaultMemoTTL
}

// LockName is payment:<order_id>:<external_tx_id> with both ids query-escaped.
func LockName(orderID string, externalTxID string) string {
	return lockNamePrefix + ":" + url.QueryEscape(strings.TrimSpace(orderID)) + ":" + url.QueryEscape(strings.TrimSpace(externalTxID))
}

func MemoKey(source string, orderID string, externalTxID string) string {
	segments := []string{
		strings.ToLower(strings.TrimSpace(source)),
		strings.TrimSpace(orderID),
		strings.TrimSpace(externalTxID),
	}
	for i, segment := range segments {
		segments[i] = url.QueryEscape(segment)
	}
	return memoKeyPrefix + "::" + strings.Join(segments, "::")
}

func withStatus(fields map[string]any, status Status) map[string]any {
	out := make(map[string]any, len(fields)+1)
	for key, value := range fields {
		out[key] = value
	}
	if status != "" {
		out["result"] = string(status)
	}
	return out
}

func sourceTags(source string) map[string]string {
	if source == "" {
		return nil
	}
	return map[string]string{"source": source}
}
