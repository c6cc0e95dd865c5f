package txcoord

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goliatone/go-txcoord/adapters/gojob"
	"github.com/goliatone/go-txcoord/core"
	"github.com/goliatone/go-txcoord/inbound"
	"github.com/goliatone/go-txcoord/payments"
	txquery "github.com/goliatone/go-txcoord/query"
	sqlstore "github.com/goliatone/go-txcoord/store/sql"
	"github.com/goliatone/go-txcoord/webhooks"
	"github.com/uptrace/bun"
	"golang.org/x/sync/errgroup"

	repositorycache "github.com/goliatone/go-repository-cache/cache"
)

type Config = core.Config

type Option = core.Option

type Service = core.Service

type ServiceDependencies = core.ServiceDependencies

var (
	WithLogger            = core.WithLogger
	WithLoggerProvider    = core.WithLoggerProvider
	WithMetricsRecorder   = core.WithMetricsRecorder
	WithErrorMapper       = core.WithErrorMapper
	WithPersistenceClient = core.WithPersistenceClient
	WithRepositoryFactory = core.WithRepositoryFactory
	WithConfigProvider    = core.WithConfigProvider
	WithOptionsResolver   = core.WithOptionsResolver
	WithLockStore         = core.WithLockStore
	WithIdempotencyStore  = core.WithIdempotencyStore
	WithWebhookEventStore = core.WithWebhookEventStore
	WithCircuitBreaker    = core.WithCircuitBreaker
	WithClock             = core.WithClock
	WithProcessID         = core.WithProcessID
)

func DefaultConfig() Config {
	return core.DefaultConfig()
}

func NewService(cfg Config, opts ...Option) (*Service, error) {
	return core.NewService(cfg, opts...)
}

// WithSQLPersistence backs every store with the bun database behind client,
// which may be a *bun.DB or a go-persistence-bun client. A positive cacheTTL
// serves completed idempotency records from an in-process cache.
func WithSQLPersistence(client any, cacheTTL time.Duration) (Option, error) {
	factory := sqlstore.NewRepositoryFactory()
	if cacheTTL > 0 {
		cacheConfig := repositorycache.DefaultConfig()
		cacheConfig.TTL = cacheTTL
		cache, err := repositorycache.NewCacheService(cacheConfig)
		if err != nil {
			return nil, fmt.Errorf("txcoord: idempotency cache: %w", err)
		}
		factory.WithIdempotencyCache(cache)
	}
	return core.Compose(
		core.WithPersistenceClient(client),
		core.WithRepositoryFactory(factory),
	), nil
}

// Runtime holds every coordination component built from one Service.
type Runtime struct {
	service    *core.Service
	inbox      *webhooks.Inbox
	dispatcher *inbound.Dispatcher
	payments   *payments.Coordinator
	facade     *Facade

	lifeMu    sync.Mutex
	stopped   bool
	cancelRun context.CancelFunc
}

type RuntimeOption func(*runtimeOptions)

type runtimeOptions struct {
	lookups     []payments.LedgerLookup
	ledgerTable *sqlstore.LedgerTable
	handlers    []route
}

type route struct {
	provider string
	endpoint string
	handler  inbound.Handler
}

// WithLedgerLookups adds ledger strategies checked by the payment
// coordinator before any processor runs.
func WithLedgerLookups(lookups ...payments.LedgerLookup) RuntimeOption {
	return func(o *runtimeOptions) {
		o.lookups = append(o.lookups, lookups...)
	}
}

// WithLedgerTable builds SQL ledger lookups against table on the runtime's
// bun database. It requires SQL persistence.
func WithLedgerTable(table sqlstore.LedgerTable) RuntimeOption {
	return func(o *runtimeOptions) {
		o.ledgerTable = &table
	}
}

// WithHandler registers a webhook handler on the runtime dispatcher.
func WithHandler(provider string, endpoint string, handler inbound.Handler) RuntimeOption {
	return func(o *runtimeOptions) {
		o.handlers = append(o.handlers, route{provider: provider, endpoint: endpoint, handler: handler})
	}
}

// Setup builds the Service from cfg and wraps it in a Runtime.
func Setup(cfg Config, opts ...Option) (*Runtime, error) {
	svc, err := core.Setup(cfg, opts...)
	if err != nil {
		return nil, err
	}
	return NewRuntime(svc)
}

// NewRuntime wires the inbox, dispatcher, and payment coordinator onto svc.
// svc must carry a webhook event store.
func NewRuntime(svc *core.Service, opts ...RuntimeOption) (*Runtime, error) {
	if svc == nil {
		return nil, core.ConfigurationError("txcoord: service is required", nil)
	}
	if svc.WebhookEventStore() == nil {
		return nil, core.ConfigurationError("txcoord: webhook event store is required", nil)
	}
	options := runtimeOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	cfg := svc.Config()
	inbox := webhooks.NewInboxFromConfig(cfg.Inbox, svc.WebhookEventStore(), svc.Breaker(), svc.Observer("inbox"))
	inbox.Now = svc.Now
	if sweeper := svc.Sweeper(); sweeper != nil {
		sweeper.Claims = inbox
	}

	dispatcher := inbound.NewDispatcherFromConfig(cfg, inbox, svc.Observer("dispatcher"))
	for _, r := range options.handlers {
		if err := dispatcher.Register(r.provider, r.endpoint, r.handler); err != nil {
			return nil, err
		}
	}

	lookups := append([]payments.LedgerLookup(nil), options.lookups...)
	if options.ledgerTable != nil {
		db, err := bunDB(svc)
		if err != nil {
			return nil, err
		}
		sqlLookups, err := sqlstore.NewLedgerLookups(db, *options.ledgerTable)
		if err != nil {
			return nil, core.ConfigurationError("txcoord: ledger lookups: "+err.Error(), nil)
		}
		lookups = append(lookups, sqlLookups...)
	}
	coordinator := payments.NewCoordinator(svc.Locks(), svc.Idempotency(), svc.Observer("payments"), lookups...)
	coordinator.Now = svc.Now

	rt := &Runtime{
		service:    svc,
		inbox:      inbox,
		dispatcher: dispatcher,
		payments:   coordinator,
	}
	rt.facade = newFacade(rt)
	return rt, nil
}

func bunDB(svc *core.Service) (*bun.DB, error) {
	deps := svc.Dependencies()
	if factory, ok := deps.RepositoryFactory.(interface{ DB() *bun.DB }); ok && factory.DB() != nil {
		return factory.DB(), nil
	}
	switch client := deps.PersistenceClient.(type) {
	case *bun.DB:
		return client, nil
	case interface{ DB() *bun.DB }:
		if db := client.DB(); db != nil {
			return db, nil
		}
	}
	return nil, core.ConfigurationError("txcoord: ledger lookups require sql persistence", nil)
}

func (r *Runtime) Service() *core.Service {
	if r == nil {
		return nil
	}
	return r.service
}

func (r *Runtime) Inbox() *webhooks.Inbox {
	if r == nil {
		return nil
	}
	return r.inbox
}

func (r *Runtime) Dispatcher() *inbound.Dispatcher {
	if r == nil {
		return nil
	}
	return r.dispatcher
}

func (r *Runtime) Payments() *payments.Coordinator {
	if r == nil {
		return nil
	}
	return r.payments
}

func (r *Runtime) Facade() *Facade {
	if r == nil {
		return nil
	}
	return r.facade
}

// Run polls the inbox and sweeps expired state until ctx is done, then
// waits for in-flight handlers.
func (r *Runtime) Run(ctx context.Context) error {
	if r == nil || r.service == nil {
		return core.ConfigurationError("txcoord: runtime is not configured", nil)
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.lifeMu.Lock()
	if r.stopped {
		r.lifeMu.Unlock()
		return nil
	}
	r.cancelRun = cancel
	r.lifeMu.Unlock()

	cfg := r.service.Config()
	group, groupCtx := errgroup.WithContext(runCtx)
	group.Go(func() error {
		return r.dispatcher.Run(groupCtx, cfg.Inbox.BatchSize, cfg.Inbox.PollInterval)
	})
	group.Go(func() error {
		return r.service.Sweeper().Run(groupCtx)
	})
	return group.Wait()
}

// Stop halts the dispatcher, waits for running handlers, then ends the
// sweeper loop so Run returns. A stopped runtime does not start again.
func (r *Runtime) Stop() {
	if r == nil {
		return
	}
	r.lifeMu.Lock()
	r.stopped = true
	cancel := r.cancelRun
	r.lifeMu.Unlock()

	if r.dispatcher != nil {
		r.dispatcher.Stop()
	}
	if cancel != nil {
		cancel()
	}
}

// Maintenance builds a runner for the txcoord.* maintenance jobs that
// operates on this runtime's components.
func (r *Runtime) Maintenance(dequeuer core.JobDequeuer, policy gojob.RetryPolicy) *gojob.MaintenanceRunner {
	runner := gojob.NewMaintenanceRunner(dequeuer, policy)
	if r == nil || r.service == nil {
		return runner
	}
	runner.Sweeper = r.service.Sweeper()
	runner.Inbox = r.inbox
	runner.Dispatcher = r.dispatcher
	runner.Hook = gojob.NewObserverHook(r.service.Observer("jobs"))
	runner.Now = r.service.Now
	return runner
}

// Snapshot collects component stats. includeCounts adds a per-status count
// of inbox rows.
func (r *Runtime) Snapshot(ctx context.Context, includeCounts bool) (txquery.StatsSnapshot, error) {
	if r == nil || r.service == nil {
		return txquery.StatsSnapshot{}, core.ConfigurationError("txcoord: runtime is not configured", nil)
	}
	stats := r.service.Stats()
	snapshot := txquery.StatsSnapshot{
		Locks:       stats.Locks,
		Idempotency: stats.Idempotency,
		Breaker:     stats.Breaker,
		Inbox:       r.inbox.Stats(),
		Dispatcher:  r.dispatcher.Stats(),
		Payments:    r.payments.Stats(),
	}
	if includeCounts {
		counts, err := r.inbox.Counts(ctx)
		if err != nil {
			return snapshot, err
		}
		snapshot.InboxCounts = counts
	}
	return snapshot, nil
}

var _ txquery.StatsReader = (*Runtime)(nil)
