package core

import (
	"context"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

// Service owns the process-wide coordination components. Build it once at
// process start and pass it by reference.
type Service struct {
	config            Config
	logger            Logger
	loggerProvider    LoggerProvider
	metricsRecorder   MetricsRecorder
	errorMapper       ErrorMapper
	persistenceClient any
	repositoryFactory any
	breaker           *CircuitBreaker
	locks             *LockManager
	idempotency       *IdempotencyManager
	sweeper           *Sweeper
	lockStore         LockStore
	idempotencyStore  IdempotencyStore
	webhookEventStore WebhookEventStore
	clock             func() time.Time
}

type ServiceDependencies struct {
	Logger            Logger
	LoggerProvider    LoggerProvider
	MetricsRecorder   MetricsRecorder
	ErrorMapper       ErrorMapper
	PersistenceClient any
	RepositoryFactory any
	CircuitBreaker    *CircuitBreaker
	LockStore         LockStore
	IdempotencyStore  IdempotencyStore
	WebhookEventStore WebhookEventStore
	Clock             func() time.Time
}

type ServiceStats struct {
	Locks       LockStats
	Idempotency IdempotencyStats
	Breaker     CircuitBreakerState
}

func NewService(cfg Config, opts ...Option) (*Service, error) {
	builder := defaultServiceBuilder(cfg)
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&builder)
	}

	provider, logger := glog.Resolve("txcoord", builder.loggerProvider, builder.logger)
	logger = glog.Ensure(logger)
	if provider != nil {
		if named := provider.GetLogger("txcoord"); named != nil {
			logger = glog.Ensure(named)
		}
	}

	if builder.metricsRecorder == nil {
		builder.metricsRecorder = NopMetricsRecorder{}
	}
	if builder.errorMapper == nil {
		builder.errorMapper = MapError
	}
	if builder.configProvider == nil {
		builder.configProvider = NewCfgxConfigProvider(nil)
	}
	if builder.optionsResolver == nil {
		builder.optionsResolver = GoOptionsResolver{}
	}
	if builder.clock == nil {
		builder.clock = func() time.Time {
			return time.Now().UTC()
		}
	}

	defaults := DefaultConfig()
	loaded, err := builder.configProvider.Load(context.Background(), defaults)
	if err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}
	finalConfig, err := builder.optionsResolver.Resolve(defaults, loaded, builder.runtimeConfig)
	if err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}

	if err := resolveStores(&builder); err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}
	if builder.lockStore == nil || builder.idempotencyStore == nil {
		return nil, mapBuildError(builder.errorMapper, ConfigurationError(
			"core: lock store and idempotency store are required",
			nil,
		))
	}

	svc := &Service{
		config:            finalConfig,
		logger:            logger,
		loggerProvider:    provider,
		metricsRecorder:   builder.metricsRecorder,
		errorMapper:       builder.errorMapper,
		persistenceClient: builder.persistenceClient,
		repositoryFactory: builder.repositoryFactory,
		lockStore:         builder.lockStore,
		idempotencyStore:  builder.idempotencyStore,
		webhookEventStore: builder.webhookEventStore,
		clock:             builder.clock,
	}

	breaker := builder.breaker
	if breaker == nil {
		breaker = NewCircuitBreaker(finalConfig.Breaker.FailureThreshold, finalConfig.Breaker.Cooldown)
		breaker.Now = builder.clock
	}
	if breaker.OnOpen == nil {
		breaker.OnOpen = svc.Observer("breaker").BreakerOpenedHook()
	}
	svc.breaker = breaker

	locks := NewLockManager(builder.lockStore, breaker, svc.Observer("locks"))
	locks.DefaultTimeout = finalConfig.Locks.DefaultTimeout
	locks.MaxTimeout = finalConfig.Locks.MaxTimeout
	locks.Now = builder.clock
	if builder.processID != "" {
		locks.ProcessID = builder.processID
	}
	svc.locks = locks

	idempotency := NewIdempotencyManager(builder.idempotencyStore, breaker, svc.Observer("idempotency"))
	idempotency.DefaultTTL = finalConfig.Idempotency.DefaultTTL
	idempotency.Now = builder.clock
	svc.idempotency = idempotency

	sweeper := NewSweeper(locks, idempotency, svc.Observer("sweeper"))
	sweeper.Interval = finalConfig.Sweeper.Interval
	sweeper.LockHistory = finalConfig.Locks.HistoryRetention
	sweeper.ClaimTimeout = finalConfig.Inbox.ClaimTimeout
	sweeper.Now = builder.clock
	svc.sweeper = sweeper

	return svc, nil
}

func Setup(cfg Config, opts ...Option) (*Service, error) {
	return NewService(cfg, opts...)
}

func resolveStores(builder *serviceBuilder) error {
	if builder.repositoryFactory == nil {
		return nil
	}
	var provider StoreProvider
	if storeFactory, ok := builder.repositoryFactory.(RepositoryStoreFactory); ok {
		built, err := storeFactory.BuildStores(builder.persistenceClient)
		if err != nil {
			return err
		}
		provider = built
	} else if direct, ok := builder.repositoryFactory.(StoreProvider); ok {
		provider = direct
	}
	if provider == nil {
		return nil
	}
	if builder.lockStore == nil {
		builder.lockStore = provider.LockStore()
	}
	if builder.idempotencyStore == nil {
		builder.idempotencyStore = provider.IdempotencyStore()
	}
	if builder.webhookEventStore == nil {
		builder.webhookEventStore = provider.WebhookEventStore()
	}
	return nil
}

func mapBuildError(mapper ErrorMapper, err error) error {
	if err == nil {
		return nil
	}
	if mapper == nil {
		return err
	}
	mapped := mapper(err)
	if mapped == nil {
		return err
	}
	return mapped
}

func (s *Service) Config() Config {
	if s == nil {
		return Config{}
	}
	return s.config
}

func (s *Service) Dependencies() ServiceDependencies {
	if s == nil {
		return ServiceDependencies{}
	}
	return ServiceDependencies{
		Logger:            s.logger,
		LoggerProvider:    s.loggerProvider,
		MetricsRecorder:   s.metricsRecorder,
		ErrorMapper:       s.errorMapper,
		PersistenceClient: s.persistenceClient,
		RepositoryFactory: s.repositoryFactory,
		CircuitBreaker:    s.breaker,
		LockStore:         s.lockStore,
		IdempotencyStore:  s.idempotencyStore,
		WebhookEventStore: s.webhookEventStore,
		Clock:             s.clock,
	}
}

// Observer returns an observer whose logger is named after component when
// the provider knows it.
func (s *Service) Observer(component string) *Observer {
	if s == nil {
		return NewObserver(component, nil, nil)
	}
	logger := s.logger
	if s.loggerProvider != nil {
		if named := s.loggerProvider.GetLogger("txcoord." + component); named != nil {
			logger = named
		}
	}
	return NewObserver(component, logger, s.metricsRecorder)
}

func (s *Service) Locks() *LockManager {
	if s == nil {
		return nil
	}
	return s.locks
}

func (s *Service) Idempotency() *IdempotencyManager {
	if s == nil {
		return nil
	}
	return s.idempotency
}

func (s *Service) Breaker() *CircuitBreaker {
	if s == nil {
		return nil
	}
	return s.breaker
}

func (s *Service) Sweeper() *Sweeper {
	if s == nil {
		return nil
	}
	return s.sweeper
}

func (s *Service) WebhookEventStore() WebhookEventStore {
	if s == nil {
		return nil
	}
	return s.webhookEventStore
}

func (s *Service) Now() time.Time {
	if s != nil && s.clock != nil {
		return s.clock().UTC()
	}
	return time.Now().UTC()
}

func (s *Service) Stats() ServiceStats {
	if s == nil {
		return ServiceStats{}
	}
	return ServiceStats{
		Locks:       s.locks.Stats(),
		Idempotency: s.idempotency.Stats(),
		Breaker:     s.breaker.State(),
	}
}
