package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	defaultLockTimeout         = 60 * time.Second
	maxLockTimeout             = 3600 * time.Second
	defaultLockHistory         = 24 * time.Hour
	defaultIdempotencyTTL      = 24 * time.Hour
	defaultIdempotencyCacheTTL = 5 * time.Minute
	defaultMaxRetries          = 3
	defaultRetryBaseDelay      = 60 * time.Second
	defaultRetryMaxDelay       = 3600 * time.Second
	defaultInboxRetention      = 7 * 24 * time.Hour
	defaultBatchSize           = 10
	defaultPollInterval        = time.Second
	defaultConcurrency         = 10
	defaultBreakerThreshold    = 5
	defaultBreakerCooldown     = 30 * time.Second
	defaultSweepInterval       = 5 * time.Minute
	defaultClaimTimeout        = 15 * time.Minute
)

type LockConfig struct {
	DefaultTimeout   time.Duration `koanf:"default_timeout" mapstructure:"default_timeout" validate:"gt=0"`
	MaxTimeout       time.Duration `koanf:"max_timeout" mapstructure:"max_timeout" validate:"gt=0"`
	HistoryRetention time.Duration `koanf:"history_retention" mapstructure:"history_retention" validate:"gte=0"`
}

type IdempotencyConfig struct {
	DefaultTTL time.Duration `koanf:"default_ttl" mapstructure:"default_ttl" validate:"gt=0"`
	CacheTTL   time.Duration `koanf:"cache_ttl" mapstructure:"cache_ttl" validate:"gte=0"`
}

type InboxConfig struct {
	MaxRetries     int           `koanf:"max_retries" mapstructure:"max_retries" validate:"gte=1"`
	RetryBaseDelay time.Duration `koanf:"retry_base_delay" mapstructure:"retry_base_delay" validate:"gt=0"`
	RetryMaxDelay  time.Duration `koanf:"retry_max_delay" mapstructure:"retry_max_delay" validate:"gt=0"`
	Retention      time.Duration `koanf:"retention" mapstructure:"retention" validate:"gt=0"`
	BatchSize      int           `koanf:"batch_size" mapstructure:"batch_size" validate:"gte=1"`
	PollInterval   time.Duration `koanf:"poll_interval" mapstructure:"poll_interval" validate:"gt=0"`
	ClaimTimeout   time.Duration `koanf:"claim_timeout" mapstructure:"claim_timeout" validate:"gte=0"`
}

type DispatcherConfig struct {
	Concurrency int `koanf:"concurrency" mapstructure:"concurrency" validate:"gte=1,lte=1024"`
}

type BreakerConfig struct {
	FailureThreshold int           `koanf:"failure_threshold" mapstructure:"failure_threshold" validate:"gte=1"`
	Cooldown         time.Duration `koanf:"cooldown" mapstructure:"cooldown" validate:"gt=0"`
}

type SweeperConfig struct {
	Interval time.Duration `koanf:"interval" mapstructure:"interval" validate:"gt=0"`
}

type Config struct {
	ServiceName string            `koanf:"service_name" mapstructure:"service_name" validate:"required"`
	Locks       LockConfig        `koanf:"locks" mapstructure:"locks"`
	Idempotency IdempotencyConfig `koanf:"idempotency" mapstructure:"idempotency"`
	Inbox       InboxConfig       `koanf:"inbox" mapstructure:"inbox"`
	Dispatcher  DispatcherConfig  `koanf:"dispatcher" mapstructure:"dispatcher"`
	Breaker     BreakerConfig     `koanf:"breaker" mapstructure:"breaker"`
	Sweeper     SweeperConfig     `koanf:"sweeper" mapstructure:"sweeper"`
}

func DefaultConfig() Config {
	return Config{
		ServiceName: "txcoord",
		Locks: LockConfig{
			DefaultTimeout:   defaultLockTimeout,
			MaxTimeout:       maxLockTimeout,
			HistoryRetention: defaultLockHistory,
		},
		Idempotency: IdempotencyConfig{
			DefaultTTL: defaultIdempotencyTTL,
			CacheTTL:   defaultIdempotencyCacheTTL,
		},
		Inbox: InboxConfig{
			MaxRetries:     defaultMaxRetries,
			RetryBaseDelay: defaultRetryBaseDelay,
			RetryMaxDelay:  defaultRetryMaxDelay,
			Retention:      defaultInboxRetention,
			BatchSize:      defaultBatchSize,
			PollInterval:   defaultPollInterval,
			ClaimTimeout:   defaultClaimTimeout,
		},
		Dispatcher: DispatcherConfig{
			Concurrency: defaultConcurrency,
		},
		Breaker: BreakerConfig{
			FailureThreshold: defaultBreakerThreshold,
			Cooldown:         defaultBreakerCooldown,
		},
		Sweeper: SweeperConfig{
			Interval: defaultSweepInterval,
		},
	}
}

var configValidator = validator.New()

func (c Config) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		return fmt.Errorf("core: service_name is required")
	}
	if err := configValidator.Struct(c); err != nil {
		return fmt.Errorf("core: invalid config: %w", err)
	}
	if c.Locks.MaxTimeout < c.Locks.DefaultTimeout {
		return fmt.Errorf("core: locks.max_timeout must be >= locks.default_timeout")
	}
	if c.Inbox.RetryMaxDelay < c.Inbox.RetryBaseDelay {
		return fmt.Errorf("core: inbox.retry_max_delay must be >= inbox.retry_base_delay")
	}
	return nil
}
