package core

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"strings"
	"time"

	"github.com/goliatone/go-config/cfgx"
	opts "github.com/goliatone/go-options"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const defaultEnvPrefix = "TXCOORD"

// ConfigProvider produces the config layer merged between the defaults and
// the runtime Config passed to NewService.
type ConfigProvider interface {
	Load(ctx context.Context, defaults Config) (Config, error)
}

type RawConfigLoader interface {
	LoadRaw(ctx context.Context) (map[string]any, error)
}

// OptionsResolver merges the three config layers. Later layers win for
// every non-zero value.
type OptionsResolver interface {
	Resolve(defaults Config, loaded Config, runtime Config) (Config, error)
}

type staticRawConfigLoader map[string]any

func (l staticRawConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	return maps.Clone(map[string]any(l)), nil
}

// StaticConfigLoader serves values as the raw config tree.
func StaticConfigLoader(values map[string]any) RawConfigLoader {
	return staticRawConfigLoader(values)
}

// CfgxConfigProvider decodes a raw config tree with go-config, filling
// anything missing from the defaults.
type CfgxConfigProvider struct {
	Loader RawConfigLoader
}

func NewCfgxConfigProvider(loader RawConfigLoader) *CfgxConfigProvider {
	return &CfgxConfigProvider{Loader: loader}
}

func (p *CfgxConfigProvider) Load(ctx context.Context, defaults Config) (Config, error) {
	if p == nil || p.Loader == nil {
		return defaults, nil
	}
	raw, err := p.Loader.LoadRaw(ctx)
	if err != nil {
		return Config{}, fmt.Errorf("core: load raw config: %w", err)
	}
	return buildConfig(raw, defaults)
}

// GoOptionsResolver stacks defaults < config < runtime with go-options.
type GoOptionsResolver struct{}

func (GoOptionsResolver) Resolve(defaults Config, loaded Config, runtime Config) (Config, error) {
	stack, err := opts.NewStack(
		opts.NewLayer(opts.NewScope("defaults", 0), configToLayerMap(defaults, true),
			opts.WithSnapshotID[map[string]any]("defaults")),
		opts.NewLayer(opts.NewScope("config", 10), configToLayerMap(loaded, false),
			opts.WithSnapshotID[map[string]any]("config")),
		opts.NewLayer(opts.NewScope("runtime", 20), configToLayerMap(runtime, false),
			opts.WithSnapshotID[map[string]any]("runtime")),
	)
	if err != nil {
		return Config{}, fmt.Errorf("core: options stack: %w", err)
	}
	merged, err := stack.Merge()
	if err != nil {
		return Config{}, fmt.Errorf("core: options merge: %w", err)
	}
	return buildConfig(merged.Value, defaults)
}

func buildConfig(raw map[string]any, defaults Config) (Config, error) {
	cfg, err := cfgx.Build[Config](raw,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ViperConfigProvider reads an optional config file and TXCOORD_* environment
// overrides, e.g. TXCOORD_DISPATCHER_CONCURRENCY=20. Env files are loaded
// first and never override variables already present in the environment.
type ViperConfigProvider struct {
	ConfigFile string
	EnvPrefix  string
	EnvFiles   []string
}

func NewViperConfigProvider(configFile string, envFiles ...string) *ViperConfigProvider {
	return &ViperConfigProvider{
		ConfigFile: strings.TrimSpace(configFile),
		EnvPrefix:  defaultEnvPrefix,
		EnvFiles:   envFiles,
	}
}

func (p *ViperConfigProvider) Load(_ context.Context, defaults Config) (Config, error) {
	if p == nil {
		return defaults, nil
	}
	for _, file := range p.EnvFiles {
		file = strings.TrimSpace(file)
		if file == "" {
			continue
		}
		if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("core: load env file %s: %w", file, err)
		}
	}

	v := viper.New()
	prefix := strings.TrimSpace(p.EnvPrefix)
	if prefix == "" {
		prefix = defaultEnvPrefix
	}
	v.SetEnvPrefix(prefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, value := range flattenLayer("", configToLayerMap(defaults, true)) {
		v.SetDefault(key, value)
	}

	if p.ConfigFile != "" {
		v.SetConfigFile(p.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return Config{}, fmt.Errorf("core: read config file %s: %w", p.ConfigFile, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("core: decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// configToLayerMap renders cfg as the nested map go-options and viper use.
// Zero values are dropped unless includeZero is set, so an unset field never
// shadows a lower layer.
func configToLayerMap(cfg Config, includeZero bool) map[string]any {
	put := func(section map[string]any, key string, value any, zero bool) {
		if includeZero || !zero {
			section[key] = value
		}
	}
	dur := func(section map[string]any, key string, value time.Duration) {
		put(section, key, value, value == 0)
	}
	num := func(section map[string]any, key string, value int) {
		put(section, key, value, value == 0)
	}

	sections := map[string]map[string]any{}
	section := func(name string) map[string]any {
		if sections[name] == nil {
			sections[name] = map[string]any{}
		}
		return sections[name]
	}

	dur(section("locks"), "default_timeout", cfg.Locks.DefaultTimeout)
	dur(section("locks"), "max_timeout", cfg.Locks.MaxTimeout)
	dur(section("locks"), "history_retention", cfg.Locks.HistoryRetention)
	dur(section("idempotency"), "default_ttl", cfg.Idempotency.DefaultTTL)
	dur(section("idempotency"), "cache_ttl", cfg.Idempotency.CacheTTL)
	num(section("inbox"), "max_retries", cfg.Inbox.MaxRetries)
	dur(section("inbox"), "retry_base_delay", cfg.Inbox.RetryBaseDelay)
	dur(section("inbox"), "retry_max_delay", cfg.Inbox.RetryMaxDelay)
	dur(section("inbox"), "retention", cfg.Inbox.Retention)
	num(section("inbox"), "batch_size", cfg.Inbox.BatchSize)
	dur(section("inbox"), "poll_interval", cfg.Inbox.PollInterval)
	dur(section("inbox"), "claim_timeout", cfg.Inbox.ClaimTimeout)
	num(section("dispatcher"), "concurrency", cfg.Dispatcher.Concurrency)
	num(section("breaker"), "failure_threshold", cfg.Breaker.FailureThreshold)
	dur(section("breaker"), "cooldown", cfg.Breaker.Cooldown)
	dur(section("sweeper"), "interval", cfg.Sweeper.Interval)

	layer := map[string]any{}
	put(layer, "service_name", cfg.ServiceName, strings.TrimSpace(cfg.ServiceName) == "")
	for name, values := range sections {
		if len(values) > 0 {
			layer[name] = values
		}
	}
	return layer
}

func flattenLayer(prefix string, layer map[string]any) map[string]any {
	out := map[string]any{}
	for key, value := range layer {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}
		if nested, ok := value.(map[string]any); ok {
			maps.Copy(out, flattenLayer(path, nested))
			continue
		}
		out[path] = value
	}
	return out
}
