package gocommand

import (
	"context"
	"fmt"
	"strings"

	"github.com/goliatone/go-command"
	commanddispatcher "github.com/goliatone/go-command/dispatcher"
	"github.com/goliatone/go-command/runner"
	jobqueuecommand "github.com/goliatone/go-job/queue/command"
	txcommand "github.com/goliatone/go-txcoord/command"
	"github.com/goliatone/go-txcoord/core"
	txquery "github.com/goliatone/go-txcoord/query"
)

// ValidateMessageContract enforces Type() plus optional Validate() contract.
func ValidateMessageContract(msg any) error {
	if err := command.ValidateMessage(msg); err != nil {
		return err
	}
	m, ok := msg.(command.Message)
	if !ok {
		return fmt.Errorf("gocommand: message must implement Type() string")
	}
	if strings.TrimSpace(m.Type()) == "" {
		return fmt.Errorf("gocommand: message type is required")
	}
	return nil
}

type RegistryAdapter struct {
	registry *command.Registry
}

func NewRegistryAdapter(registry *command.Registry) *RegistryAdapter {
	if registry == nil {
		registry = command.NewRegistry()
	}
	return &RegistryAdapter{registry: registry}
}

func (a *RegistryAdapter) Registry() *command.Registry {
	if a == nil {
		return nil
	}
	return a.registry
}

func (a *RegistryAdapter) RegisterCommand(cmd any) error {
	if a == nil || a.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	return a.registry.RegisterCommand(cmd)
}

func (a *RegistryAdapter) RegisterQuery(qry any) error {
	if a == nil || a.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	return a.registry.RegisterCommand(qry)
}

func (a *RegistryAdapter) AddResolver(key string, resolver command.Resolver) error {
	if a == nil || a.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	return a.registry.AddResolver(strings.TrimSpace(key), resolver)
}

func (a *RegistryAdapter) AddQueueResolver(key string, queueRegistry *jobqueuecommand.Registry) error {
	if queueRegistry == nil {
		return fmt.Errorf("gocommand: queue registry is required")
	}
	return a.AddResolver(key, jobqueuecommand.QueueResolver(queueRegistry))
}

func (a *RegistryAdapter) HasResolver(key string) bool {
	if a == nil || a.registry == nil {
		return false
	}
	return a.registry.HasResolver(strings.TrimSpace(key))
}

func (a *RegistryAdapter) Initialize() error {
	if a == nil || a.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	return a.registry.Initialize()
}

func SubscribeCommand[T any](cmd command.Commander[T], runnerOpts ...runner.Option) commanddispatcher.Subscription {
	return commanddispatcher.SubscribeCommand(cmd, runnerOpts...)
}

func SubscribeQuery[T any, R any](qry command.Querier[T, R], runnerOpts ...runner.Option) commanddispatcher.Subscription {
	return commanddispatcher.SubscribeQuery(qry, runnerOpts...)
}

func Dispatch[T any](ctx context.Context, msg T) error {
	return commanddispatcher.Dispatch(ctx, msg)
}

func Query[T any, R any](ctx context.Context, msg T) (R, error) {
	return commanddispatcher.Query[T, R](ctx, msg)
}

func RegisterAndSubscribe[T any](
	adapter *RegistryAdapter,
	cmd command.Commander[T],
	runnerOpts ...runner.Option,
) (commanddispatcher.Subscription, error) {
	if adapter == nil || adapter.registry == nil {
		return nil, fmt.Errorf("gocommand: registry is not configured")
	}
	if cmd == nil {
		return nil, fmt.Errorf("gocommand: command is required")
	}
	subscription := SubscribeCommand(cmd, runnerOpts...)
	if err := adapter.RegisterCommand(cmd); err != nil {
		if subscription != nil {
			subscription.Unsubscribe()
		}
		return nil, err
	}
	return subscription, nil
}

func RegisterAndSubscribeQuery[T any, R any](
	adapter *RegistryAdapter,
	qry command.Querier[T, R],
	runnerOpts ...runner.Option,
) (commanddispatcher.Subscription, error) {
	if adapter == nil || adapter.registry == nil {
		return nil, fmt.Errorf("gocommand: registry is not configured")
	}
	if qry == nil {
		return nil, fmt.Errorf("gocommand: query is required")
	}
	subscription := SubscribeQuery(qry, runnerOpts...)
	if err := adapter.RegisterQuery(qry); err != nil {
		if subscription != nil {
			subscription.Unsubscribe()
		}
		return nil, err
	}
	return subscription, nil
}

// Handlers groups the coordination commands and queries exposed on a
// go-command registry. Nil entries are skipped.
type Handlers struct {
	EnqueueWebhook       *txcommand.EnqueueWebhookCommand
	RetryWebhook         *txcommand.RetryWebhookCommand
	UpdateWebhookStatus  *txcommand.UpdateWebhookStatusCommand
	CleanupWebhooks      *txcommand.CleanupWebhooksCommand
	DispatchWebhooks     *txcommand.DispatchWebhooksCommand
	Sweep                *txcommand.SweepCommand
	ReleaseLock          *txcommand.ReleaseLockCommand
	GetWebhookEvent      *txquery.GetWebhookEventQuery
	GetIdempotencyRecord *txquery.GetIdempotencyRecordQuery
	GetLock              *txquery.GetLockQuery
	Stats                *txquery.StatsQuery
}

// Subscriptions tracks dispatcher subscriptions created by RegisterHandlers.
type Subscriptions []commanddispatcher.Subscription

func (s Subscriptions) Unsubscribe() {
	for _, sub := range s {
		if sub != nil {
			sub.Unsubscribe()
		}
	}
}

// RegisterHandlers registers and subscribes every non-nil handler. On error
// the subscriptions made so far are removed.
func RegisterHandlers(adapter *RegistryAdapter, handlers Handlers) (Subscriptions, error) {
	var subs Subscriptions
	register := func(sub commanddispatcher.Subscription, err error) error {
		if err != nil {
			subs.Unsubscribe()
			return err
		}
		subs = append(subs, sub)
		return nil
	}

	if handlers.EnqueueWebhook != nil {
		if err := register(RegisterAndSubscribe[txcommand.EnqueueWebhookMessage](adapter, handlers.EnqueueWebhook)); err != nil {
			return nil, err
		}
	}
	if handlers.RetryWebhook != nil {
		if err := register(RegisterAndSubscribe[txcommand.RetryWebhookMessage](adapter, handlers.RetryWebhook)); err != nil {
			return nil, err
		}
	}
	if handlers.UpdateWebhookStatus != nil {
		if err := register(RegisterAndSubscribe[txcommand.UpdateWebhookStatusMessage](adapter, handlers.UpdateWebhookStatus)); err != nil {
			return nil, err
		}
	}
	if handlers.CleanupWebhooks != nil {
		if err := register(RegisterAndSubscribe[txcommand.CleanupWebhooksMessage](adapter, handlers.CleanupWebhooks)); err != nil {
			return nil, err
		}
	}
	if handlers.DispatchWebhooks != nil {
		if err := register(RegisterAndSubscribe[txcommand.DispatchWebhooksMessage](adapter, handlers.DispatchWebhooks)); err != nil {
			return nil, err
		}
	}
	if handlers.Sweep != nil {
		if err := register(RegisterAndSubscribe[txcommand.SweepMessage](adapter, handlers.Sweep)); err != nil {
			return nil, err
		}
	}
	if handlers.ReleaseLock != nil {
		if err := register(RegisterAndSubscribe[txcommand.ReleaseLockMessage](adapter, handlers.ReleaseLock)); err != nil {
			return nil, err
		}
	}
	if handlers.GetWebhookEvent != nil {
		if err := register(RegisterAndSubscribeQuery[txquery.GetWebhookEventMessage, core.WebhookEvent](adapter, handlers.GetWebhookEvent)); err != nil {
			return nil, err
		}
	}
	if handlers.GetIdempotencyRecord != nil {
		if err := register(RegisterAndSubscribeQuery[txquery.GetIdempotencyRecordMessage, core.IdempotencyRecord](adapter, handlers.GetIdempotencyRecord)); err != nil {
			return nil, err
		}
	}
	if handlers.GetLock != nil {
		if err := register(RegisterAndSubscribeQuery[txquery.GetLockMessage, core.Lock](adapter, handlers.GetLock)); err != nil {
			return nil, err
		}
	}
	if handlers.Stats != nil {
		if err := register(RegisterAndSubscribeQuery[txquery.StatsMessage, txquery.StatsSnapshot](adapter, handlers.Stats)); err != nil {
			return nil, err
		}
	}
	return subs, nil
}
