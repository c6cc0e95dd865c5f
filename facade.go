package txcoord

import (
	"fmt"

	"github.com/goliatone/go-txcoord/adapters/gocommand"
	txcommand "github.com/goliatone/go-txcoord/command"
	txquery "github.com/goliatone/go-txcoord/query"
)

type Commands struct {
	EnqueueWebhook      *txcommand.EnqueueWebhookCommand
	RetryWebhook        *txcommand.RetryWebhookCommand
	UpdateWebhookStatus *txcommand.UpdateWebhookStatusCommand
	CleanupWebhooks     *txcommand.CleanupWebhooksCommand
	DispatchWebhooks    *txcommand.DispatchWebhooksCommand
	Sweep               *txcommand.SweepCommand
	ReleaseLock         *txcommand.ReleaseLockCommand
}

type Queries struct {
	GetWebhookEvent      *txquery.GetWebhookEventQuery
	GetIdempotencyRecord *txquery.GetIdempotencyRecordQuery
	GetLock              *txquery.GetLockQuery
	Stats                *txquery.StatsQuery
}

// Facade exposes the runtime as go-command commands and queries.
type Facade struct {
	runtime  *Runtime
	commands Commands
	queries  Queries
}

func NewFacade(rt *Runtime) (*Facade, error) {
	if rt == nil || rt.service == nil {
		return nil, fmt.Errorf("txcoord: runtime is required")
	}
	return newFacade(rt), nil
}

func newFacade(rt *Runtime) *Facade {
	svc := rt.service
	return &Facade{
		runtime: rt,
		commands: Commands{
			EnqueueWebhook:      txcommand.NewEnqueueWebhookCommand(rt.inbox),
			RetryWebhook:        txcommand.NewRetryWebhookCommand(rt.inbox),
			UpdateWebhookStatus: txcommand.NewUpdateWebhookStatusCommand(rt.inbox),
			CleanupWebhooks:     txcommand.NewCleanupWebhooksCommand(rt.inbox),
			DispatchWebhooks:    txcommand.NewDispatchWebhooksCommand(rt.dispatcher),
			Sweep:               txcommand.NewSweepCommand(svc.Sweeper()),
			ReleaseLock:         txcommand.NewReleaseLockCommand(svc.Locks()),
		},
		queries: Queries{
			GetWebhookEvent:      txquery.NewGetWebhookEventQuery(rt.inbox),
			GetIdempotencyRecord: txquery.NewGetIdempotencyRecordQuery(svc.Idempotency()),
			GetLock:              txquery.NewGetLockQuery(svc.Locks()),
			Stats:                txquery.NewStatsQuery(rt),
		},
	}
}

func (f *Facade) Commands() Commands {
	if f == nil {
		return Commands{}
	}
	return f.commands
}

func (f *Facade) Queries() Queries {
	if f == nil {
		return Queries{}
	}
	return f.queries
}

func (f *Facade) Runtime() *Runtime {
	if f == nil {
		return nil
	}
	return f.runtime
}

// Register adds every command and query to adapter's registry and
// subscribes them to the go-command dispatcher.
func (f *Facade) Register(adapter *gocommand.RegistryAdapter) (gocommand.Subscriptions, error) {
	if f == nil {
		return nil, fmt.Errorf("txcoord: facade is nil")
	}
	return gocommand.RegisterHandlers(adapter, gocommand.Handlers{
		EnqueueWebhook:       f.commands.EnqueueWebhook,
		RetryWebhook:         f.commands.RetryWebhook,
		UpdateWebhookStatus:  f.commands.UpdateWebhookStatus,
		CleanupWebhooks:      f.commands.CleanupWebhooks,
		DispatchWebhooks:     f.commands.DispatchWebhooks,
		Sweep:                f.commands.Sweep,
		ReleaseLock:          f.commands.ReleaseLock,
		GetWebhookEvent:      f.queries.GetWebhookEvent,
		GetIdempotencyRecord: f.queries.GetIdempotencyRecord,
		GetLock:              f.queries.GetLock,
		Stats:                f.queries.Stats,
	})
}
