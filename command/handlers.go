package command

import (
	"context"
	"strings"
	"time"

	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-txcoord/core"
)

type InboxService interface {
	Enqueue(ctx context.Context, in core.EnqueueWebhookInput) (core.EnqueueWebhookResult, error)
	Retry(ctx context.Context, in core.RetryWebhookInput) (core.RetryWebhookResult, error)
	UpdateStatus(ctx context.Context, in core.UpdateWebhookStatusInput) (bool, error)
	Cleanup(ctx context.Context, retention time.Duration) (int, error)
}

type DispatchService interface {
	DispatchOnce(ctx context.Context, batchSize int) (int, error)
}

type SweepService interface {
	SweepOnce(ctx context.Context) (core.SweepReport, error)
}

type LockService interface {
	Release(ctx context.Context, name string, ownerToken string) (bool, error)
	ForceRelease(ctx context.Context, name string) (bool, error)
}

type EnqueueWebhookCommand struct {
	inbox InboxService
}

func NewEnqueueWebhookCommand(inbox InboxService) *EnqueueWebhookCommand {
	return &EnqueueWebhookCommand{inbox: inbox}
}

func (c *EnqueueWebhookCommand) Execute(ctx context.Context, msg EnqueueWebhookMessage) error {
	if c == nil || c.inbox == nil {
		return commandDependencyError("command: webhook inbox is required")
	}
	out, err := c.inbox.Enqueue(ctx, msg.Input)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type RetryWebhookCommand struct {
	inbox InboxService
}

func NewRetryWebhookCommand(inbox InboxService) *RetryWebhookCommand {
	return &RetryWebhookCommand{inbox: inbox}
}

func (c *RetryWebhookCommand) Execute(ctx context.Context, msg RetryWebhookMessage) error {
	if c == nil || c.inbox == nil {
		return commandDependencyError("command: webhook inbox is required")
	}
	out, err := c.inbox.Retry(ctx, msg.Input)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type UpdateWebhookStatusCommand struct {
	inbox InboxService
}

func NewUpdateWebhookStatusCommand(inbox InboxService) *UpdateWebhookStatusCommand {
	return &UpdateWebhookStatusCommand{inbox: inbox}
}

func (c *UpdateWebhookStatusCommand) Execute(ctx context.Context, msg UpdateWebhookStatusMessage) error {
	if c == nil || c.inbox == nil {
		return commandDependencyError("command: webhook inbox is required")
	}
	updated, err := c.inbox.UpdateStatus(ctx, msg.Input)
	if err != nil {
		return err
	}
	storeResult(ctx, updated)
	return nil
}

type CleanupWebhooksCommand struct {
	inbox InboxService
}

func NewCleanupWebhooksCommand(inbox InboxService) *CleanupWebhooksCommand {
	return &CleanupWebhooksCommand{inbox: inbox}
}

func (c *CleanupWebhooksCommand) Execute(ctx context.Context, msg CleanupWebhooksMessage) error {
	if c == nil || c.inbox == nil {
		return commandDependencyError("command: webhook inbox is required")
	}
	deleted, err := c.inbox.Cleanup(ctx, msg.Retention)
	if err != nil {
		return err
	}
	storeResult(ctx, CleanupResult{Deleted: deleted})
	return nil
}

type DispatchWebhooksCommand struct {
	dispatcher DispatchService
}

func NewDispatchWebhooksCommand(dispatcher DispatchService) *DispatchWebhooksCommand {
	return &DispatchWebhooksCommand{dispatcher: dispatcher}
}

func (c *DispatchWebhooksCommand) Execute(ctx context.Context, msg DispatchWebhooksMessage) error {
	if c == nil || c.dispatcher == nil {
		return commandDependencyError("command: dispatcher is required")
	}
	dispatched, err := c.dispatcher.DispatchOnce(ctx, msg.BatchSize)
	if err != nil {
		return err
	}
	storeResult(ctx, DispatchResult{Dispatched: dispatched})
	return nil
}

type SweepCommand struct {
	sweeper SweepService
}

func NewSweepCommand(sweeper SweepService) *SweepCommand {
	return &SweepCommand{sweeper: sweeper}
}

func (c *SweepCommand) Execute(ctx context.Context, _ SweepMessage) error {
	if c == nil || c.sweeper == nil {
		return commandDependencyError("command: sweeper is required")
	}
	report, err := c.sweeper.SweepOnce(ctx)
	// a partial sweep still reports what it reclaimed
	storeResult(ctx, report)
	return err
}

type ReleaseLockCommand struct {
	locks LockService
}

func NewReleaseLockCommand(locks LockService) *ReleaseLockCommand {
	return &ReleaseLockCommand{locks: locks}
}

func (c *ReleaseLockCommand) Execute(ctx context.Context, msg ReleaseLockMessage) error {
	if c == nil || c.locks == nil {
		return commandDependencyError("command: lock manager is required")
	}
	name := strings.TrimSpace(msg.Name)
	var (
		released bool
		err      error
	)
	if msg.Force {
		released, err = c.locks.ForceRelease(ctx, name)
	} else {
		released, err = c.locks.Release(ctx, name, strings.TrimSpace(msg.OwnerToken))
	}
	if err != nil {
		return err
	}
	storeResult(ctx, ReleaseLockResult{Released: released})
	return nil
}

func storeResult[T any](ctx context.Context, value T) {
	collector := gocmd.ResultFromContext[T](ctx)
	if collector == nil {
		return
	}
	collector.Store(value)
}
