package command

import gocmd "github.com/goliatone/go-command"

var (
	_ gocmd.Commander[EnqueueWebhookMessage]      = (*EnqueueWebhookCommand)(nil)
	_ gocmd.Commander[RetryWebhookMessage]        = (*RetryWebhookCommand)(nil)
	_ gocmd.Commander[UpdateWebhookStatusMessage] = (*UpdateWebhookStatusCommand)(nil)
	_ gocmd.Commander[CleanupWebhooksMessage]     = (*CleanupWebhooksCommand)(nil)
	_ gocmd.Commander[DispatchWebhooksMessage]    = (*DispatchWebhooksCommand)(nil)
	_ gocmd.Commander[SweepMessage]               = (*SweepCommand)(nil)
	_ gocmd.Commander[ReleaseLockMessage]         = (*ReleaseLockCommand)(nil)
)
