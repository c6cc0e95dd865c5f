package sqlstore

import (
	"github.com/goliatone/go-txcoord/core"
	"github.com/goliatone/go-txcoord/payments"
)

var (
	_ core.LockStore              = (*LockStore)(nil)
	_ core.IdempotencyStore       = (*IdempotencyStore)(nil)
	_ core.IdempotencyStore       = (*CachedIdempotencyStore)(nil)
	_ core.WebhookEventStore      = (*WebhookEventStore)(nil)
	_ core.StoreProvider          = (*RepositoryFactory)(nil)
	_ core.RepositoryStoreFactory = (*RepositoryFactory)(nil)
	_ payments.LedgerLookup       = sqlLedgerLookup{}
)
