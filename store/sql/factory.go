package sqlstore

import (
	"fmt"

	persistence "github.com/goliatone/go-persistence-bun"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
	"github.com/goliatone/go-txcoord/core"
	"github.com/uptrace/bun"
)

type RepositoryFactory struct {
	db *bun.DB

	lockStore         *LockStore
	idempotencyStore  core.IdempotencyStore
	webhookEventStore *WebhookEventStore
	idempotencyCache  repositorycache.CacheService
}

func NewRepositoryFactory() *RepositoryFactory {
	return &RepositoryFactory{}
}

func NewRepositoryFactoryFromPersistence(client *persistence.Client) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory()
	if _, err := factory.BuildStores(client); err != nil {
		return nil, err
	}
	return factory, nil
}

func NewRepositoryFactoryFromDB(db *bun.DB) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory()
	if _, err := factory.BuildStores(db); err != nil {
		return nil, err
	}
	return factory, nil
}

// WithIdempotencyCache serves completed idempotency records through cache.
// It must be set before the stores are built.
func (f *RepositoryFactory) WithIdempotencyCache(cache repositorycache.CacheService) *RepositoryFactory {
	if f != nil {
		f.idempotencyCache = cache
	}
	return f
}

func (f *RepositoryFactory) BuildStores(persistenceClient any) (core.StoreProvider, error) {
	if f == nil {
		return nil, fmt.Errorf("sqlstore: repository factory is nil")
	}
	if f.db == nil {
		db, err := resolveBunDB(persistenceClient)
		if err != nil {
			return nil, err
		}
		f.db = db
	}
	if f.lockStore != nil && f.idempotencyStore != nil && f.webhookEventStore != nil {
		return f, nil
	}
	if err := f.initStores(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *RepositoryFactory) LockStore() core.LockStore {
	if f == nil || f.lockStore == nil {
		return nil
	}
	return f.lockStore
}

func (f *RepositoryFactory) IdempotencyStore() core.IdempotencyStore {
	if f == nil || f.idempotencyStore == nil {
		return nil
	}
	return f.idempotencyStore
}

func (f *RepositoryFactory) WebhookEventStore() core.WebhookEventStore {
	if f == nil || f.webhookEventStore == nil {
		return nil
	}
	return f.webhookEventStore
}

func (f *RepositoryFactory) DB() *bun.DB {
	if f == nil {
		return nil
	}
	return f.db
}

func (f *RepositoryFactory) initStores() error {
	lockStore, err := NewLockStore(f.db)
	if err != nil {
		return err
	}
	var idempotencyStore core.IdempotencyStore
	idempotencyStore, err = NewIdempotencyStore(f.db)
	if err != nil {
		return err
	}
	if f.idempotencyCache != nil {
		idempotencyStore, err = NewCachedIdempotencyStore(idempotencyStore, f.idempotencyCache)
		if err != nil {
			return err
		}
	}
	webhookEventStore, err := NewWebhookEventStore(f.db)
	if err != nil {
		return err
	}
	f.lockStore = lockStore
	f.idempotencyStore = idempotencyStore
	f.webhookEventStore = webhookEventStore
	return nil
}

func resolveBunDB(candidate any) (*bun.DB, error) {
	switch typed := candidate.(type) {
	case nil:
		return nil, fmt.Errorf("sqlstore: persistence client is required")
	case *bun.DB:
		return typed, nil
	case interface{ DB() *bun.DB }:
		db := typed.DB()
		if db == nil {
			return nil, fmt.Errorf("sqlstore: persistence client returned nil bun db")
		}
		return db, nil
	default:
		return nil, fmt.Errorf("sqlstore: unsupported persistence client type %T", candidate)
	}
}
