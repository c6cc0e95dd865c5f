// Package core contains the transaction coordination contracts, entities, and
// the storage-backed managers built on them: named locks, idempotency records,
// the circuit breaker that guards storage calls, and the expiry sweeper.
// Storage adapters and the webhook, dispatch, and payment packages depend on
// this package; core must not depend on them.
package core
