// Package payments runs payment side effects at most once per
// (order, external transaction) pair.
//
// A Coordinator serializes concurrent deliveries through a named lock,
// consults ledger lookups for effects already applied, and only then calls
// the caller's processor. The ledger's own unique constraints remain the
// final guard against double application.
package payments
