package payments

import (
	"context"
	"strings"
)

type LedgerEntry struct {
	ID       string
	Strategy string
}

// LedgerLookup reports whether the business ledger already holds the effect
// of a payment.
type LedgerLookup interface {
	Name() string
	FindExisting(ctx context.Context, in ProcessInput) (LedgerEntry, bool, error)
}

type ledgerLookupFunc struct {
	name string
	fn   func(ctx context.Context, in ProcessInput) (string, bool, error)
}

// NewLedgerLookupFunc adapts fn into a named LedgerLookup.
func NewLedgerLookupFunc(name string, fn func(ctx context.Context, in ProcessInput) (string, bool, error)) LedgerLookup {
	return ledgerLookupFunc{name: strings.TrimSpace(name), fn: fn}
}

func (l ledgerLookupFunc) Name() string {
	return l.name
}

func (l ledgerLookupFunc) FindExisting(ctx context.Context, in ProcessInput) (LedgerEntry, bool, error) {
	if l.fn == nil {
		return LedgerEntry{}, false, nil
	}
	id, found, err := l.fn(ctx, in)
	if err != nil || !found {
		return LedgerEntry{}, false, err
	}
	return LedgerEntry{ID: id, Strategy: l.name}, true, nil
}
