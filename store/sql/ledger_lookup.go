package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/goliatone/go-txcoord/payments"
	"github.com/uptrace/bun"
)

const (
	LedgerStrategyExternalID  = "external_id"
	LedgerStrategyAlternateID = "alternate_id"
	LedgerStrategyOrder       = "order"
)

// LedgerTable describes the business ledger the coordinator checks for
// effects already applied. Empty columns disable the matching strategy.
type LedgerTable struct {
	Table             string
	IDColumn          string
	ExternalIDColumn  string
	AlternateIDColumn string
	// AlternatePayloadKey names the payload field holding the alternate id,
	// for example a chain transaction hash.
	AlternatePayloadKey string
	OrderColumn         string
	// StatusColumn and SettledStatuses narrow the order strategy to rows in
	// a settled state.
	StatusColumn    string
	SettledStatuses []string
}

type sqlLedgerLookup struct {
	db         bun.IDB
	name       string
	table      string
	idColumn   string
	conditions func(in payments.ProcessInput) ([]ledgerCondition, bool)
}

type ledgerCondition struct {
	column string
	values []string
}

// NewLedgerLookups returns the external id, alternate id, and order
// strategies enabled by table, in that order.
func NewLedgerLookups(db bun.IDB, table LedgerTable) ([]payments.LedgerLookup, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	name := strings.TrimSpace(table.Table)
	if name == "" {
		return nil, fmt.Errorf("sqlstore: ledger table is required")
	}
	idColumn := strings.TrimSpace(table.IDColumn)
	if idColumn == "" {
		idColumn = "id"
	}
	base := sqlLedgerLookup{db: db, table: name, idColumn: idColumn}

	var lookups []payments.LedgerLookup
	if column := strings.TrimSpace(table.ExternalIDColumn); column != "" {
		lookup := base
		lookup.name = LedgerStrategyExternalID
		lookup.conditions = func(in payments.ProcessInput) ([]ledgerCondition, bool) {
			return []ledgerCondition{{column: column, values: []string{in.ExternalTxID}}}, in.ExternalTxID != ""
		}
		lookups = append(lookups, lookup)
	}
	if column := strings.TrimSpace(table.AlternateIDColumn); column != "" {
		key := strings.TrimSpace(table.AlternatePayloadKey)
		if key == "" {
			return nil, fmt.Errorf("sqlstore: ledger alternate payload key is required with %s", column)
		}
		lookup := base
		lookup.name = LedgerStrategyAlternateID
		lookup.conditions = func(in payments.ProcessInput) ([]ledgerCondition, bool) {
			value := in.Payload.String(key)
			return []ledgerCondition{{column: column, values: []string{value}}}, value != ""
		}
		lookups = append(lookups, lookup)
	}
	if column := strings.TrimSpace(table.OrderColumn); column != "" {
		statusColumn := strings.TrimSpace(table.StatusColumn)
		statuses := trimmedValues(table.SettledStatuses)
		lookup := base
		lookup.name = LedgerStrategyOrder
		lookup.conditions = func(in payments.ProcessInput) ([]ledgerCondition, bool) {
			conditions := []ledgerCondition{{column: column, values: []string{in.OrderID}}}
			if statusColumn != "" && len(statuses) > 0 {
				conditions = append(conditions, ledgerCondition{column: statusColumn, values: statuses})
			}
			return conditions, in.OrderID != ""
		}
		lookups = append(lookups, lookup)
	}
	if len(lookups) == 0 {
		return nil, fmt.Errorf("sqlstore: ledger table %s enables no lookup strategy", name)
	}
	return lookups, nil
}

func (l sqlLedgerLookup) Name() string {
	return l.name
}

func (l sqlLedgerLookup) FindExisting(ctx context.Context, in payments.ProcessInput) (payments.LedgerEntry, bool, error) {
	conditions, ok := l.conditions(in)
	if !ok {
		return payments.LedgerEntry{}, false, nil
	}
	query := l.db.NewSelect().
		TableExpr("?", bun.Ident(l.table)).
		ColumnExpr("?", bun.Ident(l.idColumn)).
		Limit(1)
	for _, condition := range conditions {
		if len(condition.values) == 1 {
			query = query.Where("? = ?", bun.Ident(condition.column), condition.values[0])
			continue
		}
		query = query.Where("? IN (?)", bun.Ident(condition.column), bun.In(condition.values))
	}
	var id sql.NullString
	if err := query.Scan(ctx, &id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return payments.LedgerEntry{}, false, nil
		}
		return payments.LedgerEntry{}, false, translateError(err, "ledger lookup "+l.name)
	}
	return payments.LedgerEntry{ID: id.String, Strategy: l.name}, true, nil
}

func trimmedValues(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
