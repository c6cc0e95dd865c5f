package core

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"
)

const idempotencyKeyPrefix = "txcoord::idem::v1"

type IdempotencyKeyInput struct {
	ActorID       string
	OperationType string
	Amount        decimal.Decimal
	Currency      string
	ExternalRef   string
}

// DeriveIdempotencyKey folds actor, operation, amount, currency, and the
// optional external reference into a deterministic key. Amounts are compared
// by value, so 10, 10.0 and 10.00 produce the same key.
func DeriveIdempotencyKey(in IdempotencyKeyInput) (string, error) {
	actor := strings.TrimSpace(in.ActorID)
	if actor == "" {
		return "", BadInputError("core: idempotency actor id is required", nil)
	}
	operation := strings.ToLower(strings.TrimSpace(in.OperationType))
	if operation == "" {
		return "", BadInputError("core: idempotency operation type is required", nil)
	}
	currency := strings.ToUpper(strings.TrimSpace(in.Currency))
	if currency == "" {
		return "", BadInputError("core: idempotency currency is required", nil)
	}

	segments := []string{
		actor,
		operation,
		canonicalAmount(in.Amount),
		currency,
		strings.TrimSpace(in.ExternalRef),
	}
	for i, segment := range segments {
		segments[i] = url.QueryEscape(segment)
	}
	sum := sha256.Sum256([]byte(strings.Join(segments, "::")))
	return idempotencyKeyPrefix + "::" + operation + "::" + hex.EncodeToString(sum[:]), nil
}

func canonicalAmount(amount decimal.Decimal) string {
	// String() trims trailing zeros of the coefficient; Equal values print alike.
	return amount.String()
}
