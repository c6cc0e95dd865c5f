package payments

import (
	"errors"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-txcoord/core"
)

var ErrMissingCorrelation = errors.New("payments: order id and external transaction id are required")

func missingCorrelationError(in ProcessInput) error {
	return core.WrapError(
		ErrMissingCorrelation,
		goerrors.CategoryBadInput,
		ErrMissingCorrelation.Error(),
		core.ErrorConfiguration,
		map[string]any{
			"source":         in.Source,
			"order_id":       in.OrderID,
			"external_tx_id": in.ExternalTxID,
		},
	)
}
