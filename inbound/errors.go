package inbound

import (
	"fmt"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-txcoord/core"
)

func handlerConflictError(provider string, endpoint string) error {
	return core.NewError(
		fmt.Sprintf("inbound: handler already registered for %s %s", provider, endpoint),
		goerrors.CategoryConflict,
		core.ErrorDuplicate,
		map[string]any{"provider": provider, "endpoint": endpoint},
	)
}

func handlerNotFoundError(provider string, endpoint string) error {
	return core.NewError(
		fmt.Sprintf("inbound: no handler registered for %s %s", provider, endpoint),
		goerrors.CategoryNotFound,
		core.ErrorHandlerNotFound,
		map[string]any{"provider": provider, "endpoint": endpoint},
	)
}

func handlerPanicError(provider string, endpoint string, recovered any) error {
	return core.PermanentError(
		fmt.Errorf("%v", recovered),
		"inbound: handler panicked",
		map[string]any{"provider": provider, "endpoint": endpoint},
	)
}
