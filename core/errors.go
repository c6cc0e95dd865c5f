package core

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

const (
	ErrorBadInput        = "TXCOORD_BAD_INPUT"
	ErrorLockContended   = "TXCOORD_LOCK_CONTENDED"
	ErrorDuplicate       = "TXCOORD_DUPLICATE"
	ErrorConfiguration   = "TXCOORD_CONFIGURATION"
	ErrorTransient       = "TXCOORD_TRANSIENT"
	ErrorPermanent       = "TXCOORD_PERMANENT"
	ErrorCircuitOpen     = "TXCOORD_CIRCUIT_OPEN"
	ErrorHandlerNotFound = "TXCOORD_HANDLER_NOT_FOUND"
	ErrorNotFound        = "TXCOORD_NOT_FOUND"
	ErrorInternal        = "TXCOORD_INTERNAL"
)

var (
	ErrLockContended        = errors.New("core: lock already held")
	ErrIdempotencyKeyExists = errors.New("core: idempotency key already exists")
	ErrCircuitOpen          = errors.New("core: circuit breaker is open")
)

type ErrorClass string

const (
	ErrorClassNone          ErrorClass = ""
	ErrorClassTransient     ErrorClass = "transient"
	ErrorClassPermanent     ErrorClass = "permanent"
	ErrorClassConfiguration ErrorClass = "configuration"
	ErrorClassContention    ErrorClass = "contention"
	ErrorClassDuplicate     ErrorClass = "duplicate"
)

func (c ErrorClass) Retryable() bool {
	return c == ErrorClassTransient
}

var retryablePhrases = []string{
	"connection",
	"timeout",
	"timed out",
	"deadline exceeded",
	"pool",
	"ssl",
	"tls",
	"network",
	"circuit breaker",
	"broken pipe",
	"reset by peer",
	"temporarily unavailable",
	"too many clients",
	"database is locked",
}

var permanentPhrases = []string{
	"validation",
	"invalid",
	"not found",
	"unauthorized",
	"forbidden",
	"duplicate",
	"parse",
	"malformed",
	"unmarshal",
	"decode",
}

// Classify maps an error onto the coordination error taxonomy. Unknown
// errors are treated as transient so they stay bounded by the retry budget.
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorClassNone
	}
	switch {
	case errors.Is(err, ErrCircuitOpen):
		return ErrorClassTransient
	case errors.Is(err, ErrLockContended):
		return ErrorClassContention
	case errors.Is(err, ErrIdempotencyKeyExists):
		return ErrorClassDuplicate
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return ErrorClassTransient
	}

	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) && richErr != nil {
		if class := classifyTextCode(richErr.TextCode); class != ErrorClassNone {
			return class
		}
		switch richErr.Category {
		case goerrors.CategoryBadInput, goerrors.CategoryValidation, goerrors.CategoryNotFound,
			goerrors.CategoryAuth, goerrors.CategoryAuthz:
			return ErrorClassPermanent
		case goerrors.CategoryExternal, goerrors.CategoryRateLimit:
			return ErrorClassTransient
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrorClassTransient
	}

	return classifyMessage(err.Error())
}

func IsRetryable(err error) bool {
	return Classify(err).Retryable()
}

func classifyTextCode(code string) ErrorClass {
	switch strings.TrimSpace(code) {
	case ErrorTransient, ErrorCircuitOpen:
		return ErrorClassTransient
	case ErrorPermanent, ErrorBadInput, ErrorNotFound:
		return ErrorClassPermanent
	case ErrorConfiguration, ErrorHandlerNotFound:
		return ErrorClassConfiguration
	case ErrorLockContended:
		return ErrorClassContention
	case ErrorDuplicate:
		return ErrorClassDuplicate
	default:
		return ErrorClassNone
	}
}

func classifyMessage(message string) ErrorClass {
	message = strings.ToLower(strings.TrimSpace(message))
	for _, phrase := range retryablePhrases {
		if strings.Contains(message, phrase) {
			return ErrorClassTransient
		}
	}
	for _, phrase := range permanentPhrases {
		if strings.Contains(message, phrase) {
			return ErrorClassPermanent
		}
	}
	return ErrorClassTransient
}

func NewError(message string, category goerrors.Category, textCode string, metadata map[string]any) *goerrors.Error {
	err := goerrors.New(message, category).
		WithCode(httpStatus(category)).
		WithTextCode(textCode)
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

func WrapError(
	source error,
	category goerrors.Category,
	message string,
	textCode string,
	metadata map[string]any,
) *goerrors.Error {
	if source == nil {
		return NewError(message, category, textCode, metadata)
	}
	err := goerrors.Wrap(source, category, message).
		WithCode(httpStatus(category)).
		WithTextCode(textCode)
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

func BadInputError(message string, metadata map[string]any) *goerrors.Error {
	return NewError(message, goerrors.CategoryBadInput, ErrorBadInput, metadata)
}

func ConfigurationError(message string, metadata map[string]any) *goerrors.Error {
	return NewError(message, goerrors.CategoryInternal, ErrorConfiguration, metadata)
}

func TransientError(source error, message string, metadata map[string]any) *goerrors.Error {
	return WrapError(source, goerrors.CategoryExternal, message, ErrorTransient, metadata)
}

func PermanentError(source error, message string, metadata map[string]any) *goerrors.Error {
	return WrapError(source, goerrors.CategoryOperation, message, ErrorPermanent, metadata)
}

func circuitOpenError(operation string) *goerrors.Error {
	return WrapError(
		ErrCircuitOpen,
		goerrors.CategoryExternal,
		"core: circuit breaker is open, rejecting "+operation,
		ErrorCircuitOpen,
		map[string]any{"operation": operation},
	)
}

func IsCircuitOpen(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCircuitOpen) {
		return true
	}
	var richErr *goerrors.Error
	return goerrors.As(err, &richErr) && richErr != nil && richErr.TextCode == ErrorCircuitOpen
}

// MapError normalizes arbitrary errors into goerrors envelopes for command and
// query surfaces.
func MapError(err error) *goerrors.Error {
	if err == nil {
		return nil
	}
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return ensureErrorEnvelope(richErr)
	}
	switch Classify(err) {
	case ErrorClassContention:
		return NewError(err.Error(), goerrors.CategoryConflict, ErrorLockContended, nil)
	case ErrorClassDuplicate:
		return NewError(err.Error(), goerrors.CategoryConflict, ErrorDuplicate, nil)
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "not found"):
		return NewError(err.Error(), goerrors.CategoryNotFound, ErrorNotFound, nil)
	case strings.Contains(msg, "required"), strings.Contains(msg, "invalid"):
		return NewError(err.Error(), goerrors.CategoryBadInput, ErrorBadInput, nil)
	}
	mapped := goerrors.MapToError(err, goerrors.DefaultErrorMappers())
	return ensureErrorEnvelope(mapped)
}

func ensureErrorEnvelope(err *goerrors.Error) *goerrors.Error {
	if err == nil {
		return nil
	}
	if err.Code == 0 {
		err.Code = httpStatus(err.Category)
	}
	if strings.TrimSpace(err.TextCode) == "" {
		err.TextCode = defaultTextCode(err.Category)
	}
	if err.Category == goerrors.CategoryInternal && strings.TrimSpace(err.Message) == "" {
		err.Message = "An unexpected error occurred"
	}
	return err
}

func defaultTextCode(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return ErrorBadInput
	case goerrors.CategoryNotFound:
		return ErrorNotFound
	case goerrors.CategoryConflict:
		return ErrorLockContended
	case goerrors.CategoryExternal, goerrors.CategoryRateLimit:
		return ErrorTransient
	case goerrors.CategoryOperation:
		return ErrorPermanent
	default:
		return ErrorInternal
	}
}

func httpStatus(category goerrors.Category) int {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return http.StatusBadRequest
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryAuth:
		return http.StatusUnauthorized
	case goerrors.CategoryAuthz:
		return http.StatusForbidden
	case goerrors.CategoryConflict:
		return http.StatusConflict
	case goerrors.CategoryRateLimit:
		return http.StatusTooManyRequests
	case goerrors.CategoryExternal:
		return http.StatusServiceUnavailable
	case goerrors.CategoryOperation:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrLockNotFound) ||
		errors.Is(err, ErrIdempotencyRecordNotFound) ||
		errors.Is(err, ErrWebhookEventNotFound)
}

func IsNotFound(err error) bool {
	return isNotFound(err)
}
