package inbound

import (
	"context"
	"time"

	"github.com/goliatone/go-txcoord/core"
)

type HandlerStatus string

const (
	StatusSuccess           HandlerStatus = "success"
	StatusAlreadyProcessing HandlerStatus = "already_processing"
	StatusRetry             HandlerStatus = "retry"
	StatusError             HandlerStatus = "error"
)

// HandlerRequest carries the stored event exactly as it was received.
type HandlerRequest struct {
	ID         string
	Provider   string
	Endpoint   string
	EventID    string
	EventType  string
	Payload    []byte
	Headers    map[string]string
	ClientIP   string
	Signature  string
	Metadata   core.Document
	RetryCount int
}

// HandlerResult reports what happened to one event. RetryDelay is only read
// for StatusRetry; nil means the inbox retry policy picks the delay.
type HandlerResult struct {
	Status     HandlerStatus
	Message    string
	RetryDelay *time.Duration
}

type Handler interface {
	Handle(ctx context.Context, req HandlerRequest) (HandlerResult, error)
}

type HandlerFunc func(ctx context.Context, req HandlerRequest) (HandlerResult, error)

func (f HandlerFunc) Handle(ctx context.Context, req HandlerRequest) (HandlerResult, error) {
	return f(ctx, req)
}

func Success(message string) HandlerResult {
	return HandlerResult{Status: StatusSuccess, Message: message}
}

func RetryAfter(delay time.Duration, message string) HandlerResult {
	return HandlerResult{Status: StatusRetry, Message: message, RetryDelay: &delay}
}

func requestFromEvent(event core.WebhookEvent) HandlerRequest {
	return HandlerRequest{
		ID:         event.ID,
		Provider:   event.Provider,
		Endpoint:   event.Endpoint,
		EventID:    event.EventID,
		EventType:  event.EventType,
		Payload:    append([]byte(nil), event.Payload...),
		Headers:    core.CopyStringMap(event.Headers),
		ClientIP:   event.ClientIP,
		Signature:  event.Signature,
		Metadata:   event.Metadata.Clone(),
		RetryCount: event.RetryCount,
	}
}
