package core

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	glog "github.com/goliatone/go-logger/glog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/goliatone/go-txcoord"

// Observer bundles the logger, metrics recorder, and tracer used by each
// coordination component.
type Observer struct {
	Component string
	Logger    Logger
	Metrics   MetricsRecorder
	Tracer    trace.Tracer
}

func NewObserver(component string, logger Logger, metrics MetricsRecorder) *Observer {
	if metrics == nil {
		metrics = NopMetricsRecorder{}
	}
	return &Observer{
		Component: strings.TrimSpace(component),
		Logger:    glog.Ensure(logger),
		Metrics:   metrics,
		Tracer:    otel.Tracer(tracerName),
	}
}

// Observe emits the per-operation counter, duration histogram, and log line.
func (o *Observer) Observe(
	ctx context.Context,
	startedAt time.Time,
	operation string,
	err error,
	fields map[string]any,
) {
	if o == nil {
		return
	}
	operation = normalizeOperation(operation)
	if operation == "" {
		operation = "unknown"
	}
	status := "success"
	if err != nil {
		status = "failure"
	}
	elapsed := time.Since(startedAt)

	contextFields := cloneFields(fields)
	contextFields["operation"] = operation
	contextFields["status"] = status
	contextFields["duration_ms"] = elapsed.Milliseconds()
	if err != nil {
		contextFields["error"] = err.Error()
		contextFields["error_class"] = string(Classify(err))
	}

	tags := map[string]string{
		"operation": operation,
		"status":    status,
	}
	for _, key := range []string{"provider", "endpoint", "operation_type"} {
		if value := strings.TrimSpace(fmt.Sprint(contextFields[key])); value != "" && value != "<nil>" {
			tags[key] = value
		}
	}

	o.Count(ctx, "txcoord."+operation+".total", 1, tags)
	o.Histogram(ctx, "txcoord."+operation+".duration_ms", float64(elapsed.Milliseconds()), tags)

	if err != nil {
		o.Error(ctx, operation+" failed", contextFields)
		return
	}
	o.Debug(ctx, operation+" succeeded", contextFields)
}

func (o *Observer) Debug(ctx context.Context, message string, fields map[string]any) {
	o.logWithLevel(ctx, "debug", message, fields)
}

func (o *Observer) Info(ctx context.Context, message string, fields map[string]any) {
	o.logWithLevel(ctx, "info", message, fields)
}

func (o *Observer) Warn(ctx context.Context, message string, fields map[string]any) {
	o.logWithLevel(ctx, "warn", message, fields)
}

func (o *Observer) Error(ctx context.Context, message string, fields map[string]any) {
	o.logWithLevel(ctx, "error", message, fields)
}

func (o *Observer) logWithLevel(ctx context.Context, level string, message string, fields map[string]any) {
	if o == nil || o.Logger == nil {
		return
	}
	fields = RedactSensitiveMap(fields)
	if o.Component != "" {
		fields["component"] = o.Component
	}
	logger := o.Logger
	if ctx != nil {
		logger = logger.WithContext(ctx)
	}
	if fieldsLogger, ok := logger.(FieldsLogger); ok {
		logger = fieldsLogger.WithFields(cloneFields(fields))
	}
	args := flattenFields(fields)
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "error":
		logger.Error(message, args...)
	case "warn":
		logger.Warn(message, args...)
	case "debug":
		logger.Debug(message, args...)
	default:
		logger.Info(message, args...)
	}
}

func (o *Observer) Count(ctx context.Context, name string, value int64, tags map[string]string) {
	if o == nil || o.Metrics == nil {
		return
	}
	o.Metrics.IncCounter(ctx, strings.TrimSpace(name), value, cloneTags(tags))
}

func (o *Observer) Histogram(ctx context.Context, name string, value float64, tags map[string]string) {
	if o == nil || o.Metrics == nil {
		return
	}
	o.Metrics.ObserveHistogram(ctx, strings.TrimSpace(name), value, cloneTags(tags))
}

// StartSpan opens a span named after the operation; the returned func ends it
// and records err when non-nil.
func (o *Observer) StartSpan(ctx context.Context, operation string, fields map[string]any) (context.Context, func(error)) {
	if o == nil || o.Tracer == nil {
		return ctx, func(error) {}
	}
	attrs := make([]attribute.KeyValue, 0, len(fields)+1)
	if o.Component != "" {
		attrs = append(attrs, attribute.String("txcoord.component", o.Component))
	}
	for _, key := range sortedKeys(fields) {
		attrs = append(attrs, attribute.String("txcoord."+key, fmt.Sprint(fields[key])))
	}
	ctx, span := o.Tracer.Start(ctx, "txcoord."+normalizeOperation(operation), trace.WithAttributes(attrs...))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}

// Guard runs a storage call inside a span and behind the circuit breaker.
func (o *Observer) Guard(
	ctx context.Context,
	breaker *CircuitBreaker,
	operation string,
	fields map[string]any,
	fn func(ctx context.Context) error,
) error {
	ctx, end := o.StartSpan(ctx, operation, fields)
	err := breaker.Guard(ctx, operation, fn)
	if IsCircuitOpen(err) {
		o.Count(ctx, "txcoord.breaker.rejected", 1, map[string]string{"operation": normalizeOperation(operation)})
	}
	end(err)
	return err
}

// BreakerOpenedHook logs and counts the closed to open transition.
func (o *Observer) BreakerOpenedHook() func(CircuitBreakerState) {
	return func(state CircuitBreakerState) {
		ctx := context.Background()
		o.Count(ctx, "txcoord.breaker.opened", 1, nil)
		o.Error(ctx, "circuit breaker opened", map[string]any{
			"consecutive_failures": state.ConsecutiveFailures,
			"threshold":            state.Threshold,
			"cooldown_ms":          state.Cooldown.Milliseconds(),
		})
	}
}

func cloneFields(fields map[string]any) map[string]any {
	if len(fields) == 0 {
		return map[string]any{}
	}
	copied := make(map[string]any, len(fields))
	for key, value := range fields {
		copied[key] = value
	}
	return copied
}

func flattenFields(fields map[string]any) []any {
	if len(fields) == 0 {
		return nil
	}
	keys := sortedKeys(fields)
	args := make([]any, 0, len(keys)*2)
	for _, key := range keys {
		args = append(args, key, fields[key])
	}
	return args
}

func sortedKeys(fields map[string]any) []string {
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func normalizeOperation(operation string) string {
	operation = strings.TrimSpace(strings.ToLower(operation))
	operation = strings.ReplaceAll(operation, " ", "_")
	operation = strings.ReplaceAll(operation, "-", "_")
	return operation
}
