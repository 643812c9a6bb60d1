package observability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrorKind is the failure taxonomy shared by the computation and job
// layers. Kinds drive retry/skip policy, not types.
type ErrorKind string

const (
	KindValidation       ErrorKind = "validation"
	KindEphemeris        ErrorKind = "ephemeris_failure"
	KindInvalidGeometry  ErrorKind = "invalid_geometry"
	KindPersistTransient ErrorKind = "persistence_transient"
	KindPersistFatal     ErrorKind = "persistence_fatal"
	KindQueueUnavailable ErrorKind = "queue_backend_unavailable"
	KindCancelled        ErrorKind = "cancelled"
)

// Retryable reports whether a kind is worth another attempt.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindPersistTransient, KindQueueUnavailable:
		return true
	default:
		return false
	}
}

// TaggedError attaches a kind and operation to an underlying error so the
// matcher and queue can decide whether to skip, retry, or abort.
type TaggedError struct {
	Kind      ErrorKind
	Operation string
	Err       error
	Timestamp time.Time
}

func (e *TaggedError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Operation, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Operation, e.Kind, e.Err)
}

func (e *TaggedError) Unwrap() error {
	return e.Err
}

// Tag wraps err with a kind and operation. A nil err returns nil.
func Tag(kind ErrorKind, operation string, err error) error {
	if err == nil {
		return nil
	}
	return &TaggedError{
		Kind:      kind,
		Operation: operation,
		Err:       err,
		Timestamp: time.Now(),
	}
}

// KindOf extracts the kind of an error chain; ok is false for untagged
// errors.
func KindOf(err error) (ErrorKind, bool) {
	var te *TaggedError
	if errors.As(err, &te) {
		return te.Kind, true
	}
	return "", false
}

// RecordError records err on the active span with its taxonomy attributes
// and marks the span status. Returns err unchanged for chaining.
func RecordError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		attrs := []attribute.KeyValue{}
		if kind, ok := KindOf(err); ok {
			attrs = append(attrs, attribute.String("error.kind", string(kind)))
		}
		span.AddEvent("error", trace.WithAttributes(attrs...))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}
