// Package errs provides structured error types shared across the LedgerSync engine.
package errs

import (
	"errors"
	"strconv"
	"strings"
)

// Kind identifies a sync failure category. The set is closed: every failure
// returned by the remote boundary carries exactly one Kind, assigned at the
// point the remote call returns.
type Kind string

const (
	// KindNetwork indicates a transport failure (timeout, refused, unreachable).
	// Network failures are retried with backoff and count toward the circuit breaker.
	KindNetwork Kind = "network"
	// KindAuth indicates an expired or invalid credential.
	KindAuth Kind = "auth"
	// KindData indicates the remote rejected the payload (schema/validation).
	// Data failures are never retried.
	KindData Kind = "data"
	// KindConflict indicates a concurrent modification of the same entity.
	KindConflict Kind = "conflict"
	// KindUnknown captures uncategorized failures.
	KindUnknown Kind = "unknown"
)

// E captures structured failure information produced across the sync stack.
type E struct {
	Op         string
	Kind       Kind
	HTTP       int
	Message    string
	EntityType string
	EntityID   string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the operation and failure kind.
func New(op string, kind Kind, opts ...Option) *E {
	e := &E{
		Op:   strings.TrimSpace(op),
		Kind: kind,
	}
	if e.Kind == "" {
		e.Kind = KindUnknown
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithEntity annotates the error with the affected entity.
func WithEntity(entityType, entityID string) Option {
	return func(e *E) {
		e.EntityType = strings.TrimSpace(entityType)
		e.EntityID = strings.TrimSpace(entityID)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	op := e.Op
	if op == "" {
		op = "sync"
	}
	parts = append(parts, "op="+op)

	kind := strings.TrimSpace(string(e.Kind))
	if kind == "" {
		kind = string(KindUnknown)
	}
	parts = append(parts, "kind="+kind)

	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.EntityType != "" {
		entity := e.EntityType
		if e.EntityID != "" {
			entity += "/" + e.EntityID
		}
		parts = append(parts, "entity="+entity)
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// KindOf extracts the failure kind from err, returning KindUnknown when err
// carries no envelope.
func KindOf(err error) Kind {
	var envelope *E
	if errors.As(err, &envelope) && envelope != nil {
		if envelope.Kind != "" {
			return envelope.Kind
		}
	}
	return KindUnknown
}

// Retryable reports whether the failure kind permits automatic retry.
// Conflict failures are held for resolution and Data failures are terminal.
func Retryable(kind Kind) bool {
	switch kind {
	case KindNetwork, KindAuth, KindUnknown:
		return true
	default:
		return false
	}
}
