// Package errtax implements the Error Taxonomy (spec §4.13): a stable
// ErrorKind classification usable for programmatic handling across every
// other package in this module, each error carrying a context record and
// rendering distinct user-facing and technical messages.
package errtax

import (
	"errors"
	"fmt"
	"time"

	"github.com/github/go-kvp/kvp"

	"github.com/github/git-transfer-pack/internal/objutil"
)

// Kind is the stable, high-level classification for programmatic
// handling (spec §4.13 "Error kinds").
type Kind int

const (
	Io Kind = iota
	Protocol
	Validation
	Resource
	Cancelled
	Permission
	NotFound
	Bug
	Other
)

func (k Kind) String() string {
	switch k {
	case Io:
		return "io"
	case Protocol:
		return "protocol"
	case Validation:
		return "validation"
	case Resource:
		return "resource"
	case Cancelled:
		return "cancelled"
	case Permission:
		return "permission"
	case NotFound:
		return "not_found"
	case Bug:
		return "bug"
	default:
		return "other"
	}
}

// IsRecoverable reports whether this Kind is typically worth retrying
// (spec §4.13 "Io, Resource, Cancelled are recoverable; others are not").
func (k Kind) IsRecoverable() bool {
	switch k {
	case Io, Resource, Cancelled:
		return true
	default:
		return false
	}
}

// severity orders Kind for Multiple's "surface the most severe" rule;
// higher is more severe.
func (k Kind) severity() int {
	switch k {
	case Bug:
		return 7
	case Validation:
		return 6
	case Protocol:
		return 5
	case Permission:
		return 4
	case Resource:
		return 3
	case Io:
		return 2
	case Cancelled:
		return 1
	default:
		return 0
	}
}

// RetryStrategy is the recommended recovery action for an error,
// ordered from least to most disruptive (spec §4.13 "Retry,
// RetryWithFallback, CleanupAndRetry, ReduceLimitsAndRetry,
// SkipValidationAndRetry, ManualIntervention").
type RetryStrategy int

const (
	NoRetry RetryStrategy = iota
	Retry
	RetryWithFallback
	CleanupAndRetry
	ReduceLimitsAndRetry
	SkipValidationAndRetry
	ManualIntervention
)

// DefaultStrategy returns the strategy a bare Kind suggests, absent any
// more specific guidance from the call site.
func (k Kind) DefaultStrategy() RetryStrategy {
	switch k {
	case Io:
		return RetryWithFallback
	case Resource:
		return ReduceLimitsAndRetry
	case Cancelled:
		return Retry
	default:
		return ManualIntervention
	}
}

// Context carries the diagnostic record every Error attaches (spec
// §4.13 "operation name, arbitrary key/value context, optional object
// id, optional pack size, elapsed time").
type Context struct {
	Operation string
	Fields    map[string]string
	ObjectID  *objutil.ID
	PackSize  *int64
	Elapsed   *time.Duration
}

// NewContext starts a Context for operation.
func NewContext(operation string) Context {
	return Context{Operation: operation, Fields: map[string]string{}}
}

// With adds a key/value pair and returns the Context for chaining.
func (c Context) With(key, value string) Context {
	c.Fields[key] = value
	return c
}

// WithObjectID sets the object id associated with the error.
func (c Context) WithObjectID(id objutil.ID) Context {
	c.ObjectID = &id
	return c
}

// WithPackSize sets the pack size (in bytes) associated with the error.
func (c Context) WithPackSize(size int64) Context {
	c.PackSize = &size
	return c
}

// WithElapsed sets how long the operation had run before failing.
func (c Context) WithElapsed(d time.Duration) Context {
	c.Elapsed = &d
	return c
}

// Error is this module's error type: a Kind, a Context, a message, and
// an optional wrapped lower-layer error (spec §4.13).
type Error struct {
	Kind    Kind
	Ctx     Context
	Message string
	Source  error
}

// New builds an Error of the given kind.
func New(kind Kind, ctx Context, message string) *Error {
	return &Error{Kind: kind, Ctx: ctx, Message: message}
}

// Wrap builds an Error of the given kind around a lower-layer source
// error.
func Wrap(kind Kind, ctx Context, message string, source error) *Error {
	return &Error{Kind: kind, Ctx: ctx, Message: message, Source: source}
}

// Error implements the error interface with the technical rendering, so
// this type composes naturally with %w/errors.Is/errors.As.
func (e *Error) Error() string {
	return e.TechnicalMessage()
}

// Unwrap exposes Source to errors.Is/errors.As.
func (e *Error) Unwrap() error {
	return e.Source
}

// IsRecoverable reports whether e's Kind is typically recoverable.
func (e *Error) IsRecoverable() bool {
	return e.Kind.IsRecoverable()
}

// RetryStrategy returns the recommended recovery action for e.
func (e *Error) RetryStrategy() RetryStrategy {
	return e.Kind.DefaultStrategy()
}

// UserMessage renders an actionable, possibly multi-line message for
// surfacing to the client (spec §4.13 "user_message (actionable,
// multi-line)").
func (e *Error) UserMessage() string {
	msg := fmt.Sprintf("%s: %s", e.Ctx.Operation, e.Message)
	if e.Ctx.PackSize != nil {
		msg += fmt.Sprintf(" (pack size: %d bytes)", *e.Ctx.PackSize)
	}
	if e.Ctx.ObjectID != nil {
		msg += fmt.Sprintf(" (object: %s)", e.Ctx.ObjectID)
	}
	switch e.Kind {
	case Validation:
		msg += "\n\nThis usually indicates corrupted or malformed data. Please try pushing again."
	case Resource:
		msg += "\n\nThe operation exceeded a configured resource limit."
	case Permission:
		msg += "\n\nYou do not have permission to perform this operation."
	}
	return msg
}

// TechnicalMessage renders a structured, log-oriented message (spec
// §4.13 "technical_message (structured, for logs)").
func (e *Error) TechnicalMessage() string {
	msg := fmt.Sprintf("kind=%s operation=%s message=%q", e.Kind, e.Ctx.Operation, e.Message)
	for k, v := range e.Ctx.Fields {
		msg += fmt.Sprintf(" %s=%q", k, v)
	}
	if e.Ctx.ObjectID != nil {
		msg += fmt.Sprintf(" object_id=%s", e.Ctx.ObjectID)
	}
	if e.Ctx.PackSize != nil {
		msg += fmt.Sprintf(" pack_size=%d", *e.Ctx.PackSize)
	}
	if e.Ctx.Elapsed != nil {
		msg += fmt.Sprintf(" elapsed=%s", *e.Ctx.Elapsed)
	}
	if e.Source != nil {
		msg += fmt.Sprintf(" source=%q", e.Source.Error())
	}
	return msg
}

// Fields renders e as structured kvp.Fields, for callers logging through
// a log.FieldLogger rather than formatting e.TechnicalMessage() directly
// (matching the kvp.Field convention used across this module, e.g.
// internal/session.Context.Fields).
func (e *Error) Fields() []kvp.Field {
	fields := []kvp.Field{
		kvp.String("error_kind", e.Kind.String()),
		kvp.String("operation", e.Ctx.Operation),
	}
	for k, v := range e.Ctx.Fields {
		fields = append(fields, kvp.String(k, v))
	}
	if e.Ctx.ObjectID != nil {
		fields = append(fields, kvp.String("object_id", e.Ctx.ObjectID.String()))
	}
	if e.Ctx.PackSize != nil {
		fields = append(fields, kvp.String("pack_size", fmt.Sprintf("%d", *e.Ctx.PackSize)))
	}
	if e.Source != nil {
		fields = append(fields, kvp.Err(e.Source))
	}
	return fields
}

// Multiple aggregates several errors from a batch operation, surfacing
// the most severe Kind among them (spec §4.13 "Multiple aggregates
// errors and surfaces the most severe kind").
type Multiple struct {
	Ctx    Context
	Errors []*Error
}

// NewMultiple builds a Multiple from a non-empty slice of errors.
func NewMultiple(ctx Context, errs []*Error) *Multiple {
	return &Multiple{Ctx: ctx, Errors: errs}
}

// Kind returns the most severe Kind among m.Errors, or Other if empty.
func (m *Multiple) Kind() Kind {
	best := Other
	bestSeverity := -1
	for _, e := range m.Errors {
		if s := e.Kind.severity(); s > bestSeverity {
			bestSeverity = s
			best = e.Kind
		}
	}
	return best
}

// Error implements the error interface.
func (m *Multiple) Error() string {
	return fmt.Sprintf("multiple errors occurred (%d total), most severe kind=%s", len(m.Errors), m.Kind())
}

// IsRecoverable reports whether m's aggregate Kind is recoverable.
func (m *Multiple) IsRecoverable() bool {
	return m.Kind().IsRecoverable()
}

// As allows errors.As(err, &target) to find a single *Error within a
// Multiple by scanning in order, matching the teacher's convention of
// composing with the standard errors package rather than hand-rolled
// type switches.
func (m *Multiple) As(target any) bool {
	for _, e := range m.Errors {
		if errors.As(error(e), target) {
			return true
		}
	}
	return false
}
