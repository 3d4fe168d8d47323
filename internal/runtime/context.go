package runtime

import (
	"context"
	"time"

	"go.uber.org/zap"
)

type invocationContextKey struct{}

// InvocationContext carries the per-invocation attributes derived from
// InvocationMetadata, plus a logger scoped with the request ID.
type InvocationContext struct {
	RequestID          string
	TraceID            string
	TenantID           string
	InvokedFunctionArn string
	Deadline           Instant
	CognitoIdentity    string
	ClientContext      string
	Logger             *zap.Logger

	clock Clock
}

// NewInvocationContext builds an InvocationContext from invocation
// metadata, a clock, and a base logger. The returned logger is scoped with
// the aws-request-id field.
func NewInvocationContext(meta InvocationMetadata, clock Clock, base *zap.Logger) *InvocationContext {
	return &InvocationContext{
		RequestID:          meta.RequestID,
		TraceID:            meta.TraceID,
		TenantID:           meta.TenantID,
		InvokedFunctionArn: meta.InvokedFunctionArn,
		Deadline:           Instant(meta.DeadlineMsEpoch),
		CognitoIdentity:    meta.CognitoIdentity,
		ClientContext:      meta.ClientContext,
		Logger:             base.With(zap.String("aws-request-id", meta.RequestID)),
		clock:              clock,
	}
}

// RemainingTime returns the time left until the deadline; it may be
// negative once the deadline has passed.
func (c *InvocationContext) RemainingTime() time.Duration {
	return Instant(c.clock.NowMillis()).DurationTo(c.Deadline)
}

// WithContext attaches the invocation context to a standard
// context.Context so it can flow through handler-supplied code that
// expects one.
func WithContext(ctx context.Context, ic *InvocationContext) context.Context {
	return context.WithValue(ctx, invocationContextKey{}, ic)
}

// FromContext retrieves an InvocationContext previously attached with
// WithContext.
func FromContext(ctx context.Context) (*InvocationContext, bool) {
	ic, ok := ctx.Value(invocationContextKey{}).(*InvocationContext)
	return ic, ok
}
