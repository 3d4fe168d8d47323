package runtime

import (
	"context"
	"errors"
	"sync/atomic"

	"go.uber.org/zap"
)

// started guards against a second concurrent Run in this process. Only one
// runtime may be active per process.
var started atomic.Bool

// Runtime drives the run loop (component D): it repeatedly asks a Client
// for the next invocation, dispatches it to a Handler, and routes the
// handler's outcome back through the Writer.
type Runtime struct {
	client  *Client
	handler Handler
	clock   Clock
	log     *zap.Logger
}

// NewRuntime takes ownership of handler; it is moved into the Runtime
// exactly once and re-borrowed per invocation by Run.
func NewRuntime(client *Client, handler Handler, clock Clock, log *zap.Logger) *Runtime {
	return &Runtime{client: client, handler: handler, clock: clock, log: log}
}

// Run executes the run loop until ctx is cancelled or an unrecoverable
// connection error occurs. Only one Run may be in flight per
// process; a second concurrent call fails immediately with
// ErrRuntimeCanOnlyBeStartedOnce.
func (r *Runtime) Run(ctx context.Context) error {
	if !started.CompareAndSwap(false, true) {
		return ErrRuntimeCanOnlyBeStartedOnce
	}
	defer started.Store(false)

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		invocation, writer, err := r.client.NextInvocation(ctx)
		if err != nil {
			if errors.Is(err, ErrCancellation) {
				return nil
			}
			if errors.Is(err, ErrConnectionToControlPlaneLost) {
				r.log.Warn("connection to control plane lost; exiting run loop", zap.Error(err))
				return nil
			}
			return err
		}

		ic := NewInvocationContext(invocation.Metadata, r.clock, r.log)
		handlerCtx := WithContext(ctx, ic)

		if handleErr := r.handler.Handle(handlerCtx, ic, invocation.Event, writer); handleErr != nil {
			ic.Logger.Error("handler returned an error", zap.Error(handleErr))
			if reportErr := writer.ReportError(handleErr); reportErr != nil {
				ic.Logger.Warn("failed to report handler error to control plane", zap.Error(reportErr))
			}
		}
	}
}
