package emulator

import (
	"context"
	"errors"
	"net"
	"net/http"

	"go.uber.org/zap"
)

// Run starts the emulator's HTTP server and runs body concurrently.
// Whichever finishes first cancels the other (body via ctx cancellation,
// the server via Shutdown); the server always logs a final shutdown line.
func (e *Emulator) Run(ctx context.Context, body func(ctx context.Context) error) error {
	ln, err := net.Listen("tcp", e.server.Addr)
	if err != nil {
		return err
	}
	e.server.Addr = ln.Addr().String()

	serverCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- e.server.Serve(ln)
	}()

	bodyErrCh := make(chan error, 1)
	go func() {
		bodyErrCh <- body(serverCtx)
	}()

	var result error
	select {
	case err := <-bodyErrCh:
		result = err
		_ = e.server.Shutdown(context.Background())
		<-serverErrCh
	case err := <-serverErrCh:
		if !errors.Is(err, http.ErrServerClosed) {
			result = err
		}
		cancel()
		<-bodyErrCh
	}

	e.log.Info("local lambda emulator shut down")
	return result
}
