package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/go-lambda-runtime/runtime/internal/emulator"
	lambdaruntime "github.com/go-lambda-runtime/runtime/internal/runtime"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sys/unix"
)

func main() {
	if err := mainErr(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func mainErr() error {
	ctx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	defer stop()

	log, err := newLogger()
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	handler, initErr := buildHandler()
	clock := lambdaruntime.NewRealClock()

	if os.Getenv("AWS_LAMBDA_RUNTIME_API") != "" {
		client, err := lambdaruntime.NewClientFromEnv(log)
		if err != nil {
			return err
		}
		defer client.Close(context.Background()) //nolint:errcheck

		if initErr != nil {
			log.Error("handler initialization failed", zap.Error(initErr))
			return client.ReportInitializationError(ctx, lambdaruntime.ErrorResponse{
				ErrorType:    "InitializationError",
				ErrorMessage: initErr.Error(),
			})
		}

		rt := lambdaruntime.NewRuntime(client, handler, clock, log)
		return rt.Run(ctx)
	}

	if initErr != nil {
		return initErr
	}

	cfg := emulator.ConfigFromEnv(os.Getenv)
	em := emulator.New(cfg, clock, log)

	return em.Run(ctx, func(bodyCtx context.Context) error {
		client, err := lambdaruntime.NewClient(em.Addr(), log)
		if err != nil {
			return err
		}
		defer client.Close(context.Background()) //nolint:errcheck

		rt := lambdaruntime.NewRuntime(client, handler, clock, log)
		return rt.Run(bodyCtx)
	})
}

// buildHandler performs any setup a handler needs before the first
// invocation is requested. A failure here is reported via
// Client.ReportInitializationError rather than ever reaching the run loop.
func buildHandler() (lambdaruntime.Handler, error) {
	return lambdaruntime.HandlerFunc(echoHandler), nil
}

// echoHandler is a minimal sample handler: it writes the invocation's
// event bytes straight back as the response body.
func echoHandler(_ context.Context, _ *lambdaruntime.InvocationContext, event []byte, w *lambdaruntime.Writer) error {
	return w.WriteAndFinish(event)
}

func newLogger() (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if raw := os.Getenv("LOG_LEVEL"); raw != "" {
		if err := level.UnmarshalText([]byte(raw)); err != nil {
			return nil, fmt.Errorf("parsing LOG_LEVEL: %w", err)
		}
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	return cfg.Build()
}
