package emulator

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	lambdaruntime "github.com/go-lambda-runtime/runtime/internal/runtime"
)

func newTestEmulator() *Emulator {
	cfg := Config{Host: "127.0.0.1", Port: "0", InvocationEndpoint: "/invoke"}
	return New(cfg, lambdaruntime.NewRealClock(), zap.NewNop())
}

// runEmulator starts em and runs drive concurrently; the emulator shuts
// its server down once drive returns.
func runEmulator(t *testing.T, em *Emulator, drive func(ctx context.Context, client *lambdaruntime.Client) error) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	runErrCh := make(chan error, 1)
	go func() {
		runErrCh <- em.Run(ctx, func(bodyCtx context.Context) error {
			client, err := lambdaruntime.NewClient(em.Addr(), zap.NewNop())
			if err != nil {
				return err
			}
			defer client.Close(context.Background()) //nolint:errcheck

			return drive(bodyCtx, client)
		})
	}()

	select {
	case err := <-runErrCh:
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("emulator test timed out")
	}
}

func TestEmulator_EchoRoundTripWithTenant(t *testing.T) {
	em := newTestEmulator()

	var gotTenant string
	invokeDone := make(chan struct{})
	var invokeStatus int
	var invokeBody []byte

	runEmulator(t, em, func(ctx context.Context, client *lambdaruntime.Client) error {
		go func() {
			defer close(invokeDone)
			resp, err := http.Post("http://"+em.Addr()+"/invoke?tenant=acme", "application/json", bytes.NewReader([]byte(`{"hello":"world"}`)))
			if err != nil {
				return
			}
			defer resp.Body.Close()
			invokeStatus = resp.StatusCode
			invokeBody, _ = io.ReadAll(resp.Body)
		}()

		inv, w, err := client.NextInvocation(ctx)
		if err != nil {
			return err
		}
		gotTenant = inv.Metadata.TenantID
		if err := w.WriteAndFinish(inv.Event); err != nil {
			return err
		}

		<-invokeDone
		return nil
	})

	assert.Equal(t, "acme", gotTenant)
	assert.Equal(t, http.StatusOK, invokeStatus)
	assert.Equal(t, `{"hello":"world"}`, string(invokeBody))
}

func TestEmulator_HandlerErrorSurfacesAsFailure(t *testing.T) {
	em := newTestEmulator()

	invokeDone := make(chan struct{})
	var invokeStatus int
	var invokeBody []byte

	runEmulator(t, em, func(ctx context.Context, client *lambdaruntime.Client) error {
		go func() {
			defer close(invokeDone)
			resp, err := http.Post("http://"+em.Addr()+"/invoke", "application/json", bytes.NewReader([]byte(`{}`)))
			if err != nil {
				return
			}
			defer resp.Body.Close()
			invokeStatus = resp.StatusCode
			invokeBody, _ = io.ReadAll(resp.Body)
		}()

		_, w, err := client.NextInvocation(ctx)
		if err != nil {
			return err
		}
		if err := w.ReportError(lambdaruntime.NewHandlerError("ValidationError", "missing field")); err != nil {
			return err
		}

		<-invokeDone
		return nil
	})

	assert.Equal(t, http.StatusInternalServerError, invokeStatus)
	assert.Contains(t, string(invokeBody), "missing field")
}

func TestEmulator_LargeStreamingBody(t *testing.T) {
	em := newTestEmulator()

	big := bytes.Repeat([]byte("y"), lambdaruntime.StreamingSwitchThreshold+1024)
	invokeDone := make(chan struct{})
	var invokeBody []byte

	runEmulator(t, em, func(ctx context.Context, client *lambdaruntime.Client) error {
		go func() {
			defer close(invokeDone)
			resp, err := http.Post("http://"+em.Addr()+"/invoke", "application/octet-stream", bytes.NewReader([]byte("go")))
			if err != nil {
				return
			}
			defer resp.Body.Close()
			invokeBody, _ = io.ReadAll(resp.Body)
		}()

		_, w, err := client.NextInvocation(ctx)
		if err != nil {
			return err
		}
		if err := w.WriteAndFinish(big); err != nil {
			return err
		}

		<-invokeDone
		return nil
	})

	assert.Equal(t, big, invokeBody)
}
