package emulator

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/go-chi/chi/v5"
	"github.com/go-json-experiment/json/jsontext"
	"go.uber.org/zap"

	"github.com/go-lambda-runtime/runtime/internal/runtime"
)

// submittedInvocation is one event queued by a client-facing POST to the
// invocation endpoint, awaiting delivery via GET .../next.
type submittedInvocation struct {
	requestID string
	event     []byte
	tenantID  string
}

// responsePart is one piece of a response or error posted back by the
// runtime client, reassembled by the client-facing handler.
type responsePart struct {
	body    []byte
	final   bool
	isError bool
}

// Config configures the emulator's bind address and invocation endpoint.
type Config struct {
	Host               string
	Port               string
	InvocationEndpoint string
}

// DefaultConfig applies the documented defaults.
func DefaultConfig() Config {
	return Config{Host: "127.0.0.1", Port: "7000", InvocationEndpoint: "/invoke"}
}

// ConfigFromEnv reads LOCAL_LAMBDA_HOST, LOCAL_LAMBDA_PORT, and
// LOCAL_LAMBDA_INVOCATION_ENDPOINT, falling back to DefaultConfig values.
func ConfigFromEnv(getenv func(string) string) Config {
	cfg := DefaultConfig()
	if v := getenv("LOCAL_LAMBDA_HOST"); v != "" {
		cfg.Host = v
	}
	if v := getenv("LOCAL_LAMBDA_PORT"); v != "" {
		cfg.Port = v
	}
	if v := getenv("LOCAL_LAMBDA_INVOCATION_ENDPOINT"); v != "" {
		cfg.InvocationEndpoint = v
	}
	return cfg
}

// Emulator is the local control-plane stand-in.
type Emulator struct {
	cfg    Config
	clock  runtime.Clock
	log    *zap.Logger
	server *http.Server

	invocations *Pool[submittedInvocation]
	responses   *Pool[responsePart]

	lastRequestID atomic.Int64

	acceptableEventTypes []contenttype.MediaType
}

// New constructs an Emulator bound to cfg's host/port.
func New(cfg Config, clock runtime.Clock, log *zap.Logger) *Emulator {
	e := &Emulator{
		cfg:         cfg,
		clock:       clock,
		log:         log,
		invocations: NewPool[submittedInvocation](),
		responses:   NewPool[responsePart](),
		acceptableEventTypes: []contenttype.MediaType{
			contenttype.NewMediaType("application/json"),
			contenttype.NewMediaType("application/octet-stream"),
			contenttype.NewMediaType("text/plain"),
		},
	}
	e.server = &http.Server{
		Addr:    cfg.Host + ":" + cfg.Port,
		Handler: e.router(),
	}
	return e
}

// Addr returns the bound host:port, valid after Run has started listening.
func (e *Emulator) Addr() string {
	return e.server.Addr
}

func (e *Emulator) router() http.Handler {
	r := chi.NewRouter()
	r.Get("/"+runtime.RuntimeAPIVersion+"/runtime/invocation/next", e.handleNext)
	r.Post("/"+runtime.RuntimeAPIVersion+"/runtime/invocation/{requestId}/response", e.handleResponse)
	r.Post("/"+runtime.RuntimeAPIVersion+"/runtime/invocation/{requestId}/error", e.handleError)
	r.Post(e.cfg.InvocationEndpoint, e.handleInvoke)
	return r
}

// handleNext blocks until a caller posts an invocation, then serves it
// with the required Amazon headers.
func (e *Emulator) handleNext(w http.ResponseWriter, r *http.Request) {
	inv, err := e.invocations.Next(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	deadline := e.clock.NowMillis() + runtime.MaxExecutionTime.Milliseconds()
	traceID := "Root=" + runtime.GenerateXRayTraceID(e.clock) + ";Sampled=0"

	h := w.Header()
	h.Set(runtime.HeaderRequestID, inv.requestID)
	h.Set(runtime.HeaderDeadlineMS, strconv.FormatInt(deadline, 10))
	h.Set(runtime.HeaderFunctionARN, "arn:aws:lambda:us-east-1:000000000000:function:local-emulator")
	h.Set(runtime.HeaderTraceID, traceID)
	if inv.tenantID != "" {
		h.Set(runtime.HeaderTenantID, inv.tenantID)
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(inv.event)
}

// handleResponse completes the matching pending client-facing request.
// Chunked requests are forwarded to the response pool chunk by chunk as
// they arrive.
func (e *Emulator) handleResponse(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "requestId")

	if isChunked(r) {
		e.forwardChunks(requestID, r.Body)
	} else {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		e.responses.Push(requestID, responsePart{body: body, final: true})
	}

	w.WriteHeader(http.StatusAccepted)
}

// handleError completes the matching pending client-facing request with
// an error status and logs the failure the way a developer watching the
// Lambda console would see it.
func (e *Emulator) handleError(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "requestId")
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	e.log.Warn("invocation failed",
		zap.String("aws-request-id", requestID),
		zap.String(strings.ToLower(runtime.HeaderFunctionErrorType), r.Header.Get(runtime.HeaderFunctionErrorType)),
		zap.ByteString("body", body),
	)

	e.responses.Push(requestID, responsePart{body: body, final: true, isError: true})
	w.WriteHeader(http.StatusAccepted)
}

// handleInvoke is the client-facing submission endpoint: it allocates a
// request ID, enqueues the event, and blocks for the matching response.
func (e *Emulator) handleInvoke(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if mediaType, _, err := contenttype.GetMediaType(r); err == nil {
		e.log.Debug("invocation submitted", zap.String("content-type", mediaType.String()), zap.Int("bytes", len(body)))
		if mediaType.Subtype == "json" {
			warnIfMalformedJSON(e.log, body)
		}
	} else {
		e.log.Debug("invocation submitted with unparsed content-type", zap.Int("bytes", len(body)))
	}

	requestID := e.allocateRequestID()
	tenantID := r.URL.Query().Get("tenant")

	e.invocations.Push("", submittedInvocation{requestID: requestID, event: body, tenantID: tenantID})

	var accumulated []byte
	var isError bool
	for {
		part, err := e.responses.NextFor(r.Context(), requestID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusGatewayTimeout)
			return
		}
		accumulated = append(accumulated, part.body...)
		if part.final {
			isError = part.isError
			break
		}
	}

	if isError {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_, _ = w.Write(accumulated)
}

// forwardChunks reads the (already de-chunked by net/http) request body in
// successive reads and pushes each as a non-final part, finishing with a
// terminal empty part, matching the emulator's per-chunk forwarding
// behavior for Transfer-Encoding: chunked requests.
func (e *Emulator) forwardChunks(requestID string, body io.Reader) {
	buf := make([]byte, 32*1024)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			e.responses.Push(requestID, responsePart{body: chunk})
		}
		if err != nil {
			break
		}
	}
	e.responses.Push(requestID, responsePart{final: true})
}

// warnIfMalformedJSON validates the submitted event body against the JSON
// grammar without unmarshaling it into any particular shape — the emulator
// forwards events as opaque bytes, so this is purely a developer-facing
// diagnostic.
func warnIfMalformedJSON(log *zap.Logger, body []byte) {
	dec := jsontext.NewDecoder(bytes.NewReader(body))
	if _, err := dec.ReadValue(); err != nil {
		log.Warn("invocation submitted with content-type application/json but body is not valid JSON", zap.Error(err))
	}
}

func isChunked(r *http.Request) bool {
	for _, te := range r.TransferEncoding {
		if strings.EqualFold(te, "chunked") {
			return true
		}
	}
	return strings.EqualFold(r.Header.Get("Transfer-Encoding"), "chunked")
}

// allocateRequestID assigns a monotonically increasing nanosecond
// timestamp as the request ID, guaranteeing strict ordering even under a
// coarse system clock.
func (e *Emulator) allocateRequestID() string {
	now := e.clock.NowMillis() * int64(time.Millisecond)
	for {
		prev := e.lastRequestID.Load()
		next := now
		if next <= prev {
			next = prev + 1
		}
		if e.lastRequestID.CompareAndSwap(prev, next) {
			return fmt.Sprintf("%020d", next)
		}
	}
}
