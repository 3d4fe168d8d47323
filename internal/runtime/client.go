package runtime

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ConnectTimeout bounds how long the client waits for the initial TCP
// connection to the control plane.
const ConnectTimeout = 2 * time.Second

type connState int

const (
	connDisconnected connState = iota
	connConnected
)

type invocationState int

const (
	invIdle invocationState = iota
	invWaitingForNext
	invWaitingForResponse
	invSendingResponse
	invSentResponse
)

// Client is the runtime client: it owns the connection lifecycle and
// enforces the invocation lifecycle (at most one invocation in flight at a
// time, responses only accepted for the active request ID).
type Client struct {
	mu sync.Mutex

	endpoint string // host:port, dialed directly (no happy-eyeballs)
	host     string // Host header value

	connState connState
	channel   *Channel

	invState    invocationState
	activeReqID string

	closed bool
	log    *zap.Logger

	dial func(ctx context.Context, network, addr string, timeout time.Duration) (net.Conn, error)
}

// NewClientFromEnv reads AWS_LAMBDA_RUNTIME_API and constructs a Client
// that dials that endpoint directly over a raw socket.
func NewClientFromEnv(log *zap.Logger) (*Client, error) {
	endpoint := os.Getenv("AWS_LAMBDA_RUNTIME_API")
	if endpoint == "" {
		return nil, ErrMissingRuntimeAPIEnvironmentVariable
	}
	return NewClient(endpoint, log)
}

// NewClient constructs a Client for the given host:port control-plane
// endpoint.
func NewClient(endpoint string, log *zap.Logger) (*Client, error) {
	if _, _, err := net.SplitHostPort(endpoint); err != nil {
		return nil, wrapf(ErrInvalidPort, "%s: %v", endpoint, err)
	}
	return &Client{
		endpoint: endpoint,
		host:     endpoint,
		log:      log,
		dial: func(ctx context.Context, network, addr string, timeout time.Duration) (net.Conn, error) {
			d := net.Dialer{Timeout: timeout}
			return d.DialContext(ctx, network, addr)
		},
	}, nil
}

// ensureConnected dials a fresh connection if one is not already
// established. Must be called with c.mu held.
func (c *Client) ensureConnected(ctx context.Context) error {
	if c.connState == connConnected && c.channel != nil {
		return nil
	}
	if c.closed {
		return ErrClosingRuntimeClient
	}

	dialCtx, cancel := context.WithTimeout(ctx, ConnectTimeout)
	defer cancel()

	conn, err := c.dial(dialCtx, "tcp", c.endpoint, ConnectTimeout)
	if err != nil {
		return wrapf(ErrConnectionToControlPlaneLost, "connecting to %s: %v", c.endpoint, err)
	}

	c.channel = NewChannel(conn, c.host, c.log)
	c.connState = connConnected
	return nil
}

// NextInvocation blocks for the next invocation from the control plane and
// returns it along with a Writer scoped to this invocation.
func (c *Client) NextInvocation(ctx context.Context) (*Invocation, *Writer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.invState != invIdle {
		stateMachineViolation("client", c.invStateString(), "next_invocation")
	}
	c.invState = invWaitingForNext

	if err := c.ensureConnected(ctx); err != nil {
		c.invState = invIdle
		return nil, nil, err
	}

	if err := ctx.Err(); err != nil {
		c.invState = invIdle
		go func() { _ = c.Close(context.Background()) }()
		return nil, nil, wrapf(ErrCancellation, "%v", err)
	}

	resp, err := c.channel.NextInvocation()
	if err != nil {
		c.invState = invIdle
		c.connState = connDisconnected
		c.channel = nil
		return nil, nil, err
	}

	c.activeReqID = resp.Metadata.RequestID
	c.invState = invWaitingForResponse

	invocation := &Invocation{Metadata: resp.Metadata, Event: resp.Body}
	writer := &Writer{client: c, requestID: resp.Metadata.RequestID}
	return invocation, writer, nil
}

// ReportInitializationError posts a failure that occurred before the
// runtime ever requested an invocation. It may only be called once,
// before the first NextInvocation.
func (c *Client) ReportInitializationError(ctx context.Context, errResp ErrorResponse) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.invState != invIdle {
		stateMachineViolation("client", c.invStateString(), "report_initialization_error")
	}
	if c.closed {
		return ErrClosingRuntimeClient
	}

	if err := c.ensureConnected(ctx); err != nil {
		return err
	}

	_, err := c.channel.ReportInitializationError(errResp)
	if err != nil {
		c.connState = connDisconnected
		c.channel = nil
	}
	return err
}

// Close idempotently tears down the live connection.
func (c *Client) Close(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	var err error
	if c.channel != nil {
		err = c.channel.Close()
		c.channel = nil
	}
	c.connState = connDisconnected
	return err
}

func (c *Client) invStateString() string {
	switch c.invState {
	case invIdle:
		return "Idle"
	case invWaitingForNext:
		return "WaitingForNext"
	case invWaitingForResponse:
		return "WaitingForResponse"
	case invSendingResponse:
		return "SendingResponse"
	case invSentResponse:
		return "SentResponse"
	default:
		return "Unknown"
	}
}

// writeBody is called by Writer.Write. requestID must match the
// invocation this Writer was issued for.
func (c *Client) writeBody(requestID string, body []byte, hasCustomHeaders bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkActive(requestID); err != nil {
		return err
	}
	switch c.invState {
	case invWaitingForResponse:
		c.invState = invSendingResponse
	case invSendingResponse:
	default:
		return ErrWriteAfterFinishHasBeenSent
	}

	err := c.channel.WriteResponseBody(requestID, body, hasCustomHeaders)
	if err != nil {
		c.connState = connDisconnected
		c.channel = nil
	}
	return err
}

// finish is called by Writer.Finish / Writer.WriteAndFinish.
func (c *Client) finish(requestID string, finalBytes []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkActive(requestID); err != nil {
		return err
	}
	if c.invState != invWaitingForResponse && c.invState != invSendingResponse {
		return ErrFinishAfterFinishHasBeenSent
	}

	_, err := c.channel.FinishResponse(requestID, finalBytes)
	c.settleAfterTerminal(err)
	return err
}

// reportError is called by Writer.ReportError.
func (c *Client) reportError(requestID string, errResp ErrorResponse) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkActive(requestID); err != nil {
		return err
	}
	if c.invState != invWaitingForResponse && c.invState != invSendingResponse {
		return ErrFinishAfterFinishHasBeenSent
	}

	_, err := c.channel.ReportError(requestID, errResp)
	c.settleAfterTerminal(err)
	return err
}

func (c *Client) settleAfterTerminal(err error) {
	c.invState = invIdle
	c.activeReqID = ""
	if err != nil || c.channel == nil || !c.channel.Connected() {
		c.connState = connDisconnected
		c.channel = nil
	}
}

func (c *Client) checkActive(requestID string) error {
	if c.closed {
		return ErrClosingRuntimeClient
	}
	if c.invState == invIdle || c.invState == invSentResponse {
		return ErrWriteAfterFinishHasBeenSent
	}
	if requestID != c.activeReqID {
		return fmt.Errorf("lambdaruntime: writer used for request %s but client is handling %s", requestID, c.activeReqID)
	}
	if c.channel == nil {
		return ErrConnectionToControlPlaneLost
	}
	return nil
}

// ParseHostPort validates that port is numeric and joins a trimmed
// LOCAL_LAMBDA_HOST/PORT pair into host:port.
func ParseHostPort(host, port string) (string, error) {
	if _, err := strconv.Atoi(port); err != nil {
		return "", wrapf(ErrInvalidPort, "%s: %v", port, err)
	}
	return net.JoinHostPort(strings.TrimSpace(host), strings.TrimSpace(port)), nil
}
