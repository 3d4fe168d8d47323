package runtime

import (
	"bufio"
	"fmt"
	"net"
	"net/http"

	"go.uber.org/zap"
)

// handlerState is the per-connection state machine owned by Channel. It is
// confined to the goroutine that calls Channel's methods — which, by
// construction, is always the single goroutine holding the owning Client's
// mutex.
type handlerState int

const (
	handlerDisconnected handlerState = iota
	handlerIdle
	handlerWaitingForNextInvocation
	handlerWaitingForResponse
	handlerSendingResponse
	handlerSentResponse
	handlerClosing
)

func (s handlerState) String() string {
	switch s {
	case handlerDisconnected:
		return "Disconnected"
	case handlerIdle:
		return "Idle"
	case handlerWaitingForNextInvocation:
		return "WaitingForNextInvocation"
	case handlerWaitingForResponse:
		return "WaitingForResponse"
	case handlerSendingResponse:
		return "SendingResponse"
	case handlerSentResponse:
		return "SentResponse"
	case handlerClosing:
		return "Closing"
	default:
		return "Unknown"
	}
}

// responseMode tracks whether the in-flight response has committed to
// buffered or streamed transport.
type responseMode int

const (
	modeUndecided responseMode = iota
	modeBuffered
	modeStreaming
)

// Channel owns one TCP connection to the control plane and enforces
// per-connection request ordering (component B). It is the Go rendition
// of the "channel handler" — a single struct rather than a dedicated
// event-loop actor, since ordering is already enforced one level up by
// Client's mutex.
type Channel struct {
	conn net.Conn
	br   *bufio.Reader
	bw   *bufio.Writer
	host string
	log  *zap.Logger

	state handlerState

	// in-flight response accumulation.
	mode          responseMode
	buffered      []byte
	activeReqID   string
	hasCustomHdrs bool
	sentPreamble  bool
	lastErr       error
}

// NewChannel wraps an established connection. The caller has already
// performed the connect timeout; Channel itself never dials.
func NewChannel(conn net.Conn, host string, log *zap.Logger) *Channel {
	return &Channel{
		conn:  conn,
		br:    bufio.NewReader(conn),
		bw:    bufio.NewWriter(conn),
		host:  host,
		log:   log,
		state: handlerIdle,
	}
}

// Connected reports whether the channel still owns a live connection. It
// goes false once the control plane has asked for the connection to be
// closed with a Connection: close response, or a transport error has
// occurred.
func (c *Channel) Connected() bool {
	return c.state != handlerDisconnected && c.state != handlerClosing
}

// Close tears down the underlying connection, passing through Closing and
// ending in Disconnected. Idempotent.
func (c *Channel) Close() error {
	if c.state == handlerClosing || c.state == handlerDisconnected {
		return nil
	}
	c.state = handlerClosing
	err := c.conn.Close()
	c.state = handlerDisconnected
	return err
}

// NextInvocation sends the GET .../next request and blocks for the
// response.
func (c *Channel) NextInvocation() (*ControlPlaneResponse, error) {
	if c.state == handlerClosing {
		return nil, ErrConnectionToControlPlaneGoneAway
	}
	if c.state != handlerIdle {
		stateMachineViolation("channel", c.state.String(), "next_invocation")
	}
	c.state = handlerWaitingForNextInvocation

	if err := EncodeNext(c.bw, c.host); err != nil {
		return c.fail(err)
	}

	req, _ := http.NewRequest(http.MethodGet, "/"+RuntimeAPIVersion+"/runtime/invocation/next", nil)
	resp, err := DecodeResponse(c.br, NewRealClock(), req)
	if err != nil {
		c.log.Warn("invocation missing metadata; closing connection", zap.Error(err))
		c.state = handlerClosing
		_ = c.conn.Close()
		c.state = handlerDisconnected
		return nil, wrapf(ErrInvocationMissingMetadata, "%v", err)
	}

	if resp.ShouldClose {
		c.log.Debug("control plane requested connection close after next")
	}

	c.activeReqID = resp.Metadata.RequestID
	c.state = handlerWaitingForResponse
	c.mode = modeUndecided
	c.buffered = nil
	c.sentPreamble = false

	return resp, nil
}

// WriteResponseBody streams a body chunk; the first call for an invocation
// sends the chunked POST head before its chunk. hasCustomHeaders
// is only honored on the very first call for a given
// invocation and must be false afterward.
func (c *Channel) WriteResponseBody(requestID string, body []byte, hasCustomHeaders bool) error {
	firstWrite := false
	switch c.state {
	case handlerWaitingForResponse:
		c.hasCustomHdrs = hasCustomHeaders
		c.state = handlerSendingResponse
		firstWrite = true
	case handlerSendingResponse:
		if hasCustomHeaders {
			panic("lambdaruntime: has_custom_headers must be false after the first write")
		}
	default:
		stateMachineViolation("channel", c.state.String(), "write_response_body")
	}
	if requestID != c.activeReqID {
		panic("lambdaruntime: write_response_body for a request-id that is not in flight")
	}

	if firstWrite {
		if err := c.switchToStreaming(); err != nil {
			return err
		}
	}

	if firstWrite && hasCustomHeaders {
		if err := c.appendBody(body); err != nil {
			return err
		}
		c.sentPreamble = true
		return c.appendBody(customHeadersSeparator)
	}

	return c.appendBody(body)
}

// appendBody is the shared accumulation/streaming-switch logic used by
// both WriteResponseBody and FinishResponse.
func (c *Channel) appendBody(body []byte) error {
	if c.mode == modeStreaming {
		return c.writeChunk(body)
	}

	c.buffered = append(c.buffered, body...)
	if len(c.buffered) >= StreamingSwitchThreshold {
		return c.switchToStreaming()
	}
	return nil
}

// switchToStreaming emits the POST head with chunked transfer-encoding and
// flushes everything accumulated so far as the first chunk.
func (c *Channel) switchToStreaming() error {
	c.mode = modeStreaming

	path := "/" + RuntimeAPIVersion + "/runtime/invocation/" + c.activeReqID + "/response"
	encodeRequestHead(c.bw, http.MethodPost, path, c.host)
	writeHeader(c.bw, "Transfer-Encoding", "chunked")
	writeHeader(c.bw, HeaderResponseMode, ResponseModeStreaming)
	if c.hasCustomHdrs {
		writeHeader(c.bw, "Content-Type", ContentTypeHTTPIntegrationResponse)
	}
	writeHeader(c.bw, "Connection", "keep-alive")
	endHeaders(c.bw)

	pending := c.buffered
	c.buffered = nil
	if len(pending) > 0 {
		return c.writeChunk(pending)
	}
	return c.bw.Flush()
}

func (c *Channel) writeChunk(chunk []byte) error {
	if len(chunk) == 0 {
		return c.bw.Flush()
	}
	fmt.Fprintf(c.bw, "%x\r\n", len(chunk))
	if _, err := c.bw.Write(chunk); err != nil {
		return err
	}
	c.bw.WriteString("\r\n")
	return c.bw.Flush()
}

// FinishResponse sends the terminal bytes of a successful response and
// waits for the control plane's acknowledgement.
func (c *Channel) FinishResponse(requestID string, finalBytes []byte) (*ControlPlaneResponse, error) {
	switch c.state {
	case handlerWaitingForResponse, handlerSendingResponse:
	default:
		stateMachineViolation("channel", c.state.String(), "finish_response")
	}
	if requestID != c.activeReqID {
		panic("lambdaruntime: finish_response for a request-id that is not in flight")
	}

	if len(finalBytes) > 0 {
		if err := c.appendBody(finalBytes); err != nil {
			return c.fail(err)
		}
	}

	var err error
	if c.mode == modeStreaming {
		err = c.writeChunk(nil) // flush only; the terminator is written below
		if err == nil {
			c.bw.WriteString("0\r\n\r\n")
			err = c.bw.Flush()
		}
	} else {
		c.mode = modeBuffered
		err = EncodeInvocationResponse(c.bw, c.host, requestID, c.buffered)
	}
	if err != nil {
		return c.fail(err)
	}

	return c.awaitTerminalResponse(requestID)
}

// ReportInitializationError sends a POST .../init/error. It is only valid
// before the first invocation is requested on this connection.
func (c *Channel) ReportInitializationError(errResp ErrorResponse) (*ControlPlaneResponse, error) {
	if c.state != handlerIdle {
		stateMachineViolation("channel", c.state.String(), "report_initialization_error")
	}
	c.state = handlerSendingResponse
	if err := EncodeInitializationError(c.bw, c.host, errResp); err != nil {
		return c.fail(err)
	}
	return c.awaitTerminalResponse("")
}

// ReportError sends an invocation error, either as a standalone POST
// .../error (if no streaming has begun) or as streaming trailers.
func (c *Channel) ReportError(requestID string, errResp ErrorResponse) (*ControlPlaneResponse, error) {
	switch c.state {
	case handlerWaitingForResponse:
		c.state = handlerSendingResponse
		if err := EncodeInvocationError(c.bw, c.host, requestID, errResp); err != nil {
			return c.fail(err)
		}
	case handlerSendingResponse:
		trailerBody := base64EncodeJSON(errResp.MarshalJSON())
		fmt.Fprintf(c.bw, "0\r\n")
		writeHeader(c.bw, HeaderFunctionErrorType, FunctionErrorTypeUnhandled)
		writeHeader(c.bw, HeaderFunctionErrorBody, trailerBody)
		c.bw.WriteString("\r\n")
		if err := c.bw.Flush(); err != nil {
			return c.fail(err)
		}
	case handlerIdle, handlerSentResponse:
		c.log.Warn("report_error called after response already sent; ignoring")
		return nil, nil
	default:
		stateMachineViolation("channel", c.state.String(), "report_error")
	}

	return c.awaitTerminalResponse(requestID)
}

func (c *Channel) awaitTerminalResponse(requestID string) (*ControlPlaneResponse, error) {
	req, _ := http.NewRequest(http.MethodPost, "/", nil)
	resp, err := DecodeResponse(c.br, NewRealClock(), req)
	if err != nil {
		return c.fail(err)
	}

	c.state = handlerSentResponse
	c.activeReqID = ""
	c.buffered = nil
	c.mode = modeUndecided

	if resp.ShouldClose {
		c.log.Debug("control plane requested connection close after response")
		_ = c.conn.Close()
		c.state = handlerDisconnected
	} else {
		c.state = handlerIdle
	}

	if resp.Kind != ResponseAccepted {
		return resp, wrapf(ErrUnexpectedStatusCode, "for request %s: kind=%d", requestID, resp.Kind)
	}
	return resp, nil
}

func (c *Channel) fail(err error) (*ControlPlaneResponse, error) {
	c.lastErr = err
	c.state = handlerDisconnected
	_ = c.conn.Close()
	return nil, wrapf(ErrConnectionToControlPlaneLost, "%v", err)
}
