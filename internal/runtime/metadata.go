package runtime

import "net/http"

// Header names used on the Runtime API control plane.
const (
	HeaderRequestID       = "Lambda-Runtime-Aws-Request-Id"
	HeaderDeadlineMS      = "Lambda-Runtime-Deadline-Ms"
	HeaderFunctionARN     = "Lambda-Runtime-Invoked-Function-Arn"
	HeaderTraceID         = "Lambda-Runtime-Trace-Id"
	HeaderClientContext   = "Lambda-Runtime-Client-Context"
	HeaderCognitoIdentity = "Lambda-Runtime-Cognito-Identity"
	HeaderTenantID        = "Lambda-Runtime-Aws-Tenant-Id"

	HeaderFunctionErrorType = "Lambda-Runtime-Function-Error-Type"
	HeaderFunctionErrorBody = "Lambda-Runtime-Function-Error-Body"
	HeaderResponseMode      = "Lambda-Runtime-Function-Response-Mode"

	ResponseModeStreaming = "streaming"

	ContentTypeHTTPIntegrationResponse = "application/vnd.awslambda.http-integration-response"

	FunctionErrorTypeUnhandled = "Unhandled"

	RuntimeAPIVersion = "2018-06-01"

	// MaxContentLength caps inbound control-plane bodies at the AWS
	// invocation payload limit.
	MaxContentLength = 6 * 1024 * 1024

	// StreamingSwitchThreshold is the buffered/streamed cutover point
	// for outbound responses.
	StreamingSwitchThreshold = 6_000_000
)

// customHeadersSeparator follows the JSON status/headers preamble when a
// handler opts into custom headers on its first write. It is the
// fixed 8-byte NUL sentinel the control plane scans for to split preamble
// from body.
var customHeadersSeparator = make([]byte, 8)

// InvocationMetadata is derived from the headers of a GET .../next
// response. It is immutable once constructed;
// NewInvocationMetadataFromHeaders enforces its required-field invariant.
type InvocationMetadata struct {
	RequestID          string
	DeadlineMsEpoch    int64
	InvokedFunctionArn string
	TraceID            string
	ClientContext      string
	CognitoIdentity    string
	TenantID           string
}

// NewInvocationMetadataFromHeaders builds an InvocationMetadata from HTTP
// response headers, synthesizing a trace ID if absent and failing if
// request-id, deadline, or function ARN are missing.
func NewInvocationMetadataFromHeaders(h http.Header, clock Clock) (InvocationMetadata, error) {
	requestID := h.Get(HeaderRequestID)
	if requestID == "" {
		return InvocationMetadata{}, ErrNextInvocationMissingRequestID
	}

	deadlineRaw := h.Get(HeaderDeadlineMS)
	if deadlineRaw == "" {
		return InvocationMetadata{}, ErrNextInvocationMissingDeadline
	}
	deadline, err := parseInt64(deadlineRaw)
	if err != nil {
		return InvocationMetadata{}, wrapf(ErrNextInvocationMissingDeadline, "%v", err)
	}

	functionArn := h.Get(HeaderFunctionARN)
	if functionArn == "" {
		return InvocationMetadata{}, ErrNextInvocationMissingFunctionARN
	}

	traceID := h.Get(HeaderTraceID)
	if traceID == "" {
		traceID = "Root=" + GenerateXRayTraceID(clock) + ";Sampled=0"
	}

	return InvocationMetadata{
		RequestID:          requestID,
		DeadlineMsEpoch:    deadline,
		InvokedFunctionArn: functionArn,
		TraceID:            traceID,
		ClientContext:      h.Get(HeaderClientContext),
		CognitoIdentity:    h.Get(HeaderCognitoIdentity),
		TenantID:           h.Get(HeaderTenantID),
	}, nil
}

// Invocation pairs metadata with the event bytes delivered alongside it.
type Invocation struct {
	Metadata InvocationMetadata
	Event    []byte
}

// ErrorResponse is the JSON body posted to the .../error and
// .../init/error endpoints.
type ErrorResponse struct {
	ErrorType    string
	ErrorMessage string
}
