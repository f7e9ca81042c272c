// Package httperr defines the tagged error taxonomy for the serving
// pipeline and the JSON envelope every client-visible error is shaped
// into. Handlers and middleware return *E values; the router boundary
// converts anything else into an internal error.
package httperr

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"
)

// Kind classifies an error for status mapping.
type Kind string

const (
	KindValidation       Kind = "validation"
	KindAuthentication   Kind = "authentication"
	KindAuthorization    Kind = "authorization"
	KindNotFound         Kind = "not_found"
	KindMethodNotAllowed Kind = "method_not_allowed"
	KindPayloadTooLarge  Kind = "payload_too_large"
	KindRateLimit        Kind = "rate_limit"
	KindInvocation       Kind = "invocation"
	KindInternal         Kind = "internal"
	KindNotImplemented   Kind = "not_implemented"
	KindUnavailable      Kind = "service_unavailable"
	KindTimeout          Kind = "timeout"
)

// Status maps a kind to its HTTP status code.
func (k Kind) Status() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindAuthorization:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindMethodNotAllowed:
		return http.StatusMethodNotAllowed
	case KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindNotImplemented:
		return http.StatusNotImplemented
	case KindUnavailable:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// E is a classified pipeline error.
type E struct {
	Kind    Kind
	Message string
	Code    string
	Context map[string]any
	Cause   error

	// RetryAfter attaches a Retry-After hint for rate-limit errors.
	RetryAfter time.Duration

	// RateLimit carries the X-RateLimit-* header values when set.
	RateLimit *RateLimitInfo
}

// RateLimitInfo mirrors the admission decision onto response headers.
type RateLimitInfo struct {
	Limit     int
	Remaining int
	ResetAt   time.Time
}

func (e *E) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *E) Unwrap() error { return e.Cause }

// New creates a classified error.
func New(kind Kind, format string, args ...any) *E {
	return &E{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error, preserving it as the cause.
func Wrap(kind Kind, cause error, format string, args ...any) *E {
	return &E{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// WithCode attaches a machine-readable code.
func (e *E) WithCode(code string) *E {
	e.Code = code
	return e
}

// WithContext attaches a context field.
func (e *E) WithContext(key string, value any) *E {
	if e.Context == nil {
		e.Context = map[string]any{}
	}
	e.Context[key] = value
	return e
}

// As extracts an *E from an error chain.
func As(err error) (*E, bool) {
	var e *E
	ok := errors.As(err, &e)
	return e, ok
}

// Body is the JSON error envelope.
type Body struct {
	Error         string         `json:"error"`
	Code          string         `json:"code,omitempty"`
	Message       string         `json:"message,omitempty"`
	CorrelationID string         `json:"correlationId"`
	Context       map[string]any `json:"context,omitempty"`
	RetryAfter    int            `json:"retryAfter,omitempty"`
}

// Write shapes err into the JSON envelope with the correlation id and any
// kind-specific headers. Non-*E errors are reported as internal without
// leaking the underlying message.
func Write(w http.ResponseWriter, err error, correlationID string) {
	e, ok := As(err)
	if !ok {
		e = &E{Kind: KindInternal, Message: "internal error", Cause: err}
	}

	body := Body{
		Error:         string(e.Kind),
		Code:          e.Code,
		Message:       e.Message,
		CorrelationID: correlationID,
		Context:       e.Context,
	}

	h := w.Header()
	h.Set("Content-Type", "application/json")
	switch e.Kind {
	case KindAuthentication:
		h.Set("WWW-Authenticate", `Bearer realm="fngate"`)
	case KindRateLimit:
		secs := int(math.Ceil(e.RetryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		h.Set("Retry-After", strconv.Itoa(secs))
		body.RetryAfter = secs
		if rl := e.RateLimit; rl != nil {
			SetRateLimitHeaders(h, rl)
		}
	}

	w.WriteHeader(e.Kind.Status())
	_ = json.NewEncoder(w).Encode(body)
}

// SetRateLimitHeaders emits the X-RateLimit-* trio.
func SetRateLimitHeaders(h http.Header, rl *RateLimitInfo) {
	h.Set("X-RateLimit-Limit", strconv.Itoa(rl.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(rl.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(rl.ResetAt.Unix(), 10))
}
