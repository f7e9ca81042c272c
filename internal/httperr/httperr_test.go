package httperr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"testing"
	"time"
)

func TestKindStatus(t *testing.T) {
	cases := map[Kind]int{
		KindValidation:       400,
		KindAuthentication:   401,
		KindAuthorization:    403,
		KindNotFound:         404,
		KindMethodNotAllowed: 405,
		KindPayloadTooLarge:  413,
		KindRateLimit:        429,
		KindInvocation:       500,
		KindInternal:         500,
		KindNotImplemented:   501,
		KindUnavailable:      503,
		KindTimeout:          504,
	}
	for k, want := range cases {
		if got := k.Status(); got != want {
			t.Errorf("Status(%s) = %d, want %d", k, got, want)
		}
	}
}

func TestWriteEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	err := New(KindNotFound, "function %s not found", "sum").WithCode("FUNCTION_NOT_FOUND")
	Write(rec, err, "corr-1")

	if rec.Code != 404 {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content type = %q", ct)
	}
	var body Body
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error != "not_found" || body.CorrelationID != "corr-1" || body.Code != "FUNCTION_NOT_FOUND" {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestWriteAuthHeader(t *testing.T) {
	rec := httptest.NewRecorder()
	Write(rec, New(KindAuthentication, "missing credential"), "c")
	if got := rec.Header().Get("WWW-Authenticate"); got != `Bearer realm="fngate"` {
		t.Fatalf("WWW-Authenticate = %q", got)
	}
}

func TestWriteRateLimitHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	reset := time.Now().Add(42 * time.Second)
	e := New(KindRateLimit, "rate limit exceeded")
	e.RetryAfter = 42 * time.Second
	e.RateLimit = &RateLimitInfo{Limit: 2, Remaining: 0, ResetAt: reset}
	Write(rec, e, "c")

	if rec.Code != 429 {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "42" {
		t.Fatalf("Retry-After = %q", got)
	}
	if rec.Header().Get("X-RateLimit-Limit") != "2" || rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Fatal("missing X-RateLimit headers")
	}
	var body Body
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body.RetryAfter != 42 {
		t.Fatalf("body retryAfter = %d", body.RetryAfter)
	}
}

func TestWriteOpaqueError(t *testing.T) {
	rec := httptest.NewRecorder()
	Write(rec, fmt.Errorf("secret internal detail"), "c")
	if rec.Code != 500 {
		t.Fatalf("status = %d", rec.Code)
	}
	var body Body
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Message == "secret internal detail" {
		t.Fatal("internal detail leaked to client")
	}
	if body.Error != string(KindInternal) {
		t.Fatalf("error tag = %q", body.Error)
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("root")
	e := Wrap(KindUnavailable, cause, "registry down")
	if !errors.Is(e, cause) {
		t.Fatal("cause not preserved")
	}
	got, ok := As(fmt.Errorf("outer: %w", e))
	if !ok || got.Kind != KindUnavailable {
		t.Fatal("As failed through wrapping")
	}
}
