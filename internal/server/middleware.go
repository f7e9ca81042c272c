package server

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fngate/fngate/internal/audit"
	"github.com/fngate/fngate/internal/auth"
	"github.com/fngate/fngate/internal/httperr"
	"github.com/fngate/fngate/internal/ratelimit"
)

type ctxKey int

const (
	correlationKey ctxKey = iota
	principalKey
)

// CorrelationID returns the request's correlation id.
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey).(string)
	return id
}

// PrincipalFrom returns the authenticated principal, nil on public paths.
func PrincipalFrom(ctx context.Context) *auth.Principal {
	p, _ := ctx.Value(principalKey).(*auth.Principal)
	return p
}

// correlationMiddleware adopts the client's X-Request-ID or mints a UUID,
// stamps it on the context, and echoes it in the response header.
func correlationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), correlationKey, id)))
	})
}

// recoverMiddleware converts handler panics into the internal-error
// envelope.
func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("handler panic",
					zap.Any("panic", rec),
					zap.String("path", r.URL.Path),
					zap.String("correlation_id", CorrelationID(r.Context())))
				httperr.Write(w, httperr.New(httperr.KindInternal, "internal error"), CorrelationID(r.Context()))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// accessLogMiddleware writes one structured line per request.
func (s *Server) accessLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", sw.status),
			zap.Duration("duration", time.Since(start)),
			zap.String("ip", clientIP(r)),
			zap.String("correlation_id", CorrelationID(r.Context())))
	})
}

// authMiddleware resolves the request credential and enforces scope
// rules. Failures are audited with the key hint only.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, err := s.auth.Authenticate(r)
		if err != nil {
			s.audit.Record(audit.Event{
				Action:   audit.ActionAuthFail,
				Resource: r.URL.Path,
				Status:   audit.StatusDenied,
				IP:       clientIP(r),
			})
			httperr.Write(w, err, CorrelationID(r.Context()))
			return
		}
		if principal != nil {
			if err := s.auth.Authorize(r.URL.Path, principal); err != nil {
				httperr.Write(w, err, CorrelationID(r.Context()))
				return
			}
			r = r.WithContext(context.WithValue(r.Context(), principalKey, principal))
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimitMiddleware runs the admission check and mirrors the decision
// onto response headers. It runs before routing, so the function id is
// derived from the raw path rather than route params.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		decision := s.limiter.Check(ratelimit.Request{
			IP:         clientIP(r),
			FunctionID: functionIDFromPath(r.URL.Path),
			Method:     r.Method,
			Path:       r.URL.Path,
		})
		if !decision.Allowed {
			retryAfter := time.Until(decision.ResetAt)
			err := httperr.New(httperr.KindRateLimit, "rate limit exceeded")
			err.RetryAfter = retryAfter
			err.RateLimit = &httperr.RateLimitInfo{
				Limit:     decision.Limit,
				Remaining: decision.Remaining,
				ResetAt:   decision.ResetAt,
			}
			httperr.Write(w, err, CorrelationID(r.Context()))
			return
		}
		// Cross-instance fixed-window check when Redis is configured. A
		// backend failure fails open; the local limiter already ran.
		if s.durable != nil {
			if rule, ok := s.cfg.RateLimit.Rules[ratelimit.CategoryIP]; ok {
				d, err := s.durable.Check(r.Context(), "ip:"+clientIP(r), rule, time.Now())
				if err != nil {
					s.logger.Warn("durable rate limit check failed", zap.Error(err))
				} else if !d.Allowed {
					rlErr := httperr.New(httperr.KindRateLimit, "rate limit exceeded")
					rlErr.RetryAfter = time.Until(d.ResetAt)
					rlErr.RateLimit = &httperr.RateLimitInfo{
						Limit:     d.Limit,
						Remaining: d.Remaining,
						ResetAt:   d.ResetAt,
					}
					httperr.Write(w, rlErr, CorrelationID(r.Context()))
					return
				}
			}
		}
		if decision.Remaining >= 0 {
			httperr.SetRateLimitHeaders(w.Header(), &httperr.RateLimitInfo{
				Limit:     decision.Limit,
				Remaining: decision.Remaining,
				ResetAt:   decision.ResetAt,
			})
		}
		next.ServeHTTP(w, r)
	})
}

// functionIDFromPath extracts the function id from an invoke or
// management path. Returns "" for paths that carry no function id.
func functionIDFromPath(path string) string {
	for _, base := range []string{
		"/v1/functions/",
		"/v1/cascade/",
		"/v1/api/functions/",
		"/api/functions/",
	} {
		rest, ok := strings.CutPrefix(path, base)
		if !ok || rest == "" {
			continue
		}
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			rest = rest[:i]
		}
		return rest
	}
	return ""
}

// clientIP extracts the caller address, trusting proxy headers in the
// order CF-Connecting-IP, X-Forwarded-For, X-Real-IP.
func clientIP(r *http.Request) string {
	if ip := strings.TrimSpace(r.Header.Get("CF-Connecting-IP")); ip != "" {
		return ip
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
