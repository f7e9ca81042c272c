package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/fngate/fngate/internal/dedup"
	"github.com/fngate/fngate/internal/executor"
	"github.com/fngate/fngate/internal/httperr"
	"github.com/fngate/fngate/internal/loader"
	"github.com/fngate/fngate/internal/store"
)

// maxInvokeBytes gates invocation bodies.
const maxInvokeBytes = 10 << 20

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	version := r.URL.Query().Get("version")
	ctx := r.Context()

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxInvokeBytes))
	if err != nil {
		s.writeError(w, r, httperr.Wrap(httperr.KindPayloadTooLarge, err, "request body too large"))
		return
	}

	input := map[string]any{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &input); err != nil {
			s.writeError(w, r, httperr.Wrap(httperr.KindValidation, err, "invalid JSON input"))
			return
		}
	}

	fpID := id
	if version != "" {
		fpID = id + "@" + version
	}
	fingerprint := dedup.Fingerprint(fpID, payload)

	result, coalesced, err := s.dedupMap.Do(ctx, fingerprint, func() (*dedup.Result, error) {
		var (
			loadRes *loader.Result
			loadErr error
		)
		if version != "" {
			loadRes, loadErr = s.loader.LoadVersion(ctx, id, version)
		} else {
			loadRes, loadErr = s.loader.Load(ctx, id)
		}
		if loadErr != nil {
			return nil, mapLoadError(loadErr)
		}

		resp, err := s.dispatch.Dispatch(ctx, executor.Request{
			Meta:          loadRes.Stub.Metadata,
			Input:         input,
			Code:          loadRes.Stub.Code,
			CorrelationID: CorrelationID(ctx),
		})
		if err != nil {
			return nil, err
		}
		body, err := json.Marshal(resp.Body)
		if err != nil {
			return nil, httperr.Wrap(httperr.KindInternal, err, "encode response")
		}
		header := resp.Header
		if header == nil {
			header = http.Header{}
		}
		return &dedup.Result{Status: resp.Status, Header: header, Body: body}, nil
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	for k, vs := range result.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	if coalesced {
		w.Header().Set("X-Deduplicated", "true")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(result.Status)
	_, _ = w.Write(result.Body)
}

// mapLoadError shapes loader failures into the client taxonomy while
// preserving retry and breaker attribution.
func mapLoadError(err error) error {
	var le *loader.LoadError
	if !errors.As(err, &le) {
		return err
	}
	switch {
	case loader.IsBreakerOpen(err):
		return httperr.Wrap(httperr.KindUnavailable, err, "function temporarily unavailable").
			WithCode("circuit_open").
			WithContext("circuitBreakerState", le.BreakerState)
	case errors.Is(err, store.ErrNotFound):
		return httperr.Wrap(httperr.KindNotFound, err, "function %s not found", le.FunctionID)
	default:
		return httperr.Wrap(httperr.KindUnavailable, err, "function load failed").
			WithContext("retryCount", le.RetryCount).
			WithContext("circuitBreakerState", le.BreakerState)
	}
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		s.writeError(w, r, httperr.New(httperr.KindNotImplemented,
			"log streaming is not configured"))
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.logs.Stream(r.Context(), id, w); err != nil {
		s.writeError(w, r, err)
	}
}

func (s *Server) handleAuthValidate(w http.ResponseWriter, r *http.Request) {
	p := PrincipalFrom(r.Context())
	if p == nil {
		s.writeError(w, r, httperr.New(httperr.KindAuthentication, "missing credential"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": true, "principal": p})
}

func (s *Server) handleAuthMe(w http.ResponseWriter, r *http.Request) {
	p := PrincipalFrom(r.Context())
	if p == nil {
		s.writeError(w, r, httperr.New(httperr.KindAuthentication, "missing credential"))
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleAuthOrgs(w http.ResponseWriter, r *http.Request) {
	p := PrincipalFrom(r.Context())
	if p == nil {
		s.writeError(w, r, httperr.New(httperr.KindAuthentication, "missing credential"))
		return
	}
	orgs := p.OrgIDs
	if org := r.Header.Get("X-Organization"); org != "" {
		filtered := make([]string, 0, len(orgs))
		for _, o := range orgs {
			if o == org {
				filtered = append(filtered, o)
			}
		}
		orgs = filtered
	}
	writeJSON(w, http.StatusOK, map[string]any{"orgs": orgs})
}
