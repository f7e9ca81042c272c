package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/fngate/fngate/internal/audit"
	"github.com/fngate/fngate/internal/auth"
	"github.com/fngate/fngate/internal/fn"
	"github.com/fngate/fngate/internal/httperr"
	"github.com/fngate/fngate/internal/store"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	e, ok := httperr.As(err)
	if !ok {
		switch {
		case errors.Is(err, store.ErrNotFound):
			e = httperr.Wrap(httperr.KindNotFound, err, "not found")
		case errors.Is(err, store.ErrVersionExists):
			e = httperr.Wrap(httperr.KindValidation, err, "version already deployed")
		default:
			var ve *fn.ValidationError
			if errors.As(err, &ve) {
				e = httperr.Wrap(httperr.KindValidation, err, "%s", ve.Error()).
					WithContext("field", ve.Field)
			} else {
				s.logger.Error("internal error",
					zap.Error(err),
					zap.String("correlation_id", CorrelationID(r.Context())))
				e = &httperr.E{Kind: httperr.KindInternal, Message: "internal error", Cause: err}
			}
		}
	}
	httperr.Write(w, e, CorrelationID(r.Context()))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.loader.Health(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "fngate",
		"loader":  report,
	})
}

// deployRequest is kind-typed metadata plus the optional code payload.
type deployRequest struct {
	fn.Metadata
	Source string `json:"source,omitempty"`
	Binary string `json:"binary,omitempty"` // base64 WASM
}

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	if r.ContentLength > maxDeployBytes {
		s.writeError(w, r, httperr.New(httperr.KindPayloadTooLarge,
			"deploy body exceeds %d bytes", maxDeployBytes))
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxDeployBytes)

	var req deployRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, httperr.Wrap(httperr.KindValidation, err, "invalid request body"))
		return
	}

	var binary []byte
	if req.Binary != "" {
		b, err := base64.StdEncoding.DecodeString(req.Binary)
		if err != nil {
			s.writeError(w, r, httperr.Wrap(httperr.KindValidation, err, "invalid base64 binary"))
			return
		}
		binary = b
	}
	codePayload := []byte(req.Source)
	if len(codePayload) == 0 {
		codePayload = binary
	}

	meta := req.Metadata
	if err := fn.Validate(&meta, codePayload); err != nil {
		s.writeError(w, r, err)
		return
	}

	var artifact *store.Artifact
	if meta.Kind == fn.KindCode {
		artifact = &store.Artifact{Text: req.Source, Binary: binary}
		if s.compiler != nil && req.Source != "" {
			compiled, err := s.compiler.Compile(r.Context(), string(meta.Code.Language), req.Source)
			if err != nil {
				s.writeError(w, r, httperr.Wrap(httperr.KindValidation, err, "compilation failed"))
				return
			}
			compiled.Text = req.Source
			artifact = compiled
		}
	}

	if err := s.registry.Put(r.Context(), &meta); err != nil {
		s.writeError(w, r, err)
		return
	}
	if artifact != nil {
		if err := s.code.Put(r.Context(), meta.ID, meta.Version, artifact); err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	_ = s.loader.Invalidate(r.Context(), meta.ID)
	s.agentic.InvalidateTools(meta.ID)

	principal := PrincipalFrom(r.Context())
	s.audit.Record(audit.Event{
		UserID:   principalUserID(principal),
		Action:   audit.ActionDeploy,
		Resource: meta.ID + "@" + meta.Version,
		Status:   audit.StatusSuccess,
		Details:  map[string]any{"kind": string(meta.Kind)},
		IP:       clientIP(r),
	})

	stored, err := s.registry.GetVersion(r.Context(), meta.ID, meta.Version)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	body := map[string]any{"function": stored}
	if artifact != nil {
		if a, err := s.code.GetVersion(r.Context(), meta.ID, meta.Version); err == nil {
			body["digest"] = a.Digest
		}
	}
	writeJSON(w, http.StatusCreated, body)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	metas, err := s.registry.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	kind := r.URL.Query().Get("kind")
	tag := r.URL.Query().Get("tag")
	out := make([]*fn.Metadata, 0, len(metas))
	for _, m := range metas {
		if kind != "" && string(m.Kind) != kind {
			continue
		}
		if tag != "" && !hasTag(m.Tags, tag) {
			continue
		}
		out = append(out, m)
	}
	writeJSON(w, http.StatusOK, map[string]any{"functions": out, "count": len(out)})
}

func hasTag(tags []string, want string) bool {
	for _, t := range tags {
		if t == want {
			return true
		}
	}
	return false
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	version := r.URL.Query().Get("version")

	var (
		meta *fn.Metadata
		err  error
	)
	if version != "" {
		meta, err = s.registry.GetVersion(r.Context(), id, version)
	} else {
		meta, err = s.registry.Get(r.Context(), id)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

// patchableFields are the only metadata fields PATCH may touch.
var patchableFields = map[string]bool{"name": true, "description": true, "tags": true}

func (s *Server) handlePatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var patch map[string]json.RawMessage
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&patch); err != nil {
		s.writeError(w, r, httperr.Wrap(httperr.KindValidation, err, "invalid request body"))
		return
	}
	for field := range patch {
		if !patchableFields[field] {
			s.writeError(w, r, httperr.New(httperr.KindValidation,
				"field %s is immutable; redeploy a new version instead", field))
			return
		}
	}

	meta, err := s.registry.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if raw, ok := patch["name"]; ok {
		if err := json.Unmarshal(raw, &meta.Name); err != nil {
			s.writeError(w, r, httperr.Wrap(httperr.KindValidation, err, "invalid name"))
			return
		}
	}
	if raw, ok := patch["description"]; ok {
		if err := json.Unmarshal(raw, &meta.Description); err != nil {
			s.writeError(w, r, httperr.Wrap(httperr.KindValidation, err, "invalid description"))
			return
		}
	}
	if raw, ok := patch["tags"]; ok {
		if err := json.Unmarshal(raw, &meta.Tags); err != nil {
			s.writeError(w, r, httperr.Wrap(httperr.KindValidation, err, "invalid tags"))
			return
		}
	}

	if err := s.registry.Update(r.Context(), meta); err != nil {
		s.writeError(w, r, err)
		return
	}
	_ = s.loader.Invalidate(r.Context(), id)

	updated, err := s.registry.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.registry.Delete(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.code.Delete(r.Context(), id); err != nil {
		s.logger.Warn("delete code artifacts failed", zap.String("function_id", id), zap.Error(err))
	}
	_ = s.loader.Invalidate(r.Context(), id)
	s.agentic.InvalidateTools(id)

	s.audit.Record(audit.Event{
		UserID:   principalUserID(PrincipalFrom(r.Context())),
		Action:   audit.ActionDelete,
		Resource: id,
		Status:   audit.StatusSuccess,
		IP:       clientIP(r),
	})
	writeJSON(w, http.StatusOK, map[string]any{"status": "deleted", "id": id})
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req struct {
		Version string `json:"version"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, httperr.Wrap(httperr.KindValidation, err, "invalid request body"))
		return
	}
	if err := fn.ValidateVersion(strings.TrimSpace(req.Version)); err != nil {
		s.writeError(w, r, err)
		return
	}

	if err := s.registry.SetLatest(r.Context(), id, req.Version); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.loader.Rollback(r.Context(), id, req.Version)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.agentic.InvalidateTools(id)

	s.audit.Record(audit.Event{
		UserID:   principalUserID(PrincipalFrom(r.Context())),
		Action:   audit.ActionRollback,
		Resource: id + "@" + req.Version,
		Status:   audit.StatusSuccess,
		IP:       clientIP(r),
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "rolled_back",
		"id":      id,
		"version": res.Stub.Version,
	})
}

func principalUserID(p *auth.Principal) string {
	if p == nil {
		return ""
	}
	return p.UserID
}
