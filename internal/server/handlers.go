package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dativo-io/anonimiza/internal/anonymize"
	"github.com/dativo-io/anonimiza/internal/checksum"
	"github.com/dativo-io/anonimiza/internal/exportgate"
	"github.com/dativo-io/anonimiza/internal/glossary"
	"github.com/dativo-io/anonimiza/internal/pii"
	"github.com/dativo-io/anonimiza/internal/requestctx"
)

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(data)
}

// decode reads a JSON body into v, answering 400 itself on failure.
func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("decoding request body: %v", err))
		return false
	}
	return true
}

// writeGlossaryError maps glossary sentinels onto HTTP statuses.
func writeGlossaryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, glossary.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, glossary.ErrAliasConflict):
		writeError(w, http.StatusConflict, "alias_conflict", err.Error())
	case errors.Is(err, glossary.ErrInvalidAlias), errors.Is(err, glossary.ErrEmptyValue),
		errors.Is(err, glossary.ErrInvalidSnapshot):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status":             "ok",
		"uptime":             time.Since(s.startTime).String(),
		"vocabulary_version": pii.VocabularyVersion,
	}
	if r.URL.Query().Get("detail") == "true" {
		components := map[string]string{"pipeline": "ok"}
		if s.gate == nil {
			components["export_gate"] = "disabled"
		} else {
			components["export_gate"] = "ok"
		}
		if s.store == nil {
			components["glossary_store"] = "memory"
		} else {
			components["glossary_store"] = "ok"
		}
		resp["components"] = components
	}
	writeJSON(w, http.StatusOK, resp)
}

type detectRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	var req detectRequest
	if !decode(w, r, &req) {
		return
	}
	detections, stats, err := s.engine.Detect(r.Context(), req.Text)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "detection_failed", err.Error())
		return
	}
	if detections == nil {
		detections = []pii.Detection{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"detections": detections, "stats": stats})
}

type anonymizeRequest struct {
	ProjectID    string `json:"project_id"`
	DocumentID   string `json:"document_id"`
	DocumentType string `json:"document_type"`
	Text         string `json:"text"`
	// DryRun leaves the stored glossary untouched.
	DryRun bool `json:"dry_run"`
}

type anonymizeResponse struct {
	*anonymize.Result
	Decision *exportgate.Decision `json:"decision,omitempty"`
}

func (s *Server) handleAnonymize(w http.ResponseWriter, r *http.Request) {
	var req anonymizeRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.ProjectID) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "project_id is required")
		return
	}
	if req.DocumentID == "" {
		req.DocumentID = uuid.New().String()
	}
	ctx := r.Context()
	project, err := s.projects.Get(ctx, req.ProjectID)
	if err != nil {
		writeGlossaryError(w, err)
		return
	}
	res, err := s.engine.Anonymize(ctx, project, req.DocumentID, req.Text)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "anonymize_failed", err.Error())
		return
	}

	resp := anonymizeResponse{Result: res}
	if req.DocumentType != "" {
		d, err := s.engine.Gate(ctx, req.DocumentType, res)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "gate_failed", err.Error())
			return
		}
		resp.Decision = &d
	}
	if !req.DryRun {
		if err := s.projects.Save(ctx, req.ProjectID); err != nil {
			writeError(w, http.StatusInternalServerError, "glossary_save_failed", err.Error())
			return
		}
	}
	log.Info().
		Str("client_id", requestctx.ClientID(ctx)).
		Str("project_id", req.ProjectID).
		Str("document_id", req.DocumentID).
		Int("replacements", len(res.Replacements)).
		Msg("api_document_anonymized")
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGate(w http.ResponseWriter, r *http.Request) {
	if s.gate == nil {
		writeError(w, http.StatusNotImplemented, "gate_disabled", "export gate not configured")
		return
	}
	var in exportgate.Input
	if !decode(w, r, &in) {
		return
	}
	d, err := s.gate.Validate(r.Context(), in)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "gate_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, d)
}

type checksumRequest struct {
	Value string `json:"value"`
}

func (s *Server) handleChecksum(w http.ResponseWriter, r *http.Request) {
	validate, ok := checksum.Lookup(chi.URLParam(r, "type"))
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "unknown identifier type")
		return
	}
	var req checksumRequest
	if !decode(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, validate(req.Value))
}

func (s *Server) handleProjectsList(w http.ResponseWriter, r *http.Request) {
	if s.store != nil {
		list, err := s.store.List(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal", err.Error())
			return
		}
		if list == nil {
			list = []glossary.ProjectSummary{}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"projects": list})
		return
	}
	ids := s.projects.IDs()
	list := make([]glossary.ProjectSummary, 0, len(ids))
	for _, id := range ids {
		p, err := s.projects.Get(r.Context(), id)
		if err != nil {
			continue
		}
		list = append(list, glossary.ProjectSummary{ProjectID: id, Mappings: p.Glossary.Len()})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"projects": list})
}

func (s *Server) handleGlossaryGet(w http.ResponseWriter, r *http.Request) {
	project, err := s.projects.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeGlossaryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, project.Glossary.Snapshot())
}

func (s *Server) handleGlossaryImport(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	snap, err := glossary.DecodeSnapshot(data)
	if err != nil {
		writeGlossaryError(w, err)
		return
	}
	id := chi.URLParam(r, "id")
	project, err := s.projects.Get(r.Context(), id)
	if err != nil {
		writeGlossaryError(w, err)
		return
	}
	if err := project.Glossary.Restore(snap); err != nil {
		writeGlossaryError(w, err)
		return
	}
	if err := s.projects.Save(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, "glossary_save_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"project_id": id, "mappings": project.Glossary.Len()})
}

type aliasRequest struct {
	Category string `json:"category"`
	Value    string `json:"value"`
	Alias    string `json:"alias"`
}

func (s *Server) handleAliasSet(w http.ResponseWriter, r *http.Request) {
	var req aliasRequest
	if !decode(w, r, &req) {
		return
	}
	category, ok := pii.ParseCategory(req.Category)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("unknown category %q", req.Category))
		return
	}
	id := chi.URLParam(r, "id")
	project, err := s.projects.Get(r.Context(), id)
	if err != nil {
		writeGlossaryError(w, err)
		return
	}
	m, err := project.Glossary.Update(r.Context(), req.Value, category, req.Alias)
	if err != nil {
		writeGlossaryError(w, err)
		return
	}
	if err := s.projects.Save(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, "glossary_save_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleMappingRemove(w http.ResponseWriter, r *http.Request) {
	category, ok := pii.ParseCategory(chi.URLParam(r, "category"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request", "unknown category")
		return
	}
	id := chi.URLParam(r, "id")
	project, err := s.projects.Get(r.Context(), id)
	if err != nil {
		writeGlossaryError(w, err)
		return
	}
	if err := project.Glossary.Remove(r.URL.Query().Get("value"), category); err != nil {
		writeGlossaryError(w, err)
		return
	}
	if err := s.projects.Save(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, "glossary_save_failed", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
