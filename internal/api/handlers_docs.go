package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/dgallion1/docchat/internal/chat"
	"github.com/dgallion1/docchat/internal/doctree"
	"github.com/dgallion1/docchat/internal/llm"
	"github.com/dgallion1/docchat/internal/vectorstore"
	"github.com/go-chi/chi/v5"
)

const maxQueryBodyBytes = 1 << 20

type queryRequest struct {
	Question string        `json:"question"`
	History  []llm.Message `json:"history"`
}

func decodeQuery(w http.ResponseWriter, r *http.Request) (queryRequest, bool) {
	var req queryRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxQueryBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return req, false
	}
	req.Question = strings.TrimSpace(req.Question)
	if req.Question == "" {
		jsonError(w, "question is required", http.StatusBadRequest)
		return req, false
	}
	for _, m := range req.History {
		if m.Role != "user" && m.Role != "assistant" {
			jsonError(w, "history roles must be user or assistant", http.StatusBadRequest)
			return req, false
		}
	}
	return req, true
}

// handleQuery answers a question from the document's indexed sections.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	docID := chi.URLParam(r, "docID")
	req, ok := decodeQuery(w, r)
	if !ok {
		return
	}

	answer, err := s.agent.Answer(r.Context(), docID, req.Question, req.History)
	if err != nil {
		s.queryError(w, docID, err)
		return
	}
	writeJSON(w, http.StatusOK, answer)
}

// handleContext returns the sections a question would be answered from.
func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	docID := chi.URLParam(r, "docID")
	req, ok := decodeQuery(w, r)
	if !ok {
		return
	}

	sections, err := s.agent.Context(r.Context(), docID, req.Question)
	if err != nil {
		s.queryError(w, docID, err)
		return
	}
	if sections == nil {
		sections = []doctree.ReconstructedSection{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"doc_id":   docID,
		"sections": sections,
	})
}

func (s *Server) queryError(w http.ResponseWriter, docID string, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, chat.ErrPromptOverflow):
		code = http.StatusRequestEntityTooLarge
	case vectorstore.IsNotFound(err):
		jsonError(w, "document not found", http.StatusNotFound)
		return
	case vectorstore.IsTimeout(err):
		code = http.StatusGatewayTimeout
	case vectorstore.IsConnectionRefused(err):
		code = http.StatusServiceUnavailable
	case vectorstore.KindOf(err) != "":
		code = http.StatusBadGateway
	}
	s.log.Error("query failed", "doc_id", docID, "status", code, "error", err)
	jsonError(w, err.Error(), code)
}
