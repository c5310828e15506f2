package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"AgentResonance/internal/negotiation"
)

type submitRequest struct {
	Intent string `json:"intent"`
	UserID string `json:"user_id"`
	Scope  string `json:"scope"`
}

type confirmRequest struct {
	FormulatedText string `json:"formulated_text"`
}

// handleSubmit 创建协商并立即返回 202，协商在后台推进。
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeBody(r, w, &req, false); err != nil {
		writeError(w, err)
		return
	}
	view, err := s.service.Submit(r.Context(), negotiation.SubmitRequest{
		Intent: req.Intent,
		UserID: req.UserID,
		Scope:  req.Scope,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Location", "/api/v1/negotiate/"+view.NegotiationID)
	writeJSON(w, http.StatusAccepted, view)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	view, err := s.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleConfirm 确认表述，请求体可为空。
func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if err := decodeBody(r, w, &req, true); err != nil {
		writeError(w, err)
		return
	}
	view, err := s.service.Confirm(r.Context(), chi.URLParam(r, "id"), req.FormulatedText)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}
