package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/akinalp/carecall/pkg"
	"github.com/akinalp/carecall/services"
)

// CallHandler serves call history and the SFU fallback.
type CallHandler struct {
	history  services.CallHistoryService
	fallback services.FallbackService
}

func NewCallHandler(history services.CallHistoryService, fallback services.FallbackService) *CallHandler {
	return &CallHandler{history: history, fallback: fallback}
}

// List returns the caller's own call records, newest first.
//
//	GET /api/calls?limit=50
func (h *CallHandler) List(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFrom(r)
	if !ok {
		pkg.ErrorWithMessage(w, http.StatusUnauthorized, "missing credentials")
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			pkg.ErrorWithMessage(w, http.StatusBadRequest, "limit must be a number")
			return
		}
		limit = n
	}

	records, err := h.history.List(r.Context(), claims.UserID, limit)
	if err != nil {
		callError(w, r, err)
		return
	}
	pkg.JSON(w, http.StatusOK, records)
}

// Get returns one call record. Only its participants may read it.
//
//	GET /api/calls/{id}
func (h *CallHandler) Get(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFrom(r)
	if !ok {
		pkg.ErrorWithMessage(w, http.StatusUnauthorized, "missing credentials")
		return
	}

	rec, err := h.history.Get(r.Context(), claims.UserID, chi.URLParam(r, "id"))
	if err != nil {
		callError(w, r, err)
		return
	}
	pkg.JSON(w, http.StatusOK, rec)
}

// FallbackToken issues a LiveKit token for the session's SFU room.
//
//	POST /api/sessions/{id}/fallback-token
//	Response: { "token": "eyJ...", "url": "wss://sfu...", "room": "<session id>" }
func (h *CallHandler) FallbackToken(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFrom(r)
	if !ok {
		pkg.ErrorWithMessage(w, http.StatusUnauthorized, "missing credentials")
		return
	}

	sessionID := chi.URLParam(r, "id")
	if sessionID == "" {
		pkg.ErrorWithMessage(w, http.StatusBadRequest, "session id is required")
		return
	}

	resp, err := h.fallback.GenerateToken(r.Context(), claims.UserID, claims.DisplayName, sessionID)
	if err != nil {
		callError(w, r, err)
		return
	}
	pkg.JSON(w, http.StatusOK, resp)
}
