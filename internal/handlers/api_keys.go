package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/offbit/flowtrace/internal/auth"
)

/* APIKeyHandlers handles credential management */
type APIKeyHandlers struct {
	keys *auth.APIKeyManager
}

/* NewAPIKeyHandlers creates new API key handlers */
func NewAPIKeyHandlers(keys *auth.APIKeyManager) *APIKeyHandlers {
	return &APIKeyHandlers{keys: keys}
}

/* CreateAPIKey mints a new key; the raw key appears only in this response */
func (h *APIKeyHandlers) CreateAPIKey(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		UserID    string `json:"user_id"`
		Label     string `json:"label"`
		RateLimit int    `json:"rate_limit"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		WriteError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err), nil)
		return
	}
	if payload.UserID == "" {
		WriteError(w, http.StatusBadRequest, fmt.Errorf("user_id is required"), nil)
		return
	}

	rawKey, record, err := h.keys.GenerateAPIKey(r.Context(), payload.UserID, payload.Label, payload.RateLimit)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err, nil)
		return
	}
	WriteSuccess(w, map[string]interface{}{
		"key":    rawKey,
		"record": record,
	}, http.StatusCreated)
}

/* DeleteAPIKey revokes a key */
func (h *APIKeyHandlers) DeleteAPIKey(w http.ResponseWriter, r *http.Request) {
	if err := h.keys.DeleteAPIKey(r.Context(), mux.Vars(r)["key_id"]); err != nil {
		WriteError(w, http.StatusInternalServerError, err, nil)
		return
	}
	WriteSuccess(w, map[string]string{"status": "deleted"}, http.StatusOK)
}
