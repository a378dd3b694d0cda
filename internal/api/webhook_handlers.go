package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/openlistings/harvester/internal/pipeline"
	"github.com/openlistings/harvester/internal/webhook"
)

// maxWebhookBody bounds data-delivery callbacks; the provider caps pushed
// payloads well below this.
const maxWebhookBody = 256 << 20

func (s *Server) webhookNotify(w http.ResponseWriter, r *http.Request) {
	var n webhook.Notify
	if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	secret := r.URL.Query().Get("secret")
	if err := s.gate.HandleNotify(r.Context(), secret, n); err != nil {
		s.writeGateError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func (s *Server) webhookData(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	secret := r.URL.Query().Get("secret")
	handle := r.URL.Query().Get("snapshot_id")
	if handle == "" {
		handle = r.Header.Get("X-Snapshot-Id")
	}
	path, err := s.gate.HandleData(r.Context(), secret, r.Header.Get("Authorization"), handle, payload)
	if err != nil {
		s.writeGateError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted", "path": path})
}

func (s *Server) writeGateError(w http.ResponseWriter, err error) {
	if errors.Is(err, pipeline.ErrSecurityRejected) {
		writeError(w, http.StatusUnauthorized, "rejected")
		return
	}
	writeError(w, http.StatusInternalServerError, "callback processing failed")
}
