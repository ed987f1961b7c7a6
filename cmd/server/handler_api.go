package main

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jwulff/signage-sub002/internal/security"
	"github.com/jwulff/signage-sub002/internal/store"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type pairRequest struct {
	Code       string `json:"code"`
	Name       string `json:"name"`
	Kind       string `json:"kind"`
	TerminalID string `json:"terminal_id"`
}

type pairResponse struct {
	DisplayID  string `json:"display_id"`
	Credential string `json:"credential"`
	TerminalID string `json:"terminal_id"`
}

// handlePair exchanges a one-time pairing code for a display credential.
// The code is all a new display needs, so this endpoint is unauthenticated.
func (s *Server) handlePair(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req pairRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Code) == "" {
		writeError(w, http.StatusBadRequest, "pairing code required")
		return
	}

	displayID := uuid.NewString()
	token, err := s.store.ConsumePairingToken(r.Context(),
		security.HashPairingCode(req.Code), displayID)
	switch {
	case errors.Is(err, store.ErrTokenConsumed) || errors.Is(err, store.ErrTokenExpired):
		writeError(w, http.StatusForbidden, err.Error())
		return
	case err != nil:
		log.Printf("Pairing failed: %v", err)
		writeError(w, http.StatusInternalServerError, "pairing failed")
		return
	case token == nil:
		writeError(w, http.StatusForbidden, "invalid pairing code")
		return
	}

	credential := s.signer.Sign(displayID)

	name := req.Name
	if name == "" {
		name = token.Label
	}
	kind := req.Kind
	if kind == "" {
		kind = "pixoo"
	}

	record := &store.DisplayRecord{
		ID:             displayID,
		Name:           name,
		Kind:           kind,
		TerminalID:     req.TerminalID,
		CredentialHash: security.CredentialHash(credential),
		PairedAt:       time.Now(),
	}
	if err := s.store.CreateDisplay(r.Context(), record); err != nil {
		log.Printf("Pairing failed to persist display %s: %v", displayID, err)
		writeError(w, http.StatusInternalServerError, "pairing failed")
		return
	}

	log.Printf("Display paired: %s (%s) via token %s", name, displayID, token.ID)
	writeJSON(w, http.StatusOK, pairResponse{
		DisplayID:  displayID,
		Credential: credential,
		TerminalID: req.TerminalID,
	})
}

type displayStatus struct {
	*store.DisplayRecord
	Online      bool      `json:"online"`
	IP          string    `json:"ip,omitempty"`
	ConnectedAt time.Time `json:"connected_at,omitempty"`
}

// handleListDisplays returns every paired display, merged with live
// connection state.
func (s *Server) handleListDisplays(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	records, err := s.store.ListDisplays(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list displays")
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]displayStatus, 0, len(records))
	for _, rec := range records {
		ds := displayStatus{DisplayRecord: rec}
		if live, ok := s.displays[rec.ID]; ok {
			ds.Online = true
			ds.IP = live.IP
			ds.ConnectedAt = live.ConnectedAt
			ds.LastSeen, _ = live.snapshot()
		}
		out = append(out, ds)
	}
	writeJSON(w, http.StatusOK, out)
}

// handlePairingTokens lists, creates, and revokes pairing tokens.
func (s *Server) handlePairingTokens(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		tokens, err := s.store.ListPairingTokens(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to list tokens")
			return
		}
		writeJSON(w, http.StatusOK, tokens)

	case http.MethodPost:
		var req struct {
			Label string `json:"label"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)

		token, code, err := security.GeneratePairingToken(req.Label)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to generate token")
			return
		}
		if err := s.store.CreatePairingToken(r.Context(), token); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to store token")
			return
		}
		log.Printf("Pairing token created: %s (%s)", token.ID, token.Label)
		// The plain code is returned exactly once.
		writeJSON(w, http.StatusOK, map[string]any{
			"token": token,
			"code":  code,
		})

	case http.MethodDelete:
		id := r.URL.Query().Get("id")
		if id == "" {
			writeError(w, http.StatusBadRequest, "id required")
			return
		}
		if err := s.store.DeletePairingToken(r.Context(), id); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to delete token")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}
