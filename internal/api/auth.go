package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-mesh/internal/audit"
	"github.com/nerrad567/gray-logic-mesh/internal/auth"
)

// ticketTTL is how long a WebSocket ticket is valid.
const ticketTTL = 60 * time.Second

// ticketStore holds pending WebSocket authentication tickets.
// Tickets are single-use and expire after ticketTTL.
type ticketStore struct {
	mu      sync.Mutex
	tickets map[string]ticketEntry
}

type ticketEntry struct {
	claims    *auth.CustomClaims
	expiresAt time.Time
}

func newTicketStore() *ticketStore {
	return &ticketStore{tickets: make(map[string]ticketEntry)}
}

// issue stores a ticket for claims and returns it.
func (ts *ticketStore) issue(claims *auth.CustomClaims) string {
	ticket := generateTicket()
	ts.mu.Lock()
	ts.tickets[ticket] = ticketEntry{claims: claims, expiresAt: time.Now().Add(ticketTTL)}
	ts.mu.Unlock()
	return ticket
}

// consume validates and removes a ticket.
func (ts *ticketStore) consume(ticket string) (*auth.CustomClaims, bool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	entry, ok := ts.tickets[ticket]
	if !ok {
		return nil, false
	}
	delete(ts.tickets, ticket)
	if !time.Now().Before(entry.expiresAt) {
		return nil, false
	}
	return entry.claims, true
}

// clean removes expired tickets.
func (ts *ticketStore) clean() {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	now := time.Now()
	for ticket, entry := range ts.tickets {
		if now.After(entry.expiresAt) {
			delete(ts.tickets, ticket)
		}
	}
}

// ticketBytes is the number of random bytes used for WebSocket tickets.
const ticketBytes = 32

// generateTicket creates a cryptographically random ticket string.
func generateTicket() string {
	b := make([]byte, ticketBytes)
	//nolint:errcheck // crypto/rand.Read always returns len(b) on supported platforms
	rand.Read(b)
	return hex.EncodeToString(b)
}

// cleanTicketsLoop removes expired tickets until the context is cancelled.
func (s *Server) cleanTicketsLoop(ctx context.Context) {
	ticker := time.NewTicker(ticketTTL)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tickets.clean()
		}
	}
}

// handleWSTicket issues a single-use WebSocket ticket carrying the
// caller's identity, so the token never appears in a URL.
func (s *Server) handleWSTicket(w http.ResponseWriter, r *http.Request) {
	ticket := s.tickets.issue(claimsFromContext(r.Context()))
	writeJSON(w, http.StatusOK, map[string]any{
		"ticket":     ticket,
		"expires_in": int(ticketTTL.Seconds()),
	})
}

type issueTokenRequest struct {
	Subject string    `json:"subject"`
	Role    auth.Role `json:"role"`
}

type issueTokenResponse struct {
	Token     string    `json:"token"`
	TokenType string    `json:"token_type"`
	ID        string    `json:"id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// handleIssueToken issues a token for another editor.
func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	var req issueTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Subject == "" {
		writeBadRequest(w, "subject is required")
		return
	}
	if !auth.IsValidRole(req.Role) {
		writeBadRequest(w, "role must be viewer, editor or installer")
		return
	}

	signed, rec, err := s.issuer.Issue(r.Context(), req.Subject, req.Role)
	target := ""
	if rec != nil {
		target = rec.ID
	}
	s.recordRequest(r, audit.ActionTokenIssue, "", target, err,
		map[string]any{"subject": req.Subject, "role": string(req.Role)})
	if err != nil {
		s.logger.Error("issuing token failed", "subject", req.Subject, "error", err)
		writeInternalError(w, "failed to issue token")
		return
	}

	s.logger.Info("editor token issued", "token_id", rec.ID, "subject", rec.Subject, "role", rec.Role,
		"issued_by", claimsFromContext(r.Context()).Subject)
	writeJSON(w, http.StatusCreated, issueTokenResponse{
		Token:     signed,
		TokenType: "Bearer",
		ID:        rec.ID,
		ExpiresAt: rec.ExpiresAt,
	})
}

// handleRevokeToken revokes a token by id.
func (s *Server) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.issuer.Revoke(r.Context(), id)
	s.recordRequest(r, audit.ActionTokenRevoke, "", id, err, nil)
	if err != nil {
		if errors.Is(err, auth.ErrTokenUnknown) {
			writeNotFound(w, "token not found")
			return
		}
		s.logger.Error("revoking token failed", "token_id", id, "error", err)
		writeInternalError(w, "failed to revoke token")
		return
	}
	s.logger.Info("editor token revoked", "token_id", id, "revoked_by", claimsFromContext(r.Context()).Subject)
	w.WriteHeader(http.StatusNoContent)
}

// handleListTokens lists tokens that are neither revoked nor expired.
func (s *Server) handleListTokens(w http.ResponseWriter, r *http.Request) {
	if s.tokens == nil {
		writeJSON(w, http.StatusOK, map[string]any{"tokens": []auth.EditorToken{}})
		return
	}
	tokens, err := s.tokens.ListActive(r.Context())
	if err != nil {
		s.logger.Error("listing tokens failed", "error", err)
		writeInternalError(w, "failed to list tokens")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tokens": tokens})
}
