package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/louisbranch/nyra/internal/platform/errors"
	"github.com/louisbranch/nyra/internal/services/connect/provider"
	"github.com/louisbranch/nyra/internal/services/connect/storage"
)

type startResponse struct {
	AuthURL   string     `json:"auth_url"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

func (h *handler) handleStart(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	started, err := h.tokens.StartAuthorization(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, startResponse{AuthURL: started.URL, ExpiresAt: timeOrNil(started.ExpiresAt)})
}

type statusResponse struct {
	Authenticated   bool       `json:"authenticated"`
	State           string     `json:"state"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	Scope           string     `json:"scope,omitempty"`
	LastRefreshedAt *time.Time `json:"last_refreshed_at,omitempty"`
}

func (h *handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	status, err := h.tokens.Status(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := statusResponse{
		Authenticated: status.Authenticated,
		State:         string(status.State),
		Scope:         status.Scope,
	}
	if status.ExpiresAt != nil {
		resp.ExpiresAt = timeOrNil(*status.ExpiresAt)
	}
	if status.LastRefreshedAt != nil {
		resp.LastRefreshedAt = timeOrNil(*status.LastRefreshedAt)
	}
	writeJSON(w, http.StatusOK, resp)
}

type tokenResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
	Refreshed   bool      `json:"refreshed"`
}

type requiresAuthResponse struct {
	RequiresAuth bool   `json:"requires_auth"`
	Reason       string `json:"reason,omitempty"`
}

func (h *handler) handleToken(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	result, err := h.tokens.GetValidToken(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	if result.RequiresAuth {
		writeJSON(w, http.StatusUnauthorized, requiresAuthResponse{RequiresAuth: true, Reason: string(result.Reason)})
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken: result.AccessToken,
		TokenType:   result.TokenType,
		ExpiresAt:   result.ExpiresAt.UTC(),
		Refreshed:   result.Refreshed,
	})
}

type revokeRequest struct {
	UserID string `json:"user_id"`
}

type revokeResponse struct {
	Success       bool `json:"success"`
	RemoteRevoked bool `json:"remote_revoked"`
}

func (h *handler) handleRevoke(w http.ResponseWriter, r *http.Request) {
	var req revokeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	result, err := h.tokens.Revoke(r.Context(), req.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, revokeResponse{Success: result.Success, RemoteRevoked: result.RemoteRevoked})
}

type verifyResponse struct {
	Valid        bool               `json:"valid"`
	RequiresAuth bool               `json:"requires_auth,omitempty"`
	Reason       string             `json:"reason,omitempty"`
	StatusCode   int                `json:"status_code,omitempty"`
	Identity     *provider.Identity `json:"identity,omitempty"`
}

func (h *handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	result, err := h.tokens.Verify(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, verifyResponse{
		Valid:        result.Valid,
		RequiresAuth: result.RequiresAuth,
		Reason:       string(result.Reason),
		StatusCode:   result.StatusCode,
		Identity:     result.Identity,
	})
}

type auditEventResponse struct {
	ID        string            `json:"id"`
	Action    string            `json:"action"`
	Details   map[string]string `json:"details,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

type auditResponse struct {
	Events        []auditEventResponse `json:"events"`
	NextPageToken string               `json:"next_page_token,omitempty"`
}

func (h *handler) handleAudit(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	query := r.URL.Query()
	pageSize := 0
	if raw := strings.TrimSpace(query.Get("page_size")); raw != "" {
		pageSize, err = strconv.Atoi(raw)
		if err != nil || pageSize < 0 {
			writeError(w, apperrors.New(apperrors.CodeInvalidArgument, "page_size must be a positive integer"))
			return
		}
	}
	filter := storage.AuditEventFilter{Action: query.Get("action")}
	if filter.CreatedAfter, err = timeParam(query.Get("created_after")); err != nil {
		writeError(w, err)
		return
	}
	if filter.CreatedBefore, err = timeParam(query.Get("created_before")); err != nil {
		writeError(w, err)
		return
	}

	page, err := h.tokens.AuditTrail(r.Context(), userID, pageSize, query.Get("page_token"), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := auditResponse{
		Events:        make([]auditEventResponse, 0, len(page.AuditEvents)),
		NextPageToken: page.NextPageToken,
	}
	for _, event := range page.AuditEvents {
		resp.Events = append(resp.Events, auditEventResponse{
			ID:        event.ID,
			Action:    event.Action,
			Details:   event.Details,
			CreatedAt: event.CreatedAt.UTC(),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func timeParam(raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInvalidArgument, "time must be RFC 3339", err)
	}
	return &parsed, nil
}
