// Package httpapi exposes the connect service over HTTP: the OAuth start and
// callback endpoints, token and status queries for the UI, outcome streams,
// and the mail and calendar gateway.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/louisbranch/nyra/internal/platform/errors"
	"github.com/louisbranch/nyra/internal/services/connect/credential"
	"github.com/louisbranch/nyra/internal/services/connect/gateway"
	"github.com/louisbranch/nyra/internal/services/connect/notify"
	"github.com/louisbranch/nyra/internal/services/connect/storage"
	"github.com/louisbranch/nyra/internal/services/connect/tokens"
)

const (
	maxRequestBody           = 1 << 20
	defaultHeartbeatInterval = 15 * time.Second
)

// TokenService is the token manager surface served over HTTP.
type TokenService interface {
	Provider() credential.Provider
	StartAuthorization(ctx context.Context, userID string) (tokens.Authorization, error)
	GetValidToken(ctx context.Context, userID string) (tokens.TokenResult, error)
	HandleOAuthCallback(ctx context.Context, code string, state string) (tokens.CallbackResult, error)
	FailAuthorization(ctx context.Context, state string, providerError string, description string) (tokens.CallbackResult, error)
	Revoke(ctx context.Context, userID string) (tokens.RevokeResult, error)
	Status(ctx context.Context, userID string) (tokens.Status, error)
	Verify(ctx context.Context, userID string) (tokens.VerifyResult, error)
	AuditTrail(ctx context.Context, userID string, pageSize int, pageToken string, filter storage.AuditEventFilter) (storage.AuditEventPage, error)
}

// Mailer sends email as a connected user.
type Mailer interface {
	Send(ctx context.Context, userID string, msg gateway.Message) (gateway.SentMessage, error)
}

// EventCreator creates calendar events as a connected user.
type EventCreator interface {
	CreateEvent(ctx context.Context, userID string, event gateway.Event) (gateway.CreatedEvent, error)
}

// Config wires a Handler.
type Config struct {
	Tokens   TokenService
	Hub      *notify.Hub
	Mail     Mailer
	Calendar EventCreator
	// UIOrigin is the origin allowed to receive callback outcomes and open
	// outcome streams. Empty restricts callback messages to the callback's
	// own origin and accepts websocket handshakes from any origin.
	UIOrigin string
	// Heartbeat is the SSE keepalive interval.
	Heartbeat time.Duration
}

type handler struct {
	tokens    TokenService
	hub       *notify.Hub
	mail      Mailer
	calendar  EventCreator
	uiOrigin  string
	heartbeat time.Duration
}

// NewHandler builds the connect HTTP routes.
func NewHandler(cfg Config) (http.Handler, error) {
	if cfg.Tokens == nil {
		return nil, errors.New("token service is required")
	}
	if cfg.Hub == nil {
		return nil, errors.New("notify hub is required")
	}
	h := &handler{
		tokens:    cfg.Tokens,
		hub:       cfg.Hub,
		mail:      cfg.Mail,
		calendar:  cfg.Calendar,
		uiOrigin:  strings.TrimRight(strings.TrimSpace(cfg.UIOrigin), "/"),
		heartbeat: cfg.Heartbeat,
	}
	if h.heartbeat <= 0 {
		h.heartbeat = defaultHeartbeatInterval
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.HandleFunc("GET /auth/{provider}/start", h.withProvider(h.handleStart))
	mux.HandleFunc("GET /auth/{provider}/callback", h.withProvider(h.handleCallback))
	mux.HandleFunc("GET /auth/{provider}/status", h.withProvider(h.handleStatus))
	mux.HandleFunc("GET /auth/{provider}/token", h.withProvider(h.handleToken))
	mux.HandleFunc("POST /auth/{provider}/revoke", h.withProvider(h.handleRevoke))
	mux.HandleFunc("GET /auth/{provider}/verify", h.withProvider(h.handleVerify))
	mux.HandleFunc("GET /auth/{provider}/audit", h.withProvider(h.handleAudit))
	mux.HandleFunc("GET /auth/{provider}/events", h.withProvider(h.handleEvents))
	mux.HandleFunc("GET /auth/{provider}/ws", h.withProvider(h.handleWebSocket))
	if h.mail != nil {
		mux.HandleFunc("POST /api/mail/send", h.handleMailSend)
	}
	if h.calendar != nil {
		mux.HandleFunc("POST /api/calendar/events", h.handleCalendarEvent)
	}
	return mux, nil
}

// withProvider rejects requests for providers this service does not serve.
func (h *handler) withProvider(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name, err := credential.NormalizeProvider(r.PathValue("provider"))
		if err != nil || name != h.tokens.Provider() {
			writeError(w, apperrors.New(apperrors.CodeNotFound, "unknown provider"))
			return
		}
		next(w, r)
	}
}

type errorResponse struct {
	Error        string            `json:"error"`
	Message      string            `json:"message"`
	RequiresAuth bool              `json:"requires_auth,omitempty"`
	Reason       string            `json:"reason,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// writeError renders err with the status its domain code maps to. Internal
// failures are logged and rendered without detail.
func writeError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	status := code.HTTPStatus()
	resp := errorResponse{Error: string(code)}

	var domainErr *apperrors.Error
	if errors.As(err, &domainErr) && status < http.StatusInternalServerError {
		resp.Message = domainErr.Message
	}
	switch {
	case code == apperrors.CodeNotAuthenticated:
		resp.RequiresAuth = true
		if domainErr != nil {
			resp.Reason = domainErr.Metadata["reason"]
		}
	case status == http.StatusBadGateway && domainErr != nil:
		resp.Message = domainErr.Message
		resp.Metadata = domainErr.Metadata
	case status >= http.StatusInternalServerError:
		log.Printf("connect http: %v", err)
		resp.Message = "internal error"
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	_ = encoder.Encode(payload)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return apperrors.Wrap(apperrors.CodeInvalidArgument, "invalid request body", err)
	}
	return nil
}

func userIDParam(r *http.Request) (string, error) {
	userID, err := credential.NormalizeUserID(r.URL.Query().Get("user_id"))
	if err != nil {
		return "", apperrors.New(apperrors.CodeInvalidArgument, "user_id is required")
	}
	return userID, nil
}

func timeOrNil(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	utc := t.UTC()
	return &utc
}
