package httpapi

import (
	"errors"
	"log"
	"mime"
	"net/http"
	"strings"

	"github.com/a-h/templ"
	apperrors "github.com/louisbranch/nyra/internal/platform/errors"
	"github.com/louisbranch/nyra/internal/services/connect/notify"
	"github.com/louisbranch/nyra/internal/services/connect/provider"
)

type callbackResponse struct {
	Success  bool   `json:"success"`
	UserID   string `json:"user_id,omitempty"`
	Provider string `json:"provider"`
	Error    string `json:"error,omitempty"`
}

// handleCallback receives the provider redirect. It needs no session: the
// single-use code and the state correlation are the only credentials.
func (h *handler) handleCallback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	code := strings.TrimSpace(query.Get("code"))
	state := strings.TrimSpace(query.Get("state"))
	providerError := strings.TrimSpace(query.Get("error"))

	outcome := notify.Outcome{Provider: string(h.tokens.Provider())}
	var err error
	switch {
	case providerError != "":
		outcome.Error = providerError
		outcome.Reason = "provider_error"
		result, failErr := h.tokens.FailAuthorization(r.Context(), state, providerError, query.Get("error_description"))
		outcome.UserID = result.UserID
		err = apperrors.New(apperrors.CodePermissionDenied, "authorization was not granted")
		if failErr != nil {
			err = failErr
		}
	case code == "":
		err = apperrors.New(apperrors.CodeInvalidArgument, "code or error is required")
		outcome.Error = publicErrorCode(err)
	default:
		result, callbackErr := h.tokens.HandleOAuthCallback(r.Context(), code, state)
		outcome.UserID = result.UserID
		if callbackErr != nil {
			err = callbackErr
			outcome.Error = publicErrorCode(err)
		} else {
			outcome.Success = true
		}
	}
	if err != nil && apperrors.CodeOf(err).HTTPStatus() >= http.StatusInternalServerError {
		log.Printf("oauth callback for %s: %v", outcome.Provider, err)
	}

	if outcome.UserID != "" {
		h.hub.Publish(outcome)
	}

	status := http.StatusOK
	if err != nil {
		status = apperrors.CodeOf(err).HTTPStatus()
	}
	if wantsJSON(r) {
		writeJSON(w, status, callbackResponse{
			Success:  outcome.Success,
			UserID:   outcome.UserID,
			Provider: outcome.Provider,
			Error:    outcome.Error,
		})
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	page := callbackPage(callbackView{Outcome: outcome, TargetOrigin: h.uiOrigin})
	templ.Handler(page, templ.WithStatus(status)).ServeHTTP(w, r)
}

// publicErrorCode is the error identifier shown to the UI. Provider OAuth
// error codes pass through; everything else is the domain code.
func publicErrorCode(err error) string {
	var exchangeErr *provider.TokenExchangeError
	if errors.As(err, &exchangeErr) && exchangeErr.ProviderError != "" {
		return exchangeErr.ProviderError
	}
	return strings.ToLower(string(apperrors.CodeOf(err)))
}

func wantsJSON(r *http.Request) bool {
	for _, part := range strings.Split(r.Header.Get("Accept"), ",") {
		mediaType, _, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err == nil && mediaType == "application/json" {
			return true
		}
	}
	return false
}
