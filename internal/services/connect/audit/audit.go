// Package audit defines the append-only audit actions recorded for credential
// lifecycle events and the rules that keep secrets out of audit details.
package audit

import (
	"errors"
	"strings"
)

// Action identifies one credential lifecycle event.
type Action string

const (
	ActionAuthStarted    Action = "auth_started"
	ActionTokensCreated  Action = "tokens_created"
	ActionTokenAccessed  Action = "token_accessed"
	ActionTokenRefreshed Action = "token_refreshed"
	ActionRefreshFailed  Action = "refresh_failed"
	ActionTokensRevoked  Action = "tokens_revoked"
	ActionAuthFailed     Action = "auth_failed"
	ActionTokenVerified  Action = "token_verified"
	ActionTokenError     Action = "token_error"
)

// ErrInvalidAction indicates an unknown audit action.
var ErrInvalidAction = errors.New("audit action is invalid")

var knownActions = map[Action]struct{}{
	ActionAuthStarted:    {},
	ActionTokensCreated:  {},
	ActionTokenAccessed:  {},
	ActionTokenRefreshed: {},
	ActionRefreshFailed:  {},
	ActionTokensRevoked:  {},
	ActionAuthFailed:     {},
	ActionTokenVerified:  {},
	ActionTokenError:     {},
}

// ParseAction validates a raw action name.
func ParseAction(raw string) (Action, error) {
	action := Action(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := knownActions[action]; !ok {
		return "", ErrInvalidAction
	}
	return action, nil
}

// Detail keys shared by audit writers.
const (
	DetailReason              = "reason"
	DetailProviderError       = "provider_error"
	DetailProviderDescription = "provider_description"
	DetailStatusCode          = "status_code"
	DetailRefreshed           = "refreshed"
	DetailRemoteRevoked       = "remote_revoked"
	DetailRemoteError         = "remote_error"
	DetailScope               = "scope"
	DetailTokenType           = "token_type"
	DetailExpiresAt           = "expires_at"
	DetailRefreshTokenIssued  = "refresh_token_issued"
	DetailIdentity            = "identity"
)

// allowedTokenKeys are token-named keys that describe a token without
// carrying its value.
var allowedTokenKeys = map[string]struct{}{
	DetailTokenType:          {},
	DetailRefreshTokenIssued: {},
}

// SanitizeDetails drops blank entries and any key that could carry a token
// value, authorization code or client secret. It returns nil when nothing
// remains.
func SanitizeDetails(details map[string]string) map[string]string {
	if len(details) == 0 {
		return nil
	}
	out := make(map[string]string, len(details))
	for rawKey, rawValue := range details {
		key := strings.ToLower(strings.TrimSpace(rawKey))
		value := strings.TrimSpace(rawValue)
		if key == "" || value == "" || isSensitiveKey(key) {
			continue
		}
		out[key] = value
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func isSensitiveKey(key string) bool {
	if _, ok := allowedTokenKeys[key]; ok {
		return false
	}
	switch {
	case strings.Contains(key, "token"),
		strings.Contains(key, "secret"),
		strings.Contains(key, "password"),
		key == "code",
		strings.HasSuffix(key, "_code") && key != DetailStatusCode:
		return true
	}
	return false
}
