package tokens

import (
	"time"

	"github.com/louisbranch/nyra/internal/services/connect/credential"
	"github.com/louisbranch/nyra/internal/services/connect/provider"
)

// Reason explains why a token could not be handed out.
type Reason string

const (
	// ReasonNotConnected means the user never connected the provider, or
	// disconnected it.
	ReasonNotConnected Reason = "not_connected"
	// ReasonReconnectRequired means a credential exists but can no longer be
	// refreshed.
	ReasonReconnectRequired Reason = "reconnect_required"
	// ReasonProviderUnavailable means the refresh failed on a transport
	// fault. The credential is kept and a later call may succeed.
	ReasonProviderUnavailable Reason = "provider_unavailable"
)

// TokenResult is the outcome of asking for a usable access token.
type TokenResult struct {
	Success      bool
	RequiresAuth bool
	Reason       Reason
	AccessToken  string
	TokenType    string
	ExpiresAt    time.Time
	Refreshed    bool
}

func requiresAuth(reason Reason) TokenResult {
	return TokenResult{RequiresAuth: true, Reason: reason}
}

// Authorization is a started consent flow.
type Authorization struct {
	UserID    string
	Provider  credential.Provider
	URL       string
	ExpiresAt time.Time
}

// CallbackResult identifies the user a completed (or failed) callback
// belonged to.
type CallbackResult struct {
	UserID    string
	Provider  credential.Provider
	Scope     string
	ExpiresAt time.Time
}

// RevokeResult reports a disconnect. Success is true whenever the local
// credential is gone, whether or not the provider accepted the revoke.
type RevokeResult struct {
	Success       bool
	RemoteRevoked bool
	HadCredential bool
}

// Status summarizes a user's connection.
type Status struct {
	Authenticated   bool
	State           credential.State
	ExpiresAt       *time.Time
	Scope           string
	LastRefreshedAt *time.Time
}

// VerifyResult is a provider-side check of the current access token.
type VerifyResult struct {
	Valid        bool
	RequiresAuth bool
	Reason       Reason
	StatusCode   int
	Identity     *provider.Identity
}

// PurgeResult counts records removed by PurgeExpired.
type PurgeResult struct {
	Credentials           int64
	PendingAuthorizations int64
}
