// Package credential models the per-user OAuth credential and its lifecycle
// state as seen by the token manager.
package credential

import (
	"errors"
	"strings"
	"time"
)

// Provider identifies an OAuth provider integration.
type Provider string

const (
	// ProviderGoogle backs mail and calendar access.
	ProviderGoogle Provider = "google"
)

// DefaultTokenType is assumed when a provider omits token_type.
const DefaultTokenType = "Bearer"

// DefaultRefreshMargin is the buffer before expiry at which a token is
// proactively refreshed.
const DefaultRefreshMargin = 5 * time.Minute

// DefaultLifetime is applied when a token response carries no expires_in.
// It is a conservative floor, not an estimate of provider intent.
const DefaultLifetime = time.Hour

var (
	// ErrEmptyUserID indicates user ID is required.
	ErrEmptyUserID = errors.New("user id is required")
	// ErrInvalidProvider indicates unsupported provider value.
	ErrInvalidProvider = errors.New("provider is invalid")
	// ErrEmptyAccessToken indicates access token is required.
	ErrEmptyAccessToken = errors.New("access token is required")
	// ErrMissingExpiry indicates expires_at is required.
	ErrMissingExpiry = errors.New("expires at is required")
)

// Credential is the single active OAuth credential for one user and provider.
type Credential struct {
	UserID   string
	Provider Provider

	// Token values are plaintext in the domain model; the storage boundary
	// is responsible for sealing them at rest.
	AccessToken  string
	RefreshToken string
	TokenType    string
	Scope        string

	ExpiresAt       time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
	LastRefreshedAt *time.Time

	// Version is the store revision this value was read at. Zero means the
	// credential has not been stored yet.
	Version int64
}

// CanRefresh reports whether the credential carries a refresh token.
func (c Credential) CanRefresh() bool {
	return strings.TrimSpace(c.RefreshToken) != ""
}

// Scopes returns the granted scope as a list.
func (c Credential) Scopes() []string {
	return strings.Fields(c.Scope)
}

// NormalizeProvider trims and validates a provider name.
func NormalizeProvider(raw string) (Provider, error) {
	value := strings.ToLower(strings.TrimSpace(raw))
	if value == "" {
		return "", ErrInvalidProvider
	}
	for _, r := range value {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '-' && r != '_' {
			return "", ErrInvalidProvider
		}
	}
	return Provider(value), nil
}

// NormalizeUserID trims and validates a user ID.
func NormalizeUserID(raw string) (string, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return "", ErrEmptyUserID
	}
	return value, nil
}

// JoinScopes renders scopes as a space-delimited, de-duplicated string.
func JoinScopes(scopes []string) string {
	seen := make(map[string]struct{}, len(scopes))
	out := make([]string, 0, len(scopes))
	for _, raw := range scopes {
		for _, scope := range strings.Fields(raw) {
			if _, ok := seen[scope]; ok {
				continue
			}
			seen[scope] = struct{}{}
			out = append(out, scope)
		}
	}
	return strings.Join(out, " ")
}

// CreateInput contains the fields produced by a successful code exchange.
type CreateInput struct {
	UserID       string
	Provider     Provider
	AccessToken  string
	RefreshToken string
	TokenType    string
	Scope        string
	ExpiresAt    time.Time
}

// Create builds a complete credential from exchange output. It either
// returns a fully populated record or an error, never a partial record.
func Create(input CreateInput, now func() time.Time) (Credential, error) {
	if now == nil {
		now = time.Now
	}
	userID, err := NormalizeUserID(input.UserID)
	if err != nil {
		return Credential{}, err
	}
	provider, err := NormalizeProvider(string(input.Provider))
	if err != nil {
		return Credential{}, err
	}
	accessToken := strings.TrimSpace(input.AccessToken)
	if accessToken == "" {
		return Credential{}, ErrEmptyAccessToken
	}
	if input.ExpiresAt.IsZero() {
		return Credential{}, ErrMissingExpiry
	}
	tokenType := strings.TrimSpace(input.TokenType)
	if tokenType == "" {
		tokenType = DefaultTokenType
	}

	createdAt := now().UTC()
	return Credential{
		UserID:       userID,
		Provider:     provider,
		AccessToken:  accessToken,
		RefreshToken: strings.TrimSpace(input.RefreshToken),
		TokenType:    tokenType,
		Scope:        JoinScopes([]string{input.Scope}),
		ExpiresAt:    input.ExpiresAt.UTC(),
		CreatedAt:    createdAt,
		UpdatedAt:    createdAt,
	}, nil
}

// Refreshed holds the outcome of a provider refresh.
type Refreshed struct {
	AccessToken string
	TokenType   string
	ExpiresAt   time.Time
	// RefreshToken is set only when the provider reissued one.
	RefreshToken string
}

// ApplyRefresh returns c updated with a refresh outcome. The previous
// refresh token survives unless a new one was issued.
func ApplyRefresh(c Credential, refreshed Refreshed, now func() time.Time) (Credential, error) {
	if now == nil {
		now = time.Now
	}
	accessToken := strings.TrimSpace(refreshed.AccessToken)
	if accessToken == "" {
		return Credential{}, ErrEmptyAccessToken
	}
	if refreshed.ExpiresAt.IsZero() {
		return Credential{}, ErrMissingExpiry
	}

	refreshedAt := now().UTC()
	c.AccessToken = accessToken
	c.ExpiresAt = refreshed.ExpiresAt.UTC()
	if tokenType := strings.TrimSpace(refreshed.TokenType); tokenType != "" {
		c.TokenType = tokenType
	}
	if rt := strings.TrimSpace(refreshed.RefreshToken); rt != "" {
		c.RefreshToken = rt
	}
	c.UpdatedAt = refreshedAt
	c.LastRefreshedAt = &refreshedAt
	return c, nil
}
