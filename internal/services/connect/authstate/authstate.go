// Package authstate issues and validates the OAuth state parameter that
// correlates a provider callback with the flow that started it.
//
// In nonce mode the state is an HS256 JWT carrying a random jti and the
// initiating user, so a callback can be bound to one specific start request.
// The legacy user_id mode sends the bare user ID and only proves that the
// callback names a known user.
package authstate

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/louisbranch/nyra/internal/platform/errors"
	"github.com/louisbranch/nyra/internal/platform/id"
)

// Mode selects how state values are produced.
type Mode string

const (
	// ModeNonce binds state to a signed random nonce.
	ModeNonce Mode = "nonce"
	// ModeUserID uses the user ID itself as state.
	ModeUserID Mode = "user_id"
)

const issuer = "nyra-connect"

// DefaultTTL bounds how long a started flow may wait for its callback.
const DefaultTTL = 10 * time.Minute

// ParseMode validates a configured mode. Empty selects ModeNonce.
func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case "", ModeNonce:
		return ModeNonce, nil
	case ModeUserID:
		return ModeUserID, nil
	default:
		return "", fmt.Errorf("unknown state mode %q", raw)
	}
}

// Claims is the validated content of a state value.
type Claims struct {
	UserID    string
	Provider  string
	Nonce     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

type stateClaims struct {
	jwt.RegisteredClaims
}

// Codec issues and validates state values.
type Codec struct {
	mode        Mode
	key         []byte
	ttl         time.Duration
	now         func() time.Time
	idGenerator func() (string, error)
}

// NewCodec builds a codec. key is required in nonce mode and must be at
// least 32 bytes.
func NewCodec(mode Mode, key []byte, ttl time.Duration, now func() time.Time) (*Codec, error) {
	if mode == "" {
		mode = ModeNonce
	}
	if mode == ModeNonce && len(key) < 32 {
		return nil, errors.New("state signing key must be at least 32 bytes")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if now == nil {
		now = time.Now
	}
	return &Codec{mode: mode, key: key, ttl: ttl, now: now, idGenerator: id.NewID}, nil
}

// Mode returns the codec mode.
func (c *Codec) Mode() Mode { return c.mode }

// TTL returns how long issued state values stay valid.
func (c *Codec) TTL() time.Duration { return c.ttl }

// Issue returns a fresh state value for userID and provider.
func (c *Codec) Issue(userID string, provider string) (string, Claims, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", Claims{}, errors.New("user id is required")
	}
	issuedAt := c.now().UTC().Truncate(time.Second)
	claims := Claims{
		UserID:    userID,
		Provider:  provider,
		IssuedAt:  issuedAt,
		ExpiresAt: issuedAt.Add(c.ttl),
	}
	if c.mode == ModeUserID {
		return userID, claims, nil
	}

	nonce, err := c.idGenerator()
	if err != nil {
		return "", Claims{}, fmt.Errorf("generate state nonce: %w", err)
	}
	claims.Nonce = nonce
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, stateClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   userID,
			Audience:  jwt.ClaimStrings{provider},
			ID:        nonce,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(claims.ExpiresAt),
		},
	})
	signed, err := token.SignedString(c.key)
	if err != nil {
		return "", Claims{}, fmt.Errorf("sign state: %w", err)
	}
	return signed, claims, nil
}

// Parse validates state for provider. In user_id mode the state is the user
// ID and only emptiness is checked.
func (c *Codec) Parse(state string, provider string) (Claims, error) {
	state = strings.TrimSpace(state)
	if state == "" {
		return Claims{}, apperrors.New(apperrors.CodeStateInvalid, "state is required")
	}
	if c.mode == ModeUserID {
		return Claims{UserID: state, Provider: provider}, nil
	}

	var parsed stateClaims
	_, err := jwt.ParseWithClaims(state, &parsed, func(*jwt.Token) (any, error) {
		return c.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithAudience(provider),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, apperrors.Wrap(apperrors.CodeStateInvalid, "state expired", err)
		}
		return Claims{}, apperrors.Wrap(apperrors.CodeStateInvalid, "state is invalid", err)
	}
	if strings.TrimSpace(parsed.Subject) == "" || strings.TrimSpace(parsed.ID) == "" {
		return Claims{}, apperrors.New(apperrors.CodeStateInvalid, "state is missing subject or nonce")
	}

	claims := Claims{
		UserID:   parsed.Subject,
		Provider: provider,
		Nonce:    parsed.ID,
	}
	if parsed.IssuedAt != nil {
		claims.IssuedAt = parsed.IssuedAt.Time.UTC()
	}
	if parsed.ExpiresAt != nil {
		claims.ExpiresAt = parsed.ExpiresAt.Time.UTC()
	}
	return claims, nil
}

// Hash returns the storage key for a state value. Raw state never reaches
// storage.
func Hash(state string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(state)))
	return hex.EncodeToString(sum[:])
}
