// Package gateway calls provider APIs on behalf of a connected user.
//
// Every request carries a token obtained from the token manager. A user who
// must reconnect gets a NOT_AUTHENTICATED error and no downstream call is
// made.
package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"

	apperrors "github.com/louisbranch/nyra/internal/platform/errors"
	"github.com/louisbranch/nyra/internal/services/connect/tokens"
)

// maxDrain caps how much of a rejected response is read before retrying.
const maxDrain = 64 << 10

// TokenSource hands out access tokens for a user.
type TokenSource interface {
	GetValidToken(ctx context.Context, userID string) (tokens.TokenResult, error)
	ForceRefresh(ctx context.Context, userID string, rejectedToken string) (tokens.TokenResult, error)
}

// Transport authenticates requests as one user. A downstream 401 triggers
// exactly one forced refresh and one retry.
type Transport struct {
	Tokens TokenSource
	UserID string
	// Base performs the request. Nil uses http.DefaultTransport.
	Base http.RoundTripper
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	token, err := t.Tokens.GetValidToken(ctx, t.UserID)
	if err != nil {
		return nil, err
	}
	if token.RequiresAuth {
		return nil, notAuthenticated(token.Reason)
	}

	resp, err := t.send(req, token)
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}
	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		// The body was consumed and cannot be replayed.
		return resp, nil
	}
	_, _ = io.CopyN(io.Discard, resp.Body, maxDrain)
	_ = resp.Body.Close()

	token, err = t.Tokens.ForceRefresh(ctx, t.UserID, token.AccessToken)
	if err != nil {
		return nil, err
	}
	if token.RequiresAuth {
		return nil, notAuthenticated(token.Reason)
	}
	retry := req.Clone(ctx)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		retry.Body = body
	}
	return t.send(retry, token)
}

func (t *Transport) send(req *http.Request, token tokens.TokenResult) (*http.Response, error) {
	out := req.Clone(req.Context())
	tokenType := token.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	out.Header.Set("Authorization", tokenType+" "+token.AccessToken)
	return t.base().RoundTrip(out)
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

func notAuthenticated(reason tokens.Reason) error {
	return apperrors.WithMetadata(apperrors.CodeNotAuthenticated, "account is not connected", map[string]string{
		"reason": string(reason),
	})
}

// IsNotAuthenticated reports whether err means the user must reconnect.
func IsNotAuthenticated(err error) bool {
	return apperrors.HasCode(err, apperrors.CodeNotAuthenticated)
}

func domainError(err error) (*apperrors.Error, bool) {
	var domainErr *apperrors.Error
	if errors.As(err, &domainErr) {
		return domainErr, true
	}
	return nil, false
}
