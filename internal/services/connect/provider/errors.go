package provider

import (
	"errors"
	"fmt"
	"net/http"
)

// TokenExchangeError reports a failed code exchange or refresh.
//
// Provider rejections carry the OAuth error code and description from the
// response body. Transport failures and timeouts are Temporary.
type TokenExchangeError struct {
	ProviderError       string
	ProviderDescription string
	StatusCode          int
	Temporary           bool
	Cause               error
}

func (e *TokenExchangeError) Error() string {
	switch {
	case e.ProviderError != "" && e.ProviderDescription != "":
		return fmt.Sprintf("token exchange rejected (%d): %s: %s", e.StatusCode, e.ProviderError, e.ProviderDescription)
	case e.ProviderError != "":
		return fmt.Sprintf("token exchange rejected (%d): %s", e.StatusCode, e.ProviderError)
	case e.StatusCode != 0:
		return fmt.Sprintf("token exchange rejected (%d)", e.StatusCode)
	case e.Cause != nil:
		return "token exchange failed: " + e.Cause.Error()
	default:
		return "token exchange failed"
	}
}

func (e *TokenExchangeError) Unwrap() error {
	return e.Cause
}

// InvalidGrant reports whether the provider rejected the code or refresh
// token as invalid, expired or already used.
func (e *TokenExchangeError) InvalidGrant() bool {
	return e.ProviderError == "invalid_grant"
}

// RevocationError reports a failed remote revoke.
type RevocationError struct {
	StatusCode int
	Cause      error
}

func (e *RevocationError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("token revocation failed with status %d (%s)", e.StatusCode, http.StatusText(e.StatusCode))
	}
	if e.Cause != nil {
		return "token revocation failed: " + e.Cause.Error()
	}
	return "token revocation failed"
}

func (e *RevocationError) Unwrap() error {
	return e.Cause
}

// IsTemporary reports whether err is a retryable provider failure.
func IsTemporary(err error) bool {
	var exchangeErr *TokenExchangeError
	if errors.As(err, &exchangeErr) {
		return exchangeErr.Temporary
	}
	return false
}

// transientError marks a transport failure for the retry loop.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }
