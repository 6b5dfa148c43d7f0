package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testConfig(tokenURL string) Config {
	return Config{
		Provider:             "google",
		ClientID:             "client-1",
		ClientSecret:         "secret-1",
		RedirectURI:          "https://app.example.test/auth/google/callback",
		Scopes:               []string{"openid", "https://www.googleapis.com/auth/gmail.send"},
		AuthURL:              "https://accounts.example.test/o/oauth2/auth",
		TokenURL:             tokenURL,
		RevokeURL:            tokenURL + "/revoke",
		UserInfoURL:          tokenURL + "/userinfo",
		RefreshMarginSeconds: 300,
		RequestTimeoutMS:     2000,
		RetryMaxAttempts:     3,
		RetryInitialInterval: time.Millisecond,
		RetryMaxInterval:     5 * time.Millisecond,
	}
}

func newTestClient(t *testing.T, cfg Config) *Client {
	t.Helper()
	client, err := NewClient(cfg, WithClock(func() time.Time { return testNow }))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func TestBuildAuthorizationURL(t *testing.T) {
	client := newTestClient(t, testConfig("https://oauth2.example.test/token"))

	raw, err := client.BuildAuthorizationURL("u1", nil, "")
	if err != nil {
		t.Fatalf("build authorization url: %v", err)
	}
	again, err := client.BuildAuthorizationURL("u1", nil, "")
	if err != nil {
		t.Fatalf("build authorization url: %v", err)
	}
	if raw != again {
		t.Fatalf("expected deterministic url, got %q and %q", raw, again)
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	if parsed.Host != "accounts.example.test" {
		t.Fatalf("host = %q", parsed.Host)
	}
	q := parsed.Query()
	want := map[string]string{
		"response_type": "code",
		"client_id":     "client-1",
		"redirect_uri":  "https://app.example.test/auth/google/callback",
		"state":         "u1",
		"access_type":   "offline",
		"prompt":        "consent",
		"scope":         "openid https://www.googleapis.com/auth/gmail.send",
	}
	for key, value := range want {
		if got := q.Get(key); got != value {
			t.Fatalf("%s = %q, want %q", key, got, value)
		}
	}
}

func TestBuildAuthorizationURLExplicitStateAndScopes(t *testing.T) {
	client := newTestClient(t, testConfig("https://oauth2.example.test/token"))

	raw, err := client.BuildAuthorizationURL("u1", []string{"email", "email calendar"}, "nonce-1")
	if err != nil {
		t.Fatalf("build authorization url: %v", err)
	}
	parsed, _ := url.Parse(raw)
	if got := parsed.Query().Get("state"); got != "nonce-1" {
		t.Fatalf("state = %q, want nonce-1", got)
	}
	if got := parsed.Query().Get("scope"); got != "email calendar" {
		t.Fatalf("scope = %q, want %q", got, "email calendar")
	}
	if _, err := client.BuildAuthorizationURL(" ", nil, ""); err == nil {
		t.Fatal("expected error for empty user id")
	}
}

func TestExchangeCode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %q, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/x-www-form-urlencoded" {
			t.Errorf("content type = %q", ct)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		checks := map[string]string{
			"grant_type":    "authorization_code",
			"code":          "abc",
			"client_id":     "client-1",
			"client_secret": "secret-1",
			"redirect_uri":  "https://app.example.test/auth/google/callback",
		}
		for key, value := range checks {
			if got := r.Form.Get(key); got != value {
				t.Errorf("%s = %q, want %q", key, got, value)
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token":  "t1",
			"refresh_token": "r1",
			"expires_in":    3600,
			"token_type":    "Bearer",
			"scope":         "openid email",
		})
	}))
	defer server.Close()

	client := newTestClient(t, testConfig(server.URL))
	result, err := client.ExchangeCode(context.Background(), "abc")
	if err != nil {
		t.Fatalf("exchange code: %v", err)
	}
	if result.AccessToken != "t1" || result.RefreshToken != "r1" || result.TokenType != "Bearer" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.Scope != "openid email" {
		t.Fatalf("scope = %q", result.Scope)
	}
	if want := testNow.Add(time.Hour); !result.ExpiresAt.Equal(want) {
		t.Fatalf("expires at = %v, want %v", result.ExpiresAt, want)
	}
}

func TestExchangeCodeDefaultsExpiryWhenAbsent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"access_token": "t1", "token_type": "Bearer"})
	}))
	defer server.Close()

	client := newTestClient(t, testConfig(server.URL))
	result, err := client.ExchangeCode(context.Background(), "abc")
	if err != nil {
		t.Fatalf("exchange code: %v", err)
	}
	if want := testNow.Add(time.Hour); !result.ExpiresAt.Equal(want) {
		t.Fatalf("expires at = %v, want %v", result.ExpiresAt, want)
	}
}

func TestExchangeCodeRejectedIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":             "invalid_grant",
			"error_description": "Code was already redeemed.",
		})
	}))
	defer server.Close()

	client := newTestClient(t, testConfig(server.URL))
	_, err := client.ExchangeCode(context.Background(), "used-code")

	var exchangeErr *TokenExchangeError
	if !errors.As(err, &exchangeErr) {
		t.Fatalf("expected TokenExchangeError, got %v", err)
	}
	if exchangeErr.ProviderError != "invalid_grant" || exchangeErr.ProviderDescription != "Code was already redeemed." {
		t.Fatalf("unexpected provider error: %+v", exchangeErr)
	}
	if exchangeErr.StatusCode != http.StatusBadRequest || exchangeErr.Temporary || !exchangeErr.InvalidGrant() {
		t.Fatalf("unexpected classification: %+v", exchangeErr)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("token endpoint calls = %d, want 1", got)
	}
}

func TestExchangeCodeRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "temporarily_unavailable"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"access_token": "t1", "expires_in": 60})
	}))
	defer server.Close()

	client := newTestClient(t, testConfig(server.URL))
	result, err := client.ExchangeCode(context.Background(), "abc")
	if err != nil {
		t.Fatalf("exchange code: %v", err)
	}
	if result.AccessToken != "t1" {
		t.Fatalf("access token = %q", result.AccessToken)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("token endpoint calls = %d, want 3", got)
	}
}

func TestExchangeCodeTimeoutIsTemporary(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	cfg := testConfig(server.URL)
	cfg.RequestTimeoutMS = 30
	cfg.RetryMaxAttempts = 2
	client := newTestClient(t, cfg)

	_, err := client.ExchangeCode(context.Background(), "abc")
	if !IsTemporary(err) {
		t.Fatalf("expected temporary error, got %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("token endpoint calls = %d, want 2", got)
	}
}

func TestExchangeCodeTransportFailure(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	tokenURL := server.URL
	server.Close()

	cfg := testConfig(tokenURL)
	cfg.RetryMaxAttempts = 2
	client := newTestClient(t, cfg)

	_, err := client.ExchangeCode(context.Background(), "abc")
	var exchangeErr *TokenExchangeError
	if !errors.As(err, &exchangeErr) || !exchangeErr.Temporary || exchangeErr.Cause == nil {
		t.Fatalf("expected temporary TokenExchangeError with cause, got %#v", err)
	}
}

func TestExchangeCodeRequiresCode(t *testing.T) {
	client := newTestClient(t, testConfig("https://oauth2.example.test/token"))
	if _, err := client.ExchangeCode(context.Background(), " "); err == nil {
		t.Fatal("expected error for empty code")
	}
}

func TestRefreshPreservesRefreshTokenUnlessRotated(t *testing.T) {
	var rotate atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if got := r.Form.Get("grant_type"); got != "refresh_token" {
			t.Errorf("grant_type = %q", got)
		}
		if got := r.Form.Get("refresh_token"); got != "r1" {
			t.Errorf("refresh_token = %q", got)
		}
		payload := map[string]any{"access_token": "t2", "expires_in": 3600, "token_type": "Bearer"}
		if rotate.Load() {
			payload["refresh_token"] = "r2"
		}
		writeJSON(w, http.StatusOK, payload)
	}))
	defer server.Close()

	client := newTestClient(t, testConfig(server.URL))

	result, err := client.Refresh(context.Background(), "r1")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if result.AccessToken != "t2" || result.RefreshToken != "" {
		t.Fatalf("unexpected refresh result: %+v", result)
	}
	if want := testNow.Add(time.Hour); !result.ExpiresAt.Equal(want) {
		t.Fatalf("expires at = %v, want %v", result.ExpiresAt, want)
	}

	rotate.Store(true)
	rotated, err := client.Refresh(context.Background(), "r1")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if rotated.RefreshToken != "r2" {
		t.Fatalf("refresh token = %q, want r2", rotated.RefreshToken)
	}
}

func TestRefreshInvalidGrant(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_grant", "error_description": "Token has been expired or revoked."})
	}))
	defer server.Close()

	client := newTestClient(t, testConfig(server.URL))
	_, err := client.Refresh(context.Background(), "r1")
	var exchangeErr *TokenExchangeError
	if !errors.As(err, &exchangeErr) || !exchangeErr.InvalidGrant() {
		t.Fatalf("expected invalid_grant, got %v", err)
	}
}

func TestRevoke(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path != "/revoke" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if got := r.Form.Get("token"); got != "t1" {
			t.Errorf("token = %q", got)
		}
		w.WriteHeader(int(status.Load()))
	}))
	defer server.Close()

	client := newTestClient(t, testConfig(server.URL))
	if err := client.Revoke(context.Background(), "t1"); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	status.Store(http.StatusInternalServerError)
	err := client.Revoke(context.Background(), "t1")
	var revokeErr *RevocationError
	if !errors.As(err, &revokeErr) || revokeErr.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected RevocationError with 500, got %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("revoke calls = %d, want 2", got)
	}
}

func TestVerify(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Header.Get("Authorization") {
		case "Bearer good":
			writeJSON(w, http.StatusOK, map[string]any{"sub": "123", "email": "u1@example.test"})
		default:
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid_token"})
		}
	}))
	defer server.Close()

	client := newTestClient(t, testConfig(server.URL))

	valid, err := client.Verify(context.Background(), "good")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !valid.Valid || valid.Identity == nil || valid.Identity.Email != "u1@example.test" {
		t.Fatalf("unexpected verify result: %+v", valid)
	}

	invalid, err := client.Verify(context.Background(), "bad")
	if err != nil {
		t.Fatalf("verify rejected token should not error: %v", err)
	}
	if invalid.Valid || invalid.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unexpected verify result: %+v", invalid)
	}
}

func TestVerifyTransportFailure(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	baseURL := server.URL
	server.Close()

	cfg := testConfig(baseURL)
	cfg.RetryMaxAttempts = 1
	client := newTestClient(t, cfg)
	if _, err := client.Verify(context.Background(), "good"); err == nil {
		t.Fatal("expected transport failure to error")
	}
}
