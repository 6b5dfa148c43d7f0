// Package provider is the OAuth2 protocol adapter for account connections.
//
// It holds no user state: every operation takes the inputs it needs and
// returns typed results or typed errors. Outbound calls are bounded by the
// configured request timeout and retried with jittered exponential backoff
// when the failure is a transport fault.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/louisbranch/nyra/internal/services/connect/credential"
)

const tracerName = "github.com/louisbranch/nyra/internal/services/connect/provider"

// maxErrorBody caps how much of a failed response body is read.
const maxErrorBody = 4096

// ExchangeResult is a complete token set from a code exchange.
type ExchangeResult struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	Scope        string
	ExpiresAt    time.Time
}

// RefreshResult is the outcome of a refresh grant.
type RefreshResult struct {
	AccessToken string
	TokenType   string
	ExpiresAt   time.Time
	// RefreshToken is set only when the provider issued a new one.
	RefreshToken string
}

// Identity is the account behind a verified token.
type Identity struct {
	Subject string `json:"sub"`
	Email   string `json:"email"`
	Name    string `json:"name"`
}

// VerifyResult is the outcome of a userinfo check. Valid is false for any
// non-2xx response, with StatusCode set.
type VerifyResult struct {
	Valid      bool
	StatusCode int
	Identity   *Identity
}

// Client talks to one provider's authorization, token, revoke and userinfo
// endpoints.
type Client struct {
	cfg        Config
	oauth      oauth2.Config
	httpClient *http.Client
	now        func() time.Time
	tracer     trace.Tracer
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client used for provider calls.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// WithClock overrides the clock used to compute absolute expiries.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// NewClient validates cfg and builds a provider client.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	cfg = cfg.normalized()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.RetryMaxAttempts == 0 {
		cfg.RetryMaxAttempts = 1
	}
	c := &Client{
		cfg: cfg,
		oauth: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		httpClient: &http.Client{},
		now:        time.Now,
		tracer:     otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Provider returns the provider name this client serves.
func (c *Client) Provider() credential.Provider {
	return credential.Provider(c.cfg.Provider)
}

// BuildAuthorizationURL returns the consent URL for userID. The URL always
// requests offline access with forced consent so a refresh token is issued
// on repeat authorizations. An empty state defaults to userID; nil scopes
// default to the configured scopes.
func (c *Client) BuildAuthorizationURL(userID string, scopes []string, state string) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", credential.ErrEmptyUserID
	}
	state = strings.TrimSpace(state)
	if state == "" {
		state = userID
	}
	cfg := c.oauth
	if normalized := strings.Fields(credential.JoinScopes(scopes)); len(normalized) > 0 {
		cfg.Scopes = normalized
	}
	return cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce), nil
}

// ExchangeCode trades an authorization code for a token set.
func (c *Client) ExchangeCode(ctx context.Context, code string) (result ExchangeResult, err error) {
	ctx, span := c.startSpan(ctx, "exchange_code")
	defer func() { endSpan(span, err) }()

	code = strings.TrimSpace(code)
	if code == "" {
		return ExchangeResult{}, errors.New("authorization code is required")
	}

	token, err := retry(ctx, c, func(ctx context.Context) (*oauth2.Token, error) {
		token, err := c.oauth.Exchange(c.clientContext(ctx), code)
		return token, c.classifyTokenError(ctx, err)
	})
	if err != nil {
		return ExchangeResult{}, c.finalTokenError(err)
	}
	if strings.TrimSpace(token.AccessToken) == "" {
		return ExchangeResult{}, &TokenExchangeError{ProviderError: "invalid_response", ProviderDescription: "missing access_token"}
	}

	return ExchangeResult{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.TokenType,
		Scope:        extraString(token, "scope"),
		ExpiresAt:    c.expiry(token),
	}, nil
}

// Refresh redeems refreshToken for a new access token.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (result RefreshResult, err error) {
	ctx, span := c.startSpan(ctx, "refresh")
	defer func() { endSpan(span, err) }()

	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return RefreshResult{}, errors.New("refresh token is required")
	}

	token, err := retry(ctx, c, func(ctx context.Context) (*oauth2.Token, error) {
		token, err := c.oauth.TokenSource(c.clientContext(ctx), &oauth2.Token{RefreshToken: refreshToken}).Token()
		return token, c.classifyTokenError(ctx, err)
	})
	if err != nil {
		return RefreshResult{}, c.finalTokenError(err)
	}
	if strings.TrimSpace(token.AccessToken) == "" {
		return RefreshResult{}, &TokenExchangeError{ProviderError: "invalid_response", ProviderDescription: "missing access_token"}
	}

	result = RefreshResult{
		AccessToken: token.AccessToken,
		TokenType:   token.TokenType,
		ExpiresAt:   c.expiry(token),
	}
	// The oauth2 token source copies the old refresh token forward when the
	// response omits one.
	if token.RefreshToken != "" && token.RefreshToken != refreshToken {
		result.RefreshToken = token.RefreshToken
	}
	span.SetAttributes(attribute.Bool("oauth.refresh_token_rotated", result.RefreshToken != ""))
	return result, nil
}

// Revoke invalidates token at the provider. Any non-2xx response is an
// error.
func (c *Client) Revoke(ctx context.Context, token string) (err error) {
	ctx, span := c.startSpan(ctx, "revoke")
	defer func() { endSpan(span, err) }()

	token = strings.TrimSpace(token)
	if token == "" {
		return errors.New("token is required")
	}
	if c.cfg.RevokeURL == "" {
		return &RevocationError{Cause: errors.New("revoke url is not configured")}
	}

	status, err := retry(ctx, c, func(ctx context.Context) (int, error) {
		form := url.Values{"token": {token}}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.RevokeURL, strings.NewReader(form.Encode()))
		if err != nil {
			return 0, backoff.Permanent(fmt.Errorf("build revoke request: %w", err))
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		res, err := c.httpClient.Do(req)
		if err != nil {
			return 0, c.classifyTransport(ctx, err)
		}
		defer res.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, maxErrorBody))
		return res.StatusCode, nil
	})
	if err != nil {
		return &RevocationError{Cause: unwrapTransient(err)}
	}
	span.SetAttributes(attribute.Int("http.response.status_code", status))
	if status < 200 || status >= 300 {
		return &RevocationError{StatusCode: status}
	}
	return nil
}

// Verify checks accessToken against the userinfo endpoint. Only transport
// failures return an error; a rejected token yields Valid=false.
func (c *Client) Verify(ctx context.Context, accessToken string) (result VerifyResult, err error) {
	ctx, span := c.startSpan(ctx, "verify")
	defer func() { endSpan(span, err) }()

	accessToken = strings.TrimSpace(accessToken)
	if accessToken == "" {
		return VerifyResult{}, errors.New("access token is required")
	}
	if c.cfg.UserInfoURL == "" {
		return VerifyResult{}, errors.New("userinfo url is not configured")
	}

	result, err = retry(ctx, c, func(ctx context.Context) (VerifyResult, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.UserInfoURL, nil)
		if err != nil {
			return VerifyResult{}, backoff.Permanent(fmt.Errorf("build userinfo request: %w", err))
		}
		req.Header.Set("Authorization", "Bearer "+accessToken)
		req.Header.Set("Accept", "application/json")
		res, err := c.httpClient.Do(req)
		if err != nil {
			return VerifyResult{}, c.classifyTransport(ctx, err)
		}
		defer res.Body.Close()
		if res.StatusCode < 200 || res.StatusCode >= 300 {
			_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, maxErrorBody))
			return VerifyResult{Valid: false, StatusCode: res.StatusCode}, nil
		}
		var identity Identity
		if err := json.NewDecoder(io.LimitReader(res.Body, 1<<20)).Decode(&identity); err != nil {
			return VerifyResult{}, backoff.Permanent(fmt.Errorf("decode userinfo response: %w", err))
		}
		return VerifyResult{Valid: true, StatusCode: res.StatusCode, Identity: &identity}, nil
	})
	if err != nil {
		return VerifyResult{}, fmt.Errorf("verify token: %w", unwrapTransient(err))
	}
	span.SetAttributes(attribute.Bool("oauth.token_valid", result.Valid))
	return result, nil
}

func (c *Client) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

// expiry anchors the relative expires_in on the client clock. Responses
// without one get credential.DefaultLifetime.
func (c *Client) expiry(token *oauth2.Token) time.Time {
	now := c.now().UTC()
	if seconds := expiresIn(token); seconds > 0 {
		return now.Add(time.Duration(seconds) * time.Second)
	}
	if !token.Expiry.IsZero() {
		return token.Expiry.UTC()
	}
	return now.Add(credential.DefaultLifetime)
}

func expiresIn(token *oauth2.Token) int64 {
	if token.ExpiresIn > 0 {
		return token.ExpiresIn
	}
	switch value := token.Extra("expires_in").(type) {
	case float64:
		return int64(value)
	case json.Number:
		n, _ := value.Int64()
		return n
	case string:
		n, _ := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		return n
	}
	return 0
}

// classifyTokenError maps oauth2 failures onto retry decisions. Provider
// rejections (4xx) are permanent; 5xx responses, timeouts and transport
// faults are retried.
func (c *Client) classifyTokenError(attemptCtx context.Context, err error) error {
	if err == nil {
		return nil
	}
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		status := 0
		if retrieveErr.Response != nil {
			status = retrieveErr.Response.StatusCode
		}
		exchangeErr := &TokenExchangeError{
			ProviderError:       retrieveErr.ErrorCode,
			ProviderDescription: retrieveErr.ErrorDescription,
			StatusCode:          status,
			Cause:               err,
		}
		if status >= http.StatusInternalServerError {
			exchangeErr.Temporary = true
			return exchangeErr
		}
		return backoff.Permanent(exchangeErr)
	}
	return c.classifyTransport(attemptCtx, err)
}

func (c *Client) classifyTransport(attemptCtx context.Context, err error) error {
	// A cancelled parent means the caller gave up; the attempt's own
	// deadline is a retryable timeout.
	if errors.Is(err, context.Canceled) && attemptCtx.Err() != nil {
		return backoff.Permanent(err)
	}
	return &transientError{err: err}
}

func (c *Client) finalTokenError(err error) error {
	var exchangeErr *TokenExchangeError
	if errors.As(err, &exchangeErr) {
		return exchangeErr
	}
	return &TokenExchangeError{Temporary: true, Cause: unwrapTransient(err)}
}

func unwrapTransient(err error) error {
	var transient *transientError
	if errors.As(err, &transient) {
		return transient.err
	}
	return err
}

func (c *Client) startSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, "oauth."+operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("oauth.provider", c.cfg.Provider),
			attribute.String("oauth.operation", operation),
		),
	)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func extraString(token *oauth2.Token, key string) string {
	value, _ := token.Extra(key).(string)
	return strings.TrimSpace(value)
}

// retry runs op with a per-attempt timeout until it succeeds, returns a
// permanent error, or exhausts the configured attempts.
func retry[T any](ctx context.Context, c *Client, op func(context.Context) (T, error)) (T, error) {
	policy := backoff.NewExponentialBackOff()
	if c.cfg.RetryInitialInterval > 0 {
		policy.InitialInterval = c.cfg.RetryInitialInterval
	}
	if c.cfg.RetryMaxInterval > 0 {
		policy.MaxInterval = c.cfg.RetryMaxInterval
	}
	timeout := c.cfg.RequestTimeout()

	return backoff.Retry(ctx, func() (T, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return op(attemptCtx)
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(c.cfg.RetryMaxAttempts))
}
