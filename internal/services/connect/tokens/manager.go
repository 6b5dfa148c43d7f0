package tokens

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	apperrors "github.com/louisbranch/nyra/internal/platform/errors"
	"github.com/louisbranch/nyra/internal/platform/timeouts"
	"github.com/louisbranch/nyra/internal/services/connect/audit"
	"github.com/louisbranch/nyra/internal/services/connect/authstate"
	"github.com/louisbranch/nyra/internal/services/connect/credential"
	"github.com/louisbranch/nyra/internal/services/connect/provider"
	"github.com/louisbranch/nyra/internal/services/connect/storage"
)

const tracerName = "github.com/louisbranch/nyra/internal/services/connect/tokens"

const (
	defaultAuditPageSize = 50
	maxAuditPageSize     = 200
)

// ProviderClient is the provider surface the manager depends on.
type ProviderClient interface {
	Provider() credential.Provider
	BuildAuthorizationURL(userID string, scopes []string, state string) (string, error)
	ExchangeCode(ctx context.Context, code string) (provider.ExchangeResult, error)
	Refresh(ctx context.Context, refreshToken string) (provider.RefreshResult, error)
	Revoke(ctx context.Context, token string) error
	Verify(ctx context.Context, accessToken string) (provider.VerifyResult, error)
}

// Config tunes a Manager.
type Config struct {
	// RefreshMargin is how long before expiry a token is refreshed.
	// Zero selects credential.DefaultRefreshMargin.
	RefreshMargin time.Duration
	// Scopes overrides the provider's configured scopes on new
	// authorizations.
	Scopes []string
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Manager runs the credential lifecycle for one provider.
type Manager struct {
	store    storage.Store
	client   ProviderClient
	state    *authstate.Codec
	provider credential.Provider
	margin   time.Duration
	scopes   []string
	now      func() time.Time
	tracer   trace.Tracer

	flights singleflight.Group
}

// NewManager builds a manager over store and client. state decides how
// callbacks are correlated with the flow that started them.
func NewManager(store storage.Store, client ProviderClient, state *authstate.Codec, cfg Config) (*Manager, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if client == nil {
		return nil, errors.New("provider client is required")
	}
	if state == nil {
		return nil, errors.New("state codec is required")
	}
	name, err := credential.NormalizeProvider(string(client.Provider()))
	if err != nil {
		return nil, err
	}
	margin := cfg.RefreshMargin
	if margin <= 0 {
		margin = credential.DefaultRefreshMargin
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		store:    store,
		client:   client,
		state:    state,
		provider: name,
		margin:   margin,
		scopes:   append([]string(nil), cfg.Scopes...),
		now:      now,
		tracer:   otel.Tracer(tracerName),
	}, nil
}

// Provider returns the provider this manager serves.
func (m *Manager) Provider() credential.Provider {
	return m.provider
}

// StartAuthorization issues a state value, records the pending flow and
// returns the consent URL the user must visit.
func (m *Manager) StartAuthorization(ctx context.Context, userID string) (result Authorization, err error) {
	ctx, span := m.startSpan(ctx, "start_authorization")
	defer func() { endSpan(span, err) }()

	userID, err = normalizeUser(userID)
	if err != nil {
		return Authorization{}, err
	}
	state, claims, err := m.state.Issue(userID, string(m.provider))
	if err != nil {
		return Authorization{}, fmt.Errorf("issue state: %w", err)
	}
	authURL, err := m.client.BuildAuthorizationURL(userID, m.scopes, state)
	if err != nil {
		return Authorization{}, apperrors.Wrap(apperrors.CodeInvalidArgument, "build authorization url", err)
	}

	pending := storage.PendingAuthorizationRecord{
		StateHash: authstate.Hash(state),
		UserID:    userID,
		Provider:  string(m.provider),
		AuthURL:   authURL,
		CreatedAt: m.now().UTC(),
		ExpiresAt: claims.ExpiresAt,
	}
	if err := m.store.PutPendingAuthorization(ctx, pending); err != nil {
		return Authorization{}, storeError("put pending authorization", err)
	}
	m.record(ctx, userID, audit.ActionAuthStarted, map[string]string{
		audit.DetailScope:     credential.JoinScopes(m.scopes),
		audit.DetailExpiresAt: formatTime(claims.ExpiresAt),
		"state_mode":          string(m.state.Mode()),
	})
	return Authorization{
		UserID:    userID,
		Provider:  m.provider,
		URL:       authURL,
		ExpiresAt: claims.ExpiresAt,
	}, nil
}

// GetValidToken returns a usable access token for userID, refreshing it
// first when it is due. A missing or unrefreshable credential yields
// RequiresAuth; store failures are returned as errors.
func (m *Manager) GetValidToken(ctx context.Context, userID string) (result TokenResult, err error) {
	ctx, span := m.startSpan(ctx, "get_valid_token")
	defer func() { endSpan(span, err) }()

	userID, err = normalizeUser(userID)
	if err != nil {
		return TokenResult{}, err
	}
	current, err := m.load(ctx, userID)
	if err != nil {
		return TokenResult{}, err
	}
	if current == nil {
		return requiresAuth(ReasonNotConnected), nil
	}

	state := credential.Classify(current, m.now(), m.margin)
	span.SetAttributes(attribute.String("credential.state", string(state)))
	if !state.NeedsRefresh() {
		result = successFrom(*current, false)
		m.recordAccess(ctx, userID, result)
		return result, nil
	}
	return m.refresh(ctx, userID, "")
}

// ForceRefresh refreshes userID's token even if it is not yet due. It is
// meant for a downstream API that rejected a locally valid token.
// rejectedToken, when set, lets concurrent callers that already see a newer
// token skip the refresh.
func (m *Manager) ForceRefresh(ctx context.Context, userID string, rejectedToken string) (result TokenResult, err error) {
	ctx, span := m.startSpan(ctx, "force_refresh")
	defer func() { endSpan(span, err) }()

	userID, err = normalizeUser(userID)
	if err != nil {
		return TokenResult{}, err
	}
	rejectedToken = strings.TrimSpace(rejectedToken)
	if rejectedToken == "" {
		rejectedToken = forceAlways
	}
	return m.refresh(ctx, userID, rejectedToken)
}

// forceAlways never matches a stored token, so the flight always refreshes.
const forceAlways = "\x00"

// refresh joins or starts the single refresh flight for userID. The flight
// runs detached from ctx so one caller giving up does not fail the others.
func (m *Manager) refresh(ctx context.Context, userID string, rejectedToken string) (TokenResult, error) {
	ch := m.flights.DoChan(m.flightKey(userID, rejectedToken), func() (any, error) {
		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeouts.RefreshFlight)
		defer cancel()
		return m.runRefresh(flightCtx, userID, rejectedToken)
	})

	select {
	case <-ctx.Done():
		return TokenResult{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return TokenResult{}, res.Err
		}
		result := res.Val.(TokenResult)
		if result.Success {
			m.recordAccess(ctx, userID, result)
		}
		return result, nil
	}
}

// flightKey scopes forced flights to the token they reject. A forced caller
// never joins a flight that could hand back the token it just saw rejected;
// the store version check settles forced and due flights that overlap.
func (m *Manager) flightKey(userID string, rejectedToken string) string {
	key := userID + "|" + string(m.provider)
	if rejectedToken == "" {
		return key
	}
	sum := sha256.Sum256([]byte(rejectedToken))
	return key + "|force|" + hex.EncodeToString(sum[:])
}

func (m *Manager) runRefresh(ctx context.Context, userID string, rejectedToken string) (TokenResult, error) {
	current, err := m.load(ctx, userID)
	if err != nil {
		return TokenResult{}, err
	}
	if current == nil {
		return requiresAuth(ReasonNotConnected), nil
	}

	// A flight that finished just before this one may already have stored a
	// fresh token.
	state := credential.Classify(current, m.now(), m.margin)
	if !state.NeedsRefresh() && rejectedToken != forceAlways && current.AccessToken != rejectedToken {
		return successFrom(*current, false), nil
	}

	if !current.CanRefresh() {
		m.record(ctx, userID, audit.ActionRefreshFailed, map[string]string{
			audit.DetailReason: "no_refresh_token",
		})
		return requiresAuth(ReasonReconnectRequired), nil
	}

	refreshed, err := m.client.Refresh(ctx, current.RefreshToken)
	if err != nil {
		return m.refreshFailed(ctx, userID, err)
	}

	next, err := credential.ApplyRefresh(*current, credential.Refreshed{
		AccessToken:  refreshed.AccessToken,
		TokenType:    refreshed.TokenType,
		ExpiresAt:    refreshed.ExpiresAt,
		RefreshToken: refreshed.RefreshToken,
	}, m.now)
	if err != nil {
		m.record(ctx, userID, audit.ActionRefreshFailed, map[string]string{
			audit.DetailReason: "invalid_token_response",
		})
		return requiresAuth(ReasonReconnectRequired), nil
	}

	err = m.store.UpdateAccessToken(ctx, storage.AccessTokenUpdate{
		UserID:       userID,
		Provider:     string(m.provider),
		AccessToken:  next.AccessToken,
		TokenType:    next.TokenType,
		ExpiresAt:    next.ExpiresAt,
		RefreshToken: refreshed.RefreshToken,
		RefreshedAt:  next.UpdatedAt,

		ExpectedVersion: current.Version,
	})
	if errors.Is(err, storage.ErrNotFound) {
		// Revoked while the refresh was in flight.
		return requiresAuth(ReasonNotConnected), nil
	}
	if errors.Is(err, storage.ErrConflict) {
		// A new grant landed while the provider call was in flight. It wins
		// over the token refreshed from the grant it replaced.
		return m.superseded(ctx, userID)
	}
	if err != nil {
		m.record(ctx, userID, audit.ActionRefreshFailed, map[string]string{
			audit.DetailReason: "store_failed",
		})
		return TokenResult{}, storeError("update access token", err)
	}

	m.record(ctx, userID, audit.ActionTokenRefreshed, map[string]string{
		audit.DetailExpiresAt:          formatTime(next.ExpiresAt),
		audit.DetailRefreshTokenIssued: strconv.FormatBool(refreshed.RefreshToken != ""),
	})
	return successFrom(next, true), nil
}

// superseded answers a refresh whose result lost to a newer stored
// credential.
func (m *Manager) superseded(ctx context.Context, userID string) (TokenResult, error) {
	latest, err := m.load(ctx, userID)
	if err != nil {
		return TokenResult{}, err
	}
	if latest == nil {
		return requiresAuth(ReasonNotConnected), nil
	}
	if credential.Classify(latest, m.now(), m.margin) == credential.StateExpired {
		return requiresAuth(ReasonReconnectRequired), nil
	}
	log.Printf("discarded %s refresh for %s: credential replaced during refresh", m.provider, userID)
	return successFrom(*latest, false), nil
}

// refreshFailed audits a failed refresh and decides the caller-facing
// outcome. The credential is always kept.
func (m *Manager) refreshFailed(ctx context.Context, userID string, err error) (TokenResult, error) {
	details := providerErrorDetails(err)
	reason := ReasonReconnectRequired
	if provider.IsTemporary(err) {
		reason = ReasonProviderUnavailable
	}
	details[audit.DetailReason] = string(reason)
	m.record(ctx, userID, audit.ActionRefreshFailed, details)
	log.Printf("refresh %s token for %s: %v", m.provider, userID, err)
	return requiresAuth(reason), nil
}

// HandleOAuthCallback completes a consent flow: it resolves the user from
// state, exchanges code and stores the resulting credential. Nothing is
// written when the exchange fails.
func (m *Manager) HandleOAuthCallback(ctx context.Context, code string, state string) (result CallbackResult, err error) {
	ctx, span := m.startSpan(ctx, "handle_oauth_callback")
	defer func() { endSpan(span, err) }()

	userID, err := m.consumeState(ctx, state)
	if err != nil {
		return CallbackResult{UserID: userID, Provider: m.provider}, err
	}
	result = CallbackResult{UserID: userID, Provider: m.provider}
	code = strings.TrimSpace(code)
	if code == "" {
		m.record(ctx, userID, audit.ActionAuthFailed, map[string]string{audit.DetailReason: "missing_code"})
		return result, apperrors.New(apperrors.CodeInvalidArgument, "authorization code is required")
	}

	exchanged, err := m.client.ExchangeCode(ctx, code)
	if err != nil {
		details := providerErrorDetails(err)
		details[audit.DetailReason] = "exchange_failed"
		m.record(ctx, userID, audit.ActionAuthFailed, details)
		return result, apperrors.Wrap(apperrors.CodeTokenExchangeFailed, "exchange authorization code", err)
	}

	previous, err := m.load(ctx, userID)
	if err != nil {
		return result, err
	}
	refreshToken := exchanged.RefreshToken
	if strings.TrimSpace(refreshToken) == "" && previous != nil {
		// Providers may omit the refresh token on a repeat consent.
		refreshToken = previous.RefreshToken
	}
	created, err := credential.Create(credential.CreateInput{
		UserID:       userID,
		Provider:     m.provider,
		AccessToken:  exchanged.AccessToken,
		RefreshToken: refreshToken,
		TokenType:    exchanged.TokenType,
		Scope:        exchanged.Scope,
		ExpiresAt:    exchanged.ExpiresAt,
	}, m.now)
	if err != nil {
		m.record(ctx, userID, audit.ActionAuthFailed, map[string]string{audit.DetailReason: "invalid_token_response"})
		return result, apperrors.Wrap(apperrors.CodeTokenExchangeFailed, "build credential", err)
	}
	if err := m.store.PutCredential(ctx, toRecord(created)); err != nil {
		return result, storeError("put credential", err)
	}

	m.record(ctx, userID, audit.ActionTokensCreated, map[string]string{
		audit.DetailScope:              created.Scope,
		audit.DetailTokenType:          created.TokenType,
		audit.DetailExpiresAt:          formatTime(created.ExpiresAt),
		audit.DetailRefreshTokenIssued: strconv.FormatBool(exchanged.RefreshToken != ""),
	})
	result.Scope = created.Scope
	result.ExpiresAt = created.ExpiresAt
	return result, nil
}

// FailAuthorization closes a flow whose callback carried a provider error,
// such as the user denying consent. The code exchange is never attempted.
func (m *Manager) FailAuthorization(ctx context.Context, state string, providerError string, description string) (result CallbackResult, err error) {
	ctx, span := m.startSpan(ctx, "fail_authorization")
	defer func() { endSpan(span, err) }()

	userID, err := m.consumeState(ctx, state)
	result = CallbackResult{UserID: userID, Provider: m.provider}
	if err != nil {
		return result, err
	}
	m.record(ctx, userID, audit.ActionAuthFailed, map[string]string{
		audit.DetailReason:              "provider_error",
		audit.DetailProviderError:       truncate(providerError),
		audit.DetailProviderDescription: truncate(description),
	})
	return result, nil
}

// consumeState resolves the user behind state and burns the pending
// authorization so the same state cannot complete twice. It returns the user
// ID whenever it could be recovered, even alongside an error.
func (m *Manager) consumeState(ctx context.Context, state string) (string, error) {
	claims, err := m.state.Parse(state, string(m.provider))
	if err != nil {
		return "", err
	}
	userID := claims.UserID

	pending, err := m.store.ConsumePendingAuthorization(ctx, authstate.Hash(state))
	if m.state.Mode() == authstate.ModeUserID {
		// The user ID is the state; a pending record is bookkeeping only.
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return userID, storeError("consume pending authorization", err)
		}
		return userID, nil
	}

	switch {
	case errors.Is(err, storage.ErrNotFound):
		m.record(ctx, userID, audit.ActionAuthFailed, map[string]string{audit.DetailReason: "state_not_pending"})
		return userID, apperrors.New(apperrors.CodeStateInvalid, "state is unknown or already used")
	case err != nil:
		return userID, storeError("consume pending authorization", err)
	case pending.UserID != userID || pending.Provider != string(m.provider):
		m.record(ctx, userID, audit.ActionAuthFailed, map[string]string{audit.DetailReason: "state_mismatch"})
		return userID, apperrors.New(apperrors.CodeStateInvalid, "state does not match pending authorization")
	case !m.now().Before(pending.ExpiresAt):
		m.record(ctx, userID, audit.ActionAuthFailed, map[string]string{audit.DetailReason: "state_expired"})
		return userID, apperrors.New(apperrors.CodeStateInvalid, "state expired")
	}
	return userID, nil
}

// Revoke disconnects userID. The remote revoke is best effort; the local
// credential is deleted regardless of its outcome.
func (m *Manager) Revoke(ctx context.Context, userID string) (result RevokeResult, err error) {
	ctx, span := m.startSpan(ctx, "revoke")
	defer func() { endSpan(span, err) }()

	userID, err = normalizeUser(userID)
	if err != nil {
		return RevokeResult{}, err
	}
	current, err := m.load(ctx, userID)
	if err != nil {
		return RevokeResult{}, err
	}

	details := map[string]string{}
	if current != nil {
		result.HadCredential = true
		// Revoking the refresh token also invalidates access tokens issued
		// from it.
		token := current.RefreshToken
		if token == "" {
			token = current.AccessToken
		}
		if err := m.client.Revoke(ctx, token); err != nil {
			log.Printf("revoke %s token for %s: %v", m.provider, userID, err)
			details[audit.DetailRemoteError] = truncate(err.Error())
			var revocationErr *provider.RevocationError
			if errors.As(err, &revocationErr) && revocationErr.StatusCode != 0 {
				details[audit.DetailStatusCode] = strconv.Itoa(revocationErr.StatusCode)
			}
		} else {
			result.RemoteRevoked = true
		}

		if err := m.store.DeleteCredential(ctx, userID, string(m.provider)); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return RevokeResult{}, storeError("delete credential", err)
		}
	} else {
		details[audit.DetailReason] = string(ReasonNotConnected)
	}

	details[audit.DetailRemoteRevoked] = strconv.FormatBool(result.RemoteRevoked)
	m.record(ctx, userID, audit.ActionTokensRevoked, details)
	result.Success = true
	return result, nil
}

// Status reports whether userID has a usable connection. A credential
// counts as authenticated while it is unexpired or can be refreshed.
func (m *Manager) Status(ctx context.Context, userID string) (Status, error) {
	userID, err := normalizeUser(userID)
	if err != nil {
		return Status{}, err
	}
	current, err := m.load(ctx, userID)
	if err != nil {
		return Status{}, err
	}
	if current == nil {
		return Status{State: credential.StateAbsent}, nil
	}
	state := credential.Classify(current, m.now(), m.margin)
	expiresAt := current.ExpiresAt
	return Status{
		Authenticated:   state != credential.StateExpired || current.CanRefresh(),
		State:           state,
		ExpiresAt:       &expiresAt,
		Scope:           current.Scope,
		LastRefreshedAt: current.LastRefreshedAt,
	}, nil
}

// Verify checks the current token against the provider's userinfo endpoint.
func (m *Manager) Verify(ctx context.Context, userID string) (result VerifyResult, err error) {
	ctx, span := m.startSpan(ctx, "verify")
	defer func() { endSpan(span, err) }()

	token, err := m.GetValidToken(ctx, userID)
	if err != nil {
		return VerifyResult{}, err
	}
	userID = strings.TrimSpace(userID)
	if token.RequiresAuth {
		return VerifyResult{RequiresAuth: true, Reason: token.Reason}, nil
	}

	verified, err := m.client.Verify(ctx, token.AccessToken)
	if err != nil {
		m.record(ctx, userID, audit.ActionTokenError, map[string]string{
			audit.DetailReason:      "verify_failed",
			audit.DetailRemoteError: truncate(err.Error()),
		})
		return VerifyResult{}, apperrors.Wrap(apperrors.CodeDownstreamFailed, "verify token", err)
	}
	if !verified.Valid {
		m.record(ctx, userID, audit.ActionTokenError, map[string]string{
			audit.DetailReason:     "rejected",
			audit.DetailStatusCode: strconv.Itoa(verified.StatusCode),
		})
		return VerifyResult{StatusCode: verified.StatusCode}, nil
	}

	details := map[string]string{}
	if verified.Identity != nil {
		details[audit.DetailIdentity] = verified.Identity.Email
	}
	m.record(ctx, userID, audit.ActionTokenVerified, details)
	return VerifyResult{Valid: true, StatusCode: verified.StatusCode, Identity: verified.Identity}, nil
}

// AuditTrail lists userID's audit events, oldest first.
func (m *Manager) AuditTrail(ctx context.Context, userID string, pageSize int, pageToken string, filter storage.AuditEventFilter) (storage.AuditEventPage, error) {
	userID, err := normalizeUser(userID)
	if err != nil {
		return storage.AuditEventPage{}, err
	}
	if raw := strings.TrimSpace(filter.Action); raw != "" {
		action, err := audit.ParseAction(raw)
		if err != nil {
			return storage.AuditEventPage{}, apperrors.Wrap(apperrors.CodeInvalidArgument, "invalid audit action filter", err)
		}
		filter.Action = string(action)
	}
	if filter.CreatedAfter != nil && filter.CreatedBefore != nil && filter.CreatedAfter.After(*filter.CreatedBefore) {
		return storage.AuditEventPage{}, apperrors.New(apperrors.CodeInvalidArgument, "created_after must not be after created_before")
	}
	switch {
	case pageSize <= 0:
		pageSize = defaultAuditPageSize
	case pageSize > maxAuditPageSize:
		pageSize = maxAuditPageSize
	}
	page, err := m.store.ListAuditEvents(ctx, userID, string(m.provider), pageSize, pageToken, filter)
	if err != nil {
		return storage.AuditEventPage{}, storeError("list audit events", err)
	}
	return page, nil
}

// PurgeExpired removes expired credentials that cannot be refreshed and
// expired pending authorizations.
func (m *Manager) PurgeExpired(ctx context.Context) (PurgeResult, error) {
	now := m.now().UTC()
	credentials, err := m.store.PurgeExpiredCredentials(ctx, now)
	if err != nil {
		return PurgeResult{}, storeError("purge expired credentials", err)
	}
	pending, err := m.store.PurgeExpiredPendingAuthorizations(ctx, now)
	if err != nil {
		return PurgeResult{Credentials: credentials}, storeError("purge expired pending authorizations", err)
	}
	return PurgeResult{Credentials: credentials, PendingAuthorizations: pending}, nil
}

// load returns the stored credential, or nil when none exists.
func (m *Manager) load(ctx context.Context, userID string) (*credential.Credential, error) {
	record, err := m.store.GetCredential(ctx, userID, string(m.provider))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storeError("get credential", err)
	}
	c := fromRecord(record)
	return &c, nil
}

func (m *Manager) recordAccess(ctx context.Context, userID string, result TokenResult) {
	m.record(ctx, userID, audit.ActionTokenAccessed, map[string]string{
		audit.DetailRefreshed: strconv.FormatBool(result.Refreshed),
		audit.DetailExpiresAt: formatTime(result.ExpiresAt),
	})
}

// record appends an audit event. Audit failures are logged and never fail
// the operation being audited.
func (m *Manager) record(ctx context.Context, userID string, action audit.Action, details map[string]string) {
	event := storage.AuditEventRecord{
		UserID:    userID,
		Provider:  string(m.provider),
		Action:    string(action),
		Details:   audit.SanitizeDetails(details),
		CreatedAt: m.now().UTC(),
	}
	if err := m.store.PutAuditEvent(ctx, event); err != nil {
		log.Printf("audit %s for %s: %v", action, userID, err)
	}
}

func (m *Manager) startSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, "tokens."+operation, trace.WithAttributes(
		attribute.String("oauth.provider", string(m.provider)),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func normalizeUser(raw string) (string, error) {
	userID, err := credential.NormalizeUserID(raw)
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeInvalidArgument, "user id is required", err)
	}
	return userID, nil
}

func storeError(operation string, err error) error {
	return apperrors.Wrap(apperrors.CodeStoreFailed, operation, err)
}

func successFrom(c credential.Credential, refreshed bool) TokenResult {
	return TokenResult{
		Success:     true,
		AccessToken: c.AccessToken,
		TokenType:   c.TokenType,
		ExpiresAt:   c.ExpiresAt,
		Refreshed:   refreshed,
	}
}

// providerErrorDetails extracts audit-safe fields from a provider error.
func providerErrorDetails(err error) map[string]string {
	details := map[string]string{}
	var exchangeErr *provider.TokenExchangeError
	if !errors.As(err, &exchangeErr) {
		details[audit.DetailRemoteError] = truncate(err.Error())
		return details
	}
	details[audit.DetailProviderError] = exchangeErr.ProviderError
	details[audit.DetailProviderDescription] = truncate(exchangeErr.ProviderDescription)
	if exchangeErr.StatusCode != 0 {
		details[audit.DetailStatusCode] = strconv.Itoa(exchangeErr.StatusCode)
	}
	if exchangeErr.Temporary && exchangeErr.Cause != nil {
		details[audit.DetailRemoteError] = truncate(exchangeErr.Cause.Error())
	}
	return details
}

const maxDetailLength = 256

func truncate(value string) string {
	value = strings.TrimSpace(value)
	if len(value) > maxDetailLength {
		return value[:maxDetailLength]
	}
	return value
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func fromRecord(record storage.CredentialRecord) credential.Credential {
	return credential.Credential{
		UserID:          record.UserID,
		Provider:        credential.Provider(record.Provider),
		AccessToken:     record.AccessToken,
		RefreshToken:    record.RefreshToken,
		TokenType:       record.TokenType,
		Scope:           record.Scope,
		ExpiresAt:       record.ExpiresAt,
		CreatedAt:       record.CreatedAt,
		UpdatedAt:       record.UpdatedAt,
		LastRefreshedAt: record.LastRefreshedAt,
		Version:         record.Version,
	}
}

func toRecord(c credential.Credential) storage.CredentialRecord {
	return storage.CredentialRecord{
		UserID:          c.UserID,
		Provider:        string(c.Provider),
		AccessToken:     c.AccessToken,
		RefreshToken:    c.RefreshToken,
		TokenType:       c.TokenType,
		Scope:           c.Scope,
		ExpiresAt:       c.ExpiresAt,
		CreatedAt:       c.CreatedAt,
		UpdatedAt:       c.UpdatedAt,
		LastRefreshedAt: c.LastRefreshedAt,
	}
}
