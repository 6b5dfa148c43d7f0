// Package memory provides an in-process connect store for embedded hosts and
// tests. Records live only as long as the process.
package memory

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/louisbranch/nyra/internal/services/connect/storage"
)

var _ storage.Store = (*Store)(nil)

type credentialKey struct {
	userID   string
	provider string
}

// Store keeps connect records in mutex-guarded maps.
type Store struct {
	mu          sync.RWMutex
	credentials map[credentialKey]storage.CredentialRecord
	pending     map[string]storage.PendingAuthorizationRecord
	audit       []storage.AuditEventRecord
	nextAuditID int64
}

// New returns an empty store.
func New() *Store {
	return &Store{
		credentials: make(map[credentialKey]storage.CredentialRecord),
		pending:     make(map[string]storage.PendingAuthorizationRecord),
	}
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

func (s *Store) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.credentials == nil || s.pending == nil {
		return errors.New("storage is not configured")
	}
	return nil
}

func keyFor(userID, provider string) (credentialKey, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return credentialKey{}, fmt.Errorf("user id is required")
	}
	provider = strings.TrimSpace(provider)
	if provider == "" {
		return credentialKey{}, fmt.Errorf("provider is required")
	}
	return credentialKey{userID: userID, provider: provider}, nil
}

func cloneCredential(rec storage.CredentialRecord) storage.CredentialRecord {
	if rec.LastRefreshedAt != nil {
		value := *rec.LastRefreshedAt
		rec.LastRefreshedAt = &value
	}
	return rec
}

// GetCredential fetches the credential for one user and provider.
func (s *Store) GetCredential(ctx context.Context, userID string, provider string) (storage.CredentialRecord, error) {
	if err := s.ready(ctx); err != nil {
		return storage.CredentialRecord{}, err
	}
	key, err := keyFor(userID, provider)
	if err != nil {
		return storage.CredentialRecord{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.credentials[key]
	if !ok {
		return storage.CredentialRecord{}, storage.ErrNotFound
	}
	return cloneCredential(rec), nil
}

// PutCredential upserts a complete credential record.
func (s *Store) PutCredential(ctx context.Context, record storage.CredentialRecord) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	key, err := keyFor(record.UserID, record.Provider)
	if err != nil {
		return err
	}
	if strings.TrimSpace(record.AccessToken) == "" {
		return fmt.Errorf("access token is required")
	}
	if record.ExpiresAt.IsZero() {
		return fmt.Errorf("expires at is required")
	}
	record.UserID = key.userID
	record.Provider = key.provider
	record.RefreshToken = strings.TrimSpace(record.RefreshToken)

	s.mu.Lock()
	defer s.mu.Unlock()
	record.Version = 1
	if existing, ok := s.credentials[key]; ok {
		record.CreatedAt = existing.CreatedAt
		record.Version = existing.Version + 1
	}
	s.credentials[key] = cloneCredential(record)
	return nil
}

// UpdateAccessToken replaces the access token and expiry together. A
// non-zero ExpectedVersion must match the stored version.
func (s *Store) UpdateAccessToken(ctx context.Context, update storage.AccessTokenUpdate) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	key, err := keyFor(update.UserID, update.Provider)
	if err != nil {
		return err
	}
	if strings.TrimSpace(update.AccessToken) == "" {
		return fmt.Errorf("access token is required")
	}
	if update.ExpiresAt.IsZero() {
		return fmt.Errorf("expires at is required")
	}
	if update.RefreshedAt.IsZero() {
		return fmt.Errorf("refreshed at is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.credentials[key]
	if !ok {
		return storage.ErrNotFound
	}
	if update.ExpectedVersion != 0 && rec.Version != update.ExpectedVersion {
		return storage.ErrConflict
	}
	rec.AccessToken = update.AccessToken
	rec.ExpiresAt = update.ExpiresAt.UTC()
	if update.TokenType != "" {
		rec.TokenType = update.TokenType
	}
	if refreshToken := strings.TrimSpace(update.RefreshToken); refreshToken != "" {
		rec.RefreshToken = refreshToken
	}
	refreshedAt := update.RefreshedAt.UTC()
	rec.UpdatedAt = refreshedAt
	rec.LastRefreshedAt = &refreshedAt
	rec.Version++
	s.credentials[key] = rec
	return nil
}

// DeleteCredential removes the credential for one user and provider.
func (s *Store) DeleteCredential(ctx context.Context, userID string, provider string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	key, err := keyFor(userID, provider)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.credentials[key]; !ok {
		return storage.ErrNotFound
	}
	delete(s.credentials, key)
	return nil
}

// PurgeExpiredCredentials deletes expired credentials without a refresh
// token.
func (s *Store) PurgeExpiredCredentials(ctx context.Context, now time.Time) (int64, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var purged int64
	for key, rec := range s.credentials {
		if !rec.ExpiresAt.After(now) && rec.RefreshToken == "" {
			delete(s.credentials, key)
			purged++
		}
	}
	return purged, nil
}

// PutAuditEvent appends one audit event.
func (s *Store) PutAuditEvent(ctx context.Context, record storage.AuditEventRecord) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if _, err := keyFor(record.UserID, record.Provider); err != nil {
		return err
	}
	if strings.TrimSpace(record.Action) == "" {
		return fmt.Errorf("action is required")
	}
	if record.CreatedAt.IsZero() {
		return fmt.Errorf("created at is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextAuditID++
	record.ID = strconv.FormatInt(s.nextAuditID, 10)
	record.UserID = strings.TrimSpace(record.UserID)
	record.Provider = strings.TrimSpace(record.Provider)
	record.Action = strings.TrimSpace(record.Action)
	record.CreatedAt = record.CreatedAt.UTC()
	if len(record.Details) > 0 {
		record.Details = maps.Clone(record.Details)
	} else {
		record.Details = nil
	}
	s.audit = append(s.audit, record)
	return nil
}

// ListAuditEvents returns a page of audit events for one user and provider,
// oldest first.
func (s *Store) ListAuditEvents(ctx context.Context, userID string, provider string, pageSize int, pageToken string, filter storage.AuditEventFilter) (storage.AuditEventPage, error) {
	if err := s.ready(ctx); err != nil {
		return storage.AuditEventPage{}, err
	}
	key, err := keyFor(userID, provider)
	if err != nil {
		return storage.AuditEventPage{}, err
	}
	if pageSize <= 0 {
		return storage.AuditEventPage{}, fmt.Errorf("page size must be greater than zero")
	}
	if filter.CreatedAfter != nil && filter.CreatedBefore != nil && filter.CreatedAfter.After(*filter.CreatedBefore) {
		return storage.AuditEventPage{}, fmt.Errorf("created_after must be before or equal to created_before")
	}
	var after int64
	if pageToken = strings.TrimSpace(pageToken); pageToken != "" {
		after, err = strconv.ParseInt(pageToken, 10, 64)
		if err != nil || after < 0 {
			return storage.AuditEventPage{}, fmt.Errorf("invalid page token")
		}
	}
	action := strings.TrimSpace(filter.Action)

	s.mu.RLock()
	defer s.mu.RUnlock()
	page := storage.AuditEventPage{AuditEvents: make([]storage.AuditEventRecord, 0, pageSize)}
	for _, rec := range s.audit {
		id, _ := strconv.ParseInt(rec.ID, 10, 64)
		switch {
		case id <= after,
			rec.UserID != key.userID || rec.Provider != key.provider,
			action != "" && rec.Action != action,
			filter.CreatedAfter != nil && rec.CreatedAt.Before(*filter.CreatedAfter),
			filter.CreatedBefore != nil && rec.CreatedAt.After(*filter.CreatedBefore):
			continue
		}
		rec.Details = maps.Clone(rec.Details)
		page.AuditEvents = append(page.AuditEvents, rec)
		if len(page.AuditEvents) > pageSize {
			break
		}
	}
	if len(page.AuditEvents) > pageSize {
		page.NextPageToken = page.AuditEvents[pageSize-1].ID
		page.AuditEvents = page.AuditEvents[:pageSize]
	}
	return page, nil
}

// PutPendingAuthorization records an in-flight authorization request.
func (s *Store) PutPendingAuthorization(ctx context.Context, record storage.PendingAuthorizationRecord) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	stateHash := strings.TrimSpace(record.StateHash)
	if stateHash == "" {
		return fmt.Errorf("state hash is required")
	}
	if _, err := keyFor(record.UserID, record.Provider); err != nil {
		return err
	}
	if record.ExpiresAt.IsZero() {
		return fmt.Errorf("expires at is required")
	}
	record.StateHash = stateHash
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[stateHash] = record
	return nil
}

// ConsumePendingAuthorization deletes and returns one pending authorization.
func (s *Store) ConsumePendingAuthorization(ctx context.Context, stateHash string) (storage.PendingAuthorizationRecord, error) {
	if err := s.ready(ctx); err != nil {
		return storage.PendingAuthorizationRecord{}, err
	}
	stateHash = strings.TrimSpace(stateHash)
	if stateHash == "" {
		return storage.PendingAuthorizationRecord{}, fmt.Errorf("state hash is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.pending[stateHash]
	if !ok {
		return storage.PendingAuthorizationRecord{}, storage.ErrNotFound
	}
	delete(s.pending, stateHash)
	return rec, nil
}

// PurgeExpiredPendingAuthorizations deletes pending authorizations that
// expired before now.
func (s *Store) PurgeExpiredPendingAuthorizations(ctx context.Context, now time.Time) (int64, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var purged int64
	for hash, rec := range s.pending {
		if !rec.ExpiresAt.After(now) {
			delete(s.pending, hash)
			purged++
		}
	}
	return purged, nil
}
