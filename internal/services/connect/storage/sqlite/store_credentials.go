package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/nyra/internal/services/connect/storage"
)

// GetCredential fetches the credential for one user and provider.
func (s *Store) GetCredential(ctx context.Context, userID string, provider string) (storage.CredentialRecord, error) {
	if err := s.ready(ctx); err != nil {
		return storage.CredentialRecord{}, err
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return storage.CredentialRecord{}, fmt.Errorf("user id is required")
	}
	provider = strings.TrimSpace(provider)
	if provider == "" {
		return storage.CredentialRecord{}, fmt.Errorf("provider is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT user_id, provider, access_token_ciphertext, refresh_token_ciphertext, token_type, scope, expires_at, created_at, updated_at, last_refreshed_at, version
FROM connect_credentials
WHERE user_id = ? AND provider = ?
`, userID, provider)

	var (
		rec             storage.CredentialRecord
		accessSealed    string
		refreshSealed   string
		expiresAt       int64
		createdAt       int64
		updatedAt       int64
		lastRefreshedAt sql.NullInt64
	)
	if err := row.Scan(
		&rec.UserID,
		&rec.Provider,
		&accessSealed,
		&refreshSealed,
		&rec.TokenType,
		&rec.Scope,
		&expiresAt,
		&createdAt,
		&updatedAt,
		&lastRefreshedAt,
		&rec.Version,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.CredentialRecord{}, storage.ErrNotFound
		}
		return storage.CredentialRecord{}, fmt.Errorf("get credential: %w", err)
	}

	accessToken, err := s.sealer.Open(accessSealed)
	if err != nil {
		return storage.CredentialRecord{}, fmt.Errorf("open access token: %w", err)
	}
	refreshToken, err := s.openOptional(refreshSealed)
	if err != nil {
		return storage.CredentialRecord{}, fmt.Errorf("open refresh token: %w", err)
	}
	rec.AccessToken = accessToken
	rec.RefreshToken = refreshToken
	rec.ExpiresAt = fromMillis(expiresAt)
	rec.CreatedAt = fromMillis(createdAt)
	rec.UpdatedAt = fromMillis(updatedAt)
	rec.LastRefreshedAt = fromNullMillis(lastRefreshedAt)
	return rec, nil
}

// PutCredential upserts a complete credential record. CreatedAt of an
// existing row is preserved.
func (s *Store) PutCredential(ctx context.Context, record storage.CredentialRecord) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(record.UserID) == "" {
		return fmt.Errorf("user id is required")
	}
	if strings.TrimSpace(record.Provider) == "" {
		return fmt.Errorf("provider is required")
	}
	if strings.TrimSpace(record.AccessToken) == "" {
		return fmt.Errorf("access token is required")
	}
	if record.ExpiresAt.IsZero() {
		return fmt.Errorf("expires at is required")
	}

	accessSealed, err := s.sealer.Seal(record.AccessToken)
	if err != nil {
		return fmt.Errorf("seal access token: %w", err)
	}
	refreshSealed, err := s.sealOptional(strings.TrimSpace(record.RefreshToken))
	if err != nil {
		return fmt.Errorf("seal refresh token: %w", err)
	}

	_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO connect_credentials (
	user_id, provider, access_token_ciphertext, refresh_token_ciphertext, token_type, scope, expires_at, created_at, updated_at, last_refreshed_at, version
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
ON CONFLICT(user_id, provider) DO UPDATE SET
	access_token_ciphertext = excluded.access_token_ciphertext,
	refresh_token_ciphertext = excluded.refresh_token_ciphertext,
	token_type = excluded.token_type,
	scope = excluded.scope,
	expires_at = excluded.expires_at,
	updated_at = excluded.updated_at,
	last_refreshed_at = excluded.last_refreshed_at,
	version = connect_credentials.version + 1
`,
		strings.TrimSpace(record.UserID),
		strings.TrimSpace(record.Provider),
		accessSealed,
		refreshSealed,
		record.TokenType,
		record.Scope,
		toMillis(record.ExpiresAt),
		toMillis(record.CreatedAt),
		toMillis(record.UpdatedAt),
		nullMillis(record.LastRefreshedAt),
	)
	if err != nil {
		return fmt.Errorf("put credential: %w", err)
	}
	return nil
}

// UpdateAccessToken replaces the access token and expiry in one statement.
// A non-zero ExpectedVersion makes the write conditional on the row not
// having changed since it was read.
func (s *Store) UpdateAccessToken(ctx context.Context, update storage.AccessTokenUpdate) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	userID := strings.TrimSpace(update.UserID)
	if userID == "" {
		return fmt.Errorf("user id is required")
	}
	provider := strings.TrimSpace(update.Provider)
	if provider == "" {
		return fmt.Errorf("provider is required")
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

	accessSealed, err := s.sealer.Seal(update.AccessToken)
	if err != nil {
		return fmt.Errorf("seal access token: %w", err)
	}
	refreshSealed, err := s.sealOptional(strings.TrimSpace(update.RefreshToken))
	if err != nil {
		return fmt.Errorf("seal refresh token: %w", err)
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE connect_credentials
SET access_token_ciphertext = ?,
	expires_at = ?,
	token_type = CASE WHEN ? = '' THEN token_type ELSE ? END,
	refresh_token_ciphertext = CASE WHEN ? = '' THEN refresh_token_ciphertext ELSE ? END,
	updated_at = ?,
	last_refreshed_at = ?,
	version = version + 1
WHERE user_id = ? AND provider = ? AND (? = 0 OR version = ?)
`,
		accessSealed,
		toMillis(update.ExpiresAt),
		update.TokenType, update.TokenType,
		refreshSealed, refreshSealed,
		toMillis(update.RefreshedAt),
		toMillis(update.RefreshedAt),
		userID,
		provider,
		update.ExpectedVersion, update.ExpectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update access token: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update access token rows affected: %w", err)
	}
	if affected == 0 {
		return s.missOrConflict(ctx, userID, provider)
	}
	return nil
}

// missOrConflict explains why a conditional credential update matched no row.
func (s *Store) missOrConflict(ctx context.Context, userID string, provider string) error {
	var version int64
	err := s.sqlDB.QueryRowContext(ctx, `SELECT version FROM connect_credentials WHERE user_id = ? AND provider = ?`, userID, provider).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check credential version: %w", err)
	}
	return storage.ErrConflict
}

// DeleteCredential removes the credential for one user and provider.
func (s *Store) DeleteCredential(ctx context.Context, userID string, provider string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("user id is required")
	}
	provider = strings.TrimSpace(provider)
	if provider == "" {
		return fmt.Errorf("provider is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, `DELETE FROM connect_credentials WHERE user_id = ? AND provider = ?`, userID, provider)
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete credential rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// PurgeExpiredCredentials deletes expired credentials that cannot be
// refreshed.
func (s *Store) PurgeExpiredCredentials(ctx context.Context, now time.Time) (int64, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	result, err := s.sqlDB.ExecContext(ctx, `
DELETE FROM connect_credentials
WHERE expires_at <= ? AND refresh_token_ciphertext = ''
`, toMillis(now))
	if err != nil {
		return 0, fmt.Errorf("purge expired credentials: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge expired credentials rows affected: %w", err)
	}
	return affected, nil
}
