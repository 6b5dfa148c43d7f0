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

// PutPendingAuthorization records an in-flight authorization request.
func (s *Store) PutPendingAuthorization(ctx context.Context, record storage.PendingAuthorizationRecord) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(record.StateHash) == "" {
		return fmt.Errorf("state hash is required")
	}
	if strings.TrimSpace(record.UserID) == "" {
		return fmt.Errorf("user id is required")
	}
	if strings.TrimSpace(record.Provider) == "" {
		return fmt.Errorf("provider is required")
	}
	if record.ExpiresAt.IsZero() {
		return fmt.Errorf("expires at is required")
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO connect_pending_authorizations (state_hash, user_id, provider, auth_url, created_at, expires_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(state_hash) DO UPDATE SET
	user_id = excluded.user_id,
	provider = excluded.provider,
	auth_url = excluded.auth_url,
	created_at = excluded.created_at,
	expires_at = excluded.expires_at
`,
		strings.TrimSpace(record.StateHash),
		strings.TrimSpace(record.UserID),
		strings.TrimSpace(record.Provider),
		record.AuthURL,
		toMillis(record.CreatedAt),
		toMillis(record.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("put pending authorization: %w", err)
	}
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

	var (
		rec       storage.PendingAuthorizationRecord
		createdAt int64
		expiresAt int64
	)
	err := s.sqlDB.QueryRowContext(ctx, `
DELETE FROM connect_pending_authorizations
WHERE state_hash = ?
RETURNING state_hash, user_id, provider, auth_url, created_at, expires_at
`, stateHash).Scan(&rec.StateHash, &rec.UserID, &rec.Provider, &rec.AuthURL, &createdAt, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.PendingAuthorizationRecord{}, storage.ErrNotFound
		}
		return storage.PendingAuthorizationRecord{}, fmt.Errorf("consume pending authorization: %w", err)
	}
	rec.CreatedAt = fromMillis(createdAt)
	rec.ExpiresAt = fromMillis(expiresAt)
	return rec, nil
}

// PurgeExpiredPendingAuthorizations deletes pending authorizations that
// expired before now.
func (s *Store) PurgeExpiredPendingAuthorizations(ctx context.Context, now time.Time) (int64, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	result, err := s.sqlDB.ExecContext(ctx, `DELETE FROM connect_pending_authorizations WHERE expires_at <= ?`, toMillis(now))
	if err != nil {
		return 0, fmt.Errorf("purge pending authorizations: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge pending authorizations rows affected: %w", err)
	}
	return affected, nil
}
