package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates a requested record is missing.
	ErrNotFound = errors.New("record not found")
	// ErrConflict indicates a conditional write lost to a newer write.
	ErrConflict = errors.New("record changed since it was read")
)

// CredentialRecord stores the single active credential for one user and
// provider.
type CredentialRecord struct {
	UserID   string
	Provider string

	// Token values cross this boundary in plaintext; backends that persist
	// to disk must seal them.
	AccessToken  string
	RefreshToken string
	TokenType    string
	Scope        string

	ExpiresAt       time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
	LastRefreshedAt *time.Time

	// Version is assigned by the store and grows with every write.
	Version int64
}

// AccessTokenUpdate replaces the access token and its expiry as one unit.
type AccessTokenUpdate struct {
	UserID      string
	Provider    string
	AccessToken string
	TokenType   string
	ExpiresAt   time.Time
	// RefreshToken replaces the stored refresh token only when non-empty.
	RefreshToken string
	RefreshedAt  time.Time
	// ExpectedVersion, when non-zero, must match the stored version.
	ExpectedVersion int64
}

// AuditEventRecord stores one append-only audit event.
type AuditEventRecord struct {
	ID string

	UserID   string
	Provider string
	Action   string

	// Details must already be sanitized; see audit.SanitizeDetails.
	Details map[string]string

	CreatedAt time.Time
}

// AuditEventPage is a paged set of audit events.
type AuditEventPage struct {
	AuditEvents   []AuditEventRecord
	NextPageToken string
}

// AuditEventFilter narrows user-scoped audit event listing.
//
// User scope is mandatory and enforced separately; these fields can only
// narrow visibility.
type AuditEventFilter struct {
	Action string

	CreatedAfter  *time.Time
	CreatedBefore *time.Time
}

// PendingAuthorizationRecord binds an outbound OAuth state to the user who
// started the flow.
type PendingAuthorizationRecord struct {
	// StateHash stores a non-reversible hash of the outbound state value.
	StateHash string
	UserID    string
	Provider  string
	AuthURL   string

	CreatedAt time.Time
	ExpiresAt time.Time
}

// CredentialStore persists credential records keyed by (user, provider).
type CredentialStore interface {
	GetCredential(ctx context.Context, userID string, provider string) (CredentialRecord, error)
	// PutCredential upserts a complete record.
	PutCredential(ctx context.Context, record CredentialRecord) error
	// UpdateAccessToken writes the access token and expiry in one statement.
	// It returns ErrNotFound when no record exists and ErrConflict when the
	// stored version no longer matches ExpectedVersion.
	UpdateAccessToken(ctx context.Context, update AccessTokenUpdate) error
	// DeleteCredential returns ErrNotFound when no record exists.
	DeleteCredential(ctx context.Context, userID string, provider string) error
	// PurgeExpiredCredentials deletes records that expired before now and
	// hold no refresh token. It returns the number of deleted records.
	PurgeExpiredCredentials(ctx context.Context, now time.Time) (int64, error)
}

// AuditEventStore persists append-only audit events.
type AuditEventStore interface {
	PutAuditEvent(ctx context.Context, record AuditEventRecord) error
	ListAuditEvents(ctx context.Context, userID string, provider string, pageSize int, pageToken string, filter AuditEventFilter) (AuditEventPage, error)
}

// PendingAuthorizationStore persists in-flight authorization requests.
type PendingAuthorizationStore interface {
	PutPendingAuthorization(ctx context.Context, record PendingAuthorizationRecord) error
	// ConsumePendingAuthorization deletes and returns the record for
	// stateHash. A second call for the same hash returns ErrNotFound.
	ConsumePendingAuthorization(ctx context.Context, stateHash string) (PendingAuthorizationRecord, error)
	PurgeExpiredPendingAuthorizations(ctx context.Context, now time.Time) (int64, error)
}

// Store is the full persistence surface used by the token manager.
type Store interface {
	CredentialStore
	AuditEventStore
	PendingAuthorizationStore
	Close() error
}
