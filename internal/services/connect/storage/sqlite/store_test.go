package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/louisbranch/nyra/internal/services/connect/secret"
	"github.com/louisbranch/nyra/internal/services/connect/storage"
)

func TestOpenRequiresPathAndSealer(t *testing.T) {
	if _, err := Open(context.Background(), "", testSealer(t)); err == nil {
		t.Fatal("expected error for empty path")
	}
	if _, err := Open(context.Background(), filepath.Join(t.TempDir(), "connect.db"), nil); err == nil {
		t.Fatal("expected error for nil sealer")
	}
}

func TestOpenIsIdempotentAcrossRestarts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "connect.db")
	sealer := testSealer(t)

	first, err := Open(context.Background(), path, sealer)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := first.PutCredential(context.Background(), testCredential("u1", "t1", "r1")); err != nil {
		t.Fatalf("put credential: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	second, err := Open(context.Background(), path, sealer)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	t.Cleanup(func() { _ = second.Close() })

	got, err := second.GetCredential(context.Background(), "u1", "google")
	if err != nil {
		t.Fatalf("get credential after reopen: %v", err)
	}
	if got.AccessToken != "t1" || got.RefreshToken != "r1" {
		t.Fatalf("unexpected tokens after reopen: %+v", got)
	}
}

func TestCredentialRoundTripSealsTokensAtRest(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	record := testCredential("u1", "ya29.access", "1//refresh")
	refreshedAt := record.CreatedAt.Add(time.Minute)
	record.LastRefreshedAt = &refreshedAt
	if err := store.PutCredential(ctx, record); err != nil {
		t.Fatalf("put credential: %v", err)
	}

	got, err := store.GetCredential(ctx, "u1", "google")
	if err != nil {
		t.Fatalf("get credential: %v", err)
	}
	if got.AccessToken != "ya29.access" || got.RefreshToken != "1//refresh" {
		t.Fatalf("unexpected tokens: %+v", got)
	}
	if got.TokenType != "Bearer" || got.Scope != "mail calendar" {
		t.Fatalf("unexpected metadata: %+v", got)
	}
	if !got.ExpiresAt.Equal(record.ExpiresAt) || !got.CreatedAt.Equal(record.CreatedAt) {
		t.Fatalf("unexpected timestamps: %+v", got)
	}
	if got.LastRefreshedAt == nil || !got.LastRefreshedAt.Equal(refreshedAt) {
		t.Fatalf("last refreshed at = %v, want %v", got.LastRefreshedAt, refreshedAt)
	}

	var accessRaw, refreshRaw string
	if err := store.sqlDB.QueryRow(
		"SELECT access_token_ciphertext, refresh_token_ciphertext FROM connect_credentials WHERE user_id = ?", "u1",
	).Scan(&accessRaw, &refreshRaw); err != nil {
		t.Fatalf("scan raw row: %v", err)
	}
	if strings.Contains(accessRaw, "ya29") || strings.Contains(refreshRaw, "refresh") {
		t.Fatal("expected token columns to be sealed")
	}
}

func TestGetCredentialNotFound(t *testing.T) {
	store := openTempStore(t)
	if _, err := store.GetCredential(context.Background(), "nobody", "google"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPutCredentialUpsertKeepsOneRecord(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	first := testCredential("u1", "t1", "r1")
	if err := store.PutCredential(ctx, first); err != nil {
		t.Fatalf("put first: %v", err)
	}
	second := testCredential("u1", "t2", "")
	second.CreatedAt = first.CreatedAt.Add(time.Hour)
	second.ExpiresAt = first.ExpiresAt.Add(time.Hour)
	if err := store.PutCredential(ctx, second); err != nil {
		t.Fatalf("put second: %v", err)
	}

	var count int
	if err := store.sqlDB.QueryRow("SELECT COUNT(*) FROM connect_credentials").Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("credential rows = %d, want 1", count)
	}

	got, err := store.GetCredential(ctx, "u1", "google")
	if err != nil {
		t.Fatalf("get credential: %v", err)
	}
	if got.AccessToken != "t2" || got.RefreshToken != "" || !got.ExpiresAt.Equal(second.ExpiresAt) {
		t.Fatalf("unexpected record after upsert: %+v", got)
	}
	if !got.CreatedAt.Equal(first.CreatedAt) {
		t.Fatalf("created at = %v, want original %v", got.CreatedAt, first.CreatedAt)
	}
}

func TestUpdateAccessTokenWritesPairAtomically(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	base := testCredential("u1", "t0", "r1")
	if err := store.PutCredential(ctx, base); err != nil {
		t.Fatalf("put credential: %v", err)
	}

	// Interleave full upserts and partial updates; every read must return
	// the pair from the most recent write.
	for i := 1; i <= 6; i++ {
		token := fmt.Sprintf("t%d", i)
		expiresAt := base.ExpiresAt.Add(time.Duration(i) * time.Minute)
		if i%2 == 0 {
			rec := testCredential("u1", token, "r1")
			rec.ExpiresAt = expiresAt
			if err := store.PutCredential(ctx, rec); err != nil {
				t.Fatalf("put #%d: %v", i, err)
			}
		} else {
			if err := store.UpdateAccessToken(ctx, storage.AccessTokenUpdate{
				UserID:      "u1",
				Provider:    "google",
				AccessToken: token,
				ExpiresAt:   expiresAt,
				RefreshedAt: expiresAt.Add(-time.Hour),
			}); err != nil {
				t.Fatalf("update #%d: %v", i, err)
			}
		}

		got, err := store.GetCredential(ctx, "u1", "google")
		if err != nil {
			t.Fatalf("get #%d: %v", i, err)
		}
		if got.AccessToken != token || !got.ExpiresAt.Equal(expiresAt) {
			t.Fatalf("write #%d: got (%q, %v), want (%q, %v)", i, got.AccessToken, got.ExpiresAt, token, expiresAt)
		}
		if got.RefreshToken != "r1" {
			t.Fatalf("write #%d: refresh token = %q, want r1", i, got.RefreshToken)
		}
	}
}

func TestUpdateAccessTokenReplacesRefreshTokenOnlyWhenGiven(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	if err := store.PutCredential(ctx, testCredential("u1", "t1", "r1")); err != nil {
		t.Fatalf("put credential: %v", err)
	}
	now := time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)
	update := storage.AccessTokenUpdate{
		UserID:       "u1",
		Provider:     "google",
		AccessToken:  "t2",
		TokenType:    "bearer",
		ExpiresAt:    now.Add(time.Hour),
		RefreshToken: "r2",
		RefreshedAt:  now,
	}
	if err := store.UpdateAccessToken(ctx, update); err != nil {
		t.Fatalf("update access token: %v", err)
	}
	got, err := store.GetCredential(ctx, "u1", "google")
	if err != nil {
		t.Fatalf("get credential: %v", err)
	}
	if got.RefreshToken != "r2" || got.TokenType != "bearer" {
		t.Fatalf("unexpected record: %+v", got)
	}
	if got.LastRefreshedAt == nil || !got.LastRefreshedAt.Equal(now) || !got.UpdatedAt.Equal(now) {
		t.Fatalf("unexpected refresh bookkeeping: %+v", got)
	}
}

func TestUpdateAccessTokenRejectsStaleVersion(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	if err := store.PutCredential(ctx, testCredential("u1", "t1", "r1")); err != nil {
		t.Fatalf("put credential: %v", err)
	}
	read, err := store.GetCredential(ctx, "u1", "google")
	if err != nil {
		t.Fatalf("get credential: %v", err)
	}
	if read.Version != 1 {
		t.Fatalf("version = %d, want 1", read.Version)
	}

	// A new grant replaces the row after the refresh read it.
	replaced := testCredential("u1", "t-new", "r-new")
	replaced.Scope = "email calendar"
	if err := store.PutCredential(ctx, replaced); err != nil {
		t.Fatalf("replace credential: %v", err)
	}

	now := time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)
	err = store.UpdateAccessToken(ctx, storage.AccessTokenUpdate{
		UserID:          "u1",
		Provider:        "google",
		AccessToken:     "t-stale",
		ExpiresAt:       now.Add(time.Hour),
		RefreshedAt:     now,
		ExpectedVersion: read.Version,
	})
	if !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	got, err := store.GetCredential(ctx, "u1", "google")
	if err != nil {
		t.Fatalf("get credential: %v", err)
	}
	if got.AccessToken != "t-new" || got.RefreshToken != "r-new" || got.Version != 2 {
		t.Fatalf("stale update leaked into record: %+v", got)
	}

	err = store.UpdateAccessToken(ctx, storage.AccessTokenUpdate{
		UserID:          "u1",
		Provider:        "google",
		AccessToken:     "t-next",
		ExpiresAt:       now.Add(time.Hour),
		RefreshedAt:     now,
		ExpectedVersion: got.Version,
	})
	if err != nil {
		t.Fatalf("update with current version: %v", err)
	}
	got, err = store.GetCredential(ctx, "u1", "google")
	if err != nil {
		t.Fatalf("get credential: %v", err)
	}
	if got.AccessToken != "t-next" || got.Version != 3 {
		t.Fatalf("unexpected record after update: %+v", got)
	}
}

func TestUpdateAccessTokenMissingRecord(t *testing.T) {
	store := openTempStore(t)
	err := store.UpdateAccessToken(context.Background(), storage.AccessTokenUpdate{
		UserID:      "ghost",
		Provider:    "google",
		AccessToken: "t1",
		ExpiresAt:   time.Now(),
		RefreshedAt: time.Now(),
	})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateAccessTokenValidation(t *testing.T) {
	store := openTempStore(t)
	err := store.UpdateAccessToken(context.Background(), storage.AccessTokenUpdate{
		UserID:      "u1",
		Provider:    "google",
		AccessToken: "t1",
		RefreshedAt: time.Now(),
	})
	if err == nil {
		t.Fatal("expected error when expiry is missing")
	}
}

func TestDeleteCredential(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	if err := store.PutCredential(ctx, testCredential("u1", "t1", "r1")); err != nil {
		t.Fatalf("put credential: %v", err)
	}
	if err := store.DeleteCredential(ctx, "u1", "google"); err != nil {
		t.Fatalf("delete credential: %v", err)
	}
	if _, err := store.GetCredential(ctx, "u1", "google"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := store.DeleteCredential(ctx, "u1", "google"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestPurgeExpiredCredentialsKeepsRefreshable(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	expiredNoRefresh := testCredential("expired-bare", "t1", "")
	expiredNoRefresh.ExpiresAt = now.Add(-time.Minute)
	expiredRefreshable := testCredential("expired-refreshable", "t1", "r1")
	expiredRefreshable.ExpiresAt = now.Add(-time.Minute)
	validBare := testCredential("valid-bare", "t1", "")
	validBare.ExpiresAt = now.Add(time.Minute)

	for _, rec := range []storage.CredentialRecord{expiredNoRefresh, expiredRefreshable, validBare} {
		if err := store.PutCredential(ctx, rec); err != nil {
			t.Fatalf("put %s: %v", rec.UserID, err)
		}
	}

	purged, err := store.PurgeExpiredCredentials(ctx, now)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 1 {
		t.Fatalf("purged = %d, want 1", purged)
	}
	if _, err := store.GetCredential(ctx, "expired-bare", "google"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected expired bare credential to be purged, got %v", err)
	}
	for _, userID := range []string{"expired-refreshable", "valid-bare"} {
		if _, err := store.GetCredential(ctx, userID, "google"); err != nil {
			t.Fatalf("expected %s to survive purge: %v", userID, err)
		}
	}
}

func TestAuditEventsAppendAndPage(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	actions := []string{"auth_started", "tokens_created", "token_accessed", "refresh_failed"}
	for i, action := range actions {
		if err := store.PutAuditEvent(ctx, storage.AuditEventRecord{
			UserID:    "u1",
			Provider:  "google",
			Action:    action,
			Details:   map[string]string{"step": fmt.Sprint(i)},
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}); err != nil {
			t.Fatalf("put audit %s: %v", action, err)
		}
	}
	if err := store.PutAuditEvent(ctx, storage.AuditEventRecord{
		UserID: "u2", Provider: "google", Action: "auth_started", CreatedAt: base,
	}); err != nil {
		t.Fatalf("put other user audit: %v", err)
	}

	first, err := store.ListAuditEvents(ctx, "u1", "google", 3, "", storage.AuditEventFilter{})
	if err != nil {
		t.Fatalf("list first page: %v", err)
	}
	if len(first.AuditEvents) != 3 || first.NextPageToken == "" {
		t.Fatalf("unexpected first page: %+v", first)
	}
	if first.AuditEvents[0].Action != "auth_started" || first.AuditEvents[0].Details["step"] != "0" {
		t.Fatalf("unexpected first event: %+v", first.AuditEvents[0])
	}

	second, err := store.ListAuditEvents(ctx, "u1", "google", 3, first.NextPageToken, storage.AuditEventFilter{})
	if err != nil {
		t.Fatalf("list second page: %v", err)
	}
	if len(second.AuditEvents) != 1 || second.NextPageToken != "" {
		t.Fatalf("unexpected second page: %+v", second)
	}
	if second.AuditEvents[0].Action != "refresh_failed" {
		t.Fatalf("unexpected last event: %+v", second.AuditEvents[0])
	}

	filtered, err := store.ListAuditEvents(ctx, "u1", "google", 10, "", storage.AuditEventFilter{Action: "token_accessed"})
	if err != nil {
		t.Fatalf("list filtered: %v", err)
	}
	if len(filtered.AuditEvents) != 1 {
		t.Fatalf("filtered events = %d, want 1", len(filtered.AuditEvents))
	}

	after := base.Add(2 * time.Minute)
	windowed, err := store.ListAuditEvents(ctx, "u1", "google", 10, "", storage.AuditEventFilter{CreatedAfter: &after})
	if err != nil {
		t.Fatalf("list windowed: %v", err)
	}
	if len(windowed.AuditEvents) != 2 {
		t.Fatalf("windowed events = %d, want 2", len(windowed.AuditEvents))
	}
}

func TestListAuditEventsValidation(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	if _, err := store.ListAuditEvents(ctx, "u1", "google", 0, "", storage.AuditEventFilter{}); err == nil {
		t.Fatal("expected error for zero page size")
	}
	if _, err := store.ListAuditEvents(ctx, "u1", "google", 10, "abc", storage.AuditEventFilter{}); err == nil {
		t.Fatal("expected error for invalid page token")
	}
	before := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	after := before.Add(time.Hour)
	if _, err := store.ListAuditEvents(ctx, "u1", "google", 10, "", storage.AuditEventFilter{CreatedAfter: &after, CreatedBefore: &before}); err == nil {
		t.Fatal("expected error for inverted time window")
	}
}

func TestPendingAuthorizationConsumedOnce(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	record := storage.PendingAuthorizationRecord{
		StateHash: "hash-1",
		UserID:    "u1",
		Provider:  "google",
		AuthURL:   "https://accounts.example.test/auth?state=x",
		CreatedAt: now,
		ExpiresAt: now.Add(10 * time.Minute),
	}
	if err := store.PutPendingAuthorization(ctx, record); err != nil {
		t.Fatalf("put pending: %v", err)
	}

	got, err := store.ConsumePendingAuthorization(ctx, "hash-1")
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if got.UserID != "u1" || got.AuthURL != record.AuthURL || !got.ExpiresAt.Equal(record.ExpiresAt) {
		t.Fatalf("unexpected pending record: %+v", got)
	}
	if _, err := store.ConsumePendingAuthorization(ctx, "hash-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second consume, got %v", err)
	}
}

func TestPurgeExpiredPendingAuthorizations(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, expiresAt := range []time.Time{now.Add(-time.Second), now.Add(time.Minute)} {
		if err := store.PutPendingAuthorization(ctx, storage.PendingAuthorizationRecord{
			StateHash: fmt.Sprintf("hash-%d", i),
			UserID:    "u1",
			Provider:  "google",
			CreatedAt: now.Add(-time.Hour),
			ExpiresAt: expiresAt,
		}); err != nil {
			t.Fatalf("put pending %d: %v", i, err)
		}
	}

	purged, err := store.PurgeExpiredPendingAuthorizations(ctx, now)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 1 {
		t.Fatalf("purged = %d, want 1", purged)
	}
	if _, err := store.ConsumePendingAuthorization(ctx, "hash-1"); err != nil {
		t.Fatalf("expected live pending authorization to survive: %v", err)
	}
}

func TestNilStoreIsNotConfigured(t *testing.T) {
	var store *Store
	if _, err := store.GetCredential(context.Background(), "u1", "google"); err == nil {
		t.Fatal("expected error for nil store")
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close nil store: %v", err)
	}
}

func TestCancelledContext(t *testing.T) {
	store := openTempStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := store.PutCredential(ctx, testCredential("u1", "t1", "")); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func testCredential(userID, accessToken, refreshToken string) storage.CredentialRecord {
	createdAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return storage.CredentialRecord{
		UserID:       userID,
		Provider:     "google",
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
		Scope:        "mail calendar",
		ExpiresAt:    createdAt.Add(time.Hour),
		CreatedAt:    createdAt,
		UpdatedAt:    createdAt,
	}
}

func testSealer(t *testing.T) *secret.AESGCMSealer {
	t.Helper()
	sealer, err := secret.NewAESGCMSealer([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}
	return sealer
}

func openTempStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "connect.db")
	store, err := Open(context.Background(), path, testSealer(t))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil && err != sql.ErrConnDone {
			t.Fatalf("close store: %v", err)
		}
	})
	return store
}
