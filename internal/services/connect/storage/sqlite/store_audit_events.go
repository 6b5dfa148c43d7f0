package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/louisbranch/nyra/internal/services/connect/storage"
)

func encodeDetails(details map[string]string) (string, error) {
	if len(details) == 0 {
		return "{}", nil
	}
	encoded, err := json.Marshal(details)
	if err != nil {
		return "", fmt.Errorf("marshal details: %w", err)
	}
	return string(encoded), nil
}

func decodeDetails(value string) (map[string]string, error) {
	value = strings.TrimSpace(value)
	if value == "" || value == "{}" {
		return nil, nil
	}
	var details map[string]string
	if err := json.Unmarshal([]byte(value), &details); err != nil {
		return nil, fmt.Errorf("unmarshal details: %w", err)
	}
	return details, nil
}

// PutAuditEvent appends one audit event.
func (s *Store) PutAuditEvent(ctx context.Context, record storage.AuditEventRecord) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(record.UserID) == "" {
		return fmt.Errorf("user id is required")
	}
	if strings.TrimSpace(record.Provider) == "" {
		return fmt.Errorf("provider is required")
	}
	if strings.TrimSpace(record.Action) == "" {
		return fmt.Errorf("action is required")
	}
	if record.CreatedAt.IsZero() {
		return fmt.Errorf("created at is required")
	}
	detailsJSON, err := encodeDetails(record.Details)
	if err != nil {
		return err
	}

	_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO connect_audit_events (user_id, provider, action, details, created_at)
VALUES (?, ?, ?, ?, ?)
`,
		strings.TrimSpace(record.UserID),
		strings.TrimSpace(record.Provider),
		strings.TrimSpace(record.Action),
		detailsJSON,
		toMillis(record.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("put audit event: %w", err)
	}
	return nil
}

// ListAuditEvents returns a page of audit events scoped to one user and
// provider, oldest first.
func (s *Store) ListAuditEvents(ctx context.Context, userID string, provider string, pageSize int, pageToken string, filter storage.AuditEventFilter) (storage.AuditEventPage, error) {
	if err := s.ready(ctx); err != nil {
		return storage.AuditEventPage{}, err
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return storage.AuditEventPage{}, fmt.Errorf("user id is required")
	}
	provider = strings.TrimSpace(provider)
	if provider == "" {
		return storage.AuditEventPage{}, fmt.Errorf("provider is required")
	}
	if pageSize <= 0 {
		return storage.AuditEventPage{}, fmt.Errorf("page size must be greater than zero")
	}
	if filter.CreatedAfter != nil && filter.CreatedBefore != nil && filter.CreatedAfter.After(*filter.CreatedBefore) {
		return storage.AuditEventPage{}, fmt.Errorf("created_after must be before or equal to created_before")
	}

	whereParts := []string{"user_id = ?", "provider = ?"}
	args := []any{userID, provider}
	if action := strings.TrimSpace(filter.Action); action != "" {
		whereParts = append(whereParts, "action = ?")
		args = append(args, action)
	}
	if filter.CreatedAfter != nil {
		whereParts = append(whereParts, "created_at >= ?")
		args = append(args, toMillis(*filter.CreatedAfter))
	}
	if filter.CreatedBefore != nil {
		whereParts = append(whereParts, "created_at <= ?")
		args = append(args, toMillis(*filter.CreatedBefore))
	}
	if pageToken = strings.TrimSpace(pageToken); pageToken != "" {
		tokenValue, parseErr := strconv.ParseInt(pageToken, 10, 64)
		if parseErr != nil || tokenValue < 0 {
			return storage.AuditEventPage{}, fmt.Errorf("invalid page token")
		}
		whereParts = append(whereParts, "id > ?")
		args = append(args, tokenValue)
	}
	args = append(args, pageSize+1)

	query := fmt.Sprintf(`
SELECT id, user_id, provider, action, details, created_at
FROM connect_audit_events
WHERE %s
ORDER BY id
LIMIT ?
`, strings.Join(whereParts, " AND "))
	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return storage.AuditEventPage{}, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	page := storage.AuditEventPage{AuditEvents: make([]storage.AuditEventRecord, 0, pageSize)}
	for rows.Next() {
		var (
			idValue    int64
			rec        storage.AuditEventRecord
			detailsRaw string
			createdAt  int64
		)
		if err := rows.Scan(&idValue, &rec.UserID, &rec.Provider, &rec.Action, &detailsRaw, &createdAt); err != nil {
			return storage.AuditEventPage{}, fmt.Errorf("scan audit event row: %w", err)
		}
		details, err := decodeDetails(detailsRaw)
		if err != nil {
			return storage.AuditEventPage{}, err
		}
		rec.ID = strconv.FormatInt(idValue, 10)
		rec.Details = details
		rec.CreatedAt = fromMillis(createdAt)
		page.AuditEvents = append(page.AuditEvents, rec)
	}
	if err := rows.Err(); err != nil {
		return storage.AuditEventPage{}, fmt.Errorf("iterate audit event rows: %w", err)
	}
	if len(page.AuditEvents) > pageSize {
		page.NextPageToken = page.AuditEvents[pageSize-1].ID
		page.AuditEvents = page.AuditEvents[:pageSize]
	}
	return page, nil
}
