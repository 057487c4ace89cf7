package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vibe80/vibe80/internal/storage"
)

// Audit operations

// AppendAuditEvent persists one append-only audit record.
func (s *Store) AppendAuditEvent(ctx context.Context, event *storage.AuditEvent) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.TS == 0 {
		event.TS = time.Now().UnixMilli()
	}

	detailsJSON := "{}"
	if event.Details != nil {
		detailsBytes, err := json.Marshal(event.Details)
		if err != nil {
			return fmt.Errorf("failed to serialize audit details: %w", err)
		}
		detailsJSON = string(detailsBytes)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, ts, workspace_id, event, details)
		VALUES (?, ?, ?, ?, ?)
	`, event.ID, event.TS, event.WorkspaceID, event.Event, detailsJSON)
	return err
}

// ListAuditEvents returns the newest audit records for a workspace in
// chronological order, capped at limit when limit > 0.
func (s *Store) ListAuditEvents(ctx context.Context, workspaceID string, limit int) ([]*storage.AuditEvent, error) {
	query := `
		SELECT id, ts, workspace_id, event, details
		FROM audit_events WHERE workspace_id = ? ORDER BY ts DESC, id DESC`
	args := []any{workspaceID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.ro.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*storage.AuditEvent
	for rows.Next() {
		event := &storage.AuditEvent{}
		var detailsJSON string
		if err := rows.Scan(&event.ID, &event.TS, &event.WorkspaceID, &event.Event, &detailsJSON); err != nil {
			return nil, err
		}
		if detailsJSON != "" && detailsJSON != "{}" {
			if err := json.Unmarshal([]byte(detailsJSON), &event.Details); err != nil {
				return nil, fmt.Errorf("failed to deserialize audit details: %w", err)
			}
		}
		result = append(result, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse into chronological order.
	for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
		result[i], result[j] = result[j], result[i]
	}
	return result, nil
}
