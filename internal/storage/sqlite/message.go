package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vibe80/vibe80/internal/storage"
)

// Message operations

// AppendMessage persists one chat message. Timestamp assignment and
// lane serialisation happen in the wrapper in front of this store.
func (s *Store) AppendMessage(ctx context.Context, message *storage.Message) error {
	if message.ID == "" {
		message.ID = uuid.New().String()
	}
	if message.Timestamp == 0 {
		message.Timestamp = time.Now().UnixMilli()
	}

	attachmentsJSON := "[]"
	if len(message.Attachments) > 0 {
		attachmentsBytes, err := json.Marshal(message.Attachments)
		if err != nil {
			return fmt.Errorf("failed to serialize message attachments: %w", err)
		}
		attachmentsJSON = string(attachmentsBytes)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, worktree_id, role, text, attachments, command, output, status, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, message.ID, message.SessionID, message.WorktreeID, message.Role, message.Text,
		attachmentsJSON, message.Command, message.Output, message.Status, message.Timestamp)
	return err
}

// ListMessages returns a worktree's messages in append order, starting
// after lastSeenID. An empty or unknown cursor yields the full history.
func (s *Store) ListMessages(ctx context.Context, sessionID, worktreeID, lastSeenID string) ([]*storage.Message, error) {
	query := `
		SELECT id, session_id, worktree_id, role, text, attachments, command, output, status, timestamp
		FROM messages WHERE session_id = ? AND worktree_id = ?`
	args := []any{sessionID, worktreeID}

	if lastSeenID != "" {
		cursor, err := s.messageTimestamp(ctx, sessionID, lastSeenID)
		if err != nil {
			return nil, err
		}
		if cursor > 0 {
			query += ` AND (timestamp > ? OR (timestamp = ? AND id > ?))`
			args = append(args, cursor, cursor, lastSeenID)
		}
	}
	query += ` ORDER BY timestamp ASC, id ASC`

	rows, err := s.ro.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*storage.Message
	for rows.Next() {
		message := &storage.Message{}
		var attachmentsJSON string
		err := rows.Scan(&message.ID, &message.SessionID, &message.WorktreeID, &message.Role, &message.Text,
			&attachmentsJSON, &message.Command, &message.Output, &message.Status, &message.Timestamp)
		if err != nil {
			return nil, err
		}
		if attachmentsJSON != "" && attachmentsJSON != "[]" {
			if err := json.Unmarshal([]byte(attachmentsJSON), &message.Attachments); err != nil {
				return nil, fmt.Errorf("failed to deserialize message attachments: %w", err)
			}
		}
		result = append(result, message)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// messageTimestamp resolves the cursor message's timestamp, or 0 when
// the cursor is unknown.
func (s *Store) messageTimestamp(ctx context.Context, sessionID, messageID string) (int64, error) {
	var ts int64
	err := s.ro.QueryRowContext(ctx, `
		SELECT timestamp FROM messages WHERE session_id = ? AND id = ?
	`, sessionID, messageID).Scan(&ts)
	if err != nil {
		return 0, nil
	}
	return ts, nil
}
