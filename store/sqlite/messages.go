package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/bobd/bob"
)

// AppendMessage inserts one conversation-log row.
func (s *Store) AppendMessage(ctx context.Context, msg bob.Message) error {
	start := time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO messages (id, chat_id, thread_id, message_id, role, text, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ChatID, msg.ThreadID, msg.MessageID, msg.Role, msg.Text, msg.CreatedAt)
	if err != nil {
		s.logger.Error("sqlite: append message failed", "id", msg.ID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("append message: %w", err)
	}
	s.logger.Debug("sqlite: append message ok", "id", msg.ID, "chat_id", msg.ChatID, "role", msg.Role, "duration", time.Since(start))
	return nil
}

// RecentMessages returns the newest limit messages for a conversation,
// ordered chronologically (oldest first).
func (s *Store) RecentMessages(ctx context.Context, chatID, threadID int64, limit int) ([]bob.Message, error) {
	start := time.Now()
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_id, thread_id, message_id, role, text, created_at
		 FROM messages
		 WHERE chat_id = ? AND thread_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`, chatID, threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	defer rows.Close()

	var messages []bob.Message
	for rows.Next() {
		var m bob.Message
		if err := rows.Scan(&m.ID, &m.ChatID, &m.ThreadID, &m.MessageID, &m.Role, &m.Text, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	// Reverse to chronological order (oldest first).
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	s.logger.Debug("sqlite: recent messages ok", "chat_id", chatID, "count", len(messages), "duration", time.Since(start))
	return messages, nil
}

// PruneMessages deletes log rows older than the given number of days.
func (s *Store) PruneMessages(ctx context.Context, days int) (int, error) {
	cutoff := bob.NowUnixMilli() - int64(days)*24*60*60*1000
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune messages: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("sqlite: pruned messages", "count", n, "older_than_days", days)
	}
	return int(n), nil
}
