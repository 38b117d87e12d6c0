package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bobd/bob"
)

const eventColumns = `id, chat_id, thread_id, kind, payload, created_at,
	claimed_at, claim_token, processed_at`

// AddEvent enqueues an event. Empty or invalid payloads are normalized to "{}".
func (s *Store) AddEvent(ctx context.Context, in bob.EventInput) (bob.Event, error) {
	start := time.Now()

	payload := in.Payload
	if payload == "" || !json.Valid([]byte(payload)) {
		payload = "{}"
	}
	ev := bob.Event{
		ID:        bob.NewID(),
		ChatID:    in.ChatID,
		ThreadID:  in.ThreadID,
		Kind:      in.Kind,
		Payload:   payload,
		CreatedAt: bob.NowUnixMilli(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (`+eventColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, 0, '', 0)`,
		ev.ID, ev.ChatID, ev.ThreadID, ev.Kind, ev.Payload, ev.CreatedAt)
	if err != nil {
		s.logger.Error("sqlite: add event failed", "kind", in.Kind, "error", err, "duration", time.Since(start))
		return bob.Event{}, fmt.Errorf("add event: %w", err)
	}
	s.logger.Debug("sqlite: add event ok", "id", ev.ID, "kind", ev.Kind, "duration", time.Since(start))
	return ev, nil
}

// ListEvents returns events ordered by creation, optionally including
// processed ones.
func (s *Store) ListEvents(ctx context.Context, includeProcessed bool) ([]bob.Event, error) {
	q := `SELECT ` + eventColumns + ` FROM events`
	if !includeProcessed {
		q += ` WHERE processed_at = 0`
	}
	q += ` ORDER BY created_at, id`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return scanEvents(rows)
}

// CountPending counts events with no live claim. Claims older than the
// stale window count as abandoned, hence pending.
func (s *Store) CountPending(ctx context.Context, now int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events
		 WHERE processed_at = 0 AND (claim_token = '' OR claimed_at <= ?)`,
		now-bob.DefaultStaleAfterMS).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return n, nil
}

// Claim transactionally stamps up to limit pending events with a fresh
// token. Stale claims (older than the stale window) are reclaimed along
// with never-claimed rows. An empty result means another claimer won.
func (s *Store) Claim(ctx context.Context, now int64, limit int) (string, []bob.Event, error) {
	start := time.Now()
	if limit <= 0 {
		limit = bob.DefaultEventLimit
	}
	token := bob.NewClaimToken()
	staleBefore := now - bob.DefaultStaleAfterMS

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", nil, fmt.Errorf("claim events: begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE events SET claim_token = ?, claimed_at = ?
		 WHERE id IN (
			SELECT id FROM events
			WHERE processed_at = 0 AND (claim_token = '' OR claimed_at <= ?)
			ORDER BY created_at, id LIMIT ?
		 )`, token, now, staleBefore, limit)
	if err != nil {
		return "", nil, fmt.Errorf("claim events: stamp: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", nil, tx.Commit()
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE claim_token = ? ORDER BY created_at, id`, token)
	if err != nil {
		return "", nil, fmt.Errorf("claim events: select: %w", err)
	}
	events, err := scanEvents(rows)
	if err != nil {
		return "", nil, err
	}
	if err := tx.Commit(); err != nil {
		return "", nil, fmt.Errorf("claim events: commit: %w", err)
	}
	s.logger.Debug("sqlite: claim events ok", "token", token, "count", len(events), "duration", time.Since(start))
	return token, events, nil
}

// Ack marks all events carrying token as processed.
func (s *Store) Ack(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE events SET processed_at = ? WHERE claim_token = ? AND processed_at = 0`,
		bob.NowUnixMilli(), token)
	if err != nil {
		return fmt.Errorf("ack events: %w", err)
	}
	return nil
}

// Release returns all events carrying token to pending. A token matching
// no rows is a no-op.
func (s *Store) Release(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE events SET claim_token = '', claimed_at = 0
		 WHERE claim_token = ? AND processed_at = 0`, token)
	if err != nil {
		return fmt.Errorf("release events: %w", err)
	}
	return nil
}

// PruneProcessed deletes processed events older than olderThanDays.
func (s *Store) PruneProcessed(ctx context.Context, olderThanDays int) (int, error) {
	cutoff := bob.NowUnixMilli() - int64(olderThanDays)*24*60*60*1000
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM events WHERE processed_at > 0 AND processed_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("sqlite: pruned processed events", "count", n, "older_than_days", olderThanDays)
	}
	return int(n), nil
}

func scanEvents(rows *sql.Rows) ([]bob.Event, error) {
	defer rows.Close()
	var events []bob.Event
	for rows.Next() {
		var ev bob.Event
		if err := rows.Scan(&ev.ID, &ev.ChatID, &ev.ThreadID, &ev.Kind, &ev.Payload,
			&ev.CreatedAt, &ev.ClaimedAt, &ev.ClaimToken, &ev.ProcessedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}
