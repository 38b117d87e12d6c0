package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/bobd/bob"
)

const jobColumns = `id, chat_id, thread_id, schedule_kind, schedule_spec, type,
	payload, enabled, next_run_at, last_run_at, context_mode, created_at`

// AddJob inserts a job, computing its first run from the schedule.
func (s *Store) AddJob(ctx context.Context, in bob.JobInput) (bob.Job, error) {
	start := time.Now()
	s.logger.Debug("sqlite: add job", "kind", in.ScheduleKind, "type", in.Type, "chat_id", in.ChatID)

	now := time.Now()
	next, err := bob.NextRun(in.ScheduleKind, in.ScheduleSpec, now)
	if err != nil {
		return bob.Job{}, err
	}
	mode := in.ContextMode
	if mode == "" {
		mode = bob.ContextSession
	}
	payload := in.Payload
	if payload == "" {
		payload = "{}"
	}
	job := bob.Job{
		ID:           bob.NewID(),
		ChatID:       in.ChatID,
		ThreadID:     in.ThreadID,
		ScheduleKind: in.ScheduleKind,
		ScheduleSpec: in.ScheduleSpec,
		Type:         in.Type,
		Payload:      payload,
		Enabled:      true,
		NextRunAt:    next,
		ContextMode:  mode,
		CreatedAt:    now.UnixMilli(),
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (`+jobColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.ChatID, job.ThreadID, job.ScheduleKind, job.ScheduleSpec, job.Type,
		job.Payload, job.Enabled, job.NextRunAt, job.LastRunAt, job.ContextMode, job.CreatedAt,
	)
	if err != nil {
		s.logger.Error("sqlite: add job failed", "error", err, "duration", time.Since(start))
		return bob.Job{}, fmt.Errorf("add job: %w", err)
	}
	s.logger.Debug("sqlite: add job ok", "id", job.ID, "next_run_at", job.NextRunAt, "duration", time.Since(start))
	return job, nil
}

// ListJobs returns all jobs ordered by id.
func (s *Store) ListJobs(ctx context.Context) ([]bob.Job, error) {
	return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY id`)
}

// ListChatJobs returns a chat's jobs ordered by next run.
func (s *Store) ListChatJobs(ctx context.Context, chatID int64) ([]bob.Job, error) {
	return s.queryJobs(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE chat_id = ? ORDER BY next_run_at, id`, chatID)
}

// RemoveJob deletes a job, reporting whether it existed.
func (s *Store) RemoveJob(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("remove job: %w", err)
	}
	n, _ := res.RowsAffected()
	s.logger.Debug("sqlite: remove job", "id", id, "existed", n > 0)
	return n > 0, nil
}

// ClaimDue transactionally selects due enabled jobs and flips one-shot rows
// to disabled inside the same transaction, so a concurrent claimer can
// never return the same one-shot twice.
func (s *Store) ClaimDue(ctx context.Context, now int64, limit int) ([]bob.Job, error) {
	start := time.Now()
	if limit <= 0 {
		limit = bob.DefaultClaimLimit
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("claim due: begin: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE enabled = 1 AND next_run_at > 0 AND next_run_at <= ?
		 ORDER BY next_run_at, id LIMIT ?`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due: select: %w", err)
	}
	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, err
	}

	for _, job := range jobs {
		if job.ScheduleKind != bob.ScheduleAt {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE jobs SET enabled = 0, next_run_at = 0 WHERE id = ?`, job.ID); err != nil {
			return nil, fmt.Errorf("claim due: flip one-shot: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim due: commit: %w", err)
	}
	if len(jobs) > 0 {
		s.logger.Debug("sqlite: claim due ok", "count", len(jobs), "duration", time.Since(start))
	}
	return jobs, nil
}

// UpdateAfterRun writes back a job's post-execution state.
func (s *Store) UpdateAfterRun(ctx context.Context, id string, lastRunAt, nextRunAt int64, enabled bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET last_run_at = ?, next_run_at = ?, enabled = ? WHERE id = ?`,
		lastRunAt, nextRunAt, enabled, id)
	if err != nil {
		return fmt.Errorf("update job after run: %w", err)
	}
	return nil
}

// NextDueAt returns MIN(next_run_at) over enabled jobs.
func (s *Store) NextDueAt(ctx context.Context) (int64, bool, error) {
	var at sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MIN(next_run_at) FROM jobs WHERE enabled = 1 AND next_run_at > 0`).Scan(&at)
	if err != nil {
		return 0, false, fmt.Errorf("next due at: %w", err)
	}
	if !at.Valid || at.Int64 == 0 {
		return 0, false, nil
	}
	return at.Int64, true, nil
}

func (s *Store) queryJobs(ctx context.Context, q string, args ...any) ([]bob.Job, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return scanJobs(rows)
}

func scanJobs(rows *sql.Rows) ([]bob.Job, error) {
	defer rows.Close()
	var jobs []bob.Job
	for rows.Next() {
		var j bob.Job
		if err := rows.Scan(&j.ID, &j.ChatID, &j.ThreadID, &j.ScheduleKind, &j.ScheduleSpec,
			&j.Type, &j.Payload, &j.Enabled, &j.NextRunAt, &j.LastRunAt, &j.ContextMode, &j.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}
