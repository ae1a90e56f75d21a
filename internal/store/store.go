package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/mohammad-safakhou/autoresearch/internal/research"
)

// Job and queue statuses.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// InterruptedError is recorded for jobs found processing when the worker starts.
const InterruptedError = "interrupted: worker stopped before the job finished"

type Store struct {
	DB *sqlx.DB
}

// New wraps an existing connection pool.
func New(db *sql.DB) *Store {
	return &Store{DB: sqlx.NewDb(db, "postgres")}
}

// NewWithDSN opens and pings a Postgres pool.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{DB: db}, nil
}

func (s *Store) Close() error { return s.DB.Close() }

// Job is a row of research_jobs.
type Job struct {
	ID          string         `db:"id"`
	Query       string         `db:"query"`
	Status      string         `db:"status"`
	Result      sql.NullString `db:"result"`
	CreatedAt   time.Time      `db:"created_at"`
	CompletedAt sql.NullTime   `db:"completed_at"`
	TotalTokens int64          `db:"total_tokens"`
	TotalCost   float64        `db:"total_cost"`
}

// QueueEntry is a claimed research_queue row with its job query.
type QueueEntry struct {
	ID        string    `db:"id"`
	Query     string    `db:"query"`
	CreatedAt time.Time `db:"created_at"`
}

type stepRow struct {
	ID           int64          `db:"id"`
	JobID        string         `db:"job_id"`
	StepNumber   int            `db:"step_number"`
	ActionKind   string         `db:"action_kind"`
	QueryUsed    string         `db:"query_used"`
	Summary      string         `db:"summary"`
	FullResponse []byte         `db:"full_response"`
	TokensUsed   int64          `db:"tokens_used"`
	OracleCallID sql.NullString `db:"oracle_call_id"`
	CreatedAt    time.Time      `db:"created_at"`
}

func withTx(ctx context.Context, db *sqlx.DB, fn func(tx *sqlx.Tx) error) (err error) {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// CreateJob inserts the job and its pending queue entry in one transaction.
func (s *Store) CreateJob(ctx context.Context, id, query string, createdAt time.Time) error {
	return withTx(ctx, s.DB, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO research_jobs (id, query, status, created_at) VALUES ($1, $2, $3, $4)`,
			id, query, StatusPending, createdAt); err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO research_queue (id, status, created_at) VALUES ($1, $2, $3)`,
			id, StatusPending, createdAt); err != nil {
			return fmt.Errorf("insert queue entry: %w", err)
		}
		return nil
	})
}

// NextPending claims the oldest pending entry and marks it and its job processing.
func (s *Store) NextPending(ctx context.Context) (QueueEntry, bool, error) {
	var entry QueueEntry
	found := false
	err := withTx(ctx, s.DB, func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &entry, `
SELECT q.id, j.query, q.created_at
FROM research_queue q
JOIN research_jobs j ON j.id = q.id
WHERE q.status = $1
ORDER BY q.created_at, q.id
LIMIT 1
FOR UPDATE OF q SKIP LOCKED`, StatusPending)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("select pending: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE research_queue SET status = $2 WHERE id = $1`, entry.ID, StatusProcessing); err != nil {
			return fmt.Errorf("claim queue entry: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE research_jobs SET status = $2 WHERE id = $1`, entry.ID, StatusProcessing); err != nil {
			return fmt.Errorf("mark job processing: %w", err)
		}
		found = true
		return nil
	})
	if err != nil {
		return QueueEntry{}, false, err
	}
	return entry, found, nil
}

// InsertStep appends a step to the job's audit trail.
func (s *Store) InsertStep(ctx context.Context, jobID string, step research.Step) error {
	full, err := research.MarshalPayload(step.Response)
	if err != nil {
		return fmt.Errorf("encode step response: %w", err)
	}
	var callID sql.NullString
	if step.OracleCallID != "" {
		callID = sql.NullString{String: step.OracleCallID, Valid: true}
	}
	createdAt := step.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO research_steps (job_id, step_number, action_kind, query_used, summary, full_response, tokens_used, oracle_call_id, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		jobID, step.Number, string(step.Action), step.Query, step.Summary, full, step.Tokens, callID, createdAt)
	if err != nil {
		return fmt.Errorf("insert step: %w", err)
	}
	return nil
}

// ListSteps returns a job's steps ordered by step number.
func (s *Store) ListSteps(ctx context.Context, jobID string) ([]research.Step, error) {
	var rows []stepRow
	if err := s.DB.SelectContext(ctx, &rows, `
SELECT id, job_id, step_number, action_kind, query_used, summary, full_response, tokens_used, oracle_call_id, created_at
FROM research_steps
WHERE job_id = $1
ORDER BY step_number`, jobID); err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	out := make([]research.Step, 0, len(rows))
	for _, r := range rows {
		payload, err := research.UnmarshalPayload(r.FullResponse)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", r.StepNumber, err)
		}
		out = append(out, research.Step{
			Number:       r.StepNumber,
			Action:       research.ActionKind(r.ActionKind),
			Query:        r.QueryUsed,
			Summary:      r.Summary,
			Response:     payload,
			Tokens:       r.TokensUsed,
			OracleCallID: r.OracleCallID.String,
			CreatedAt:    r.CreatedAt,
		})
	}
	return out, nil
}

// CompleteJob stores the result and closes the queue entry.
func (s *Store) CompleteJob(ctx context.Context, id string, res research.Result, completedAt time.Time) error {
	body, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return s.finish(ctx, id, StatusCompleted, body, res.Metadata.TotalTokens, res.Cost, completedAt)
}

// FailJob stores the failure payload and closes the queue entry.
func (s *Store) FailJob(ctx context.Context, id string, f research.Failure, completedAt time.Time) error {
	body, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode failure: %w", err)
	}
	return s.finish(ctx, id, StatusFailed, body, f.Partial.Metadata.TotalTokens, 0, completedAt)
}

func (s *Store) finish(ctx context.Context, id, status string, body []byte, tokens int64, cost float64, completedAt time.Time) error {
	// queue row before job row, the same order NextPending and DeleteJob lock in
	return withTx(ctx, s.DB, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE research_queue SET status = $2 WHERE id = $1`, id, StatusCompleted); err != nil {
			return fmt.Errorf("close queue entry: %w", err)
		}
		res, err := tx.ExecContext(ctx, `
UPDATE research_jobs
SET status = $2, result = $3, completed_at = $4, total_tokens = $5, total_cost = $6
WHERE id = $1`, id, status, body, completedAt, tokens, cost)
		if err != nil {
			return fmt.Errorf("update job: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("job %s not found", id)
		}
		return nil
	})
}

// GetJob loads a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (Job, bool, error) {
	var j Job
	err := s.DB.GetContext(ctx, &j, `
SELECT id, query, status, result, created_at, completed_at, total_tokens, total_cost
FROM research_jobs
WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, fmt.Errorf("get job: %w", err)
	}
	return j, true, nil
}

// RecoverInterrupted fails every job left processing by a previous worker.
func (s *Store) RecoverInterrupted(ctx context.Context, now time.Time) ([]string, error) {
	body, err := json.Marshal(research.Failure{Error: InterruptedError})
	if err != nil {
		return nil, err
	}
	var ids []string
	err = withTx(ctx, s.DB, func(tx *sqlx.Tx) error {
		if err := tx.SelectContext(ctx, &ids,
			`UPDATE research_queue SET status = $2 WHERE status = $1 RETURNING id`,
			StatusProcessing, StatusCompleted); err != nil {
			return fmt.Errorf("close processing entries: %w", err)
		}
		if len(ids) == 0 {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
UPDATE research_jobs SET status = $2, result = $3, completed_at = $4
WHERE id = ANY($1)`, pq.Array(ids), StatusFailed, body, now); err != nil {
			return fmt.Errorf("fail interrupted jobs: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// CountQueue returns queue entries per status.
func (s *Store) CountQueue(ctx context.Context) (map[string]int, error) {
	var rows []struct {
		Status string `db:"status"`
		Count  int    `db:"count"`
	}
	if err := s.DB.SelectContext(ctx, &rows, `SELECT status, COUNT(*) AS count FROM research_queue GROUP BY status`); err != nil {
		return nil, fmt.Errorf("count queue: %w", err)
	}
	out := map[string]int{StatusPending: 0, StatusProcessing: 0, StatusCompleted: 0}
	for _, r := range rows {
		out[r.Status] = r.Count
	}
	return out, nil
}

// ListExpiredJobs returns ids of jobs created before cutoff that are not processing.
func (s *Store) ListExpiredJobs(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	if cutoff.IsZero() {
		return nil, fmt.Errorf("cutoff must be set")
	}
	if limit <= 0 {
		limit = 100
	}
	var ids []string
	if err := s.DB.SelectContext(ctx, &ids, `
SELECT id FROM research_jobs
WHERE created_at < $1 AND status <> $2
ORDER BY created_at
LIMIT $3`, cutoff, StatusProcessing, limit); err != nil {
		return nil, fmt.Errorf("list expired jobs: %w", err)
	}
	return ids, nil
}

// DeleteJob removes a job with its steps and queue entry in one short transaction.
// It reports false when the job is gone or currently processing.
func (s *Store) DeleteJob(ctx context.Context, id string) (bool, error) {
	deleted := false
	err := withTx(ctx, s.DB, func(tx *sqlx.Tx) error {
		// queue row first so a concurrent NextPending or finish cannot deadlock with us
		if _, err := tx.ExecContext(ctx, `SELECT id FROM research_queue WHERE id = $1 FOR UPDATE`, id); err != nil {
			return fmt.Errorf("lock queue entry: %w", err)
		}
		var status string
		err := tx.GetContext(ctx, &status, `SELECT status FROM research_jobs WHERE id = $1 FOR UPDATE`, id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("lock job: %w", err)
		}
		if status == StatusProcessing {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM research_steps WHERE job_id = $1`, id); err != nil {
			return fmt.Errorf("delete steps: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM research_queue WHERE id = $1`, id); err != nil {
			return fmt.Errorf("delete queue entry: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM research_jobs WHERE id = $1`, id); err != nil {
			return fmt.Errorf("delete job: %w", err)
		}
		deleted = true
		return nil
	})
	return deleted, err
}
