package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

const defaultMaxAttempts = 3

// EnqueueJob inserts a pending job. Jobs with a non-empty DedupeKey are
// at-most-once per (type, key) while a job for that key is still pending or
// running: re-enqueueing is a silent no-op. Once the live job completes or
// fails, the key is free again and a new job can be enqueued.
func (s *Store) EnqueueJob(j Job) error {
	now := time.Now().UTC()
	if j.RunAfter.IsZero() {
		j.RunAfter = now
	}
	if j.MaxAttempts <= 0 {
		j.MaxAttempts = defaultMaxAttempts
	}
	if j.PayloadJSON == "" {
		j.PayloadJSON = "{}"
	}

	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO jobs (id, type, dedupe_key, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'pending', 0, ?, ?, ?, ?)`,
		j.ID, j.Type, j.DedupeKey, j.PayloadJSON, j.MaxAttempts,
		formatTime(j.RunAfter), formatTime(now), formatTime(now))
	if err != nil {
		return fmt.Errorf("enqueueing job %s: %w", j.ID, err)
	}
	return nil
}

// ClaimNextJob atomically claims the oldest runnable pending job of any of
// the given types. Returns nil when no job is ready.
func (s *Store) ClaimNextJob(types []string) (*Job, error) {
	if len(types) == 0 {
		return nil, nil
	}

	args := make([]any, 0, len(types)+1)
	for _, t := range types {
		args = append(args, t)
	}
	args = append(args, formatTime(time.Now()))

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}

	row := tx.QueryRow(`
		SELECT id, type, dedupe_key, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error
		FROM jobs
		WHERE status = 'pending' AND type IN (?`+strings.Repeat(",?", len(types)-1)+`) AND run_after <= ?
		ORDER BY created_at
		LIMIT 1`, args...)

	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		tx.Rollback()
		return nil, nil
	}
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("selecting job: %w", err)
	}

	if _, err := tx.Exec(`UPDATE jobs SET status = 'running', attempts = attempts + 1, updated_at = ? WHERE id = ?`,
		formatTime(time.Now()), j.ID); err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("claiming job %s: %w", j.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	j.Status = "running"
	j.Attempts++
	return j, nil
}

// CompleteJob marks a job done.
func (s *Store) CompleteJob(id string) error {
	res, err := s.db.Exec(`UPDATE jobs SET status = 'completed', updated_at = ? WHERE id = ?`,
		formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("completing job %s: %w", id, err)
	}
	return requireRow(res)
}

// FailJob records a failure. Jobs under their attempt budget return to
// pending with exponential run_after backoff; exhausted jobs go to failed.
func (s *Store) FailJob(id string, errMsg string) error {
	var attempts, maxAttempts int
	err := s.db.QueryRow(`SELECT attempts, max_attempts FROM jobs WHERE id = ?`, id).Scan(&attempts, &maxAttempts)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("loading job %s: %w", id, err)
	}

	now := time.Now().UTC()
	if attempts >= maxAttempts {
		_, err = s.db.Exec(`UPDATE jobs SET status = 'failed', last_error = ?, updated_at = ? WHERE id = ?`,
			errMsg, formatTime(now), id)
	} else {
		backoff := time.Duration(math.Pow(2, float64(attempts))) * time.Second
		_, err = s.db.Exec(`UPDATE jobs SET status = 'pending', last_error = ?, run_after = ?, updated_at = ? WHERE id = ?`,
			errMsg, formatTime(now.Add(backoff)), formatTime(now), id)
	}
	if err != nil {
		return fmt.Errorf("failing job %s: %w", id, err)
	}
	return nil
}

// GetJob loads a job by id.
func (s *Store) GetJob(id string) (*Job, error) {
	row := s.db.QueryRow(`
		SELECT id, type, dedupe_key, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error
		FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading job %s: %w", id, err)
	}
	return j, nil
}

// CountPendingJobs returns the number of pending or running jobs.
func (s *Store) CountPendingJobs() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM jobs WHERE status IN ('pending', 'running')`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting jobs: %w", err)
	}
	return n, nil
}

func scanJob(row interface{ Scan(...any) error }) (*Job, error) {
	var j Job
	var runAfter, createdAt, updatedAt string
	if err := row.Scan(&j.ID, &j.Type, &j.DedupeKey, &j.PayloadJSON, &j.Status,
		&j.Attempts, &j.MaxAttempts, &runAfter, &createdAt, &updatedAt, &j.LastError); err != nil {
		return nil, err
	}
	var err error
	if j.RunAfter, err = parseTime(runAfter); err != nil {
		return nil, err
	}
	if j.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if j.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &j, nil
}
