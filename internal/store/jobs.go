package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/makeasinger/pitchtrainer/internal/model"
)

const jobColumns = `id, status, progress, message, original_name, song_name,
	song_id, failure_reason, created_at, updated_at`

// JobUpdate carries the fields to change. Nil fields are left as they are.
type JobUpdate struct {
	Status        *model.JobStatus
	Progress      *int
	Message       *string
	SongID        *string
	FailureReason *string
}

func (u JobUpdate) validate() error {
	if u.Progress != nil && (*u.Progress < 0 || *u.Progress > 100) {
		return fmt.Errorf("%w: progress %d out of range", ErrInvalidTransition, *u.Progress)
	}

	var status model.JobStatus
	if u.Status != nil {
		status = *u.Status
		if !status.Valid() {
			return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, status)
		}
	}

	switch status {
	case model.JobStatusCompleted:
		if u.SongID == nil || *u.SongID == "" {
			return fmt.Errorf("%w: completed job needs a song id", ErrInvalidTransition)
		}
		if u.FailureReason != nil {
			return fmt.Errorf("%w: completed job cannot carry a failure reason", ErrInvalidTransition)
		}
		if u.Progress != nil && *u.Progress != model.ProgressCompleted {
			return fmt.Errorf("%w: completed job must be at progress 100", ErrInvalidTransition)
		}
	case model.JobStatusFailed:
		if u.FailureReason == nil || *u.FailureReason == "" {
			return fmt.Errorf("%w: failed job needs a reason", ErrInvalidTransition)
		}
		if u.SongID != nil {
			return fmt.Errorf("%w: failed job cannot carry a song id", ErrInvalidTransition)
		}
	default:
		if u.SongID != nil || u.FailureReason != nil {
			return fmt.Errorf("%w: result and reason are only set on terminal states", ErrInvalidTransition)
		}
		if u.Progress != nil && *u.Progress == model.ProgressCompleted {
			return fmt.Errorf("%w: progress 100 is reserved for completed jobs", ErrInvalidTransition)
		}
	}
	return nil
}

// Create inserts a new pending job and returns its id.
func (s *Store) Create(ctx context.Context, job *model.Job) (string, error) {
	if job.ID == "" {
		return "", fmt.Errorf("%w: job id is required", ErrInvalidTransition)
	}
	now := s.now()
	job.Status = model.JobStatusPending
	job.Progress = 0
	job.SongID = nil
	job.FailureReason = nil
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	err := retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `INSERT INTO jobs (
			id, status, progress, message, original_name, song_name, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			job.ID, job.Status, job.Progress, job.Message, job.OriginalName, job.SongName,
			formatTime(job.CreatedAt), formatTime(job.UpdatedAt),
		)
		return err
	})
	if err != nil {
		return "", storageErr("insert job", err)
	}
	return job.ID, nil
}

// Get returns the job with the given id.
func (s *Store) Get(ctx context.Context, id string) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+jobColumns+" FROM jobs WHERE id = ?", id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, storageErr("get job", err)
	}
	return job, nil
}

// Update applies a guarded change to a non-terminal job. Terminal jobs,
// progress regressions and illegal status moves are rejected without
// touching the row.
func (s *Store) Update(ctx context.Context, id string, u JobUpdate) error {
	if err := u.validate(); err != nil {
		return err
	}
	if u.Status != nil && *u.Status == model.JobStatusCompleted && u.Progress == nil {
		p := model.ProgressCompleted
		u.Progress = &p
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		return s.updateTx(ctx, tx, id, u)
	})
}

func (s *Store) updateTx(ctx context.Context, tx *sql.Tx, id string, u JobUpdate) error {
	var status *string
	if u.Status != nil {
		v := string(*u.Status)
		status = &v
	}

	res, err := tx.ExecContext(ctx, `UPDATE jobs SET
			status         = COALESCE(?, status),
			progress       = COALESCE(?, progress),
			message        = COALESCE(?, message),
			song_id        = COALESCE(?, song_id),
			failure_reason = COALESCE(?, failure_reason),
			updated_at     = ?
		WHERE id = ?
		  AND status IN ('pending', 'processing')
		  AND (? IS NULL OR ? >= progress)
		  AND (COALESCE(?, status) <> 'pending' OR status = 'pending')`,
		status, u.Progress, u.Message, u.SongID, u.FailureReason,
		formatTime(s.now()),
		id,
		u.Progress, u.Progress,
		status,
	)
	if err != nil {
		return storageErr("update job", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("update job rows affected", err)
	}
	if n == 1 {
		return nil
	}
	return s.explainRejectedUpdate(ctx, tx, id, u)
}

// explainRejectedUpdate reads the current row to report why a guarded
// update matched nothing.
func (s *Store) explainRejectedUpdate(ctx context.Context, tx *sql.Tx, id string, u JobUpdate) error {
	var status string
	var progress int
	err := tx.QueryRowContext(ctx, "SELECT status, progress FROM jobs WHERE id = ?", id).Scan(&status, &progress)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrJobNotFound
	}
	if err != nil {
		return storageErr("inspect job", err)
	}
	if model.JobStatus(status).IsTerminal() {
		return fmt.Errorf("%w: job %s is %s", ErrJobTerminal, id, status)
	}
	if u.Progress != nil && *u.Progress < progress {
		return fmt.Errorf("%w: %d -> %d", ErrProgressRegression, progress, *u.Progress)
	}
	if u.Status != nil {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, status, *u.Status)
	}
	return fmt.Errorf("%w: job %s rejected update", ErrInvalidTransition, id)
}

// Claim moves a pending job to processing. ErrJobNotPending is returned when
// another worker already picked it up or it has finished.
func (s *Store) Claim(ctx context.Context, id, message string) (*model.Job, error) {
	var job *model.Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE jobs SET status = 'processing', message = ?, updated_at = ?
			WHERE id = ? AND status = 'pending'`,
			message, formatTime(s.now()), id,
		)
		if err != nil {
			return storageErr("claim job", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return storageErr("claim job rows affected", err)
		}

		row := tx.QueryRowContext(ctx, "SELECT "+jobColumns+" FROM jobs WHERE id = ?", id)
		job, err = scanJob(row)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrJobNotFound
		}
		if err != nil {
			return storageErr("read claimed job", err)
		}
		if n == 0 {
			return fmt.Errorf("%w: job %s is %s", ErrJobNotPending, id, job.Status)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// Advance records a stage checkpoint on a processing job.
func (s *Store) Advance(ctx context.Context, id string, progress int, message string) error {
	processing := model.JobStatusProcessing
	return s.Update(ctx, id, JobUpdate{
		Status:   &processing,
		Progress: &progress,
		Message:  &message,
	})
}

// Fail marks the job failed with reason. Progress is left at its last value.
func (s *Store) Fail(ctx context.Context, id, reason string) error {
	failed := model.JobStatusFailed
	message := "failed"
	return s.Update(ctx, id, JobUpdate{
		Status:        &failed,
		Message:       &message,
		FailureReason: &reason,
	})
}

// FailStale fails processing jobs whose last update is older than before and
// returns their ids. A job that advances concurrently is left alone.
func (s *Store) FailStale(ctx context.Context, before time.Time, reason string) ([]string, error) {
	var failed []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		failed = nil
		cutoff := formatTime(before)
		rows, err := tx.QueryContext(ctx,
			"SELECT id FROM jobs WHERE status = 'processing' AND updated_at < ?", cutoff)
		if err != nil {
			return storageErr("list stale jobs", err)
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return storageErr("scan stale job", err)
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return storageErr("iterate stale jobs", err)
		}

		now := formatTime(s.now())
		for _, id := range ids {
			res, err := tx.ExecContext(ctx, `UPDATE jobs SET status = 'failed', message = 'failed',
				failure_reason = ?, updated_at = ?
				WHERE id = ? AND status = 'processing' AND updated_at < ?`,
				reason, now, id, cutoff,
			)
			if err != nil {
				return storageErr("fail stale job", err)
			}
			if n, err := res.RowsAffected(); err == nil && n == 1 {
				failed = append(failed, id)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return failed, nil
}

// ListJobIDs returns the ids of jobs in any of the given statuses.
func (s *Store) ListJobIDs(ctx context.Context, statuses ...model.JobStatus) ([]string, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	query := "SELECT id FROM jobs WHERE status IN (?" + repeatPlaceholder(len(statuses)-1) + ")"
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("list job ids", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storageErr("scan job id", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate job ids", err)
	}
	return ids, nil
}

func repeatPlaceholder(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += ", ?"
	}
	return out
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*model.Job, error) {
	var (
		job           model.Job
		status        string
		songID        sql.NullString
		failureReason sql.NullString
		createdAt     string
		updatedAt     string
	)
	if err := row.Scan(
		&job.ID, &status, &job.Progress, &job.Message, &job.OriginalName, &job.SongName,
		&songID, &failureReason, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	job.Status = model.JobStatus(status)
	if songID.Valid {
		job.SongID = &songID.String
	}
	if failureReason.Valid {
		job.FailureReason = &failureReason.String
	}

	var err error
	if job.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if job.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &job, nil
}
