package worker

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hibiken/asynq"

	"github.com/makeasinger/pitchtrainer/internal/config"
	"github.com/makeasinger/pitchtrainer/internal/model"
)

// StaleJobReason is the failure reason of a job whose worker stopped
// reporting progress.
const StaleJobReason = "processing: worker stopped before the job finished"

// CleanupStore lists active jobs and fails the ones no worker owns anymore.
type CleanupStore interface {
	ListJobIDs(ctx context.Context, statuses ...model.JobStatus) ([]string, error)
	FailStale(ctx context.Context, before time.Time, reason string) ([]string, error)
}

// CleanupReport counts what one sweep removed.
type CleanupReport struct {
	StaleJobs int      `json:"staleJobs"`
	Uploads   int      `json:"uploads"`
	WorkDirs  int      `json:"workDirs"`
	Staging   int      `json:"staging"`
	Errors    []string `json:"errors,omitempty"`
}

// Total is the number of failed jobs and removed entries.
func (r CleanupReport) Total() int {
	return r.StaleJobs + r.Uploads + r.WorkDirs + r.Staging
}

// CleanupWorker fails processing jobs that stopped reporting progress, then
// removes stale uploads, work dirs and leftover publish staging. Entries
// belonging to pending or processing jobs are kept.
type CleanupWorker struct {
	store      CleanupStore
	storage    config.StorageConfig
	staleAfter time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

// NewCleanupWorker creates a cleanup worker. staleAfter is the song task
// deadline; zero disables failing stale jobs.
func NewCleanupWorker(st CleanupStore, storage config.StorageConfig, staleAfter time.Duration, logger *slog.Logger) *CleanupWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &CleanupWorker{
		store:      st,
		storage:    storage,
		staleAfter: staleAfter,
		now:        time.Now,
		logger:     logger.With(slog.String("component", "cleanup_worker")),
	}
}

// ProcessTask handles the periodic cleanup task
func (w *CleanupWorker) ProcessTask(ctx context.Context, _ *asynq.Task) error {
	report, err := w.Sweep(ctx)
	if err != nil {
		return err
	}
	if report.Total() > 0 || len(report.Errors) > 0 {
		w.logger.Info("cleanup finished",
			slog.Int("stale_jobs", report.StaleJobs),
			slog.Int("uploads", report.Uploads),
			slog.Int("work_dirs", report.WorkDirs),
			slog.Int("staging", report.Staging),
			slog.Int("errors", len(report.Errors)),
		)
	}
	return nil
}

// Sweep fails stale processing jobs and removes entries older than the
// configured max age.
func (w *CleanupWorker) Sweep(ctx context.Context) (CleanupReport, error) {
	var report CleanupReport

	maxAge := w.storage.CleanupMaxAge
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	now := w.now()
	cutoff := now.Add(-maxAge)

	if w.staleAfter > 0 {
		stale, err := w.store.FailStale(ctx, now.Add(-w.staleAfter), StaleJobReason)
		if err != nil {
			return report, fmt.Errorf("failed to fail stale jobs: %w", err)
		}
		for _, id := range stale {
			w.logger.Warn("failed stale job", slog.String("job_id", id))
		}
		report.StaleJobs = len(stale)
	}

	ids, err := w.store.ListJobIDs(ctx, model.JobStatusPending, model.JobStatusProcessing)
	if err != nil {
		return report, fmt.Errorf("failed to list active jobs: %w", err)
	}
	active := make(map[string]bool, len(ids))
	for _, id := range ids {
		active[id] = true
	}

	report.Uploads = w.sweepDir(&report, w.storage.UploadDir, cutoff, active)
	report.WorkDirs = w.sweepDir(&report, w.storage.WorkDir, cutoff, active)
	if w.storage.SongsDir != "" {
		for _, name := range []string{".staging", ".trash"} {
			report.Staging += w.sweepDir(&report, filepath.Join(w.storage.SongsDir, name), cutoff, active)
		}
	}
	return report, nil
}

// sweepDir removes direct children of dir modified before cutoff. A child
// whose name (without extension) is an active job id is skipped.
func (w *CleanupWorker) sweepDir(report *CleanupReport, dir string, cutoff time.Time, active map[string]bool) int {
	if dir == "" {
		return 0
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			report.Errors = append(report.Errors, err.Error())
		}
		return 0
	}

	removed := 0
	for _, entry := range entries {
		name := entry.Name()
		if active[strings.TrimSuffix(name, filepath.Ext(name))] {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		target := filepath.Join(dir, name)
		if err := os.RemoveAll(target); err != nil {
			report.Errors = append(report.Errors, err.Error())
			w.logger.Warn("failed to remove stale entry", slog.String("path", target), slog.String("error", err.Error()))
			continue
		}
		removed++
	}
	return removed
}
