package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/hibiken/asynq"

	"github.com/makeasinger/pitchtrainer/internal/client"
	"github.com/makeasinger/pitchtrainer/internal/model"
	"github.com/makeasinger/pitchtrainer/internal/service"
	"github.com/makeasinger/pitchtrainer/internal/store"
	"github.com/makeasinger/pitchtrainer/internal/transcribe"
)

// Pipeline stage names. They prefix the failure reason of a failed job.
const (
	StageDuplicateCheck = "duplicate-check"
	StageSeparate       = "separate"
	StageNotes          = "extract-notes"
	StageTranscribe     = "transcribe"
	StageFinalize       = "finalize"
)

// finalizeSlack is added to the transcode timeout for the publish
// transaction and file moves.
const finalizeSlack = time.Minute

// TaskDeadline bounds one song job: a tool timeout each for separation and
// note extraction, the transcription budget and the finalize budget.
func TaskDeadline(toolTimeout time.Duration, engineCalls int) time.Duration {
	toolTimeout = toolOrDefault(toolTimeout)
	return 2*toolTimeout + TranscribeBudget(toolTimeout, engineCalls) + FinalizeBudget(toolTimeout)
}

// TranscribeBudget covers the speech WAV conversion plus one tool timeout
// per engine call.
func TranscribeBudget(toolTimeout time.Duration, engineCalls int) time.Duration {
	return toolOrDefault(toolTimeout) * time.Duration(engineCalls+1)
}

// FinalizeBudget covers the MP3 transcode and the publish.
func FinalizeBudget(toolTimeout time.Duration) time.Duration {
	return toolOrDefault(toolTimeout) + finalizeSlack
}

func toolOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return client.DefaultToolTimeout
	}
	return d
}

// StageError is the terminal error of a pipeline run.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return e.Stage + ": " + e.Err.Error()
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// JobStore is the persistence the song worker needs.
type JobStore interface {
	Claim(ctx context.Context, id, message string) (*model.Job, error)
	Advance(ctx context.Context, id string, progress int, message string) error
	Fail(ctx context.Context, id, reason string) error
	FindSongByName(ctx context.Context, name string) (*model.Song, error)
}

// Transcriber produces lyrics for a vocal track. It never fails.
type Transcriber interface {
	Run(ctx context.Context, vocals, workDir string) transcribe.Result
}

// Publisher installs a finished bundle and completes the job.
type Publisher interface {
	Finalize(ctx context.Context, a service.Artifacts) (*model.Song, error)
}

// SongWorker runs the processing pipeline for one job per task.
type SongWorker struct {
	store        JobStore
	separator    client.Separator
	notes        client.NoteExtractor
	transcriber  Transcriber
	publisher    Publisher
	workDir      string
	keepWorkDirs bool
	minBytes     int64

	// transcribeTimeout bounds the whole chain run. Zero means the task
	// context alone bounds it.
	transcribeTimeout time.Duration
	finalizeTimeout   time.Duration
	logger            *slog.Logger
}

// SongWorkerOptions bundles the collaborators of NewSongWorker.
type SongWorkerOptions struct {
	Store        JobStore
	Separator    client.Separator
	Notes        client.NoteExtractor
	Transcriber  Transcriber
	Publisher    Publisher
	WorkDir      string
	KeepWorkDirs bool
	MinBytes     int64

	// TranscribeTimeout and FinalizeTimeout are the stage budgets; see
	// TranscribeBudget and FinalizeBudget.
	TranscribeTimeout time.Duration
	FinalizeTimeout   time.Duration
	Logger            *slog.Logger
}

// NewSongWorker creates a song worker
func NewSongWorker(opts SongWorkerOptions) *SongWorker {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	minBytes := opts.MinBytes
	if minBytes <= 0 {
		minBytes = client.DefaultMinOutputBytes
	}
	finalizeTimeout := opts.FinalizeTimeout
	if finalizeTimeout <= 0 {
		finalizeTimeout = FinalizeBudget(0)
	}
	return &SongWorker{
		store:        opts.Store,
		separator:    opts.Separator,
		notes:        opts.Notes,
		transcriber:  opts.Transcriber,
		publisher:    opts.Publisher,
		workDir:      opts.WorkDir,
		keepWorkDirs: opts.KeepWorkDirs,
		minBytes:     minBytes,

		transcribeTimeout: opts.TranscribeTimeout,
		finalizeTimeout:   finalizeTimeout,
		logger:            logger.With(slog.String("component", "song_worker")),
	}
}

// ProcessTask handles song processing tasks
func (w *SongWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload model.JobPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal task payload: %w: %w", err, asynq.SkipRetry)
	}

	err := w.Process(ctx, payload)
	if err == nil {
		return nil
	}
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		// Already recorded on the job; archive the task without retrying.
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	return err
}

// Process runs every stage for one job. A job that is no longer pending is
// left alone and nil is returned. Stage failures mark the job failed and
// come back as *StageError.
func (w *SongWorker) Process(ctx context.Context, payload model.JobPayload) error {
	logger := w.logger.With(slog.String("job_id", payload.JobID), slog.String("song", payload.SongName))

	if _, err := w.store.Claim(ctx, payload.JobID, "processing"); err != nil {
		if errors.Is(err, store.ErrJobNotPending) || errors.Is(err, store.ErrJobNotFound) {
			logger.Warn("dropping task for job that is not pending", slog.String("error", err.Error()))
			return nil
		}
		return fmt.Errorf("failed to claim job: %w", err)
	}
	logger.Info("starting song job")

	jobDir := filepath.Join(w.workDir, payload.JobID)
	defer w.cleanup(logger, jobDir, payload.UploadPath)

	if err := w.run(ctx, logger, jobDir, payload); err != nil {
		w.failJob(ctx, logger, payload.JobID, err)
		return err
	}
	return nil
}

func (w *SongWorker) run(ctx context.Context, logger *slog.Logger, jobDir string, payload model.JobPayload) error {
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return &StageError{Stage: StageSeparate, Err: fmt.Errorf("failed to create work dir: %w", err)}
	}

	// Step 1: Record any song already published under this name
	w.updateProgress(ctx, logger, payload.JobID, model.ProgressDuplicateCheck, "checking for existing song")
	priorID := ""
	prior, err := w.store.FindSongByName(ctx, payload.SongName)
	switch {
	case err == nil:
		priorID = prior.ID
		logger.Info("song will be replaced", slog.String("prior_song_id", priorID))
	case errors.Is(err, store.ErrSongNotFound):
	default:
		return &StageError{Stage: StageDuplicateCheck, Err: err}
	}

	// Step 2: Separate vocals and accompaniment
	stems, err := w.separator.Separate(ctx, payload.UploadPath, filepath.Join(jobDir, "stems"))
	if err != nil {
		return &StageError{Stage: StageSeparate, Err: err}
	}
	for _, p := range []string{stems.Vocals, stems.Accompaniment} {
		if err := client.CheckOutput("spleeter", p, w.minBytes); err != nil {
			return &StageError{Stage: StageSeparate, Err: err}
		}
	}
	w.updateProgress(ctx, logger, payload.JobID, model.ProgressSeparated, "separated vocals")

	// Step 3: Extract the melody
	midi, err := w.notes.ExtractNotes(ctx, stems.Vocals, filepath.Join(jobDir, "notes"))
	if err != nil {
		return &StageError{Stage: StageNotes, Err: err}
	}
	if err := client.CheckOutput("basic-pitch", midi, w.minBytes); err != nil {
		return &StageError{Stage: StageNotes, Err: err}
	}
	w.updateProgress(ctx, logger, payload.JobID, model.ProgressNotes, "extracted melody")

	// Step 4: Transcribe lyrics
	res := w.transcribeVocals(ctx, stems.Vocals, filepath.Join(jobDir, "lyrics"))
	if len(res.Lyrics) == 0 {
		return &StageError{Stage: StageTranscribe, Err: transcribe.ErrNoSegments}
	}
	if res.Degraded {
		logger.Warn("lyrics degraded to placeholder", slog.Int("engines_tried", len(res.Attempts)))
	}

	// Step 5: Publish. The rest of the run is detached from the task
	// deadline and bounded by the finalize budget instead.
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.finalizeTimeout)
	defer cancel()
	w.updateProgress(fctx, logger, payload.JobID, model.ProgressTranscribed, "transcribed lyrics")
	w.updateProgress(fctx, logger, payload.JobID, model.ProgressFinalizing, "publishing")
	song, err := w.publisher.Finalize(fctx, service.Artifacts{
		JobID:         payload.JobID,
		SongName:      payload.SongName,
		PriorSongID:   priorID,
		Accompaniment: stems.Accompaniment,
		Notes:         midi,
		Lyrics:        res.Lyrics,
		LyricsEngine:  res.Engine,
	})
	if err != nil {
		return &StageError{Stage: StageFinalize, Err: err}
	}

	logger.Info("song job completed",
		slog.String("song_id", song.ID),
		slog.String("lyrics_engine", res.Engine),
		slog.Bool("lyrics_degraded", res.Degraded),
	)
	return nil
}

func (w *SongWorker) transcribeVocals(ctx context.Context, vocals, workDir string) transcribe.Result {
	if w.transcribeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.transcribeTimeout)
		defer cancel()
	}
	return w.transcriber.Run(ctx, vocals, workDir)
}

// updateProgress records a checkpoint. A failed write is logged only; the
// stage result decides the job outcome.
func (w *SongWorker) updateProgress(ctx context.Context, logger *slog.Logger, jobID string, progress int, message string) {
	if err := w.store.Advance(ctx, jobID, progress, message); err != nil {
		logger.Warn("failed to update progress",
			slog.Int("progress", progress),
			slog.String("error", err.Error()),
		)
		return
	}
	logger.Debug("progress", slog.Int("progress", progress), slog.String("message", message))
}

func (w *SongWorker) failJob(ctx context.Context, logger *slog.Logger, jobID string, err error) {
	stage := ""
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		stage = stageErr.Stage
	}
	logger.Error("song job failed", slog.String("stage", stage), slog.String("error", err.Error()))

	// The task context may already be done when a tool timed out.
	if failErr := w.store.Fail(context.WithoutCancel(ctx), jobID, err.Error()); failErr != nil {
		logger.Error("failed to record job failure", slog.String("error", failErr.Error()))
	}
}

func (w *SongWorker) cleanup(logger *slog.Logger, jobDir, uploadPath string) {
	if !w.keepWorkDirs {
		if err := os.RemoveAll(jobDir); err != nil {
			logger.Warn("failed to remove work dir", slog.String("dir", jobDir), slog.String("error", err.Error()))
		}
	}
	if uploadPath != "" {
		if err := os.Remove(uploadPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Warn("failed to remove upload", slog.String("path", uploadPath), slog.String("error", err.Error()))
		}
	}
}
