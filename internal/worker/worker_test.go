package worker

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/makeasinger/pitchtrainer/internal/client"
	"github.com/makeasinger/pitchtrainer/internal/config"
	"github.com/makeasinger/pitchtrainer/internal/logging"
	"github.com/makeasinger/pitchtrainer/internal/model"
	"github.com/makeasinger/pitchtrainer/internal/service"
	"github.com/makeasinger/pitchtrainer/internal/store"
	"github.com/makeasinger/pitchtrainer/internal/transcribe"
)

type fakeSeparator struct {
	vocalsSize        int
	accompanimentSize int
	calls             int
}

func (f *fakeSeparator) Separate(_ context.Context, _, outDir string) (client.Stems, error) {
	f.calls++
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return client.Stems{}, err
	}
	stems := client.Stems{
		Vocals:        filepath.Join(outDir, "vocals.wav"),
		Accompaniment: filepath.Join(outDir, "accompaniment.wav"),
	}
	if err := os.WriteFile(stems.Vocals, bytes.Repeat([]byte{1}, f.vocalsSize), 0o644); err != nil {
		return client.Stems{}, err
	}
	if err := os.WriteFile(stems.Accompaniment, bytes.Repeat([]byte{2}, f.accompanimentSize), 0o644); err != nil {
		return client.Stems{}, err
	}
	return stems, nil
}

type fakeNotes struct {
	size int
}

func (f *fakeNotes) ExtractNotes(_ context.Context, _, outDir string) (string, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", err
	}
	p := filepath.Join(outDir, "vocals_basic_pitch.mid")
	return p, os.WriteFile(p, bytes.Repeat([]byte{3}, f.size), 0o644)
}

type fakeTranscoder struct {
	mp3Size int
}

func (f *fakeTranscoder) ToMP3(_ context.Context, _, output string) error {
	return os.WriteFile(output, bytes.Repeat([]byte{0xFF}, f.mp3Size), 0o644)
}

func (f *fakeTranscoder) ToSpeechWAV(_ context.Context, _, output string, _ int) error {
	return os.WriteFile(output, []byte("RIFF"), 0o644)
}

type fakeStrategy struct {
	name  string
	lines model.TimedLyrics
	err   error
}

func (f fakeStrategy) Name() string { return f.name }

func (f fakeStrategy) Transcribe(context.Context, string, string) (model.TimedLyrics, error) {
	return f.lines, f.err
}

// hangingStrategy blocks until its context ends.
type hangingStrategy struct{ name string }

func (h hangingStrategy) Name() string { return h.name }

func (h hangingStrategy) Transcribe(ctx context.Context, _, _ string) (model.TimedLyrics, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// recordingStore records every checkpoint the worker writes.
type recordingStore struct {
	*store.Store
	mu       sync.Mutex
	advances []int
}

func (r *recordingStore) Advance(ctx context.Context, id string, progress int, message string) error {
	r.mu.Lock()
	r.advances = append(r.advances, progress)
	r.mu.Unlock()
	return r.Store.Advance(ctx, id, progress, message)
}

func (r *recordingStore) checkpoints() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.advances...)
}

type pipeline struct {
	store     *store.Store
	recorder  *recordingStore
	worker    *SongWorker
	separator *fakeSeparator
	songsDir  string
	uploadDir string
	workDir   string
}

type pipelineOptions struct {
	emptyVocals       bool
	mp3Size           int
	strategies        []transcribe.Strategy
	transcribeTimeout time.Duration
}

func newPipeline(t *testing.T, opts pipelineOptions) *pipeline {
	t.Helper()
	root := t.TempDir()
	st, err := store.Open(filepath.Join(root, "pipeline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	vocalsSize := 4096
	if opts.emptyVocals {
		vocalsSize = 0
	}
	if opts.mp3Size == 0 {
		opts.mp3Size = 2048
	}
	if opts.strategies == nil {
		opts.strategies = []transcribe.Strategy{fakeStrategy{
			name:  "google",
			lines: model.TimedLyrics{{Start: 4.2, Text: "second"}, {Start: 1.5, Text: "first"}},
		}}
	}

	p := &pipeline{
		store:     st,
		recorder:  &recordingStore{Store: st},
		separator: &fakeSeparator{vocalsSize: vocalsSize, accompanimentSize: 4096},
		songsDir:  filepath.Join(root, "songs"),
		uploadDir: filepath.Join(root, "uploads"),
		workDir:   filepath.Join(root, "work"),
	}
	require.NoError(t, os.MkdirAll(p.uploadDir, 0o755))

	logger := logging.Discard()
	publisher := service.NewPublishService(st, &fakeTranscoder{mp3Size: opts.mp3Size}, p.songsDir, 0, nil, logger)
	p.worker = NewSongWorker(SongWorkerOptions{
		Store:             p.recorder,
		Separator:         p.separator,
		Notes:             &fakeNotes{size: 512},
		Transcriber:       transcribe.NewChain(logger, nil, opts.strategies...),
		Publisher:         publisher,
		WorkDir:           p.workDir,
		TranscribeTimeout: opts.transcribeTimeout,
		Logger:            logger,
	})
	return p
}

// submit creates a pending job with an upload on disk, as JobService does.
func (p *pipeline) submit(t *testing.T, name string) model.JobPayload {
	t.Helper()
	id := uuid.NewString()
	upload := filepath.Join(p.uploadDir, id+".mp3")
	require.NoError(t, os.WriteFile(upload, []byte("ID3 fake audio"), 0o644))
	_, err := p.store.Create(context.Background(), &model.Job{
		ID:           id,
		Message:      "queued",
		OriginalName: name + ".mp3",
		SongName:     name,
	})
	require.NoError(t, err)
	return model.JobPayload{JobID: id, UploadPath: upload, OriginalName: name + ".mp3", SongName: name}
}

func TestProcess_PublishesSong(t *testing.T) {
	p := newPipeline(t, pipelineOptions{})
	ctx := context.Background()
	payload := p.submit(t, "Moonlight")

	require.NoError(t, p.worker.Process(ctx, payload))

	job, err := p.store.Get(ctx, payload.JobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, job.Status)
	assert.Equal(t, 100, job.Progress)
	require.NotNil(t, job.SongID)
	assert.Nil(t, job.FailureReason)

	song, err := p.store.GetSong(ctx, *job.SongID)
	require.NoError(t, err)
	assert.Equal(t, "Moonlight", song.Name)
	for _, rel := range []string{song.AccompanimentPath, song.NotesPath} {
		info, err := os.Stat(filepath.Join(p.songsDir, rel))
		require.NoError(t, err, rel)
		assert.Greater(t, info.Size(), client.DefaultMinOutputBytes, rel)
	}

	lrc, err := os.ReadFile(filepath.Join(p.songsDir, song.LyricsPath))
	require.NoError(t, err)
	doc, err := transcribe.Parse(string(lrc))
	require.NoError(t, err)
	require.Len(t, doc.Lines, 2)
	assert.Equal(t, "first", doc.Lines[0].Text)
	assert.Equal(t, "second", doc.Lines[1].Text)

	assert.NoFileExists(t, payload.UploadPath)
	assert.NoDirExists(t, filepath.Join(p.workDir, payload.JobID))
}

func TestProcess_CheckpointSequence(t *testing.T) {
	p := newPipeline(t, pipelineOptions{})
	ctx := context.Background()
	payload := p.submit(t, "Steps")

	require.NoError(t, p.worker.Process(ctx, payload))

	assert.Equal(t, []int{
		model.ProgressDuplicateCheck,
		model.ProgressSeparated,
		model.ProgressNotes,
		model.ProgressTranscribed,
		model.ProgressFinalizing,
	}, p.recorder.checkpoints())

	job, err := p.store.Get(ctx, payload.JobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, job.Status)
	assert.Equal(t, model.ProgressCompleted, job.Progress)
}

func TestProcess_FailedRunStopsBelowCompletion(t *testing.T) {
	p := newPipeline(t, pipelineOptions{emptyVocals: true})
	ctx := context.Background()
	payload := p.submit(t, "Halted")

	require.Error(t, p.worker.Process(ctx, payload))

	assert.Equal(t, []int{model.ProgressDuplicateCheck}, p.recorder.checkpoints())
	job, err := p.store.Get(ctx, payload.JobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, job.Status)
	assert.Less(t, job.Progress, model.ProgressCompleted)
}

func TestProcess_ExpiredTaskDeadlineStillPublishes(t *testing.T) {
	p := newPipeline(t, pipelineOptions{strategies: []transcribe.Strategy{
		hangingStrategy{name: "google"},
		hangingStrategy{name: "whisper"},
	}})
	payload := p.submit(t, "Overtime")

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	require.NoError(t, p.worker.Process(ctx, payload))

	job, err := p.store.Get(context.Background(), payload.JobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, job.Status)
	require.NotNil(t, job.SongID)

	song, err := p.store.GetSong(context.Background(), *job.SongID)
	require.NoError(t, err)
	lrc, err := os.ReadFile(filepath.Join(p.songsDir, song.LyricsPath))
	require.NoError(t, err)
	assert.Contains(t, string(lrc), transcribe.PlaceholderText)
	assert.FileExists(t, filepath.Join(p.songsDir, song.AccompanimentPath))
}

func TestProcess_TranscribeBudgetFallsBackToPlaceholder(t *testing.T) {
	p := newPipeline(t, pipelineOptions{
		strategies:        []transcribe.Strategy{hangingStrategy{name: "groq"}},
		transcribeTimeout: 30 * time.Millisecond,
	})
	ctx := context.Background()
	payload := p.submit(t, "Stalled")

	require.NoError(t, p.worker.Process(ctx, payload))

	job, err := p.store.Get(ctx, payload.JobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, job.Status)
}

func TestTaskDeadline(t *testing.T) {
	tool := 10 * time.Minute
	assert.Equal(t, 4*tool, TranscribeBudget(tool, 3))
	assert.Equal(t, tool+finalizeSlack, FinalizeBudget(tool))
	assert.Equal(t, 2*tool+4*tool+tool+finalizeSlack, TaskDeadline(tool, 3))
	assert.Greater(t, TaskDeadline(tool, 4), TaskDeadline(tool, 3))
	assert.Equal(t, TaskDeadline(client.DefaultToolTimeout, 1), TaskDeadline(0, 1))
}

func TestProcess_EmptyVocalsFailsAtSeparate(t *testing.T) {
	// A zero-byte stem must not be treated as success.
	p := newPipeline(t, pipelineOptions{emptyVocals: true})
	ctx := context.Background()
	payload := p.submit(t, "Silent")

	err := p.worker.Process(ctx, payload)
	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, StageSeparate, stageErr.Stage)
	assert.ErrorIs(t, err, client.ErrOutputTooSmall)

	job, err := p.store.Get(ctx, payload.JobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, job.Status)
	require.NotNil(t, job.FailureReason)
	assert.True(t, strings.HasPrefix(*job.FailureReason, "separate:"), *job.FailureReason)
	assert.Nil(t, job.SongID)
	assert.Less(t, job.Progress, 100)

	_, err = p.store.FindSongByName(ctx, "Silent")
	assert.ErrorIs(t, err, store.ErrSongNotFound)
	assert.NoDirExists(t, filepath.Join(p.songsDir, "Silent"))
	assert.NoFileExists(t, payload.UploadPath)
}

func TestProcess_FallsBackToPlaceholderLyrics(t *testing.T) {
	p := newPipeline(t, pipelineOptions{strategies: []transcribe.Strategy{
		fakeStrategy{name: "google"},
		fakeStrategy{name: "groq", err: transcribe.ErrEngineUnavailable},
	}})
	ctx := context.Background()
	payload := p.submit(t, "Humming")

	require.NoError(t, p.worker.Process(ctx, payload))

	job, err := p.store.Get(ctx, payload.JobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, job.Status)

	song, err := p.store.GetSong(ctx, *job.SongID)
	require.NoError(t, err)
	lrc, err := os.ReadFile(filepath.Join(p.songsDir, song.LyricsPath))
	require.NoError(t, err)
	doc, err := transcribe.Parse(string(lrc))
	require.NoError(t, err)
	require.Len(t, doc.Lines, 1)
	assert.Equal(t, 0.0, doc.Lines[0].Start)
	assert.Equal(t, transcribe.PlaceholderText, doc.Lines[0].Text)
}

func TestProcess_ReplacesSongWithSameName(t *testing.T) {
	p := newPipeline(t, pipelineOptions{})
	ctx := context.Background()

	first := p.submit(t, "Encore")
	require.NoError(t, p.worker.Process(ctx, first))
	firstJob, err := p.store.Get(ctx, first.JobID)
	require.NoError(t, err)
	firstSongID := *firstJob.SongID

	second := p.submit(t, "Encore")
	require.NoError(t, p.worker.Process(ctx, second))

	_, err = p.store.GetSong(ctx, firstSongID)
	assert.ErrorIs(t, err, store.ErrSongNotFound)
	_, err = p.store.Get(ctx, first.JobID)
	assert.ErrorIs(t, err, store.ErrJobNotFound)

	current, err := p.store.FindSongByName(ctx, "Encore")
	require.NoError(t, err)
	secondJob, err := p.store.Get(ctx, second.JobID)
	require.NoError(t, err)
	assert.Equal(t, current.ID, *secondJob.SongID)
	assert.NotEqual(t, firstSongID, current.ID)
	assert.DirExists(t, filepath.Join(p.songsDir, "Encore"))
}

func TestProcess_FinalizeFailureLeavesNoSong(t *testing.T) {
	p := newPipeline(t, pipelineOptions{mp3Size: 10})
	ctx := context.Background()
	payload := p.submit(t, "Tiny")

	err := p.worker.Process(ctx, payload)
	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, StageFinalize, stageErr.Stage)

	job, err := p.store.Get(ctx, payload.JobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, job.Status)
	assert.Equal(t, model.ProgressFinalizing, job.Progress)
	assert.True(t, strings.HasPrefix(*job.FailureReason, "finalize:"), *job.FailureReason)
	assert.NoDirExists(t, filepath.Join(p.songsDir, "Tiny"))
}

func TestProcess_DropsJobThatIsNotPending(t *testing.T) {
	p := newPipeline(t, pipelineOptions{})
	ctx := context.Background()
	payload := p.submit(t, "Twice")

	require.NoError(t, p.worker.Process(ctx, payload))
	require.Equal(t, 1, p.separator.calls)

	require.NoError(t, p.worker.Process(ctx, payload))
	assert.Equal(t, 1, p.separator.calls)

	require.NoError(t, p.worker.Process(ctx, model.JobPayload{JobID: uuid.NewString(), SongName: "ghost"}))
	assert.Equal(t, 1, p.separator.calls)
}

func TestProcessTask_StageFailureSkipsRetry(t *testing.T) {
	p := newPipeline(t, pipelineOptions{mp3Size: 10})
	payload := p.submit(t, "NoRetry")

	task, err := service.NewProcessSongTask(payload)
	require.NoError(t, err)

	err = p.worker.ProcessTask(context.Background(), task)
	require.Error(t, err)
	assert.True(t, errors.Is(err, asynq.SkipRetry))

	err = p.worker.ProcessTask(context.Background(), asynq.NewTask(service.TaskTypeProcessSong, []byte("{")))
	assert.True(t, errors.Is(err, asynq.SkipRetry))
}

func TestStageError(t *testing.T) {
	err := &StageError{Stage: StageNotes, Err: client.ErrOutputMissing}
	assert.Equal(t, "extract-notes: "+client.ErrOutputMissing.Error(), err.Error())
	assert.ErrorIs(t, err, client.ErrOutputMissing)
}

func TestCleanupSweep(t *testing.T) {
	root := t.TempDir()
	st, err := store.Open(filepath.Join(root, "cleanup.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	ctx := context.Background()

	storage := config.StorageConfig{
		UploadDir:     filepath.Join(root, "uploads"),
		WorkDir:       filepath.Join(root, "work"),
		SongsDir:      filepath.Join(root, "songs"),
		CleanupMaxAge: time.Hour,
	}
	for _, dir := range []string{storage.UploadDir, storage.WorkDir, filepath.Join(storage.SongsDir, ".staging")} {
		require.NoError(t, os.MkdirAll(dir, 0o755))
	}

	activeID := uuid.NewString()
	_, err = st.Create(ctx, &model.Job{ID: activeID, Message: "queued", OriginalName: "a.mp3", SongName: "a"})
	require.NoError(t, err)

	old := time.Now().Add(-2 * time.Hour)
	touch := func(path string, dir bool, mtime time.Time) {
		if dir {
			require.NoError(t, os.MkdirAll(path, 0o755))
		} else {
			require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
		}
		require.NoError(t, os.Chtimes(path, mtime, mtime))
	}

	staleUpload := filepath.Join(storage.UploadDir, uuid.NewString()+".wav")
	activeUpload := filepath.Join(storage.UploadDir, activeID+".mp3")
	freshUpload := filepath.Join(storage.UploadDir, uuid.NewString()+".mp3")
	staleWork := filepath.Join(storage.WorkDir, uuid.NewString())
	activeWork := filepath.Join(storage.WorkDir, activeID)
	staleStaging := filepath.Join(storage.SongsDir, ".staging", uuid.NewString())

	touch(staleUpload, false, old)
	touch(activeUpload, false, old)
	touch(freshUpload, false, time.Now())
	touch(staleWork, true, old)
	touch(activeWork, true, old)
	touch(staleStaging, true, old)

	w := NewCleanupWorker(st, storage, 0, logging.Discard())
	report, err := w.Sweep(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Uploads)
	assert.Equal(t, 1, report.WorkDirs)
	assert.Equal(t, 1, report.Staging)
	assert.Empty(t, report.Errors)

	assert.NoFileExists(t, staleUpload)
	assert.FileExists(t, activeUpload)
	assert.FileExists(t, freshUpload)
	assert.NoDirExists(t, staleWork)
	assert.DirExists(t, activeWork)
	assert.NoDirExists(t, staleStaging)
}

func TestCleanupSweep_MissingDirs(t *testing.T) {
	root := t.TempDir()
	st, err := store.Open(filepath.Join(root, "cleanup.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	w := NewCleanupWorker(st, config.StorageConfig{
		UploadDir: filepath.Join(root, "missing-uploads"),
		WorkDir:   filepath.Join(root, "missing-work"),
	}, time.Hour, logging.Discard())
	report, err := w.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Total())
	assert.Empty(t, report.Errors)
}

func TestCleanupSweep_FailsStaleProcessingJobs(t *testing.T) {
	root := t.TempDir()
	st, err := store.Open(filepath.Join(root, "cleanup.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	ctx := context.Background()

	storage := config.StorageConfig{
		UploadDir:     filepath.Join(root, "uploads"),
		WorkDir:       filepath.Join(root, "work"),
		CleanupMaxAge: time.Hour,
	}
	require.NoError(t, os.MkdirAll(storage.WorkDir, 0o755))

	stuck := uuid.NewString()
	_, err = st.Create(ctx, &model.Job{ID: stuck, Message: "queued", OriginalName: "a.mp3", SongName: "a"})
	require.NoError(t, err)
	_, err = st.Claim(ctx, stuck, "processing")
	require.NoError(t, err)
	require.NoError(t, st.Advance(ctx, stuck, model.ProgressNotes, "extracted melody"))

	queued := uuid.NewString()
	_, err = st.Create(ctx, &model.Job{ID: queued, Message: "queued", OriginalName: "b.mp3", SongName: "b"})
	require.NoError(t, err)

	stuckWork := filepath.Join(storage.WorkDir, stuck)
	require.NoError(t, os.MkdirAll(stuckWork, 0o755))

	w := NewCleanupWorker(st, storage, time.Hour, logging.Discard())
	report, err := w.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.StaleJobs)

	w.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	report, err = w.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.StaleJobs)

	job, err := st.Get(ctx, stuck)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, job.Status)
	assert.Equal(t, model.ProgressNotes, job.Progress)
	require.NotNil(t, job.FailureReason)
	assert.Equal(t, StaleJobReason, *job.FailureReason)

	job, err = st.Get(ctx, queued)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusPending, job.Status)

	// Once failed, the job's scratch is no longer protected.
	assert.Equal(t, 1, report.WorkDirs)
	assert.NoDirExists(t, stuckWork)
}
