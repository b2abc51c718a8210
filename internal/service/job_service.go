package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/makeasinger/pitchtrainer/internal/config"
	"github.com/makeasinger/pitchtrainer/internal/model"
	"github.com/makeasinger/pitchtrainer/internal/store"
)

// Upload validation failures. They are returned wrapped in *ValidationError
// before any job exists.
var (
	ErrEmptyUpload       = errors.New("uploaded file is empty")
	ErrUploadTooLarge    = errors.New("uploaded file exceeds size limit")
	ErrUnsupportedFormat = errors.New("unsupported audio format")
)

const sniffBytes = 3072

var allowedExtensions = map[string]bool{
	".mp3": true,
	".wav": true,
	".m4a": true,
}

var allowedMIMETypes = []string{
	"audio/mpeg",
	"audio/wav",
	"audio/x-m4a",
	"audio/mp4",
	"video/mp4",
}

// ValidationError rejects an upload.
type ValidationError struct {
	Err     error
	Message string
	Details map[string]interface{}
}

func (e *ValidationError) Error() string {
	return e.Message
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// JobStore is the persistence the job service needs.
type JobStore interface {
	Create(ctx context.Context, job *model.Job) (string, error)
	Get(ctx context.Context, id string) (*model.Job, error)
	Fail(ctx context.Context, id, reason string) error
	GetSong(ctx context.Context, id string) (*model.Song, error)
}

// Upload is a song file received from a client.
type Upload struct {
	OriginalName string
	Size         int64
	Body         io.Reader
}

// JobService accepts uploads and reports job status.
type JobService struct {
	store      JobStore
	dispatcher Dispatcher
	storage    config.StorageConfig
	logger     *slog.Logger
	now        func() time.Time
}

func NewJobService(st JobStore, dispatcher Dispatcher, storage config.StorageConfig, logger *slog.Logger) *JobService {
	if logger == nil {
		logger = slog.Default()
	}
	return &JobService{
		store:      st,
		dispatcher: dispatcher,
		storage:    storage,
		logger:     logger,
		now:        time.Now,
	}
}

// Submit stores the upload, creates a pending job and hands it to the
// pipeline. It returns as soon as the job is queued.
func (s *JobService) Submit(ctx context.Context, up Upload) (*model.JobSubmitResponse, error) {
	ext := strings.ToLower(filepath.Ext(up.OriginalName))
	if !allowedExtensions[ext] {
		return nil, &ValidationError{
			Err:     ErrUnsupportedFormat,
			Message: "Only MP3, WAV and M4A files are accepted",
			Details: map[string]interface{}{"extension": ext},
		}
	}
	if up.Size == 0 {
		return nil, &ValidationError{Err: ErrEmptyUpload, Message: "File is empty"}
	}
	if s.storage.MaxUploadSize > 0 && up.Size > s.storage.MaxUploadSize {
		return nil, &ValidationError{
			Err:     ErrUploadTooLarge,
			Message: fmt.Sprintf("File size exceeds %dMB limit", s.storage.MaxUploadSize/(1024*1024)),
			Details: map[string]interface{}{
				"maxSize":  s.storage.MaxUploadSize,
				"fileSize": up.Size,
			},
		}
	}

	head := make([]byte, sniffBytes)
	n, err := io.ReadFull(up.Body, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}
	head = head[:n]
	if n == 0 {
		return nil, &ValidationError{Err: ErrEmptyUpload, Message: "File is empty"}
	}
	detected := mimetype.Detect(head)
	if !mimetype.EqualsAny(detected.String(), allowedMIMETypes...) {
		return nil, &ValidationError{
			Err:     ErrUnsupportedFormat,
			Message: "File content is not a supported audio format",
			Details: map[string]interface{}{"detected": detected.String()},
		}
	}

	jobID := uuid.New().String()
	uploadPath := filepath.Join(s.storage.UploadDir, jobID+ext)
	if err := s.saveUpload(uploadPath, io.MultiReader(bytes.NewReader(head), up.Body)); err != nil {
		return nil, err
	}

	job := &model.Job{
		ID:           jobID,
		Message:      "queued",
		OriginalName: filepath.Base(up.OriginalName),
		SongName:     SongName(up.OriginalName),
		CreatedAt:    s.now(),
	}
	if _, err := s.store.Create(ctx, job); err != nil {
		_ = os.Remove(uploadPath)
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	payload := model.JobPayload{
		JobID:        jobID,
		UploadPath:   uploadPath,
		OriginalName: job.OriginalName,
		SongName:     job.SongName,
	}
	if err := s.dispatcher.Dispatch(ctx, payload); err != nil {
		reason := fmt.Sprintf("dispatch: %v", err)
		if failErr := s.store.Fail(ctx, jobID, reason); failErr != nil {
			s.logger.Error("failed to mark undispatched job failed",
				slog.String("job_id", jobID),
				slog.String("error", failErr.Error()),
			)
		}
		_ = os.Remove(uploadPath)
		return nil, fmt.Errorf("failed to dispatch job: %w", err)
	}

	s.logger.Info("job submitted",
		slog.String("job_id", jobID),
		slog.String("song", job.SongName),
		slog.Int64("bytes", up.Size),
	)

	return &model.JobSubmitResponse{
		JobID:     jobID,
		Status:    model.JobStatusPending,
		SongName:  job.SongName,
		CreatedAt: job.CreatedAt,
	}, nil
}

func (s *JobService) saveUpload(path string, body io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create upload dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create upload file: %w", err)
	}
	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		_ = os.Remove(path)
		return fmt.Errorf("failed to write upload: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return fmt.Errorf("failed to write upload: %w", err)
	}
	return nil
}

// GetStatus returns the job, with its song attached once completed.
func (s *JobService) GetStatus(ctx context.Context, jobID string) (*model.JobStatusResponse, error) {
	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	resp := &model.JobStatusResponse{Job: *job}
	if job.Status == model.JobStatusCompleted && job.SongID != nil {
		song, err := s.store.GetSong(ctx, *job.SongID)
		switch {
		case err == nil:
			resp.Song = song
		case errors.Is(err, store.ErrSongNotFound):
			// Replaced between the two reads; the job row goes with it.
		default:
			return nil, err
		}
	}
	return resp, nil
}
