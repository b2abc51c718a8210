package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/makeasinger/pitchtrainer/internal/model"
)

const (
	TaskTypeProcessSong = "song:process"
	TaskTypeCleanup     = "maintenance:cleanup"

	QueueSongs       = "songs"
	QueueMaintenance = "maintenance"
)

// Dispatcher hands a submitted job to the pipeline without waiting for it.
type Dispatcher interface {
	Dispatch(ctx context.Context, payload model.JobPayload) error
}

// AsynqDispatcher enqueues pipeline runs on Redis via asynq.
type AsynqDispatcher struct {
	client  *asynq.Client
	timeout time.Duration
}

// NewAsynqDispatcher creates a dispatcher. timeout bounds one whole
// pipeline run and must cover every tool invocation.
func NewAsynqDispatcher(client *asynq.Client, timeout time.Duration) *AsynqDispatcher {
	return &AsynqDispatcher{client: client, timeout: timeout}
}

// NewProcessSongTask builds the task for one job.
func NewProcessSongTask(payload model.JobPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return asynq.NewTask(TaskTypeProcessSong, data), nil
}

// NewCleanupTask builds the periodic maintenance task.
func NewCleanupTask() *asynq.Task {
	return asynq.NewTask(TaskTypeCleanup, nil)
}

// Dispatch enqueues the job. Pipeline runs are never retried; the job id
// doubles as the task id so a job is enqueued at most once.
func (d *AsynqDispatcher) Dispatch(ctx context.Context, payload model.JobPayload) error {
	task, err := NewProcessSongTask(payload)
	if err != nil {
		return err
	}

	opts := []asynq.Option{
		asynq.Queue(QueueSongs),
		asynq.MaxRetry(0),
		asynq.TaskID(payload.JobID),
		asynq.Retention(24 * time.Hour),
	}
	if d.timeout > 0 {
		opts = append(opts, asynq.Timeout(d.timeout))
	}

	if _, err := d.client.EnqueueContext(ctx, task, opts...); err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	return nil
}
