package model

import "time"

// Job tracks one uploaded recording on its way to a published song.
type Job struct {
	ID            string    `json:"jobId"`
	Status        JobStatus `json:"status"`
	Progress      int       `json:"progress"`
	Message       string    `json:"message"`
	OriginalName  string    `json:"originalName"`
	SongName      string    `json:"songName"`
	SongID        *string   `json:"songId,omitempty"`
	FailureReason *string   `json:"failureReason,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// IsTerminal reports whether the job can no longer change.
func (j *Job) IsTerminal() bool {
	return j.Status.IsTerminal()
}

// JobPayload is the asynq task body handed from submission to the worker.
type JobPayload struct {
	JobID        string `json:"jobId"`
	UploadPath   string `json:"uploadPath"`
	OriginalName string `json:"originalName"`
	SongName     string `json:"songName"`
}

// JobSubmitResponse is returned by POST /api/songs.
type JobSubmitResponse struct {
	JobID     string    `json:"jobId"`
	Status    JobStatus `json:"status"`
	SongName  string    `json:"songName"`
	CreatedAt time.Time `json:"createdAt"`
}

// JobStatusResponse is returned by GET /api/jobs/:jobId. Song is embedded
// once the job has completed so the client needs no second round trip.
type JobStatusResponse struct {
	Job
	Song *Song `json:"song,omitempty"`
}
