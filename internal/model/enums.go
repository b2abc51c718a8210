package model

// Job status
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// IsTerminal reports whether the status is completed or failed.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Valid reports whether s is one of the known statuses.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusProcessing, JobStatusCompleted, JobStatusFailed:
		return true
	}
	return false
}

// Song list sort columns
type SongSort string

const (
	SongSortCreatedAt SongSort = "created_at"
	SongSortName      SongSort = "name"
)

// Sort order
type SortOrder string

const (
	SortAsc  SortOrder = "asc"
	SortDesc SortOrder = "desc"
)

// Progress checkpoints emitted by the pipeline.
const (
	ProgressDuplicateCheck = 0
	ProgressSeparated      = 25
	ProgressNotes          = 50
	ProgressTranscribed    = 75
	ProgressFinalizing     = 95
	ProgressCompleted      = 100
)
