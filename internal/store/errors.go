package store

import (
	"errors"
	"fmt"
)

var (
	ErrJobNotFound        = errors.New("job not found")
	ErrSongNotFound       = errors.New("song not found")
	ErrJobTerminal        = errors.New("job already in a terminal state")
	ErrProgressRegression = errors.New("job progress cannot decrease")
	ErrInvalidTransition  = errors.New("invalid job transition")
	ErrJobNotPending      = errors.New("job is not pending")
)

// StorageError reports that the database itself failed, as opposed to a
// rejected state change. Callers must not drop job state on it silently.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// IsStorageError reports whether err came from the database layer.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}
