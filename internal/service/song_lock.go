package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// lockSongName takes the per-name file lock under songs/.locks. Publishing
// and deleting a song hold it while they change the database row and the
// songs/<name> directory, so the two never interleave across workers or
// processes sharing the songs directory.
func lockSongName(ctx context.Context, songsDir, name string) (func(), error) {
	dir := filepath.Join(songsDir, locksDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock dir: %w", err)
	}
	lock := flock.New(filepath.Join(dir, name+".lock"))
	locked, err := lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return nil, fmt.Errorf("failed to lock song %q: %w", name, err)
	}
	if !locked {
		return nil, fmt.Errorf("failed to lock song %q", name)
	}
	return func() { _ = lock.Unlock() }, nil
}
