package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/makeasinger/pitchtrainer/internal/model"
)

const songColumns = "id, name, accompaniment_path, notes_path, lyrics_path, created_at"

// PublishParams describes one finalize transaction.
type PublishParams struct {
	JobID string
	// PriorSongID is the id recorded by the duplicate check, if any. Songs
	// matching either this id or Song.Name are replaced.
	PriorSongID string
	Song        model.Song
	Message     string
}

// PublishResult reports what the publish transaction replaced.
type PublishResult struct {
	ReplacedSongIDs []string
	RemovedJobIDs   []string
}

// GetSong returns the song with the given id.
func (s *Store) GetSong(ctx context.Context, id string) (*model.Song, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+songColumns+" FROM songs WHERE id = ?", id)
	song, err := scanSong(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSongNotFound
	}
	if err != nil {
		return nil, storageErr("get song", err)
	}
	return song, nil
}

// FindSongByName returns the song currently published under name.
func (s *Store) FindSongByName(ctx context.Context, name string) (*model.Song, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+songColumns+" FROM songs WHERE name = ?", name)
	song, err := scanSong(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSongNotFound
	}
	if err != nil {
		return nil, storageErr("find song by name", err)
	}
	return song, nil
}

// ListSongs returns a page of songs. Unknown sort keys fall back to
// created_at descending.
func (s *Store) ListSongs(ctx context.Context, req model.SongListRequest) ([]model.Song, error) {
	req.Normalize()

	column := "created_at"
	if req.Sort == model.SongSortName {
		column = "name"
	}
	direction := "DESC"
	if req.Order == model.SortAsc {
		direction = "ASC"
	}

	query := fmt.Sprintf("SELECT %s FROM songs ORDER BY %s %s, id ASC LIMIT ? OFFSET ?",
		songColumns, column, direction)
	rows, err := s.db.QueryContext(ctx, query, req.Limit, req.Offset)
	if err != nil {
		return nil, storageErr("list songs", err)
	}
	defer rows.Close()

	songs := make([]model.Song, 0)
	for rows.Next() {
		song, err := scanSong(rows)
		if err != nil {
			return nil, storageErr("scan song", err)
		}
		songs = append(songs, *song)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate songs", err)
	}
	return songs, nil
}

// DeleteSong removes a song and every job that references it.
func (s *Store) DeleteSong(ctx context.Context, id string) (*model.Song, error) {
	var song *model.Song
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, "SELECT "+songColumns+" FROM songs WHERE id = ?", id)
		var err error
		song, err = scanSong(row)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrSongNotFound
		}
		if err != nil {
			return storageErr("read song", err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM jobs WHERE song_id = ?", id); err != nil {
			return storageErr("delete song jobs", err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM songs WHERE id = ?", id); err != nil {
			return storageErr("delete song", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return song, nil
}

// PublishSong replaces any prior song with the same id or name, inserts the
// new song and completes the job, all in one transaction. Nothing is
// written when the job is no longer processing.
func (s *Store) PublishSong(ctx context.Context, p PublishParams) (*PublishResult, error) {
	if p.JobID == "" || p.Song.ID == "" || p.Song.Name == "" {
		return nil, fmt.Errorf("%w: publish needs a job id, song id and name", ErrInvalidTransition)
	}
	if p.Song.CreatedAt.IsZero() {
		p.Song.CreatedAt = s.now()
	}
	message := p.Message
	if message == "" {
		message = "completed"
	}

	var result *PublishResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		result = &PublishResult{}

		rows, err := tx.QueryContext(ctx, "SELECT id FROM songs WHERE id = ? OR name = ?", p.PriorSongID, p.Song.Name)
		if err != nil {
			return storageErr("find replaced songs", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return storageErr("scan replaced song", err)
			}
			result.ReplacedSongIDs = append(result.ReplacedSongIDs, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return storageErr("iterate replaced songs", err)
		}

		for _, songID := range result.ReplacedSongIDs {
			jobIDs, err := jobIDsForSong(ctx, tx, songID)
			if err != nil {
				return err
			}
			result.RemovedJobIDs = append(result.RemovedJobIDs, jobIDs...)
			if _, err := tx.ExecContext(ctx, "DELETE FROM jobs WHERE song_id = ?", songID); err != nil {
				return storageErr("delete replaced jobs", err)
			}
			if _, err := tx.ExecContext(ctx, "DELETE FROM songs WHERE id = ?", songID); err != nil {
				return storageErr("delete replaced song", err)
			}
		}

		if _, err := tx.ExecContext(ctx, "INSERT INTO songs ("+songColumns+") VALUES (?, ?, ?, ?, ?, ?)",
			p.Song.ID, p.Song.Name, p.Song.AccompanimentPath, p.Song.NotesPath, p.Song.LyricsPath,
			formatTime(p.Song.CreatedAt),
		); err != nil {
			return storageErr("insert song", err)
		}

		completed := model.JobStatusCompleted
		progress := model.ProgressCompleted
		songID := p.Song.ID
		return s.updateTx(ctx, tx, p.JobID, JobUpdate{
			Status:   &completed,
			Progress: &progress,
			Message:  &message,
			SongID:   &songID,
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func jobIDsForSong(ctx context.Context, tx *sql.Tx, songID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, "SELECT id FROM jobs WHERE song_id = ?", songID)
	if err != nil {
		return nil, storageErr("list song jobs", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storageErr("scan song job", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate song jobs", err)
	}
	return ids, nil
}

func scanSong(row rowScanner) (*model.Song, error) {
	var (
		song      model.Song
		createdAt string
	)
	if err := row.Scan(&song.ID, &song.Name, &song.AccompanimentPath, &song.NotesPath, &song.LyricsPath, &createdAt); err != nil {
		return nil, err
	}
	t, err := parseTime(createdAt)
	if err != nil {
		return nil, err
	}
	song.CreatedAt = t
	return &song, nil
}
