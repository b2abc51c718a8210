package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/makeasinger/pitchtrainer/internal/client"
	"github.com/makeasinger/pitchtrainer/internal/model"
	"github.com/makeasinger/pitchtrainer/internal/store"
	"github.com/makeasinger/pitchtrainer/internal/transcribe"
)

// Published file names inside songs/<name>/.
const (
	AccompanimentFile = "audio.mp3"
	NotesFile         = "melody.mid"
	LyricsFile        = "lyrics.lrc"

	stagingDirName = ".staging"
	trashDirName   = ".trash"
	locksDirName   = ".locks"

	lockRetryDelay = 250 * time.Millisecond
)

// PublishStore is the persistence the publisher needs.
type PublishStore interface {
	PublishSong(ctx context.Context, p store.PublishParams) (*store.PublishResult, error)
}

// Artifacts are the validated outputs of the pipeline for one job.
type Artifacts struct {
	JobID         string
	SongName      string
	PriorSongID   string
	Accompaniment string
	Notes         string
	Lyrics        model.TimedLyrics
	LyricsEngine  string
}

// PublishService installs finished bundles under songs/<name>/ and records
// them in the store.
type PublishService struct {
	store      PublishStore
	transcoder client.Transcoder
	songsDir   string
	minBytes   int64
	mirror     client.StorageClient
	logger     *slog.Logger
}

// NewPublishService creates the publisher. mirror may be nil.
func NewPublishService(st PublishStore, transcoder client.Transcoder, songsDir string, minBytes int64, mirror client.StorageClient, logger *slog.Logger) *PublishService {
	if logger == nil {
		logger = slog.Default()
	}
	if minBytes <= 0 {
		minBytes = client.DefaultMinOutputBytes
	}
	return &PublishService{
		store:      st,
		transcoder: transcoder,
		songsDir:   songsDir,
		minBytes:   minBytes,
		mirror:     mirror,
		logger:     logger,
	}
}

// Finalize stages the bundle, swaps it into place and commits the song and
// job completion in one transaction. On a failed commit the directory swap
// is undone so disk and database keep describing the same song.
func (p *PublishService) Finalize(ctx context.Context, a Artifacts) (*model.Song, error) {
	logger := p.logger.With(slog.String("job_id", a.JobID), slog.String("song", a.SongName))

	unlock, err := lockSongName(ctx, p.songsDir, a.SongName)
	if err != nil {
		return nil, err
	}
	defer unlock()

	staging := filepath.Join(p.songsDir, stagingDirName, a.JobID)
	if err := p.stage(ctx, staging, a); err != nil {
		_ = os.RemoveAll(staging)
		return nil, err
	}

	final := filepath.Join(p.songsDir, a.SongName)
	trash := filepath.Join(p.songsDir, trashDirName, a.JobID)
	movedOld, err := p.swap(staging, final, trash)
	if err != nil {
		_ = os.RemoveAll(staging)
		return nil, err
	}

	song := model.Song{
		ID:                uuid.New().String(),
		Name:              a.SongName,
		AccompanimentPath: path.Join(a.SongName, AccompanimentFile),
		NotesPath:         path.Join(a.SongName, NotesFile),
		LyricsPath:        path.Join(a.SongName, LyricsFile),
		CreatedAt:         time.Now(),
	}
	res, err := p.store.PublishSong(ctx, store.PublishParams{
		JobID:       a.JobID,
		PriorSongID: a.PriorSongID,
		Song:        song,
		Message:     "completed",
	})
	if err != nil {
		logger.Error("publish transaction failed, rolling back files", slog.String("error", err.Error()))
		if rbErr := p.rollback(final, trash, movedOld); rbErr != nil {
			logger.Error("data-consistency risk: song files no longer match the database",
				slog.String("dir", final),
				slog.String("error", rbErr.Error()),
			)
		}
		return nil, err
	}

	if err := os.RemoveAll(trash); err != nil {
		logger.Warn("failed to remove replaced song files", slog.String("dir", trash), slog.String("error", err.Error()))
	}
	if len(res.ReplacedSongIDs) > 0 {
		logger.Info("replaced existing song",
			slog.Any("replaced_song_ids", res.ReplacedSongIDs),
			slog.Int("removed_jobs", len(res.RemovedJobIDs)),
		)
	}

	p.mirrorSong(ctx, logger, final, a.SongName)

	logger.Info("song published", slog.String("song_id", song.ID), slog.String("lyrics_engine", a.LyricsEngine))
	return &song, nil
}

func (p *PublishService) stage(ctx context.Context, staging string, a Artifacts) error {
	if err := os.RemoveAll(staging); err != nil {
		return fmt.Errorf("failed to clear staging dir: %w", err)
	}
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return fmt.Errorf("failed to create staging dir: %w", err)
	}

	mp3 := filepath.Join(staging, AccompanimentFile)
	if err := p.transcoder.ToMP3(ctx, a.Accompaniment, mp3); err != nil {
		return fmt.Errorf("transcode accompaniment: %w", err)
	}
	if err := client.CheckOutput("transcode", mp3, p.minBytes); err != nil {
		return err
	}

	midi := filepath.Join(staging, NotesFile)
	if err := copyFile(a.Notes, midi); err != nil {
		return fmt.Errorf("copy notes: %w", err)
	}
	if err := client.CheckOutput("copy-notes", midi, p.minBytes); err != nil {
		return err
	}

	if len(a.Lyrics) == 0 {
		return errors.New("write lyrics: no lyric lines")
	}
	lrc := transcribe.Format(transcribe.Document{
		Header: transcribe.Header{Title: a.SongName, By: "pitchtrainer"},
		Lines:  a.Lyrics,
	})
	if err := os.WriteFile(filepath.Join(staging, LyricsFile), []byte(lrc), 0o644); err != nil {
		return fmt.Errorf("write lyrics: %w", err)
	}
	return nil
}

// swap moves any existing bundle to trash and renames staging into place.
func (p *PublishService) swap(staging, final, trash string) (bool, error) {
	if err := os.MkdirAll(filepath.Dir(trash), 0o755); err != nil {
		return false, fmt.Errorf("failed to create trash dir: %w", err)
	}
	_ = os.RemoveAll(trash)

	movedOld := false
	if _, err := os.Stat(final); err == nil {
		if err := os.Rename(final, trash); err != nil {
			return false, fmt.Errorf("failed to move existing song aside: %w", err)
		}
		movedOld = true
	}

	if err := os.Rename(staging, final); err != nil {
		if movedOld {
			if rbErr := os.Rename(trash, final); rbErr != nil {
				p.logger.Error("data-consistency risk: failed to restore existing song files",
					slog.String("dir", final),
					slog.String("error", rbErr.Error()),
				)
			}
		}
		return false, fmt.Errorf("failed to install song files: %w", err)
	}
	return movedOld, nil
}

func (p *PublishService) rollback(final, trash string, movedOld bool) error {
	if err := os.RemoveAll(final); err != nil {
		return fmt.Errorf("remove new files: %w", err)
	}
	if movedOld {
		if err := os.Rename(trash, final); err != nil {
			return fmt.Errorf("restore previous files: %w", err)
		}
	}
	return nil
}

// mirrorSong copies the bundle to object storage. Failures are logged only;
// the local copy is authoritative.
func (p *PublishService) mirrorSong(ctx context.Context, logger *slog.Logger, dir, name string) {
	if p.mirror == nil {
		return
	}
	prefix := mirrorPrefix(name)
	if _, err := p.mirror.DeletePrefix(ctx, prefix); err != nil {
		logger.Warn("failed to clear mirrored song", slog.String("error", err.Error()))
	}
	for _, file := range []string{AccompanimentFile, NotesFile, LyricsFile} {
		if err := p.mirrorFile(ctx, filepath.Join(dir, file), prefix+file); err != nil {
			logger.Warn("failed to mirror song file", slog.String("file", file), slog.String("error", err.Error()))
		}
	}
}

func (p *PublishService) mirrorFile(ctx context.Context, localPath, key string) error {
	mtype, err := mimetype.DetectFile(localPath)
	if err != nil {
		return err
	}
	contentType := mtype.String()
	if filepath.Ext(localPath) == ".lrc" {
		contentType = "text/plain; charset=utf-8"
	}

	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = p.mirror.Upload(ctx, key, f, contentType)
	return err
}

func mirrorPrefix(name string) string {
	return "songs/" + name + "/"
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
