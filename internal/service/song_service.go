package service

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/makeasinger/pitchtrainer/internal/client"
	"github.com/makeasinger/pitchtrainer/internal/model"
	"github.com/makeasinger/pitchtrainer/internal/transcribe"
)

// SongStore is the persistence the song service needs.
type SongStore interface {
	ListSongs(ctx context.Context, req model.SongListRequest) ([]model.Song, error)
	GetSong(ctx context.Context, id string) (*model.Song, error)
	DeleteSong(ctx context.Context, id string) (*model.Song, error)
}

// SongService serves published songs.
type SongService struct {
	store    SongStore
	songsDir string
	mirror   client.StorageClient
	logger   *slog.Logger
}

// NewSongService creates the service. mirror may be nil.
func NewSongService(st SongStore, songsDir string, mirror client.StorageClient, logger *slog.Logger) *SongService {
	if logger == nil {
		logger = slog.Default()
	}
	return &SongService{store: st, songsDir: songsDir, mirror: mirror, logger: logger}
}

// List returns a page of songs.
func (s *SongService) List(ctx context.Context, req model.SongListRequest) (*model.SongListResponse, error) {
	req.Normalize()
	songs, err := s.store.ListSongs(ctx, req)
	if err != nil {
		return nil, err
	}
	return &model.SongListResponse{Songs: songs, Limit: req.Limit, Offset: req.Offset}, nil
}

// Get returns one song.
func (s *SongService) Get(ctx context.Context, id string) (*model.Song, error) {
	return s.store.GetSong(ctx, id)
}

// Lyrics reads the song's LRC file.
func (s *SongService) Lyrics(ctx context.Context, id string) (*model.SongLyricsResponse, error) {
	song, err := s.store.GetSong(ctx, id)
	if err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(filepath.Join(s.songsDir, filepath.FromSlash(song.LyricsPath)))
	if err != nil {
		return nil, fmt.Errorf("failed to read lyrics for %s: %w", song.ID, err)
	}
	doc, err := transcribe.Parse(string(raw))
	if err != nil {
		return nil, err
	}

	return &model.SongLyricsResponse{
		ID:    song.ID,
		Name:  song.Name,
		LRC:   string(raw),
		Lines: doc.Lines,
	}, nil
}

// Delete removes a song, the jobs that produced it and its files. The row
// and the directory are removed under the song's name lock so a publish of
// the same name cannot land its files in between.
func (s *SongService) Delete(ctx context.Context, id string) (*model.SongDeleteResponse, error) {
	current, err := s.store.GetSong(ctx, id)
	if err != nil {
		return nil, err
	}
	unlock, err := lockSongName(ctx, s.songsDir, current.Name)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// A publish that held the lock may have replaced this song already.
	song, err := s.store.DeleteSong(ctx, id)
	if err != nil {
		return nil, err
	}

	dir := filepath.Join(s.songsDir, song.Name)
	if err := os.RemoveAll(dir); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Error("song row deleted but files remain",
			slog.String("song_id", song.ID),
			slog.String("dir", dir),
			slog.String("error", err.Error()),
		)
	}
	if s.mirror != nil {
		if _, err := s.mirror.DeletePrefix(ctx, mirrorPrefix(song.Name)); err != nil {
			s.logger.Warn("failed to remove mirrored song",
				slog.String("song_id", song.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	s.logger.Info("song deleted", slog.String("song_id", song.ID), slog.String("song", song.Name))
	return &model.SongDeleteResponse{Success: true, ID: song.ID}, nil
}
