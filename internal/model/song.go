package model

import "time"

// Song is a published practice bundle. Paths are relative to the songs root
// so they can be served statically or mirrored to object storage unchanged.
type Song struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	AccompanimentPath string    `json:"accompanimentPath"`
	NotesPath         string    `json:"notesPath"`
	LyricsPath        string    `json:"lyricsPath"`
	CreatedAt         time.Time `json:"createdAt"`
}

// SongListRequest holds GET /api/songs query parameters.
type SongListRequest struct {
	Limit  int       `query:"limit" validate:"omitempty,min=1,max=200"`
	Offset int       `query:"offset" validate:"omitempty,min=0"`
	Sort   SongSort  `query:"sort" validate:"omitempty,oneof=created_at name"`
	Order  SortOrder `query:"order" validate:"omitempty,oneof=asc desc"`
}

// Normalize fills defaults for unset fields.
func (r *SongListRequest) Normalize() {
	if r.Limit == 0 {
		r.Limit = 50
	}
	if r.Sort == "" {
		r.Sort = SongSortCreatedAt
	}
	if r.Order == "" {
		r.Order = SortDesc
	}
}

// SongListResponse wraps a page of songs.
type SongListResponse struct {
	Songs  []Song `json:"songs"`
	Limit  int    `json:"limit"`
	Offset int    `json:"offset"`
}

// SongDeleteResponse is returned by DELETE /api/songs/:id.
type SongDeleteResponse struct {
	Success bool   `json:"success"`
	ID      string `json:"id"`
}

// SongLyricsResponse is returned by GET /api/songs/:id/lyrics.
type SongLyricsResponse struct {
	ID    string      `json:"id"`
	Name  string      `json:"name"`
	LRC   string      `json:"lrc"`
	Lines TimedLyrics `json:"lines"`
}
