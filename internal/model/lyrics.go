package model

// LyricLine is one time-stamped lyric entry.
type LyricLine struct {
	Start float64 `json:"start"` // seconds from the start of the track
	Text  string  `json:"text"`
}

// TimedLyrics is an ordered, non-empty lyric sequence.
type TimedLyrics []LyricLine
