package service

import (
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

const (
	untitledSong      = "untitled"
	maxSongNameLength = 120
)

// SongName derives the user-visible song name from an uploaded filename:
// the base name without extension, NFC-normalized, with path and shell
// reserved characters replaced by '-'. The result is always a safe single
// path segment.
func SongName(originalName string) string {
	base := filepath.Base(strings.ReplaceAll(originalName, "\\", "/"))
	base = strings.TrimSuffix(base, filepath.Ext(base))
	base = norm.NFC.String(base)

	var b strings.Builder
	for _, r := range base {
		switch {
		case r == utf8.RuneError:
			continue
		case strings.ContainsRune(`\/:*?"<>|`, r), unicode.IsControl(r):
			b.WriteRune('-')
		default:
			b.WriteRune(r)
		}
	}

	name := strings.TrimSpace(b.String())
	name = strings.TrimLeft(name, ". ")
	if utf8.RuneCountInString(name) > maxSongNameLength {
		name = strings.TrimSpace(string([]rune(name)[:maxSongNameLength]))
	}
	if name == "" {
		return untitledSong
	}
	return name
}
