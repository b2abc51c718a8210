package transcribe

import (
	"bufio"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/makeasinger/pitchtrainer/internal/model"
)

// Header holds the optional LRC ID tags.
type Header struct {
	Title  string
	Artist string
	Album  string
	By     string
}

// Document is a parsed LRC file.
type Document struct {
	Header Header
	Lines  model.TimedLyrics
}

var (
	timeTagRe = regexp.MustCompile(`^\[(\d+):(\d+(?:\.\d+)?)\](.*)$`)
	metaTagRe = regexp.MustCompile(`^\[([a-z]+):(.*)\]$`)
)

// FormatTimestamp renders seconds as an LRC [mm:ss.xx] tag.
func FormatTimestamp(seconds float64) string {
	if seconds < 0 || math.IsNaN(seconds) {
		seconds = 0
	}
	centis := int64(math.Round(seconds * 100))
	minutes := centis / 6000
	rest := centis % 6000
	return fmt.Sprintf("[%02d:%02d.%02d]", minutes, rest/100, rest%100)
}

// Format renders doc as LRC text. Lines are written in start order.
func Format(doc Document) string {
	var b strings.Builder
	tags := []struct{ key, val string }{
		{"ti", doc.Header.Title},
		{"ar", doc.Header.Artist},
		{"al", doc.Header.Album},
		{"by", doc.Header.By},
	}
	wroteHeader := false
	for _, t := range tags {
		if t.val == "" {
			continue
		}
		fmt.Fprintf(&b, "[%s:%s]\n", t.key, sanitizeLine(t.val))
		wroteHeader = true
	}
	if wroteHeader {
		b.WriteString("\n")
	}

	lines := append(model.TimedLyrics(nil), doc.Lines...)
	SortLines(lines)
	for _, l := range lines {
		b.WriteString(FormatTimestamp(l.Start))
		b.WriteString(sanitizeLine(l.Text))
		b.WriteString("\n")
	}
	return b.String()
}

// Parse reads LRC text. Unknown tags and malformed lines are skipped; lines
// come back sorted by start time.
func Parse(text string) (Document, error) {
	var doc Document
	sc := bufio.NewScanner(strings.NewReader(text))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(strings.TrimPrefix(sc.Text(), "\ufeff"))
		if line == "" {
			continue
		}
		if m := timeTagRe.FindStringSubmatch(line); m != nil {
			minutes, _ := strconv.Atoi(m[1])
			seconds, err := strconv.ParseFloat(m[2], 64)
			if err != nil {
				continue
			}
			lyric := strings.TrimSpace(m[3])
			if lyric == "" {
				continue
			}
			doc.Lines = append(doc.Lines, model.LyricLine{
				Start: float64(minutes)*60 + seconds,
				Text:  lyric,
			})
			continue
		}
		if m := metaTagRe.FindStringSubmatch(line); m != nil {
			val := strings.TrimSpace(m[2])
			switch m[1] {
			case "ti":
				doc.Header.Title = val
			case "ar":
				doc.Header.Artist = val
			case "al":
				doc.Header.Album = val
			case "by":
				doc.Header.By = val
			}
		}
	}
	if err := sc.Err(); err != nil {
		return Document{}, fmt.Errorf("read lrc: %w", err)
	}
	SortLines(doc.Lines)
	return doc, nil
}

// SortLines orders lines by start time, keeping the original order of ties.
func SortLines(lines model.TimedLyrics) {
	sort.SliceStable(lines, func(i, j int) bool {
		return lines[i].Start < lines[j].Start
	})
}

func sanitizeLine(s string) string {
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.TrimSpace(s)
}
