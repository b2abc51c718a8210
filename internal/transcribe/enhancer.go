package transcribe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/makeasinger/pitchtrainer/internal/model"
)

// ErrEnhanceMismatch means the model returned a different number of lines.
var ErrEnhanceMismatch = errors.New("enhanced line count mismatch")

// ChatCompleter is the text model used to clean up transcripts.
type ChatCompleter interface {
	ChatCompletion(ctx context.Context, system, user string) (string, error)
	IsConfigured() bool
}

// Enhancer fixes recognition mistakes in lyric text without touching timing.
type Enhancer struct {
	chat     ChatCompleter
	language string
}

// NewEnhancer returns nil when chat is missing or unconfigured, which the
// chain treats as "no enhancement".
func NewEnhancer(chat ChatCompleter, language string) *Enhancer {
	if chat == nil || !chat.IsConfigured() {
		return nil
	}
	return &Enhancer{chat: chat, language: language}
}

// Enhance returns a copy of lines with corrected text. The result has the
// same length and start times as the input.
func (e *Enhancer) Enhance(ctx context.Context, lines model.TimedLyrics) (model.TimedLyrics, error) {
	texts := make([]string, len(lines))
	for i, l := range lines {
		texts[i] = l.Text
	}
	payload, err := json.Marshal(map[string][]string{"lines": texts})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal lines: %w", err)
	}

	response, err := e.chat.ChatCompletion(ctx, e.buildSystemPrompt(), string(payload))
	if err != nil {
		return nil, fmt.Errorf("enhance lyrics: %w", err)
	}

	var result struct {
		Lines []string `json:"lines"`
	}
	if err := json.Unmarshal([]byte(extractJSON(response)), &result); err != nil {
		return nil, fmt.Errorf("failed to parse enhanced lyrics: %w", err)
	}
	if len(result.Lines) != len(lines) {
		return nil, fmt.Errorf("%w: sent %d, got %d", ErrEnhanceMismatch, len(lines), len(result.Lines))
	}

	out := make(model.TimedLyrics, len(lines))
	for i, l := range lines {
		text := strings.TrimSpace(result.Lines[i])
		if text == "" {
			text = l.Text
		}
		out[i] = model.LyricLine{Start: l.Start, Text: text}
	}
	return out, nil
}

func (e *Enhancer) buildSystemPrompt() string {
	lang := e.language
	if lang == "" {
		lang = "the song's language"
	}
	return fmt.Sprintf(`You correct speech-recognition errors in song lyrics written in %s.
You receive JSON {"lines": [...]} and return JSON {"lines": [...]} with exactly the same number of lines, in the same order.
Fix misheard words and punctuation only. Do not merge, split, add or remove lines. Return only the JSON.`, lang)
}

// extractJSON attempts to extract JSON from a response that may contain extra text
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")

	if start != -1 && end != -1 && end > start {
		return s[start : end+1]
	}
	return s
}
