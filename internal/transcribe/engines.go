package transcribe

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/makeasinger/pitchtrainer/internal/client"
	"github.com/makeasinger/pitchtrainer/internal/model"
)

// Engine names accepted in transcription.engines.
const (
	EngineGoogle  = "google"
	EngineGroq    = "groq"
	EngineWhisper = "whisper"
)

// SpeechRecognizer transcribes a prepared audio file.
type SpeechRecognizer interface {
	Transcribe(ctx context.Context, path string) ([]client.Segment, error)
	IsConfigured() bool
}

// LocalRecognizer transcribes audio with scratch space in outDir.
type LocalRecognizer interface {
	Transcribe(ctx context.Context, path, outDir string) ([]client.Segment, error)
}

// EngineStrategy adapts a speech engine to the Strategy contract.
type EngineStrategy struct {
	name       string
	configured func() bool
	prepare    func(ctx context.Context, vocals, workDir string) (string, error)
	recognize  func(ctx context.Context, audio, workDir string) ([]client.Segment, error)
}

func (s *EngineStrategy) Name() string { return s.name }

// Transcribe runs the engine. Missing configuration and unavailable tools
// are reported as ErrEngineUnavailable, empty output as ErrNoSegments.
func (s *EngineStrategy) Transcribe(ctx context.Context, vocals, workDir string) (model.TimedLyrics, error) {
	if s.configured != nil && !s.configured() {
		return nil, fmt.Errorf("%s: %w", s.name, ErrEngineUnavailable)
	}

	audio := vocals
	if s.prepare != nil {
		prepared, err := s.prepare(ctx, vocals, workDir)
		if err != nil {
			return nil, fmt.Errorf("%s: prepare audio: %w", s.name, err)
		}
		audio = prepared
	}

	segments, err := s.recognize(ctx, audio, workDir)
	if err != nil {
		if errors.Is(err, client.ErrToolUnavailable) {
			return nil, fmt.Errorf("%s: %w: %w", s.name, ErrEngineUnavailable, err)
		}
		return nil, fmt.Errorf("%s: %w", s.name, err)
	}

	lines := make(model.TimedLyrics, 0, len(segments))
	for _, seg := range segments {
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		start := seg.Start
		if start < 0 {
			start = 0
		}
		lines = append(lines, model.LyricLine{Start: start, Text: text})
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("%s: %w", s.name, ErrNoSegments)
	}
	return lines, nil
}

// speechWAV converts vocals to mono PCM once per work dir and rate.
func speechWAV(t client.Transcoder, sampleRate int) func(ctx context.Context, vocals, workDir string) (string, error) {
	return func(ctx context.Context, vocals, workDir string) (string, error) {
		if sampleRate <= 0 {
			sampleRate = 16000
		}
		out := filepath.Join(workDir, fmt.Sprintf("speech_%d.wav", sampleRate))
		if info, err := os.Stat(out); err == nil && info.Size() > 0 {
			return out, nil
		}
		if err := os.MkdirAll(workDir, 0o755); err != nil {
			return "", err
		}
		if err := t.ToSpeechWAV(ctx, vocals, out, sampleRate); err != nil {
			return "", err
		}
		return out, nil
	}
}

// NewGoogleStrategy streams a downmixed copy of the vocals to Google Speech.
func NewGoogleStrategy(g *client.GoogleSpeechClient, t client.Transcoder) *EngineStrategy {
	return &EngineStrategy{
		name:       EngineGoogle,
		configured: g.IsConfigured,
		prepare:    speechWAV(t, g.SampleRate()),
		recognize: func(ctx context.Context, audio, _ string) ([]client.Segment, error) {
			return g.Transcribe(ctx, audio)
		},
	}
}

// NewSpeechStrategy wraps any hosted recognizer that takes 16 kHz mono audio.
func NewSpeechStrategy(name string, r SpeechRecognizer, t client.Transcoder) *EngineStrategy {
	return &EngineStrategy{
		name:       name,
		configured: r.IsConfigured,
		prepare:    speechWAV(t, 16000),
		recognize: func(ctx context.Context, audio, _ string) ([]client.Segment, error) {
			return r.Transcribe(ctx, audio)
		},
	}
}

// NewWhisperStrategy runs the local whisper CLI directly on the vocals.
func NewWhisperStrategy(w LocalRecognizer) *EngineStrategy {
	return &EngineStrategy{
		name: EngineWhisper,
		recognize: func(ctx context.Context, audio, workDir string) ([]client.Segment, error) {
			return w.Transcribe(ctx, audio, filepath.Join(workDir, "whisper"))
		},
	}
}

// Engines bundles the adapters a chain can be built from.
type Engines struct {
	Google     *client.GoogleSpeechClient
	Groq       *client.GroqClient
	Whisper    *client.WhisperCLI
	Transcoder client.Transcoder
}

// BuildStrategies maps configured engine names to strategies, in order.
func BuildStrategies(names []string, e Engines) ([]Strategy, error) {
	strategies := make([]Strategy, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, raw := range names {
		name := strings.ToLower(strings.TrimSpace(raw))
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true

		switch name {
		case EngineGoogle:
			if e.Google == nil || e.Transcoder == nil {
				return nil, fmt.Errorf("engine %q needs the google client and a transcoder", name)
			}
			strategies = append(strategies, NewGoogleStrategy(e.Google, e.Transcoder))
		case EngineGroq:
			if e.Groq == nil || e.Transcoder == nil {
				return nil, fmt.Errorf("engine %q needs the groq client and a transcoder", name)
			}
			strategies = append(strategies, NewSpeechStrategy(EngineGroq, e.Groq, e.Transcoder))
		case EngineWhisper:
			if e.Whisper == nil {
				return nil, fmt.Errorf("engine %q needs the whisper CLI", name)
			}
			strategies = append(strategies, NewWhisperStrategy(e.Whisper))
		default:
			return nil, fmt.Errorf("unknown transcription engine %q", raw)
		}
	}
	return strategies, nil
}
