package client

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/makeasinger/pitchtrainer/internal/config"
)

// DefaultMinOutputBytes is the size an artifact must exceed to count as produced.
const DefaultMinOutputBytes int64 = 100

// Stems are the two tracks produced by source separation.
type Stems struct {
	Vocals        string
	Accompaniment string
}

// Separator splits a recording into vocals and accompaniment.
type Separator interface {
	Separate(ctx context.Context, input, outDir string) (Stems, error)
}

// NoteExtractor turns a vocal track into a MIDI melody.
type NoteExtractor interface {
	ExtractNotes(ctx context.Context, vocals, outDir string) (string, error)
}

// Transcoder converts audio between the formats the pipeline needs.
type Transcoder interface {
	ToMP3(ctx context.Context, input, output string) error
	ToSpeechWAV(ctx context.Context, input, output string, sampleRate int) error
}

// AudioTools implements Separator, NoteExtractor and Transcoder on top of
// the spleeter, basic-pitch and ffmpeg command line tools.
type AudioTools struct {
	runner     *Runner
	spleeter   string
	basicPitch string
	ffmpeg     string
	minBytes   int64
}

// NewAudioTools creates the CLI-backed audio adapters.
func NewAudioTools(cfg *config.ToolsConfig, runner *Runner) *AudioTools {
	minBytes := cfg.MinOutputBytes
	if minBytes <= 0 {
		minBytes = DefaultMinOutputBytes
	}
	if runner == nil {
		runner = NewRunner(cfg.Timeout)
	}
	return &AudioTools{
		runner:     runner,
		spleeter:   cfg.SpleeterPath,
		basicPitch: cfg.BasicPitchPath,
		ffmpeg:     cfg.FFmpegPath,
		minBytes:   minBytes,
	}
}

// Separate runs the 2-stem model. Spleeter writes into
// outDir/<input basename>/{vocals,accompaniment}.wav.
func (a *AudioTools) Separate(ctx context.Context, input, outDir string) (Stems, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return Stems{}, fmt.Errorf("create separation dir: %w", err)
	}
	if _, err := a.runner.Run(ctx, "spleeter", a.spleeter,
		"separate", "-p", "spleeter:2stems", "-o", outDir, input,
	); err != nil {
		return Stems{}, err
	}

	base := strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))
	stems := Stems{
		Vocals:        filepath.Join(outDir, base, "vocals.wav"),
		Accompaniment: filepath.Join(outDir, base, "accompaniment.wav"),
	}
	if err := CheckOutput("spleeter", stems.Vocals, a.minBytes); err != nil {
		return Stems{}, err
	}
	if err := CheckOutput("spleeter", stems.Accompaniment, a.minBytes); err != nil {
		return Stems{}, err
	}
	return stems, nil
}

// ExtractNotes runs basic-pitch on vocals and returns the MIDI path.
func (a *AudioTools) ExtractNotes(ctx context.Context, vocals, outDir string) (string, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", fmt.Errorf("create midi dir: %w", err)
	}
	if _, err := a.runner.Run(ctx, "basic-pitch", a.basicPitch, outDir, vocals); err != nil {
		return "", err
	}

	base := strings.TrimSuffix(filepath.Base(vocals), filepath.Ext(vocals))
	midi := filepath.Join(outDir, base+"_basic_pitch.mid")
	if err := CheckOutput("basic-pitch", midi, a.minBytes); err != nil {
		return "", err
	}
	return midi, nil
}

// ToMP3 encodes input as a 192 kbps MP3.
func (a *AudioTools) ToMP3(ctx context.Context, input, output string) error {
	if _, err := a.runner.Run(ctx, "ffmpeg", a.ffmpeg,
		"-hide_banner", "-loglevel", "error",
		"-i", input, "-ab", "192k", "-y", output,
	); err != nil {
		return err
	}
	return CheckOutput("ffmpeg", output, a.minBytes)
}

// ToSpeechWAV downmixes input to mono 16-bit PCM at sampleRate, the format
// the speech engines expect.
func (a *AudioTools) ToSpeechWAV(ctx context.Context, input, output string, sampleRate int) error {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	if _, err := a.runner.Run(ctx, "ffmpeg", a.ffmpeg,
		"-hide_banner", "-loglevel", "error",
		"-i", input,
		"-ac", "1",
		"-ar", fmt.Sprintf("%d", sampleRate),
		"-c:a", "pcm_s16le",
		"-y", output,
	); err != nil {
		return err
	}
	return CheckOutput("ffmpeg", output, a.minBytes)
}
