package client

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/makeasinger/pitchtrainer/internal/config"
)

// WhisperCLI runs the local openai-whisper command.
type WhisperCLI struct {
	runner   *Runner
	binary   string
	model    string
	language string
}

type whisperOutput struct {
	Text     string `json:"text"`
	Segments []struct {
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Text  string  `json:"text"`
	} `json:"segments"`
}

// NewWhisperCLI creates the local whisper adapter.
func NewWhisperCLI(cfg *config.WhisperConfig, runner *Runner) *WhisperCLI {
	model := cfg.Model
	if model == "" {
		model = "medium"
	}
	if runner == nil {
		runner = NewRunner(0)
	}
	return &WhisperCLI{
		runner:   runner,
		binary:   cfg.Path,
		model:    model,
		language: cfg.Language,
	}
}

// Transcribe writes whisper's JSON output into outDir and returns its segments.
func (w *WhisperCLI) Transcribe(ctx context.Context, path, outDir string) ([]Segment, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("create whisper dir: %w", err)
	}

	args := []string{
		path,
		"--model", w.model,
		"--output_format", "json",
		"--output_dir", outDir,
		"--word_timestamps", "True",
		"--condition_on_previous_text", "False",
	}
	if w.language != "" {
		args = append(args, "--language", w.language)
	}
	if _, err := w.runner.Run(ctx, "whisper", w.binary, args...); err != nil {
		return nil, err
	}

	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	jsonPath := filepath.Join(outDir, base+".json")
	if err := CheckOutput("whisper", jsonPath, 0); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(jsonPath)
	if err != nil {
		return nil, &ToolError{Tool: "whisper", Kind: ErrOutputMissing, Path: jsonPath, Err: err}
	}

	var out whisperOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, &ToolError{Tool: "whisper", Kind: ErrToolFailed, Path: jsonPath, Err: fmt.Errorf("decode output: %w", err)}
	}

	segments := make([]Segment, 0, len(out.Segments))
	for _, s := range out.Segments {
		text := strings.TrimSpace(s.Text)
		if text == "" {
			continue
		}
		segments = append(segments, Segment{Start: s.Start, End: s.End, Text: text})
	}
	return segments, nil
}
