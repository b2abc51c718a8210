package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/makeasinger/pitchtrainer/internal/config"
)

// GroqClient handles communication with the Groq OpenAI-compatible API:
// chat completions for lyric cleanup and hosted Whisper for transcription.
type GroqClient struct {
	httpClient   *http.Client
	baseURL      string
	apiKey       string
	model        string
	whisperModel string
	language     string
}

// ChatMessage represents a message in the chat completion request
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatCompletionRequest represents the request body for chat completion
type ChatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

// ChatCompletionResponse represents the response from chat completion
type ChatCompletionResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// TranscriptionResponse is the verbose_json body of /audio/transcriptions.
type TranscriptionResponse struct {
	Text     string  `json:"text"`
	Language string  `json:"language"`
	Duration float64 `json:"duration"`
	Segments []struct {
		ID    int     `json:"id"`
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Text  string  `json:"text"`
	} `json:"segments"`
}

// NewGroqClient creates a new Groq API client
func NewGroqClient(cfg *config.GroqConfig, timeout time.Duration) *GroqClient {
	if timeout <= 0 {
		timeout = DefaultToolTimeout
	}
	return &GroqClient{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:       cfg.APIKey,
		model:        cfg.Model,
		whisperModel: cfg.WhisperModel,
		language:     cfg.Language,
	}
}

// ChatCompletion sends a chat completion request to Groq
func (c *GroqClient) ChatCompletion(ctx context.Context, system, user string) (string, error) {
	if !c.IsConfigured() {
		return "", &ToolError{Tool: "groq-chat", Kind: ErrToolUnavailable, Err: errors.New("no API key configured")}
	}

	reqBody := ChatCompletionRequest{
		Model: c.model,
		Messages: []ChatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: 0.2,
		MaxTokens:   4096,
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(bodyBytes))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	respBody, err := c.do(req, "groq-chat")
	if err != nil {
		return "", err
	}

	var chatResp ChatCompletionResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return "", &ToolError{Tool: "groq-chat", Kind: ErrToolFailed, Err: fmt.Errorf("failed to unmarshal response: %w", err)}
	}
	if len(chatResp.Choices) == 0 {
		return "", &ToolError{Tool: "groq-chat", Kind: ErrOutputMissing, Err: errors.New("no choices in response")}
	}

	return chatResp.Choices[0].Message.Content, nil
}

// Transcribe uploads the audio at path to the hosted Whisper model and
// returns its timed segments.
func (c *GroqClient) Transcribe(ctx context.Context, path string) ([]Segment, error) {
	if !c.IsConfigured() {
		return nil, &ToolError{Tool: "groq-whisper", Kind: ErrToolUnavailable, Err: errors.New("no API key configured")}
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, &ToolError{Tool: "groq-whisper", Kind: ErrOutputMissing, Path: path, Err: err}
	}
	defer f.Close()

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, fmt.Errorf("failed to copy audio: %w", err)
	}
	fields := map[string]string{
		"model":           c.whisperModel,
		"response_format": "verbose_json",
		"temperature":     "0",
	}
	if c.language != "" {
		fields["language"] = c.language
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, fmt.Errorf("failed to write field %s: %w", k, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/audio/transcriptions", &body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	respBody, err := c.do(req, "groq-whisper")
	if err != nil {
		return nil, err
	}

	var tr TranscriptionResponse
	if err := json.Unmarshal(respBody, &tr); err != nil {
		return nil, &ToolError{Tool: "groq-whisper", Kind: ErrToolFailed, Err: fmt.Errorf("failed to unmarshal response: %w", err)}
	}

	segments := make([]Segment, 0, len(tr.Segments))
	for _, s := range tr.Segments {
		text := strings.TrimSpace(s.Text)
		if text == "" {
			continue
		}
		segments = append(segments, Segment{Start: s.Start, End: s.End, Text: text})
	}
	return segments, nil
}

func (c *GroqClient) do(req *http.Request, tool string) ([]byte, error) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, &ToolError{Tool: tool, Kind: ErrToolTimeout, Err: err}
		}
		return nil, &ToolError{Tool: tool, Kind: ErrToolFailed, Err: fmt.Errorf("failed to send request: %w", err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ToolError{Tool: tool, Kind: ErrToolFailed, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &ToolError{
			Tool:     tool,
			Kind:     ErrToolFailed,
			ExitCode: resp.StatusCode,
			Output:   tail(respBody),
		}
	}
	return respBody, nil
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

// IsConfigured returns true if the client has valid configuration
func (c *GroqClient) IsConfigured() bool {
	return c.apiKey != ""
}
