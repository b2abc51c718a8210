package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/makeasinger/pitchtrainer/internal/auth"
	"github.com/makeasinger/pitchtrainer/internal/client"
	"github.com/makeasinger/pitchtrainer/internal/config"
	"github.com/makeasinger/pitchtrainer/internal/handler"
	"github.com/makeasinger/pitchtrainer/internal/logging"
	"github.com/makeasinger/pitchtrainer/internal/middleware"
	"github.com/makeasinger/pitchtrainer/internal/model"
	"github.com/makeasinger/pitchtrainer/internal/service"
	"github.com/makeasinger/pitchtrainer/internal/store"
	"github.com/makeasinger/pitchtrainer/internal/transcribe"
	"github.com/makeasinger/pitchtrainer/internal/worker"
)

const testJWTSecret = "test-secret-for-e2e"

// queueDispatcher records payloads instead of enqueueing them on Redis.
type queueDispatcher struct {
	mu       sync.Mutex
	payloads []model.JobPayload
}

func (d *queueDispatcher) Dispatch(_ context.Context, p model.JobPayload) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.payloads = append(d.payloads, p)
	return nil
}

func (d *queueDispatcher) take() []model.JobPayload {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.payloads
	d.payloads = nil
	return out
}

type memoryLimitStore struct {
	mu     sync.Mutex
	counts map[string]int64
}

func (m *memoryLimitStore) Hit(_ context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counts == nil {
		m.counts = map[string]int64{}
	}
	m.counts[key]++
	return m.counts[key], window, nil
}

// fakeTools stands in for spleeter, basic-pitch and ffmpeg.
type fakeTools struct{}

func (fakeTools) Separate(_ context.Context, _, outDir string) (client.Stems, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return client.Stems{}, err
	}
	stems := client.Stems{
		Vocals:        filepath.Join(outDir, "vocals.wav"),
		Accompaniment: filepath.Join(outDir, "accompaniment.wav"),
	}
	for _, p := range []string{stems.Vocals, stems.Accompaniment} {
		if err := os.WriteFile(p, bytes.Repeat([]byte{1}, 2048), 0o644); err != nil {
			return client.Stems{}, err
		}
	}
	return stems, nil
}

func (fakeTools) ExtractNotes(_ context.Context, _, outDir string) (string, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", err
	}
	p := filepath.Join(outDir, "vocals_basic_pitch.mid")
	return p, os.WriteFile(p, append([]byte("MThd"), bytes.Repeat([]byte{0}, 512)...), 0o644)
}

func (fakeTools) ToMP3(_ context.Context, _, output string) error {
	return os.WriteFile(output, append([]byte("ID3"), bytes.Repeat([]byte{0}, 2048)...), 0o644)
}

func (fakeTools) ToSpeechWAV(_ context.Context, _, output string, _ int) error {
	return os.WriteFile(output, []byte("RIFF"), 0o644)
}

type lyricsEngine struct{}

func (lyricsEngine) Name() string { return "google" }

func (lyricsEngine) Transcribe(context.Context, string, string) (model.TimedLyrics, error) {
	return model.TimedLyrics{{Start: 0.5, Text: "hello"}, {Start: 3.25, Text: "world"}}, nil
}

// testApp holds all components needed for testing
type testApp struct {
	app        *fiber.App
	store      *store.Store
	dispatcher *queueDispatcher
	worker     *worker.SongWorker
	cfg        *config.Config
}

type appOptions struct {
	jwtSecret   string
	uploadLimit int
}

// setupApp builds the same routes as cmd/server against a temp SQLite
// database, with the queue and the audio tools faked.
func setupApp(t *testing.T, opts appOptions) *testApp {
	t.Helper()

	root := t.TempDir()
	cfg := &config.Config{
		Storage: config.StorageConfig{
			UploadDir:     filepath.Join(root, "uploads"),
			WorkDir:       filepath.Join(root, "work"),
			SongsDir:      filepath.Join(root, "songs"),
			MaxUploadSize: 1024 * 1024,
		},
	}
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("failed to create dirs: %v", err)
	}

	st, err := store.Open(filepath.Join(root, "e2e.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	logger := logging.Discard()
	validate := validator.New()
	dispatcher := &queueDispatcher{}

	jobService := service.NewJobService(st, dispatcher, cfg.Storage, logger)
	songService := service.NewSongService(st, cfg.Storage.SongsDir, nil, logger)
	publishService := service.NewPublishService(st, fakeTools{}, cfg.Storage.SongsDir, 0, nil, logger)

	songWorker := worker.NewSongWorker(worker.SongWorkerOptions{
		Store:       st,
		Separator:   fakeTools{},
		Notes:       fakeTools{},
		Transcriber: transcribe.NewChain(logger, nil, lyricsEngine{}),
		Publisher:   publishService,
		WorkDir:     cfg.Storage.WorkDir,
		Logger:      logger,
	})

	uploadLimit := opts.uploadLimit
	if uploadLimit == 0 {
		uploadLimit = 10000
	}

	app := fiber.New(fiber.Config{
		BodyLimit: int(cfg.Storage.MaxUploadSize) * 2,
	})
	health := handler.NewHealthHandler(
		map[string]handler.Checker{"sqlite": st.Ping},
		map[string]bool{"auth": opts.jwtSecret != ""},
	)
	handler.Register(app, handler.Routes{
		Jobs:         handler.NewJobHandler(jobService, validate),
		Songs:        handler.NewSongHandler(songService, validate),
		Health:       health,
		Auth:         middleware.NewAuthMiddleware(opts.jwtSecret),
		RateLimiter:  middleware.NewRateLimiter(&memoryLimitStore{}, logger),
		UploadLimit:  uploadLimit,
		UploadWindow: time.Minute,
		SongsDir:     cfg.Storage.SongsDir,
	})

	return &testApp{app: app, store: st, dispatcher: dispatcher, worker: songWorker, cfg: cfg}
}

// drain runs every dispatched job through the pipeline synchronously.
func (ta *testApp) drain(t *testing.T) {
	t.Helper()
	for _, p := range ta.dispatcher.take() {
		if err := ta.worker.Process(context.Background(), p); err != nil {
			t.Fatalf("pipeline failed for %s: %v", p.JobID, err)
		}
	}
}

// generateToken creates an operator token for test requests.
func generateToken(t *testing.T) string {
	t.Helper()
	signed, err := auth.GenerateToken("e2e", "E2E", testJWTSecret, time.Hour)
	if err != nil {
		t.Fatalf("failed to generate test token: %v", err)
	}
	return signed
}

func mp3Bytes() []byte {
	return append([]byte("ID3\x03\x00\x00\x00\x00\x00\x00"), bytes.Repeat([]byte{0}, 4096)...)
}

// uploadRequest builds a multipart upload of content named filename.
func uploadRequest(t *testing.T, filename string, content []byte, token string) *http.Request {
	t.Helper()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	if filename != "" {
		part, err := writer.CreateFormFile("file", filename)
		if err != nil {
			t.Fatalf("failed to create form file: %v", err)
		}
		_, _ = part.Write(content)
	}
	writer.Close()

	req, err := http.NewRequest(http.MethodPost, "/api/songs", &buf)
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

// doRequest is a helper to perform HTTP requests against the test app.
func doRequest(app *fiber.App, method, path string, body string, headers map[string]string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequest(method, path, bodyReader)
	if err != nil {
		return nil, err
	}

	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return app.Test(req, -1)
}

// readBody reads and returns the response body as a string.
func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	return string(b)
}

// parseJSON parses response body into a map.
func parseJSON(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	body := readBody(t, resp)
	var result map[string]interface{}
	if err := json.Unmarshal([]byte(body), &result); err != nil {
		t.Fatalf("failed to parse JSON: %v\nbody: %s", err, body)
	}
	return result
}

// assertStatus checks the HTTP status code.
func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("expected status %d, got %d", expected, resp.StatusCode)
	}
}

// errorCode extracts error.code from an error envelope.
func errorCode(body map[string]interface{}) string {
	errObj, ok := body["error"].(map[string]interface{})
	if !ok {
		return ""
	}
	code, _ := errObj["code"].(string)
	return code
}
