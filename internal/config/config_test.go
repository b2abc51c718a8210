package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	chdirForTest(t, t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "3001", cfg.Server.Port)
	assert.Equal(t, int64(100*1024*1024), cfg.Storage.MaxUploadSize)
	assert.Equal(t, 15*time.Minute, cfg.Tools.Timeout)
	assert.Equal(t, int64(100), cfg.Tools.MinOutputBytes)
	assert.Equal(t, 24*time.Hour, cfg.Storage.CleanupMaxAge)
	assert.Equal(t, []string{"google", "groq", "whisper"}, cfg.Transcription.Engines)
	assert.False(t, cfg.Storage.KeepWorkDirs)
}

func TestLoad_EnvOverrides(t *testing.T) {
	chdirForTest(t, t.TempDir())
	t.Setenv("TRANSCRIPTION_ENGINES", "whisper, groq")
	t.Setenv("TOOL_TIMEOUT", "90s")
	t.Setenv("KEEP_WORK_DIRS", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"whisper", "groq"}, cfg.Transcription.Engines)
	assert.Equal(t, 90*time.Second, cfg.Tools.Timeout)
	assert.True(t, cfg.Storage.KeepWorkDirs)
}

func TestReadSecret_FromFile(t *testing.T) {
	dir := t.TempDir()
	secretPath := filepath.Join(dir, "groq")
	require.NoError(t, os.WriteFile(secretPath, []byte("  s3cret\n"), 0o600))

	t.Setenv("GROQ_API_KEY", "")
	t.Setenv("GROQ_API_KEY_FILE", secretPath)
	readSecret("GROQ_API_KEY")

	assert.Equal(t, "s3cret", os.Getenv("GROQ_API_KEY"))
}

func TestEngineList(t *testing.T) {
	assert.Equal(t, []string{"google", "whisper"}, engineList([]string{"Google,", " whisper "}))
	assert.Nil(t, engineList(nil))
}

// chdirForTest changes the working directory for the duration of the test,
// restoring it on cleanup (equivalent to testing.T.Chdir, which needs Go 1.24).
func chdirForTest(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}
