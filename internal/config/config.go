package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	fileKey := envKey + "_FILE"
	filePath := os.Getenv(fileKey)
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	val := strings.TrimSpace(string(data))
	os.Setenv(envKey, val)
}

type Config struct {
	Server        ServerConfig
	Redis         RedisConfig
	Database      DatabaseConfig
	Storage       StorageConfig
	Tools         ToolsConfig
	Google        GoogleConfig
	Groq          GroqConfig
	Whisper       WhisperConfig
	Transcription TranscriptionConfig
	R2            R2Config
	JWT           JWTConfig
	RateLimit     RateLimitConfig
	Worker        WorkerConfig
}

type ServerConfig struct {
	Port     string
	Env      string
	LogLevel string
	LogFile  string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type DatabaseConfig struct {
	Path string
}

// StorageConfig describes the on-disk layout. SongsDir is the published
// root; uploads and work dirs are scratch space swept by the cleanup task.
type StorageConfig struct {
	UploadDir     string
	WorkDir       string
	SongsDir      string
	KeepWorkDirs  bool
	MaxUploadSize int64
	CleanupMaxAge time.Duration
}

type ToolsConfig struct {
	SpleeterPath   string
	BasicPitchPath string
	FFmpegPath     string
	Timeout        time.Duration
	MinOutputBytes int64
}

type GoogleConfig struct {
	CredentialsFile string
	LanguageCode    string
	SampleRate      int
}

type GroqConfig struct {
	APIKey       string
	BaseURL      string
	Model        string
	WhisperModel string
	Language     string
}

type WhisperConfig struct {
	Path     string
	Model    string
	Language string
}

// TranscriptionConfig orders the engines tried before the placeholder.
type TranscriptionConfig struct {
	Engines []string
	Enhance bool
}

type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
}

type JWTConfig struct {
	Secret string
}

type RateLimitConfig struct {
	UploadPerWindow int
	Window          time.Duration
}

type WorkerConfig struct {
	Concurrency     int
	CleanupSchedule string
}

func Load() (*Config, error) {
	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("GROQ_API_KEY")
	readSecret("R2_ACCOUNT_ID")
	readSecret("R2_ACCESS_KEY_ID")
	readSecret("R2_SECRET_ACCESS_KEY")
	readSecret("JWT_SECRET")

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.AutomaticEnv()

	_ = v.BindEnv("server.port", "SERVER_PORT", "PORT")
	_ = v.BindEnv("server.env", "SERVER_ENV")
	_ = v.BindEnv("server.log_level", "LOG_LEVEL")
	_ = v.BindEnv("server.log_file", "LOG_FILE")
	_ = v.BindEnv("redis.addr", "REDIS_ADDR")
	_ = v.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = v.BindEnv("redis.db", "REDIS_DB")
	_ = v.BindEnv("database.path", "DB_PATH")
	_ = v.BindEnv("storage.upload_dir", "UPLOAD_DIR")
	_ = v.BindEnv("storage.work_dir", "WORK_DIR")
	_ = v.BindEnv("storage.songs_dir", "SONGS_DIR")
	_ = v.BindEnv("storage.keep_work_dirs", "KEEP_WORK_DIRS")
	_ = v.BindEnv("storage.max_upload_size", "MAX_FILE_SIZE")
	_ = v.BindEnv("storage.cleanup_max_age", "CLEANUP_MAX_AGE")
	_ = v.BindEnv("tools.spleeter_path", "SPLEETER_PATH")
	_ = v.BindEnv("tools.basicpitch_path", "BASICPITCH_PATH")
	_ = v.BindEnv("tools.ffmpeg_path", "FFMPEG_PATH")
	_ = v.BindEnv("tools.timeout", "TOOL_TIMEOUT")
	_ = v.BindEnv("tools.min_output_bytes", "TOOL_MIN_OUTPUT_BYTES")
	_ = v.BindEnv("google.credentials_file", "GOOGLE_APPLICATION_CREDENTIALS")
	_ = v.BindEnv("google.language_code", "GOOGLE_SPEECH_LANGUAGE")
	_ = v.BindEnv("google.sample_rate", "GOOGLE_SPEECH_SAMPLE_RATE")
	_ = v.BindEnv("groq.api_key", "GROQ_API_KEY")
	_ = v.BindEnv("groq.base_url", "GROQ_BASE_URL")
	_ = v.BindEnv("groq.model", "GROQ_MODEL")
	_ = v.BindEnv("groq.whisper_model", "GROQ_WHISPER_MODEL")
	_ = v.BindEnv("groq.language", "GROQ_LANGUAGE")
	_ = v.BindEnv("whisper.path", "WHISPER_PATH")
	_ = v.BindEnv("whisper.model", "WHISPER_MODEL")
	_ = v.BindEnv("whisper.language", "WHISPER_LANGUAGE")
	_ = v.BindEnv("transcription.engines", "TRANSCRIPTION_ENGINES")
	_ = v.BindEnv("transcription.enhance", "TRANSCRIPTION_ENHANCE")
	_ = v.BindEnv("r2.account_id", "R2_ACCOUNT_ID")
	_ = v.BindEnv("r2.access_key_id", "R2_ACCESS_KEY_ID")
	_ = v.BindEnv("r2.secret_access_key", "R2_SECRET_ACCESS_KEY")
	_ = v.BindEnv("r2.bucket_name", "R2_BUCKET_NAME")
	_ = v.BindEnv("r2.public_url", "R2_PUBLIC_URL")
	_ = v.BindEnv("jwt.secret", "JWT_SECRET")
	_ = v.BindEnv("ratelimit.upload_per_window", "RATE_LIMIT_MAX")
	_ = v.BindEnv("ratelimit.window", "RATE_LIMIT_WINDOW")
	_ = v.BindEnv("worker.concurrency", "WORKER_CONCURRENCY")
	_ = v.BindEnv("worker.cleanup_schedule", "CLEANUP_SCHEDULE")

	setDefaults(v)

	// Try to read config file (optional)
	_ = v.ReadInConfig()

	return fromViper(v), nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "3001")
	v.SetDefault("server.env", "development")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("database.path", "data/pitchtrainer.db")

	// Storage defaults
	v.SetDefault("storage.upload_dir", "uploads")
	v.SetDefault("storage.work_dir", "temp_processing")
	v.SetDefault("storage.songs_dir", "public/songs")
	v.SetDefault("storage.keep_work_dirs", false)
	v.SetDefault("storage.max_upload_size", 100*1024*1024)
	v.SetDefault("storage.cleanup_max_age", "24h")

	// Tool defaults
	v.SetDefault("tools.spleeter_path", "spleeter")
	v.SetDefault("tools.basicpitch_path", "basic-pitch")
	v.SetDefault("tools.ffmpeg_path", "ffmpeg")
	v.SetDefault("tools.timeout", "15m")
	v.SetDefault("tools.min_output_bytes", 100)

	// Transcription defaults
	v.SetDefault("google.language_code", "cmn-Hant-TW")
	v.SetDefault("google.sample_rate", 16000)
	v.SetDefault("groq.base_url", "https://api.groq.com/openai/v1")
	v.SetDefault("groq.model", "llama-3.3-70b-versatile")
	v.SetDefault("groq.whisper_model", "whisper-large-v3")
	v.SetDefault("groq.language", "zh")
	v.SetDefault("whisper.path", "whisper")
	v.SetDefault("whisper.model", "medium")
	v.SetDefault("whisper.language", "zh")
	v.SetDefault("transcription.engines", []string{"google", "groq", "whisper"})
	v.SetDefault("transcription.enhance", false)

	v.SetDefault("ratelimit.upload_per_window", 5)
	v.SetDefault("ratelimit.window", "15m")
	v.SetDefault("worker.concurrency", 2)
	v.SetDefault("worker.cleanup_schedule", "@hourly")
}

func fromViper(v *viper.Viper) *Config {
	return &Config{
		Server: ServerConfig{
			Port:     v.GetString("server.port"),
			Env:      v.GetString("server.env"),
			LogLevel: v.GetString("server.log_level"),
			LogFile:  v.GetString("server.log_file"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Database: DatabaseConfig{
			Path: v.GetString("database.path"),
		},
		Storage: StorageConfig{
			UploadDir:     v.GetString("storage.upload_dir"),
			WorkDir:       v.GetString("storage.work_dir"),
			SongsDir:      v.GetString("storage.songs_dir"),
			KeepWorkDirs:  v.GetBool("storage.keep_work_dirs"),
			MaxUploadSize: v.GetInt64("storage.max_upload_size"),
			CleanupMaxAge: v.GetDuration("storage.cleanup_max_age"),
		},
		Tools: ToolsConfig{
			SpleeterPath:   v.GetString("tools.spleeter_path"),
			BasicPitchPath: v.GetString("tools.basicpitch_path"),
			FFmpegPath:     v.GetString("tools.ffmpeg_path"),
			Timeout:        v.GetDuration("tools.timeout"),
			MinOutputBytes: v.GetInt64("tools.min_output_bytes"),
		},
		Google: GoogleConfig{
			CredentialsFile: v.GetString("google.credentials_file"),
			LanguageCode:    v.GetString("google.language_code"),
			SampleRate:      v.GetInt("google.sample_rate"),
		},
		Groq: GroqConfig{
			APIKey:       v.GetString("groq.api_key"),
			BaseURL:      v.GetString("groq.base_url"),
			Model:        v.GetString("groq.model"),
			WhisperModel: v.GetString("groq.whisper_model"),
			Language:     v.GetString("groq.language"),
		},
		Whisper: WhisperConfig{
			Path:     v.GetString("whisper.path"),
			Model:    v.GetString("whisper.model"),
			Language: v.GetString("whisper.language"),
		},
		Transcription: TranscriptionConfig{
			Engines: engineList(v.GetStringSlice("transcription.engines")),
			Enhance: v.GetBool("transcription.enhance"),
		},
		R2: R2Config{
			AccountID:       v.GetString("r2.account_id"),
			AccessKeyID:     v.GetString("r2.access_key_id"),
			SecretAccessKey: v.GetString("r2.secret_access_key"),
			BucketName:      v.GetString("r2.bucket_name"),
			PublicURL:       v.GetString("r2.public_url"),
		},
		JWT: JWTConfig{
			Secret: v.GetString("jwt.secret"),
		},
		RateLimit: RateLimitConfig{
			UploadPerWindow: v.GetInt("ratelimit.upload_per_window"),
			Window:          v.GetDuration("ratelimit.window"),
		},
		Worker: WorkerConfig{
			Concurrency:     v.GetInt("worker.concurrency"),
			CleanupSchedule: v.GetString("worker.cleanup_schedule"),
		},
	}
}

// engineList accepts both YAML lists and a comma separated env value.
func engineList(raw []string) []string {
	var out []string
	for _, item := range raw {
		for _, part := range strings.Split(item, ",") {
			part = strings.ToLower(strings.TrimSpace(part))
			if part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// EnsureDirectories creates the scratch and publish roots.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Storage.UploadDir, c.Storage.WorkDir, c.Storage.SongsDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}
