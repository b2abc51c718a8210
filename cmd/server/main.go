package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/makeasinger/pitchtrainer/internal/client"
	"github.com/makeasinger/pitchtrainer/internal/config"
	"github.com/makeasinger/pitchtrainer/internal/handler"
	"github.com/makeasinger/pitchtrainer/internal/logging"
	"github.com/makeasinger/pitchtrainer/internal/middleware"
	"github.com/makeasinger/pitchtrainer/internal/service"
	"github.com/makeasinger/pitchtrainer/internal/store"
	"github.com/makeasinger/pitchtrainer/internal/transcribe"
	"github.com/makeasinger/pitchtrainer/pkg/response"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	appLogger, closeLog := logging.New(cfg.Server.LogLevel, cfg.Server.LogFile)
	defer closeLog()
	slog.SetDefault(appLogger)

	if err := cfg.EnsureDirectories(); err != nil {
		log.Fatalf("Failed to create storage directories: %v", err)
	}

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer st.Close()

	// Initialize Redis client
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		appLogger.Warn("redis not available", slog.String("error", err.Error()))
	}

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
	asynqClient := asynq.NewClient(redisOpt)
	defer asynqClient.Close()

	validate := validator.New()

	// Initialize external tools and clients
	runner := client.NewRunner(cfg.Tools.Timeout)
	tools := client.NewAudioTools(&cfg.Tools, runner)
	googleClient := client.NewGoogleSpeechClient(&cfg.Google, runner.Timeout())
	groqClient := client.NewGroqClient(&cfg.Groq, runner.Timeout())
	whisperCLI := client.NewWhisperCLI(&cfg.Whisper, runner)

	// R2 mirror is optional
	var mirror client.StorageClient
	if cfg.R2.AccessKeyID != "" && cfg.R2.SecretAccessKey != "" {
		r2Client, err := client.NewR2Client(&cfg.R2)
		if err != nil {
			appLogger.Warn("R2 mirror not initialized", slog.String("error", err.Error()))
		} else {
			mirror = r2Client
		}
	} else {
		appLogger.Info("R2 mirror not configured, serving songs from disk only")
	}

	strategies, err := transcribe.BuildStrategies(cfg.Transcription.Engines, transcribe.Engines{
		Google:     googleClient,
		Groq:       groqClient,
		Whisper:    whisperCLI,
		Transcoder: tools,
	})
	if err != nil {
		log.Fatalf("Invalid transcription config: %v", err)
	}
	var enhancer *transcribe.Enhancer
	if cfg.Transcription.Enhance {
		enhancer = transcribe.NewEnhancer(groqClient, cfg.Groq.Language)
	}
	chain := transcribe.NewChain(appLogger, enhancer, strategies...).WithStrategyTimeout(runner.Timeout())
	budget := pipelineBudget{
		toolTimeout: runner.Timeout(),
		engineCalls: chain.EngineCalls(),
	}
	appLogger.Info("transcription chain ready",
		slog.Any("engines", chain.Names()),
		slog.Bool("enhance", enhancer != nil),
		slog.Duration("task_deadline", budget.taskDeadline()),
	)

	// Initialize services
	dispatcher := service.NewAsynqDispatcher(asynqClient, budget.taskDeadline())
	jobService := service.NewJobService(st, dispatcher, cfg.Storage, appLogger)
	songService := service.NewSongService(st, cfg.Storage.SongsDir, mirror, appLogger)
	publishService := service.NewPublishService(st, tools, cfg.Storage.SongsDir, cfg.Tools.MinOutputBytes, mirror, appLogger)

	// Initialize handlers and middleware
	authMiddleware := middleware.NewAuthMiddleware(cfg.JWT.Secret)
	rateLimiter := middleware.NewRateLimiter(middleware.NewRedisLimitStore(redisClient), appLogger)
	healthHandler := handler.NewHealthHandler(
		map[string]handler.Checker{
			"sqlite": st.Ping,
			"redis":  func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
		},
		map[string]bool{
			"google": googleClient.IsConfigured(),
			"groq":   groqClient.IsConfigured(),
			"r2":     mirror != nil,
			"auth":   authMiddleware.Enabled(),
		},
	)

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    int(cfg.Storage.MaxUploadSize) + 1024*1024,
	})

	// Global middleware
	app.Use(recover.New())
	logFormat := "[${time}] ${status} - ${latency} ${method} ${path}\n"
	if strings.EqualFold(cfg.Server.LogLevel, "debug") {
		logFormat = "[${time}] ${status} - ${latency} ${method} ${path} ${queryParams} ${reqHeaders}\n"
	}
	app.Use(logger.New(logger.Config{
		Format: logFormat,
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	handler.Register(app, handler.Routes{
		Jobs:         handler.NewJobHandler(jobService, validate),
		Songs:        handler.NewSongHandler(songService, validate),
		Health:       healthHandler,
		Auth:         authMiddleware,
		RateLimiter:  rateLimiter,
		UploadLimit:  cfg.RateLimit.UploadPerWindow,
		UploadWindow: cfg.RateLimit.Window,
		SongsDir:     cfg.Storage.SongsDir,
	})

	// Start Asynq worker server and cleanup scheduler
	workers, err := startWorkers(cfg, redisOpt, st, tools, chain, publishService, budget, appLogger)
	if err != nil {
		log.Fatalf("Failed to start workers: %v", err)
	}

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		appLogger.Info("shutting down server")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			appLogger.Error("server shutdown error", slog.String("error", err.Error()))
		}
	}()

	// Start server
	addr := ":" + cfg.Server.Port
	appLogger.Info("server starting", slog.String("addr", addr))
	if err := app.Listen(addr); err != nil {
		appLogger.Error("server error", slog.String("error", err.Error()))
	}

	workers.Shutdown()
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	return response.Error(c, code, response.CodeServiceError, message, nil)
}
