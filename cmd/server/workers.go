package main

import (
	"log/slog"
	"strings"
	"time"

	"github.com/hibiken/asynq"

	"github.com/makeasinger/pitchtrainer/internal/client"
	"github.com/makeasinger/pitchtrainer/internal/config"
	"github.com/makeasinger/pitchtrainer/internal/service"
	"github.com/makeasinger/pitchtrainer/internal/store"
	"github.com/makeasinger/pitchtrainer/internal/worker"
)

// pipelineBudget sizes the song task deadline and its stage budgets from the
// per-tool timeout.
type pipelineBudget struct {
	toolTimeout time.Duration
	engineCalls int
}

func (b pipelineBudget) taskDeadline() time.Duration {
	return worker.TaskDeadline(b.toolTimeout, b.engineCalls)
}

type workerGroup struct {
	server    *asynq.Server
	scheduler *asynq.Scheduler
}

func (g *workerGroup) Shutdown() {
	if g.scheduler != nil {
		g.scheduler.Shutdown()
	}
	g.server.Shutdown()
}

func startWorkers(
	cfg *config.Config,
	redisOpt asynq.RedisClientOpt,
	st *store.Store,
	tools *client.AudioTools,
	transcriber worker.Transcriber,
	publisher worker.Publisher,
	budget pipelineBudget,
	logger *slog.Logger,
) (*workerGroup, error) {
	asynqLogLevel := asynq.InfoLevel
	if strings.EqualFold(cfg.Server.LogLevel, "debug") {
		asynqLogLevel = asynq.DebugLevel
	} else if strings.EqualFold(cfg.Server.LogLevel, "warn") {
		asynqLogLevel = asynq.WarnLevel
	} else if strings.EqualFold(cfg.Server.LogLevel, "error") {
		asynqLogLevel = asynq.ErrorLevel
	}

	concurrency := cfg.Worker.Concurrency
	if concurrency <= 0 {
		concurrency = 2
	}

	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			service.QueueSongs:       9,
			service.QueueMaintenance: 1,
		},
		LogLevel: asynqLogLevel,
	})

	songWorker := worker.NewSongWorker(worker.SongWorkerOptions{
		Store:        st,
		Separator:    tools,
		Notes:        tools,
		Transcriber:  transcriber,
		Publisher:    publisher,
		WorkDir:      cfg.Storage.WorkDir,
		KeepWorkDirs: cfg.Storage.KeepWorkDirs,
		MinBytes:     cfg.Tools.MinOutputBytes,

		TranscribeTimeout: worker.TranscribeBudget(budget.toolTimeout, budget.engineCalls),
		FinalizeTimeout:   worker.FinalizeBudget(budget.toolTimeout),
		Logger:            logger,
	})
	cleanupWorker := worker.NewCleanupWorker(st, cfg.Storage, budget.taskDeadline(), logger)

	mux := asynq.NewServeMux()
	mux.HandleFunc(service.TaskTypeProcessSong, songWorker.ProcessTask)
	mux.HandleFunc(service.TaskTypeCleanup, cleanupWorker.ProcessTask)

	if err := srv.Start(mux); err != nil {
		return nil, err
	}
	group := &workerGroup{server: srv}

	if cfg.Worker.CleanupSchedule == "" {
		return group, nil
	}
	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{LogLevel: asynqLogLevel})
	if _, err := scheduler.Register(cfg.Worker.CleanupSchedule, service.NewCleanupTask(),
		asynq.Queue(service.QueueMaintenance),
		asynq.MaxRetry(0),
	); err != nil {
		srv.Shutdown()
		return nil, err
	}
	if err := scheduler.Start(); err != nil {
		srv.Shutdown()
		return nil, err
	}
	group.scheduler = scheduler
	logger.Info("cleanup scheduled", slog.String("spec", cfg.Worker.CleanupSchedule))
	return group, nil
}
