package main

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/makeasinger/pitchtrainer/internal/auth"
	"github.com/makeasinger/pitchtrainer/internal/config"
	"github.com/makeasinger/pitchtrainer/internal/model"
	"github.com/makeasinger/pitchtrainer/internal/service"
	"github.com/makeasinger/pitchtrainer/internal/store"
	"github.com/makeasinger/pitchtrainer/internal/worker"
)

const timeFormat = "2006-01-02 15:04"

func newSongsCommand(ctx *commandContext) *cobra.Command {
	var req model.SongListRequest
	var sort, order string

	cmd := &cobra.Command{
		Use:   "songs",
		Short: "List published songs",
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Sort = model.SongSort(sort)
			req.Order = model.SortOrder(order)
			return ctx.withStore(func(cfg *config.Config, st *store.Store) error {
				svc := service.NewSongService(st, cfg.Storage.SongsDir, nil, ctx.logger())
				resp, err := svc.List(cmd.Context(), req)
				if err != nil {
					return err
				}
				if ctx.jsonOut {
					return writeJSON(cmd.OutOrStdout(), resp)
				}
				if len(resp.Songs) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No songs published")
					return nil
				}
				rows := make([][]string, 0, len(resp.Songs))
				for _, s := range resp.Songs {
					rows = append(rows, []string{s.ID, s.Name, s.CreatedAt.Local().Format(timeFormat)})
				}
				fmt.Fprint(cmd.OutOrStdout(), renderTable([]string{"ID", "Name", "Created"}, rows))
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&req.Limit, "limit", 50, "Maximum number of songs")
	cmd.Flags().IntVar(&req.Offset, "offset", 0, "Songs to skip")
	cmd.Flags().StringVar(&sort, "sort", string(model.SongSortCreatedAt), "Sort by created_at or name")
	cmd.Flags().StringVar(&order, "order", string(model.SortDesc), "asc or desc")
	return cmd
}

func newJobCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "job <id>",
		Short: "Show a job's status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(_ *config.Config, st *store.Store) error {
				job, err := st.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if ctx.jsonOut {
					return writeJSON(cmd.OutOrStdout(), job)
				}
				rows := [][]string{
					{"ID", job.ID},
					{"Status", string(job.Status)},
					{"Progress", strconv.Itoa(job.Progress) + "%"},
					{"Message", job.Message},
					{"Song name", job.SongName},
					{"Uploaded as", job.OriginalName},
					{"Created", job.CreatedAt.Local().Format(timeFormat)},
					{"Updated", job.UpdatedAt.Local().Format(timeFormat)},
				}
				if job.SongID != nil {
					rows = append(rows, []string{"Song ID", *job.SongID})
				}
				if job.FailureReason != nil {
					rows = append(rows, []string{"Failure", *job.FailureReason})
				}
				fmt.Fprint(cmd.OutOrStdout(), renderTable([]string{"Field", "Value"}, rows))
				return nil
			})
		},
	}
}

func newDeleteCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <song-id>",
		Short: "Delete a song, its files and its jobs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(cfg *config.Config, st *store.Store) error {
				svc := service.NewSongService(st, cfg.Storage.SongsDir, nil, ctx.logger())
				resp, err := svc.Delete(cmd.Context(), args[0])
				if errors.Is(err, store.ErrSongNotFound) {
					return fmt.Errorf("song %s not found", args[0])
				}
				if err != nil {
					return err
				}
				if ctx.jsonOut {
					return writeJSON(cmd.OutOrStdout(), resp)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted song %s\n", resp.ID)
				return nil
			})
		},
	}
}

func newCleanupCommand(ctx *commandContext) *cobra.Command {
	var maxAge time.Duration

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Fail abandoned jobs and remove stale uploads and work directories",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(cfg *config.Config, st *store.Store) error {
				storage := cfg.Storage
				if maxAge > 0 {
					storage.CleanupMaxAge = maxAge
				}
				engineCalls := len(cfg.Transcription.Engines)
				if cfg.Transcription.Enhance {
					engineCalls++
				}
				staleAfter := worker.TaskDeadline(cfg.Tools.Timeout, engineCalls)
				report, err := worker.NewCleanupWorker(st, storage, staleAfter, ctx.logger()).Sweep(cmd.Context())
				if err != nil {
					return err
				}
				if ctx.jsonOut {
					return writeJSON(cmd.OutOrStdout(), report)
				}
				rows := [][]string{
					{"Stale jobs failed", strconv.Itoa(report.StaleJobs)},
					{"Uploads", strconv.Itoa(report.Uploads)},
					{"Work dirs", strconv.Itoa(report.WorkDirs)},
					{"Staging", strconv.Itoa(report.Staging)},
					{"Errors", strconv.Itoa(len(report.Errors))},
				}
				fmt.Fprint(cmd.OutOrStdout(), renderTable([]string{"Cleaned", "Count"}, rows, 2))
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&maxAge, "max-age", 0, "Override storage.cleanup_max_age")
	return cmd
}

func newTokenCommand(ctx *commandContext) *cobra.Command {
	var subject, name string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for uploads and deletes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.config()
			if err != nil {
				return err
			}
			token, err := auth.GenerateToken(subject, name, cfg.JWT.Secret, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "Token subject")
	cmd.Flags().StringVar(&name, "name", "", "Display name")
	cmd.Flags().DurationVar(&ttl, "ttl", 30*24*time.Hour, "Token lifetime")
	return cmd
}
