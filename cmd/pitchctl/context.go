package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/makeasinger/pitchtrainer/internal/config"
	"github.com/makeasinger/pitchtrainer/internal/logging"
	"github.com/makeasinger/pitchtrainer/internal/store"
)

type commandContext struct {
	dbPath   string
	jsonOut  bool
	verbose  bool
	cfg      *config.Config
	loadFunc func() (*config.Config, error)
}

func (c *commandContext) config() (*config.Config, error) {
	if c.cfg != nil {
		return c.cfg, nil
	}
	cfg, err := c.loadFunc()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if c.dbPath != "" {
		cfg.Database.Path = c.dbPath
	}
	c.cfg = cfg
	return cfg, nil
}

func (c *commandContext) logger() *slog.Logger {
	if !c.verbose {
		return logging.Discard()
	}
	level := "info"
	if c.cfg != nil {
		level = c.cfg.Server.LogLevel
	}
	logger, _ := logging.New(level, "")
	return logger
}

// withStore opens the database for the duration of fn.
func (c *commandContext) withStore(fn func(cfg *config.Config, st *store.Store) error) error {
	cfg, err := c.config()
	if err != nil {
		return err
	}
	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(cfg, st)
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newRootCommand() *cobra.Command {
	return newRootCommandWithLoader(config.Load)
}

func newRootCommandWithLoader(load func() (*config.Config, error)) *cobra.Command {
	ctx := &commandContext{loadFunc: load}

	root := &cobra.Command{
		Use:           "pitchctl",
		Short:         "Inspect and maintain the pitch trainer song library",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&ctx.dbPath, "db", "", "SQLite database path (overrides config)")
	root.PersistentFlags().BoolVar(&ctx.jsonOut, "json", false, "Print JSON instead of tables")
	root.PersistentFlags().BoolVarP(&ctx.verbose, "verbose", "v", false, "Log to stderr")

	root.AddCommand(newSongsCommand(ctx))
	root.AddCommand(newJobCommand(ctx))
	root.AddCommand(newDeleteCommand(ctx))
	root.AddCommand(newCleanupCommand(ctx))
	root.AddCommand(newTokenCommand(ctx))

	return root
}
