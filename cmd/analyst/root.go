package main

import (
	"io"
	"log/slog"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/danshapiro/analyst/internal/config"
)

type rootOptions struct {
	configPath string
	envFile    string
	debug      bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "analyst",
		Short:         "Run analysis scripts with error-aware retries and graceful degradation",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.envFile != "" {
				return godotenv.Load(opts.envFile)
			}
			// A missing .env is normal.
			_ = godotenv.Load()
			return nil
		},
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "run config file (YAML, or JSON by extension)")
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", "", "environment file to load instead of ./.env")
	root.PersistentFlags().BoolVar(&opts.debug, "debug", false, "enable debug logging")

	root.AddCommand(
		newRunCmd(opts),
		newValidateCmd(opts),
		newReconcileCmd(opts),
		newSandboxWorkerCmd(),
	)
	return root
}

func (o *rootOptions) load() (*config.Config, error) {
	return config.Load(o.configPath)
}

func newLogger(w io.Writer, cfg *config.Config, debug bool) *slog.Logger {
	level := cfg.LogLevel()
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: time.RFC3339,
	}))
}
