package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/gitmirror/internal/config"
	"github.com/agentworkforce/gitmirror/internal/logging"
)

func main() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "gitmirror:", err)
		os.Exit(1)
	}
}

// RootOptions holds the flags shared by every subcommand. Flags override
// the matching GITMIRROR_* variables.
type RootOptions struct {
	EnvFile   string
	ScopeFile string
	LogLevel  string
	LogFormat string
}

func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}
	cmd := &cobra.Command{
		Use:           "gitmirror",
		Short:         "Mirror GitHub and GitLab repositories into a local store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.EnvFile, "env-file", "", "read settings from this .env file")
	cmd.PersistentFlags().StringVar(&opts.ScopeFile, "scope", "", "workspace scope file")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "debug, info, warn or error")
	cmd.PersistentFlags().StringVar(&opts.LogFormat, "log-format", "", "json or text")

	cmd.AddCommand(
		NewRunCommand(opts),
		NewSyncCommand(opts),
		NewSubjectsCommand(opts),
		NewPublishCommand(opts),
	)
	return cmd
}

func (o *RootOptions) load(stderr io.Writer) (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(o.EnvFile)
	if err != nil {
		return config.Config{}, nil, err
	}
	if o.ScopeFile != "" {
		cfg.ScopeFile = o.ScopeFile
	}
	if o.LogLevel != "" {
		cfg.LogLevel = o.LogLevel
	}
	if o.LogFormat != "" {
		cfg.LogFormat = o.LogFormat
	}
	logger := logging.New(stderr, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	return cfg, logger, nil
}
