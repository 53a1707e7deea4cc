package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/maxdollinger/envbuild/internal/config"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	configFile string
	cfg        *config.Config
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "envbuild",
		Short: "Build development environment images from declarative recipes",
		Long: `envbuild builds an OCI image from a recipe: a base image, environment
variables and apt packages installed in three phases (update, install,
clean). The image is published to a local OCI layout only when every phase
succeeds.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configFile, cmd.Flags())
			if err != nil {
				return &ExitError{Code: exitUsage, Err: err}
			}
			opts.cfg = cfg

			handler, err := newLogHandler(cmd.ErrOrStderr(), cfg.LogFormat, cfg.LogLevel)
			if err != nil {
				return &ExitError{Code: exitUsage, Err: err}
			}
			slog.SetDefault(slog.New(handler))
			return nil
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.configFile, "config", "", "config file (default ./envbuild.toml or /etc/envbuild/envbuild.toml)")
	flags.String("state-dir", config.DefaultStateDir, "directory for images, build history and scratch space")
	flags.String("layout-dir", "", "OCI layout images are published to (default <state-dir>/images)")
	flags.String("db", "", "build history database (default <state-dir>/envbuild.db)")
	flags.String("log-format", config.DefaultLogFormat, "log output format: text or json")
	flags.String("log-level", "info", "log level: debug, info, warn or error")

	cmd.AddCommand(
		newBuildCmd(opts),
		newRenderCmd(opts),
		newHistoryCmd(opts),
	)
	return cmd
}

func newLogHandler(w io.Writer, format, level string) (slog.Handler, error) {
	var slogLevel slog.Level
	if err := slogLevel.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}

	if format == "json" {
		return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slogLevel}), nil
	}

	lvl, err := log.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	return log.NewWithOptions(w, log.Options{
		Level:           lvl,
		ReportTimestamp: true,
		TimeFormat:      time.TimeOnly,
		Prefix:          "envbuild",
	}), nil
}
