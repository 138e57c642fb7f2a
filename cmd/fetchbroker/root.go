package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/casualjim/fetchbroker/internal/config"
	"github.com/goccy/go-json"
	"github.com/phsym/zeroslog"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// set with -ldflags "-X main.version=... -X main.commit=..."
var (
	version = "dev"
	commit  = "unknown"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "fetchbroker",
		Short:         "Routes intercepted requests to a cache, the network or registered sources",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	root.AddCommand(newServeCmd(), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := map[string]string{
				"version":  version,
				"commit":   commit,
				"go":       runtime.Version(),
				"platform": runtime.GOOS + "/" + runtime.GOARCH,
			}
			format, err := cmd.Flags().GetString("format")
			if err != nil {
				return err
			}
			if format == "json" {
				out, err := json.MarshalIndent(info, "", "  ")
				if err != nil {
					return fmt.Errorf("failed to format version info: %w", err)
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "fetchbroker %s (%s) %s %s\n",
				info["version"], info["commit"], info["go"], info["platform"])
			return err
		},
	}
	cmd.Flags().String("format", "", "Output format (json)")
	return cmd
}

// setupLogging installs a zerolog backed slog default and returns it.
func setupLogging(cfg config.LogConfig) (*slog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	var zl zerolog.Logger
	if cfg.Format == "json" {
		zl = zerolog.New(os.Stderr)
	} else {
		zl = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Stamp})
	}
	zl = zl.Level(level).With().Timestamp().Logger()

	logger := slog.New(zeroslog.NewHandler(zl, &zeroslog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
	return logger, nil
}
