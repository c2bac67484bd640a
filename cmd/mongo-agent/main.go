package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/malbeclabs/mongoagent/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type ExitCode int

const (
	exitCodeSuccess = 0
	exitCodeError   = 1
)

// errReported marks a failure whose details were already written to stdout.
var errReported = errors.New("failed")

func main() {
	os.Exit(int(Run(os.Args[1:])))
}

func Run(args []string) ExitCode {
	root := newRootCmd()
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		if !errors.Is(err, errReported) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		return exitCodeError
	}
	return exitCodeSuccess
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "mongo-agent",
		Short:         "Answer natural language questions with MongoDB aggregation pipelines.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cmd.Help(); err != nil {
				return fmt.Errorf("failed to show help: %w", err)
			}
			return nil
		},
	}
	root.PersistentFlags().BoolP("verbose", "v", false, "set debug logging level")

	root.AddCommand(
		NewAskCmd().Command(),
		NewServeCmd().Command(),
		NewBatchCmd().Command(),
		NewValidateCmd().Command(),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "mongo-agent %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}

// setup loads the environment configuration and builds the logger. Logs go
// to stderr so stdout carries only command output.
func setup(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	verbose, err := cmd.Root().PersistentFlags().GetBool("verbose")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get verbose flag: %w", err)
	}
	return cfg, newLogger(cmd.ErrOrStderr(), verbose || cfg.Debug()), nil
}

func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:     level,
		AddSource: verbose,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Value = slog.StringValue(formatRFC3339Millis(a.Value.Time()))
			}
			if s, ok := a.Value.Any().(string); ok && s == "" {
				return slog.Attr{}
			}
			return a
		},
	}))
}

func formatRFC3339Millis(t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("%s.%03dZ", t.Format("2006-01-02T15:04:05"), t.Nanosecond()/1_000_000)
}

func addModelFlag(fs *pflag.FlagSet, model *string) {
	fs.StringVarP(model, "model", "m", "", "semantic model id or YAML file name")
}

func addDetailsFlag(fs *pflag.FlagSet, details *map[string]string) {
	fs.StringToStringVar(details, "db-detail", nil, "target override as key=value, e.g. dbName=ESM (repeatable)")
}

func closeComponents(log *slog.Logger, c *config.Components) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.Close(ctx); err != nil {
		log.Warn("failed to close query backend", "error", err)
	}
}
