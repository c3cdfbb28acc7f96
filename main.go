// comtrans — translates English C/C++ source comments in place using an AI
// backend, with backups, resumable progress, and a Markdown report.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/comtrans/comtrans/config"
	"github.com/comtrans/comtrans/pipeline"
	"github.com/comtrans/comtrans/report"
	"github.com/comtrans/comtrans/translate"
)

// Version information (set via -ldflags during build)
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// ANSI colors
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[0;31m"
	colorGreen  = "\033[0;32m"
	colorYellow = "\033[1;33m"
	colorBlue   = "\033[0;34m"
)

func logInfo(format string, args ...any) {
	fmt.Fprintf(os.Stderr, colorBlue+"[INFO]"+colorReset+" "+format+"\n", args...)
}

func logSuccess(format string, args ...any) {
	fmt.Fprintf(os.Stderr, colorGreen+"[OK]"+colorReset+" "+format+"\n", args...)
}

func logWarning(format string, args ...any) {
	fmt.Fprintf(os.Stderr, colorYellow+"[WARN]"+colorReset+" "+format+"\n", args...)
}

func logError(format string, args ...any) {
	fmt.Fprintf(os.Stderr, colorRed+"[ERROR]"+colorReset+" "+format+"\n", args...)
}

// ---------------------------------------------------------------------------
// Root command
// ---------------------------------------------------------------------------

func newRootCmd() *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:   "comtrans <directory>",
		Short: "Translate English C/C++ source comments in place",
		Long: `comtrans — translate English comments in C/C++ sources using an AI backend.

Walks a directory tree, finds .h/.hpp/.c/.cpp/.cc/.cxx files with English
comments, translates only the comments, and rewrites each file atomically.
Everything outside a comment stays byte-identical. Pristine copies and a
progress log live under <directory>/` + config.StateDirName + `, so an
interrupted run resumes with --resume and a failed file can always be
recovered by hand.

The API key is read from --api-key, the config file, or the ZHIPUAI_API_KEY
environment variable (a local .env file is honored).`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd.Flags(), configFile)
			if err != nil {
				return err
			}
			cfg.Directory = args[0]
			if info, err := os.Stat(cfg.Directory); err != nil || !info.IsDir() {
				return fmt.Errorf("%s is not a directory", cfg.Directory)
			}
			return run(cmd.Context(), cfg)
		},
	}

	flags := root.Flags()
	flags.String("api-key", "", "API key for the translation backend")
	flags.String("base-url", "", "Override the API base URL")
	flags.String("model", "glm-4-flash", "Model name")
	flags.String("language", "Chinese", "Target language for comments")
	flags.Int("threads", 20, "Number of parallel workers")
	flags.StringSlice("exclude", nil, "Directory name to skip (repeatable)")
	flags.String("report", "report.md", "Path of the Markdown report")
	flags.Bool("batch", false, "Use the batch API instead of synchronous requests")
	flags.Bool("resume", false, "Skip files finished by a previous run")
	flags.Duration("timeout", 120*time.Second, "Per-request timeout")
	flags.BoolP("verbose", "v", false, "Enable debug logging")
	flags.StringVar(&configFile, "config", "", "Config file path (default: comtrans.yaml if present)")

	root.AddCommand(newVersionCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logError("%v", err)
		os.Exit(1)
	}
}

// ---------------------------------------------------------------------------
// run
// ---------------------------------------------------------------------------

func run(ctx context.Context, cfg *config.Config) error {
	log := newLogger(cfg.Verbose)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		logWarning("Interrupted, finishing files in flight...")
		cancel()
	}()

	mode := "synchronous"
	if cfg.Batch {
		mode = "batch"
	}
	logInfo("Translating comments under %s (%s mode, %d workers, model %s)",
		cfg.Directory, mode, cfg.Threads, cfg.Model)

	p, err := pipeline.New(cfg, log)
	if err != nil {
		return err
	}
	defer p.Close()

	summary, runErr := p.Run(ctx)

	var reportErr error
	if summary != nil {
		printSummary(summary)
		if reportErr = summary.Write(cfg.Report); reportErr != nil {
			logWarning("Could not write report: %v", reportErr)
		} else {
			logInfo("Report written to %s", cfg.Report)
		}
	}

	switch {
	case errors.Is(runErr, context.Canceled):
		logWarning("Run interrupted; rerun with --resume to continue")
		return runErr
	case errors.Is(runErr, translate.ErrAuthentication):
		return fmt.Errorf("authentication failed, check the API key: %w", runErr)
	case runErr != nil:
		return runErr
	case reportErr != nil:
		return fmt.Errorf("writing report: %w", reportErr)
	}
	return nil
}

func printSummary(s *report.Summary) {
	elapsed := report.FormatDuration(s.FinishedAt.Sub(s.StartedAt))
	if len(s.Failures) == 0 {
		logSuccess("Translated %d of %d files (%.1f%%) in %s",
			s.Succeeded, s.TotalFiles, s.SuccessRate(), elapsed)
		return
	}
	logInfo("Translated %d of %d files (%.1f%%) in %s",
		s.Succeeded, s.TotalFiles, s.SuccessRate(), elapsed)
	logWarning("%d files not translated:", len(s.Failures))
	shown := 0
	for _, f := range s.Failures {
		if shown == 5 {
			logWarning("  ... and %d more (see the report)", len(s.Failures)-shown)
			break
		}
		logWarning("  %s: %s", f.Path, f.Reason)
		shown++
	}
}

// newLogger builds the structured logger used below the CLI surface.
func newLogger(verbose bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).
		With().Timestamp().Logger()
}

// ---------------------------------------------------------------------------
// version
// ---------------------------------------------------------------------------

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Long:  `Display version, commit hash, and build date.`,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("comtrans version %s\n", version)
			fmt.Printf("  commit:    %s\n", commit)
			fmt.Printf("  built:     %s\n", date)
		},
	}
}
