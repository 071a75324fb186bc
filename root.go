package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/tonimelisma/sharepoint-go/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagJSON       bool
	flagVerbose    bool
	flagQuiet      bool
)

// resolvedCfg holds the effective configuration loaded by PersistentPreRunE.
var resolvedCfg *config.Config

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "sharepoint-go",
		Short:   "SharePoint document library uploader",
		Long:    "Uploads files to a SharePoint document library with an app-only certificate credential.",
		Version: version,
		// Silence Cobra's default error/usage printing; main handles it.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadConfig(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")
	cmd.MarkFlagsMutuallyExclusive("verbose", "quiet")

	cmd.AddCommand(newPutCmd())
	cmd.AddCommand(newGetCmd())
	cmd.AddCommand(newSiteCmd())
	cmd.AddCommand(newTokenCmd())
	cmd.AddCommand(newWatchCmd())
	cmd.AddCommand(newSessionsCmd())
	cmd.AddCommand(newHistoryCmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}

// loadConfig resolves the effective configuration from the override chain
// and stores the result in resolvedCfg for use by subcommands.
func loadConfig(cmd *cobra.Command) error {
	cli := config.CLIOverrides{
		ConfigPath: flagConfigPath,
	}

	switch {
	case flagVerbose:
		cli.LogLevel = "debug"
	case flagQuiet:
		cli.LogLevel = "error"
	}

	if f := cmd.Flags().Lookup("dir"); f != nil && f.Changed {
		dir := f.Value.String()
		cli.UploadDir = &dir
	}

	if f := cmd.Flags().Lookup("resume"); f != nil && f.Changed {
		resume := f.Value.String() == "true"
		cli.ResumeSessions = &resume
	}

	resolved, err := config.Resolve(config.ReadEnvOverrides(), cli)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	resolvedCfg = resolved

	return nil
}

// buildLogger creates an slog.Logger writing to stderr. The config sets the
// level (already overridden by --verbose and --quiet in loadConfig) and the
// format; "auto" picks text on a terminal and JSON otherwise.
func buildLogger() *slog.Logger {
	level, format := "info", "auto"
	if resolvedCfg != nil {
		level, format = resolvedCfg.Logging.LogLevel, resolvedCfg.Logging.LogFormat
	}

	tty := isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())

	return slog.New(newLogHandler(os.Stderr, level, format, tty))
}

func newLogHandler(w io.Writer, level, format string, tty bool) slog.Handler {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	if format == "json" || (format == "auto" && !tty) {
		return slog.NewJSONHandler(w, opts)
	}

	return slog.NewTextHandler(w, opts)
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
