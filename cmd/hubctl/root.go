package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/sugawarayuuta/sonnet"

	"github.com/joshuapare/hubkernel/internal/logger"
)

var (
	// Global flags
	verbose bool
	quiet   bool
	jsonOut bool
	debug   bool
	logDir  string
)

var rootCmd = &cobra.Command{
	Use:   "hubctl",
	Short: "Build, sign and inspect hub images",
	Long: `hubctl prepares images for the hub's app loader. It generates signing
keys, builds signed and optionally encrypted images from a JSON manifest,
decodes and verifies existing images, and keeps the host-side key database.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initLogging()
	},
}

// initLogging sends debug records to stderr, or to dated files under
// --log-dir when it is set.
func initLogging() error {
	opts := logger.Options{Enabled: debug, Output: os.Stderr, Level: slog.LevelDebug}
	if logDir != "" {
		opts.Enabled = true
		opts.Output = nil
		opts.LogDir = logDir
		opts.JSON = true
		if !debug {
			opts.Level = slog.LevelInfo
		}
	}
	return logger.Init(opts)
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().
		BoolVarP(&quiet, "quiet", "q", false, "Suppress all output except errors")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Log debug records to stderr")
	rootCmd.PersistentFlags().StringVar(&logDir, "log-dir", "", "Append JSON log records to dated files in this directory")
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		logger.Error("hubctl: command failed", "err", err)
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// printInfo prints an info message if not in quiet mode
func printInfo(format string, args ...any) {
	if !quiet {
		fmt.Fprintf(os.Stdout, format, args...)
	}
}

// printVerbose prints a verbose message if verbose mode is enabled
func printVerbose(format string, args ...any) {
	if verbose && !quiet {
		fmt.Fprintf(os.Stdout, format, args...)
	}
}

// printJSON outputs data as JSON
func printJSON(v any) error {
	encoder := sonnet.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
