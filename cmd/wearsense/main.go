package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

var rootCmd = &cobra.Command{
	Use:   "wearsense",
	Short: "Wearable sensor board CLI",
	Long: `Command-line tool for MetaWear-class wearable sensor boards:

- Scan for boards and remember them across sessions
- Stream, poll and read sensor signals
- Start and stop on-board loggers, download and clear logged data
- Drive actuators (LED, motor, buzzer) and reset boards

Use --simulate to run every command against built-in simulated boards.`,
	Version: formatVersion(version),
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Ctrl+C is a normal exit, not an error - exit silently
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}

func init() {
	// Silence Cobra's "Error:" prefix - main() prints clean errors
	rootCmd.SilenceErrors = true
	rootCmd.SetVersionTemplate(fmt.Sprintf("wearsense {{.Version}} (commit %s, built %s)\n", commit, date))

	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(streamCmd)
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(logCmd)
	rootCmd.AddCommand(downloadCmd)
	rootCmd.AddCommand(ledCmd)
	rootCmd.AddCommand(buzzCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(knownCmd)

	// Global flags
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("verbose", false, "Verbose output (same as --log-level debug)")
	rootCmd.PersistentFlags().String("config", "", "Config file (default is the user config dir)")
	rootCmd.PersistentFlags().String("known-file", "", "Known devices file (overrides the config)")
	rootCmd.PersistentFlags().Bool("simulate", false, "Use simulated boards instead of Bluetooth")
	rootCmd.PersistentFlags().Duration("scan-timeout", 0, "How long to look for a board before giving up (default from config)")

	// Add -v as a short flag for --version
	rootCmd.Flags().BoolP("version", "v", false, "Show version information")
}
