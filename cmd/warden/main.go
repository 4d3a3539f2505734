// warden is the codewarden CLI: project setup, one-shot crawls, issue
// review, exports, and the serve command that runs the full platform.
package main

import (
	"errors"
	"fmt"
	"os"

	"codewarden/internal/config"
	"codewarden/internal/generate"
	"codewarden/internal/logging"

	"github.com/spf13/cobra"
)

// Exit codes. Scripts branch on these, so they are part of the interface.
const (
	exitOK          = 0
	exitFailure     = 1 // generic failure, including bad arguments
	exitConfig      = 2 // configuration invalid or unreadable
	exitBudget      = 3 // budget or quota exhausted
	exitAuth        = 4 // authentication failed
	exitUnavailable = 5 // remote store or queue unreachable
)

// exitError carries an exit code through cobra's error return.
type exitError struct {
	code int
	err  error
}

func (e exitError) Error() string { return e.err.Error() }
func (e exitError) Unwrap() error { return e.err }

func failf(code int, format string, args ...interface{}) error {
	return exitError{code: code, err: fmt.Errorf(format, args...)}
}

// modelFail classifies a model API error onto the exit-code table.
func modelFail(op string, err error) error {
	switch {
	case errors.Is(err, generate.ErrQuotaExhausted):
		return failf(exitBudget, "%s: %v", op, err)
	case errors.Is(err, generate.ErrUnauthorized):
		return failf(exitAuth, "%s: %v", op, err)
	default:
		return failf(exitFailure, "%s: %v", op, err)
	}
}

var (
	// Global flags
	cfgPath string
	verbose bool

	// Loaded by the persistent pre-run; every command sees the same config.
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "warden",
	Short: "codewarden - autonomous code quality platform",
	Long: `codewarden continuously crawls project checkouts, detects defects,
and fixes the approved ones through a staged, verified, monitored pipeline.
Fixes that regress inside their monitoring window are rolled back and the
failure is learned from.

Run "warden init" once per machine, then "warden serve" to start the
platform, or use the one-shot commands (crawl, issues, stats) directly.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return failf(exitConfig, "load config: %v", err)
		}
		level := cfg.Logging.Level
		if verbose {
			level = "debug"
		}
		if err := logging.Initialize(logging.Options{
			Level:      level,
			JSONFormat: cfg.Logging.Format == "json",
			File:       cfg.Logging.File,
			Categories: cfg.Logging.Categories,
		}); err != nil {
			return failf(exitConfig, "initialize logging: %v", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", ".warden/config.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(crawlCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(issuesCmd)
	rootCmd.AddCommand(reviewCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(guidesCmd)
	rootCmd.AddCommand(recheckCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(cleanCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "warden: %v\n", err)
		var ee exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(exitFailure)
	}
}
