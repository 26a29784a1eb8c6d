package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hochfrequenz/flakyguard/internal/domain"
)

// errNoCommand is returned when flakyguard runs without a subcommand
var errNoCommand = errors.New("no command given")

var (
	configPath     string
	dbPath         string
	windowSize     int
	threshold      float64
	quarantineMode string
	retryCount     int
	logLevel       string
	logFormat      string

	rootCmd = &cobra.Command{
		Use:   "flakyguard",
		Short: "FlakyGuard - flaky test detection and quarantine",
		Long: `FlakyGuard records the outcome of every test run, flags tests whose
recent failure rate exceeds a threshold while still passing sometimes,
and tells the test runner to warn about, skip, or retry them.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			_ = cmd.Help()
			return errNoCommand
		},
	}
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "config file path")
	pf.StringVar(&dbPath, "db", "", "result database path")
	pf.IntVar(&windowSize, "window", domain.DefaultWindowSize, "number of recent runs considered per test")
	pf.Float64Var(&threshold, "threshold", domain.DefaultThreshold, "failure rate a test must exceed to be flaky")
	pf.StringVar(&quarantineMode, "mode", string(domain.ModeWarn), "quarantine mode: warn, skip or retry")
	pf.IntVar(&retryCount, "retry-count", domain.DefaultRetryCount, "reruns granted in retry mode")
	pf.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.StringVar(&logFormat, "log-format", "", "log format: text or json")
}

func exitCode(err error) int {
	if errors.Is(err, errNoCommand) || domain.IsConfigError(err) {
		return 2
	}
	return 1
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
}
