package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/paulo-coelho/iot-sim/pkg/config"
	"github.com/paulo-coelho/iot-sim/pkg/coordinator"
)

var (
	verbose  bool
	logLevel string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "iot-coordinator",
	Short: "Event coordinator for simulated IoT devices",
	Long: `Dispatches a time-stamped schedule of event triggers to simulated
devices: each entry is POSTed to its device URI at the configured offset
from coordinator start.`,
	Args: cobra.ExactArgs(1),
	RunE: runCoordinator,
}

var runCmd = &cobra.Command{
	Use:   "run <schedule-file>",
	Short: "Dispatch a schedule",
	Args:  cobra.ExactArgs(1),
	RunE:  runCoordinator,
}

var validateCmd = &cobra.Command{
	Use:   "validate <schedule-file>",
	Short: "Validate a schedule file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		setupLogging()
		n, err := coordinator.ValidateSchedule(args[0])
		if err != nil {
			return err
		}
		logrus.WithFields(logrus.Fields{
			"schedule_file": args[0],
			"entries":       n,
		}).Info("Schedule is valid")
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
}

func runCoordinator(cmd *cobra.Command, args []string) error {
	setupLogging()

	schedule, err := config.LoadSchedule(args[0])
	if err != nil {
		return fmt.Errorf("failed to load schedule: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"schedule_file": args[0],
		"entries":       len(schedule),
	}).Info("Starting event coordinator")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logrus.Info("Received shutdown signal, stopping coordinator...")
		cancel()
	}()

	if err := coordinator.New(schedule).Run(ctx); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func setupLogging() {
	if verbose {
		logrus.SetLevel(logrus.DebugLevel)
		return
	}
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
}
