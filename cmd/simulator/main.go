package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/paulo-coelho/iot-sim/pkg/config"
	"github.com/paulo-coelho/iot-sim/pkg/device"
)

var (
	version = "1.0.0"
	commit  = "dev"
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
	Use:   "iot-simulator",
	Short: "CoAP IoT sensor device simulator",
	Long: `Simulates a battery-powered IoT sensor device behind a CoAP resource.

GET returns synthetic telemetry shaped by the device's live behavioral
profile; POST injects named events that transition the profile over time.`,
	Version: fmt.Sprintf("%s (commit: %s)", version, commit),
	Args:    cobra.ExactArgs(1),
	RunE:    runSimulator,
}

var runCmd = &cobra.Command{
	Use:   "run <config-file>",
	Short: "Run a simulated device",
	Args:  cobra.ExactArgs(1),
	RunE:  runSimulator,
}

var validateCmd = &cobra.Command{
	Use:   "validate <config-file>",
	Short: "Validate a device configuration file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		setupLogging()
		if _, err := config.NewLoader().LoadDeviceConfig(args[0]); err != nil {
			return err
		}
		logrus.WithField("config_file", args[0]).Info("Configuration is valid")
		return nil
	},
}

var (
	outputFile string

	generateCmd = &cobra.Command{
		Use:   "generate",
		Short: "Generate a starter device configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultDeviceConfig()
			if outputFile == "" {
				outputFile = "device.json"
			}
			if err := config.SaveDeviceConfig(cfg, outputFile); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", outputFile)
			return nil
		},
	}
)

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	generateCmd.Flags().StringVarP(&outputFile, "output", "o", "", "Output file path (default: device.json)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(generateCmd)
}

func runSimulator(cmd *cobra.Command, args []string) error {
	setupLogging()

	loader := config.NewLoader()
	cfg, err := loader.LoadDeviceConfig(args[0])
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// A running device keeps its live profile; edits on disk only take
	// effect on restart, but are worth flagging.
	if err := loader.Watch(args[0], func(*config.DeviceConfig) {
		logrus.WithField("config_file", args[0]).Warn("Device config changed on disk; restart to apply")
	}); err != nil {
		logrus.WithError(err).Warn("Config watch unavailable")
	}

	logrus.WithFields(logrus.Fields{
		"config_file":    args[0],
		"uuid":           cfg.UUID,
		"bind":           fmt.Sprintf("coap://%s:%d", cfg.ServerHost, cfg.ServerPort),
		"resource":       "/" + strings.Join(cfg.ResourcePath, "/"),
		"battery_charge": cfg.BatteryCharge,
		"drop_pct":       cfg.DropPercentage,
	}).Info("Starting IoT device simulator")

	for _, p := range cfg.DelayProfiles {
		logrus.WithFields(logrus.Fields{
			"probability": p.Probability,
			"min_s":       p.Min,
			"max_s":       p.Max,
		}).Info("Delay profile")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logrus.Info("Received shutdown signal, stopping simulator...")
		cancel()
	}()

	dev := device.New(cfg)
	if err := dev.Start(ctx); err != nil {
		return err
	}
	defer dev.Stop()

	return device.NewServer(dev).ListenAndServe(ctx)
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
