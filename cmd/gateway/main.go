package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/paulo-coelho/iot-sim/pkg/config"
	"github.com/paulo-coelho/iot-sim/pkg/gateway"
	"github.com/paulo-coelho/iot-sim/pkg/monitoring"
	"github.com/paulo-coelho/iot-sim/pkg/transport"
)

var (
	verbose  bool
	logLevel string

	intervalMs  int
	devicesFile string
	broker      string
	topic       string
	logDir      string
	metricsPort int
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "iot-gateway",
	Short: "CoAP to MQTT collection gateway",
	Long: `Periodically polls a list of simulated CoAP devices, publishes each
reading to an MQTT topic and appends every attempt to a CSV log.`,
	RunE: runGateway,
}

func init() {
	rootCmd.Flags().IntVarP(&intervalMs, "interval", "i", 0, "Interval between requests in milliseconds (required)")
	rootCmd.Flags().StringVarP(&devicesFile, "devices", "d", "", "Path to JSON file with device URIs (required)")
	rootCmd.Flags().StringVarP(&broker, "broker", "b", "localhost:1883", "MQTT broker address")
	rootCmd.Flags().StringVarP(&topic, "topic", "t", "", "MQTT topic to publish to (required)")
	rootCmd.Flags().StringVar(&logDir, "log-dir", "logs", "Directory for CSV logs")
	rootCmd.Flags().IntVar(&metricsPort, "metrics-port", 0, "Prometheus metrics port (0 disables)")

	_ = rootCmd.MarkFlagRequired("interval")
	_ = rootCmd.MarkFlagRequired("devices")
	_ = rootCmd.MarkFlagRequired("topic")

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
}

func runGateway(cmd *cobra.Command, args []string) error {
	setupLogging()

	if intervalMs <= 0 {
		return fmt.Errorf("interval must be positive, got %d", intervalMs)
	}

	devices, err := config.LoadDeviceList(devicesFile)
	if err != nil {
		return fmt.Errorf("failed to load devices file: %w", err)
	}
	for _, uri := range devices {
		if _, _, err := transport.ParseURI(uri); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logrus.Info("Received shutdown signal, stopping gateway...")
		cancel()
	}()

	var metrics *monitoring.Metrics
	if metricsPort > 0 {
		metrics = monitoring.New()
		go func() {
			if err := metrics.Serve(ctx, metricsPort); err != nil {
				logrus.WithError(err).Error("Metrics endpoint failed")
			}
		}()
	}

	pub := gateway.NewPublisher(broker, metrics)
	if err := pub.Connect(); err != nil {
		return err
	}
	defer pub.Disconnect()

	gw, err := gateway.New(gateway.Config{
		Interval: time.Duration(intervalMs) * time.Millisecond,
		Devices:  devices,
		Topic:    topic,
		LogDir:   logDir,
	}, pub, metrics)
	if err != nil {
		return err
	}

	return gw.Run(ctx)
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
