package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	chronicle "github.com/chronicle-db/chronicled"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "chronicled",
	Short: "Personal chronicle capture daemon",
	Long: `chronicled samples device signals through its sensors and appends
them durably to a local, month-partitioned chronicle. It exposes a local
control API plus a WebSocket feed of sensor status and log events.`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cfgFile)
	},
}

func init() {
	rootCmd.Flags().StringVar(&cfgFile, "config", "", "config file (default: built-in defaults)")
}

func run(cfgFile string) error {
	cfg, err := chronicle.LoadConfig(cfgFile)
	if err != nil {
		return err
	}

	hub := chronicle.NewStatusHub(cfg.Hub)
	logger := chronicle.NewLogger(os.Stderr, cfg.LogLevel, hub)
	slog.SetDefault(logger)

	gate, err := chronicle.NewGate(cfg.Gate, chronicle.WithGateLogger(logger))
	if err != nil {
		return fmt.Errorf("failed to open chronicle gate: %w", err)
	}

	registry := chronicle.NewRegistry()
	manager := chronicle.NewManager(cfg.Manager, registry, gate, hub,
		chronicle.WithManagerLogger(logger))
	if cfg.DeviceID != "" {
		manager.ApplyGlobalConfig(map[string]any{"device_id": cfg.DeviceID})
	}

	for _, spec := range cfg.Sensors {
		entry, err := manager.CreateSensor(spec.Type, spec.ID, spec.Config)
		if err != nil {
			logger.Error("failed to create sensor", "type", spec.Type, "error", err)
			continue
		}
		if spec.IsEnabled() {
			if err := manager.StartSensor(entry.ID); err != nil {
				logger.Error("failed to start sensor", "sensor_id", entry.ID, "error", err)
			}
		}
	}

	subs := chronicle.NewSubscriptionServer(cfg.HTTP.Subscription, hub)
	ctrl := chronicle.NewControlServer(cfg.HTTP, manager, gate, registry, subs)
	if err := ctrl.Start(); err != nil {
		// The port bind is the single-instance lock; treat failure as fatal.
		_ = gate.Shutdown()
		return err
	}
	logger.Info("control server listening", "addr", ctrl.Addr())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	archiver, err := chronicle.NewArchiver(cfg.Archive, cfg.Root, logger)
	if err != nil {
		logger.Error("failed to configure archiver", "error", err)
	} else if archiver != nil {
		go archiver.Run(ctx)
	}

	go manager.RunSampling(ctx)
	go manager.MonitorHealth(ctx, cfg.Manager.HealthInterval)

	if n, err := gate.ReplayDeadLetters(ctx); err != nil {
		logger.Warn("dead-letter replay failed", "error", err)
	} else if n > 0 {
		logger.Info("replayed dead-lettered records", "count", n)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	cancel()
	if err := manager.StopAll(true); err != nil {
		logger.Warn("failed to stop sensors cleanly", "error", err)
	}
	if err := ctrl.Close(); err != nil {
		logger.Warn("failed to close control server", "error", err)
	}
	if err := gate.Shutdown(); err != nil {
		return fmt.Errorf("failed to shut down gate: %w", err)
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
