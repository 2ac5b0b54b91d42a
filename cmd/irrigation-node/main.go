// AgSys Irrigation Node
// Main entry point for the sensing and actuation node service
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gofrs/flock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/agsys/irrigation-node/internal/actuator"
	"github.com/agsys/irrigation-node/internal/api"
	"github.com/agsys/irrigation-node/internal/broker"
	"github.com/agsys/irrigation-node/internal/cloud"
	"github.com/agsys/irrigation-node/internal/config"
	"github.com/agsys/irrigation-node/internal/decision"
	"github.com/agsys/irrigation-node/internal/engine"
	"github.com/agsys/irrigation-node/internal/link"
	"github.com/agsys/irrigation-node/internal/logger"
	"github.com/agsys/irrigation-node/internal/metrics"
	"github.com/agsys/irrigation-node/internal/sensors"
	"github.com/agsys/irrigation-node/internal/storage"
)

const version = "v0.2.0"

var (
	configFile string
	envFile    string
	debug      bool

	rootCmd = &cobra.Command{
		Use:   "irrigation-node",
		Short: "AgSys Irrigation Node",
		Long:  "Irrigation node for AgSys. Runs either the sensing role (decisions and health) or the actuation role (pump control).",
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the node service",
		RunE:  runNode,
	}

	checkCmd = &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			fmt.Printf("Configuration OK: %s node %s on site %s (peer %s)\n",
				cfg.Node.Role, cfg.Node.ID, cfg.Node.Site, cfg.Node.Peer)
			return nil
		},
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("AgSys Irrigation Node " + version)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/agsys/irrigation-node.yaml", "Configuration file path")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Environment file with credentials")
	runCmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	if err := config.LoadEnvFile(envFile); err != nil {
		return nil, err
	}
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg config.LoggingConfig) (logger.Logger, io.Closer) {
	opts := []logger.Option{logger.WithFormat(cfg.Format)}
	if debug || cfg.Level == "debug" {
		opts = append(opts, logger.WithDebug())
	}
	var closer io.Closer
	if cfg.File != "" {
		w := logger.FileWriter(cfg.File, cfg.MaxSizeMB, cfg.MaxBackups)
		opts = append(opts, logger.WithWriter(w))
		closer = w
	}
	return logger.NewLogger(opts...), closer
}

func runNode(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log, logCloser := newLogger(cfg.Logging)
	if logCloser != nil {
		defer logCloser.Close()
	}
	log = log.With("role", string(cfg.Node.Role), "node", cfg.Node.ID)

	// One node process per database
	lock := flock.New(cfg.Storage.Path + ".lock")
	if err := os.MkdirAll(filepath.Dir(cfg.Storage.Path), 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to lock %s: %w", lock.Path(), err)
	}
	if !locked {
		return fmt.Errorf("another node process holds %s", lock.Path())
	}
	defer lock.Unlock()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	linkMgr := link.NewManager(cfg.Link, link.NewInterfaceTransport(cfg.Link.Interface), log.WithGroup("link"))

	brk := broker.New(cfg.MQTT, broker.NewPahoSession(cfg.Link.ConnectTimeout), linkMgr, log.WithGroup("mqtt"))
	brk.SetObserver(m)

	db, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	deps := engine.Deps{
		Link:    linkMgr,
		Broker:  brk,
		DB:      db,
		Metrics: m,
	}

	switch cfg.Node.Role {
	case engine.RoleSensing:
		irrigation, health, err := decision.LoadModels(cfg.Decision.ModelFile, cfg.Decision)
		if err != nil {
			return err
		}
		deps.Decision = decision.NewEngine(cfg.Decision, irrigation, health, log.WithGroup("decision"))
		deps.Channels = sensors.NewChannels(cfg.Sensors)
		feed, err := sensors.NewFeed(cfg.Sensors, deps.Channels, log.WithGroup("sensors"))
		if err != nil {
			return err
		}
		if feed != nil {
			deps.Feed = feed
		}
	case engine.RoleActuation:
		deps.Pump = actuator.NewPump(openPWM(cfg.Actuator, log), cfg.Actuator.Frequency, log.WithGroup("pump"))
	}

	if cfg.Cloud.Enabled() {
		deps.Cloud = cloud.New(cfg.Cloud, cfg.Node.ID, log.WithGroup("cloud"))
	}

	eng, err := engine.New(cfg.EngineConfig(), deps, log)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	server := api.New(cfg.API, cfg.Node.Site, brk, func() any { return eng.Snapshot() }, registry, log.WithGroup("api"))

	// Set up signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	log.Info("Starting AgSys Irrigation Node", "site", cfg.Node.Site, "peer", cfg.Node.Peer, "version", version)
	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}

	apiErr := make(chan error, 1)
	if cfg.API.Listen != "" {
		go func() { apiErr <- server.Run(ctx) }()
	}

	// Wait for shutdown signal
	select {
	case sig := <-sigChan:
		log.Info("Received signal, shutting down", "signal", sig.String())
	case err := <-apiErr:
		if err != nil {
			log.Errorf("API server failed: %v", err)
		}
	}

	cancel()
	if err := eng.Stop(); err != nil {
		log.Errorf("Error during shutdown: %v", err)
	}

	log.Info("Shutdown complete")
	return nil
}

// openPWM falls back to a recording PWM when no chip is configured or the
// sysfs tree is absent.
func openPWM(cfg actuator.Config, log logger.Logger) actuator.PWM {
	if cfg.Chip < 0 {
		log.Warn("No PWM chip configured, pump output is simulated")
		return &actuator.NopPWM{}
	}
	pwm, err := actuator.NewSysfsPWM(cfg.Sysfs, cfg.Chip, cfg.Channel)
	if err != nil {
		log.Warn("PWM unavailable, pump output is simulated", "error", err)
		return &actuator.NopPWM{}
	}
	return pwm
}
