// Package main implements the schema registry service. The registry watches
// subgraph schema emissions, recomposes the federated supergraph when
// members change, and cuts gateway traffic over to validated versions.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/schemaregistry/composer"
	"github.com/c360/schemaregistry/config"
	"github.com/c360/schemaregistry/deploy"
	"github.com/c360/schemaregistry/detector"
	"github.com/c360/schemaregistry/metric"
	"github.com/c360/schemaregistry/natsclient"
	"github.com/c360/schemaregistry/registry"
	"github.com/c360/schemaregistry/store"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "schema-registry"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("Starting schema registry",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	ctx := context.Background()

	client, err := connectNATS(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close(ctx) }()

	coordinator, metricsServer, err := buildRegistry(ctx, cfg, client, logger)
	if err != nil {
		return err
	}

	if metricsServer != nil {
		go func() {
			slog.Info("Metrics server listening", "address", metricsServer.Address())
			if err := metricsServer.Start(); err != nil {
				slog.Error("Metrics server failed", "error", err)
			}
		}()
		defer func() { _ = metricsServer.Stop() }()
	}

	return runWithSignalHandling(ctx, coordinator, cliCfg.ShutdownTimeout)
}

// connectNATS creates the NATS client and blocks until connected
func connectNATS(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*natsclient.Client, error) {
	client, err := natsclient.New(cfg.NATS.URL,
		natsclient.WithLogger(logger),
		natsclient.WithName(cfg.NATS.Name),
		natsclient.WithMaxReconnects(cfg.NATS.MaxReconnects),
		natsclient.WithReconnectWait(cfg.NATS.ReconnectWait.Std()),
		natsclient.WithTimeout(cfg.NATS.Timeout.Std()),
	)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	slog.Info("Connecting to NATS", "url", cfg.NATS.URL)
	connCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := client.Connect(connCtx); err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return client, nil
}

// buildRegistry provisions storage and wires detector, composer, and
// deployment controller into the coordinator
func buildRegistry(ctx context.Context, cfg *config.Config, client *natsclient.Client,
	logger *slog.Logger) (*registry.Service, *metric.Server, error) {

	buckets, err := store.Bootstrap(ctx, client)
	if err != nil {
		return nil, nil, fmt.Errorf("provision storage: %w", err)
	}

	schemas := store.NewSchemaStore(buckets, logger)
	versions := store.NewVersionLedger(buckets, logger)
	deployments := store.NewDeploymentLedger(buckets, logger)

	comp := composer.New(schemas, versions, cfg.Composer.ToComposer(), logger)

	if _, err := client.EnsureStream(ctx, jetstream.StreamConfig{
		Name:     deploy.GatewayStream,
		Subjects: []string{deploy.GatewaySubjectPrefix + ".>"},
	}); err != nil {
		return nil, nil, fmt.Errorf("provision gateway stream: %w", err)
	}

	platform := deploy.NewNATSPlatform(client, logger)
	controller, err := deploy.New(platform, versions, deployments, cfg.Deploy.ToDeploy(), logger)
	if err != nil {
		return nil, nil, fmt.Errorf("create deployment controller: %w", err)
	}

	var (
		domainMetrics *registry.Metrics
		metricsServer *metric.Server
	)
	if cfg.Metrics.Enabled {
		metricsRegistry := metric.NewRegistry()
		domainMetrics, err = registry.NewMetrics(metricsRegistry)
		if err != nil {
			return nil, nil, fmt.Errorf("register metrics: %w", err)
		}
		metricsServer = metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, metricsRegistry)
	}

	// The detector's recompose callback targets the coordinator, which in
	// turn owns the detector's lifecycle
	var coordinator *registry.Service
	det, err := detector.New(client, schemas, versions, cfg.Detector.ToDetector(),
		func(environment string) { coordinator.RequestRecompose(environment) }, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("create detector: %w", err)
	}

	coordinator, err = registry.New(comp, controller, det, domainMetrics, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("create coordinator: %w", err)
	}
	return coordinator, metricsServer, nil
}

// runWithSignalHandling starts the coordinator and handles shutdown signals
func runWithSignalHandling(ctx context.Context, coordinator *registry.Service, shutdownTimeout time.Duration) error {
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	if err := coordinator.Start(signalCtx); err != nil {
		return fmt.Errorf("start coordinator: %w", err)
	}
	slog.Info("Schema registry started")

	<-signalCtx.Done()
	slog.Info("Received shutdown signal")

	done := make(chan struct{})
	go func() {
		coordinator.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		return fmt.Errorf("graceful shutdown timed out after %s", shutdownTimeout)
	}

	slog.Info("Schema registry shutdown complete")
	return nil
}
