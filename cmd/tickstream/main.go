// Package main implements the entry point for the tickstream server.
// Tickstream distributes real-time market data to websocket clients:
// it consumes normalized market events from NATS, coalesces them per
// stream, and fans them out to subscribed connections with per-client
// back-pressure.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/c360/tickstream/codec"
	"github.com/c360/tickstream/config"
	"github.com/c360/tickstream/feed"
	"github.com/c360/tickstream/market"
	"github.com/c360/tickstream/metric"
	"github.com/c360/tickstream/natsclient"
	"github.com/c360/tickstream/publisher"
	"github.com/c360/tickstream/registry"
	"github.com/c360/tickstream/subindex"
	"github.com/c360/tickstream/supervisor"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "tickstream"
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
		printHelp()
		return nil
	}

	cfg, err := config.NewLoader(cliCfg.ConfigPath).Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// CLI logging flags win over the config file.
	logLevel := cliCfg.LogLevel
	if logLevel == "" {
		logLevel = cfg.Logging.Level
	}
	logFormat := cliCfg.LogFormat
	if logFormat == "" {
		logFormat = cfg.Logging.Format
	}
	logger := setupLogger(logLevel, logFormat)
	slog.SetDefault(logger)

	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	slog.Info("Starting tickstream (market data distribution)",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	catalog, err := loadCatalog(cliCfg.CatalogPath)
	if err != nil {
		return err
	}

	app, err := buildApp(cfg, catalog, logger)
	if err != nil {
		return err
	}

	return runWithSignalHandling(app, cliCfg.ShutdownTimeout)
}

// app bundles the wired components in start order.
type app struct {
	cfg           *config.Config
	publisher     *publisher.Publisher
	feed          *feed.Feed
	supervisor    *supervisor.Supervisor
	metricsServer *metric.Server
}

// loadCatalog reads the instrument catalog. An empty path means no
// existence check on subscribe; format validation still applies.
func loadCatalog(path string) (market.Catalog, error) {
	if path == "" {
		slog.Info("No instrument catalog configured, accepting any well-formed instrument")
		return nil, nil
	}
	catalog, err := market.LoadCatalog(path)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	slog.Info("Instrument catalog loaded", "path", path, "instruments", len(catalog.Instruments()))
	return catalog, nil
}

// buildApp wires the component graph: feed -> publisher -> registry,
// with the supervisor owning the client-facing side.
func buildApp(cfg *config.Config, catalog market.Catalog, logger *slog.Logger) (*app, error) {
	metricsRegistry := metric.NewMetricsRegistry()
	metrics := metricsRegistry.CoreMetrics()

	natsClient, err := natsclient.NewClient(strings.Join(cfg.NATS.URLs, ","),
		natsclient.WithClientName(cfg.NATS.Name),
		natsclient.WithMaxReconnects(cfg.NATS.MaxReconnects),
		natsclient.WithReconnectWait(cfg.NATS.ReconnectWait.Std()),
		natsclient.WithTimeout(cfg.NATS.RequestTimeout.Std()),
		natsclient.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	// The registry and index reference each other through closures:
	// the index checks connection liveness, the registry cascades
	// subscription cleanup on deregistration.
	var reg *registry.Registry
	var pub *publisher.Publisher

	idx := subindex.New(cfg.Limits.MaxSubscriptionsPerConn, cfg.Limits.MaxSubscriptionsTotal,
		subindex.WithLivenessCheck(func(connID string) bool {
			return reg != nil && reg.Alive(connID)
		}),
		subindex.WithLogger(logger),
	)

	reg = registry.New(registry.Options{
		QueueCapacity:  cfg.Backpressure.QueueCapacity,
		OverflowPolicy: cfg.Backpressure.OverflowPolicy(),
		MaxConnections: cfg.Limits.MaxConnections,
		Logger:         logger,
		Metrics:        metrics,
		OnCleanup: func(connID string) int {
			for _, sub := range idx.Subscriptions(connID) {
				if pub != nil {
					pub.ForgetSubscription(sub.ID)
				}
			}
			return idx.Cleanup(connID)
		},
	})

	cdc := codec.New(catalog, cfg.Server.CompressionThreshold)

	pub = publisher.New(idx, reg, cdc, publisher.Options{
		FlushInterval: cfg.Publisher.FlushInterval.Std(),
		MaxBatchSize:  cfg.Publisher.MaxBatchSize,
		StaleAfter:    cfg.Publisher.StaleAfter.Std(),
		Logger:        logger,
		Metrics:       metrics,
	})

	fd, err := feed.New(natsClient, pub, feed.Options{
		SubjectPrefix: cfg.NATS.SubjectPrefix,
		Logger:        logger,
		Metrics:       metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("create feed: %w", err)
	}

	sup := supervisor.New(supervisor.Options{
		Server:    cfg.Server,
		Limits:    cfg.Limits,
		Registry:  reg,
		Index:     idx,
		Codec:     cdc,
		Publisher: pub,
		Metrics:   metrics,
		Logger:    logger,
	})
	if err := sup.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize supervisor: %w", err)
	}

	a := &app{
		cfg:        cfg,
		publisher:  pub,
		feed:       fd,
		supervisor: sup,
	}
	if cfg.Metrics.Enabled {
		a.metricsServer = metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, metricsRegistry, sup)
	}
	return a, nil
}

// runWithSignalHandling starts everything, waits for SIGINT/SIGTERM,
// and shuts down in reverse dependency order: stop accepting clients,
// stop the upstream feed, flush the publisher.
func runWithSignalHandling(a *app, shutdownTimeout time.Duration) error {
	signalCtx, signalCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	if a.metricsServer != nil {
		// Start blocks until Stop; run it alongside the components.
		go func() {
			if err := a.metricsServer.Start(); err != nil {
				slog.Error("Metrics server failed", "error", err)
			}
		}()
		slog.Info("Metrics server listening", "addr", a.metricsServer.Address())
	}

	if err := a.publisher.Start(signalCtx); err != nil {
		return fmt.Errorf("start publisher: %w", err)
	}

	if err := a.feed.Start(signalCtx); err != nil {
		return fmt.Errorf("start feed: %w", err)
	}

	if err := a.supervisor.Start(signalCtx); err != nil {
		return fmt.Errorf("start supervisor: %w", err)
	}

	slog.Info("Tickstream started successfully",
		"listen", fmt.Sprintf("%s:%d%s", a.cfg.Server.Host, a.cfg.Server.Port, a.cfg.Server.Path),
		"subject_prefix", a.cfg.NATS.SubjectPrefix)

	<-signalCtx.Done()
	slog.Info("Received shutdown signal")

	if err := a.supervisor.Stop(shutdownTimeout); err != nil {
		slog.Warn("Supervisor stop incomplete", "error", err)
	}
	if err := a.feed.Stop(shutdownTimeout); err != nil {
		slog.Warn("Feed stop incomplete", "error", err)
	}
	if err := a.publisher.Stop(shutdownTimeout); err != nil {
		slog.Warn("Publisher stop incomplete", "error", err)
	}
	if a.metricsServer != nil {
		if err := a.metricsServer.Stop(); err != nil {
			slog.Warn("Metrics server stop incomplete", "error", err)
		}
	}

	slog.Info("Tickstream shutdown complete")
	return nil
}
