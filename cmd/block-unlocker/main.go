// Block Unlocker - reward reconciliation for mining pool block candidates
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/tos-network/block-unlocker/internal/api"
	"github.com/tos-network/block-unlocker/internal/config"
	"github.com/tos-network/block-unlocker/internal/metrics"
	"github.com/tos-network/block-unlocker/internal/newrelic"
	"github.com/tos-network/block-unlocker/internal/notify"
	"github.com/tos-network/block-unlocker/internal/profiling"
	"github.com/tos-network/block-unlocker/internal/rpc"
	"github.com/tos-network/block-unlocker/internal/storage"
	"github.com/tos-network/block-unlocker/internal/unlocker"
	"github.com/tos-network/block-unlocker/internal/util"
)

var (
	version   = "1.0.0"
	buildTime = "unknown"
)

func main() {
	// Command line flags
	configPath := flag.String("config", "", "Path to configuration file")
	once := flag.Bool("once", false, "Run a single pass and exit")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("Block Unlocker v%s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	if err := util.InitLogger(cfg.Log.Level, cfg.Log.Format, cfg.Log.File); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer util.Sync()

	util.Infof("Block Unlocker v%s starting for %s (depth=%d, fee=%v%%)",
		version, cfg.Coin, cfg.Unlocker.Depth, cfg.EffectiveFee())

	// Connect to Redis
	redis, err := storage.NewRedisClient(cfg.Redis.URL, cfg.Redis.Password, cfg.Redis.DB, cfg.Coin)
	if err != nil {
		util.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redis.Close()

	// Connect to chain daemons
	upstreams := rpc.NewUpstreamManager(context.Background(), &cfg.Daemon)
	upstreams.Start()
	defer upstreams.Stop()

	// Observers
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector, err := metrics.NewCollector(registry, cfg.Coin)
	if err != nil {
		util.Fatalf("Failed to register metrics: %v", err)
	}

	agent := newrelic.NewAgent(&cfg.NewRelic)
	if err := agent.Start(); err != nil {
		util.Warnf("Failed to start New Relic agent: %v", err)
	}
	defer agent.Stop()

	notifier := notify.NewNotifier(&cfg.Notify)
	defer notifier.Wait()

	blockUnlocker, err := unlocker.New(unlocker.Config{
		Coin:      cfg.Coin,
		Depth:     cfg.Unlocker.Depth,
		PoolFee:   cfg.Unlocker.PoolFee,
		Interval:  cfg.Unlocker.Interval,
		Donations: cfg.Donations,
		Store:     redis,
		Daemon:    upstreams,
		Clock:     clock.NewDefaultClock(),
		Logger:    util.Named("unlocker"),
		Observers: []unlocker.Observer{collector, agent, notifier},
	})
	if err != nil {
		util.Fatalf("Failed to create block unlocker: %v", err)
	}

	if *once {
		if _, err := blockUnlocker.RunPass(context.Background()); err != nil {
			util.Sync()
			os.Exit(1)
		}
		return
	}

	if cfg.Unlocker.Enabled {
		blockUnlocker.Start()
	} else {
		util.Warn("Block unlocker disabled, serving API only")
	}

	// Start API server
	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(&cfg.API, redis, blockUnlocker.Status)
		apiServer.SetUpstreamStateFunc(upstreams.GetUpstreamStates)
		apiServer.SetHealthFunc(upstreams.Health)
		apiServer.SetGatherer(registry)
		if err := apiServer.Start(); err != nil {
			util.Fatalf("Failed to start API server: %v", err)
		}
	}

	profiler := profiling.NewServer(&cfg.Profiling)
	if err := profiler.Start(); err != nil {
		util.Warnf("Failed to start profiling server: %v", err)
	}

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	util.Info("Block unlocker started successfully. Press Ctrl+C to stop.")

	<-sigChan
	util.Info("Shutting down...")

	// Graceful shutdown; an in-flight pass finishes first
	if cfg.Unlocker.Enabled {
		blockUnlocker.Stop()
	}
	if apiServer != nil {
		apiServer.Stop()
	}
	profiler.Stop()

	util.Info("Shutdown complete")
}
