package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/signalsfoundry/swarm-sync/internal/config"
	"github.com/signalsfoundry/swarm-sync/internal/logging"
	"github.com/signalsfoundry/swarm-sync/internal/observability"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X main.version=1.2.3"
	version = "0.3.0"
	logo    = `
  ___ __      ____ _ _ __ _ __ ___  ___ _   _ _ __   ___
 / __|\ \ /\ / / _' | '__| '_ ' _ \/ __| | | | '_ \ / __|
 \__ \ \ V  V / (_| | |  | | | | | \__ \ |_| | | | | (__
 |___/  \_/\_/ \__,_|_|  |_| |_| |_|___/\__, |_| |_|\___|
                                        |___/
`
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "swarmsim",
		Short:         "Leader/follower swarm position sync simulator",
		Long:          color.CyanString(logo) + "\nSimulates a drone swarm whose followers hold a fixed standoff from a broadcasting leader.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	root.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error (overrides SWARM_LOG_LEVEL)")
	root.PersistentFlags().String("log-format", "", "log format: text or json (overrides SWARM_LOG_FORMAT)")
	root.PersistentFlags().String("checksum", "", "message digest: md5 or sha3-256 (overrides SWARM_CHECKSUM)")
	root.PersistentFlags().String("correction", "", "follower correction: mixed-units or metric (overrides SWARM_CORRECTION)")
	root.PersistentFlags().String("metrics-addr", "", "HTTP address for Prometheus /metrics; empty disables (overrides SWARM_METRICS_ADDR)")

	root.AddCommand(newRunCmd())
	root.AddCommand(newServeCmd())
	root.AddCommand(newVersionCmd())
	return root
}

// Execute runs the root command.
func Execute() error {
	return newRootCmd().Execute()
}

// loadConfig reads SWARM_* variables and applies any flags the user set.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}

	flags := cmd.Flags()
	overrides := map[string]*string{
		"log-level":    &cfg.LogLevel,
		"log-format":   &cfg.LogFormat,
		"checksum":     &cfg.Checksum,
		"correction":   &cfg.Correction,
		"metrics-addr": &cfg.MetricsAddr,
		"grpc-addr":    &cfg.GRPCAddr,
	}
	for name, dst := range overrides {
		if f := flags.Lookup(name); f != nil && f.Changed {
			*dst = f.Value.String()
		}
	}
	if f := flags.Lookup("kafka-brokers"); f != nil && f.Changed {
		cfg.Kafka.Brokers = f.Value.String()
	}
	if f := flags.Lookup("concurrent"); f != nil && f.Changed {
		cfg.ConcurrentDelivery, _ = flags.GetBool("concurrent")
	}
	if f := flags.Lookup("interval"); f != nil && f.Changed {
		cfg.BroadcastInterval, _ = flags.GetDuration("interval")
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// setupObservability starts tracing and, when addr is set, a metrics
// server. The returned function tears both down.
func setupObservability(ctx context.Context, cfg config.Config, log logging.Logger) (*observability.SwarmCollector, func(), error) {
	shutdownTracing, err := observability.InitTracing(ctx, cfg.ObservabilityTracing(), log)
	if err != nil {
		return nil, nil, fmt.Errorf("init tracing: %w", err)
	}

	collector, err := observability.NewSwarmCollector(nil)
	if err != nil {
		observability.ShutdownWithTimeout(ctx, shutdownTracing, log)
		return nil, nil, fmt.Errorf("init metrics: %w", err)
	}
	metricsSrv := serveMetrics(cfg.MetricsAddr, collector, log)

	return collector, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if metricsSrv != nil {
			_ = metricsSrv.Shutdown(shutdownCtx)
		}
		observability.ShutdownWithTimeout(shutdownCtx, shutdownTracing, log)
	}, nil
}

func serveMetrics(addr string, collector *observability.SwarmCollector, log logging.Logger) *http.Server {
	if addr == "" || collector == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn(context.Background(), "metrics server exited", logging.Err(err))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}
