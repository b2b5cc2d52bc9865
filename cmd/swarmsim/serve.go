package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/signalsfoundry/swarm-sync/core"
	"github.com/signalsfoundry/swarm-sync/internal/config"
	"github.com/signalsfoundry/swarm-sync/internal/logging"
	"github.com/signalsfoundry/swarm-sync/internal/transport/grpcsync"
	"github.com/signalsfoundry/swarm-sync/internal/transport/kafkasync"
	"github.com/signalsfoundry/swarm-sync/kb"
	"github.com/signalsfoundry/swarm-sync/model"
)

type serveOptions struct {
	scenarioPath string
	agents       []string
}

func newServeCmd() *cobra.Command {
	var opts serveOptions
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Host follower agents behind the gRPC and Kafka transports",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			log := cfg.Logger()

			lis, err := net.Listen("tcp", cfg.GRPCAddr)
			if err != nil {
				return fmt.Errorf("listen %s: %w", cfg.GRPCAddr, err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, opts, log, lis)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.scenarioPath, "scenario", "", "path to a JSON scenario; the built-in three-drone demo when empty")
	f.StringSliceVar(&opts.agents, "agents", nil, "follower ids to host; every follower in the scenario when empty")
	f.String("grpc-addr", "", "TCP address the gRPC server listens on (overrides SWARM_GRPC_ADDR)")
	f.String("kafka-brokers", "", "comma-separated brokers to consume broadcasts from (overrides SWARM_KAFKA_BROKERS)")
	return cmd
}

// serve hosts the scenario's followers until ctx is done.
func serve(ctx context.Context, cfg config.Config, opts serveOptions, log logging.Logger, lis net.Listener) error {
	scenario, err := loadScenario(opts.scenarioPath)
	if err != nil {
		return err
	}

	collector, teardown, err := setupObservability(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer teardown()

	store := kb.NewKnowledgeBase()
	agentOpts := append(cfg.AgentOptions(log), core.WithObserver(collector))
	for _, def := range scenario.Agents {
		if def.Role != model.RoleFollower {
			continue
		}
		if len(opts.agents) > 0 && !slices.Contains(opts.agents, def.ID) {
			continue
		}
		a, err := core.NewAgent(def, agentOpts...)
		if err != nil {
			return err
		}
		if err := store.AddAgent(a); err != nil {
			return err
		}
	}
	if len(store.ListAgents()) == 0 {
		return fmt.Errorf("serve: no followers selected from scenario %q", scenario.Name)
	}

	server := grpcsync.NewGRPCServer(store, log, collector)
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Serve(lis)
	}()
	log.Info(ctx, "serving position sync",
		logging.String("addr", lis.Addr().String()),
		logging.Int("followers", len(store.ListAgents())),
	)

	if cfg.Kafka.Enabled() {
		consumer := kafkasync.NewKafkaConsumer(cfg.Kafka.BrokerList(), cfg.Kafka.GroupID, cfg.Kafka.Topic, log)
		router := kafkasync.NewRouter(store, log, collector)
		defer consumer.Close()
		go func() {
			if err := router.Run(ctx, consumer); err != nil && !errors.Is(err, context.Canceled) {
				log.Warn(ctx, "kafka router stopped", logging.Err(err))
			}
		}()
		log.Info(ctx, "consuming broadcasts from kafka",
			logging.String("topic", cfg.Kafka.Topic),
			logging.String("group_id", cfg.Kafka.GroupID),
		)
	}

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		return fmt.Errorf("grpc server exited: %w", err)
	}

	log.Info(context.Background(), "shutting down position sync server")
	server.GracefulStop()
	return nil
}
