package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/signalsfoundry/swarm-sync/core"
	"github.com/signalsfoundry/swarm-sync/internal/config"
	"github.com/signalsfoundry/swarm-sync/internal/logging"
	"github.com/signalsfoundry/swarm-sync/internal/sim"
	"github.com/signalsfoundry/swarm-sync/internal/transport/grpcsync"
	"github.com/signalsfoundry/swarm-sync/internal/transport/kafkasync"
	"github.com/signalsfoundry/swarm-sync/timectrl"
)

type runOptions struct {
	scenarioPath string
	steps        int
	realtime     bool
	motion       string
	remotes      []string
}

func newRunCmd() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a swarm scenario and print the final formation",
		Long: "Builds the scenario's agents, then repeats broadcast rounds: the leader\n" +
			"sends its position to every follower and applies its next scripted move.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runSimulation(ctx, cfg, opts, cfg.Logger(), cmd.OutOrStdout())
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.scenarioPath, "scenario", "", "path to a JSON scenario; the built-in three-drone demo when empty")
	f.IntVar(&opts.steps, "steps", 2, "number of broadcast rounds (0 runs until interrupted with --realtime)")
	f.BoolVar(&opts.realtime, "realtime", false, "pace rounds at --interval of wall-clock time")
	f.StringVar(&opts.motion, "motion", "scenario", "leader motion: scenario (scripted moves), static, or velocity (integrate the leader's velocity over --interval)")
	f.StringSliceVar(&opts.remotes, "remote", nil, "remote follower as id=host:port, repeatable")
	f.Duration("interval", time.Second, "time between rounds with --realtime (overrides SWARM_BROADCAST_INTERVAL)")
	f.Bool("concurrent", false, "deliver to followers in parallel (overrides SWARM_CONCURRENT_DELIVERY)")
	f.String("kafka-brokers", "", "comma-separated brokers to publish broadcasts to (overrides SWARM_KAFKA_BROKERS)")
	return cmd
}

func loadScenario(path string) (*core.Scenario, error) {
	if path == "" {
		return core.DefaultScenario(), nil
	}
	return core.LoadScenarioFile(path)
}

func runSimulation(ctx context.Context, cfg config.Config, opts runOptions, log logging.Logger, out io.Writer) error {
	scenario, err := loadScenario(opts.scenarioPath)
	if err != nil {
		return err
	}

	collector, teardown, err := setupObservability(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer teardown()

	agentOpts := append(cfg.AgentOptions(log), core.WithObserver(collector))
	if cfg.Kafka.Enabled() {
		pub := kafkasync.NewPublisher(
			kafkasync.NewKafkaWriter(cfg.Kafka.BrokerList(), cfg.Kafka.Topic),
			kafkasync.WithPublisherLogger(log),
			kafkasync.WithPublisherMetrics(collector),
		)
		defer pub.Close()
		agentOpts = append(agentOpts, core.WithPublisher(pub))
		log.Info(ctx, "publishing broadcasts to kafka",
			logging.String("brokers", cfg.Kafka.Brokers),
			logging.String("topic", cfg.Kafka.Topic),
		)
	}

	runnerOpts := []sim.Option{
		sim.WithLogger(log),
		sim.WithAgentOptions(agentOpts...),
		sim.WithStepHook(func(res sim.StepResult) { printRound(out, res) }),
	}
	switch opts.motion {
	case "", "scenario":
	case "static":
		runnerOpts = append(runnerOpts, sim.WithMotion(core.StaticMotion{}))
	case "velocity":
		runnerOpts = append(runnerOpts, sim.WithMotion(core.VelocityMotion{Interval: cfg.BroadcastInterval}))
	default:
		return fmt.Errorf("invalid --motion %q, want scenario, static or velocity", opts.motion)
	}
	for _, spec := range opts.remotes {
		id, addr, ok := strings.Cut(spec, "=")
		if !ok || id == "" || addr == "" {
			return fmt.Errorf("invalid --remote %q, want id=host:port", spec)
		}
		conn, err := grpcsync.Dial(addr)
		if err != nil {
			return err
		}
		defer conn.Close()
		runnerOpts = append(runnerOpts, sim.WithRemoteFollowers(grpcsync.NewRemoteFollower(id, conn)))
	}

	runner, err := sim.NewRunner(scenario, runnerOpts...)
	if err != nil {
		return err
	}

	if opts.realtime {
		tc := timectrl.NewTimeController(time.Now(), cfg.BroadcastInterval, timectrl.RealTime)
		if err := runner.RunWithClock(ctx, tc, opts.steps); err != nil {
			return err
		}
	} else if _, err := runner.Run(ctx, opts.steps); err != nil {
		return err
	}

	printFormation(out, runner)
	return nil
}

// printRound writes one round's receipts. It runs on the clock goroutine in
// realtime mode, one round at a time.
func printRound(out io.Writer, res sim.StepResult) {
	color.New(color.Bold).Fprintf(out, "round %d", res.Step)
	fmt.Fprintf(out, "  checksum=%s recipients=%d", res.Report.Message.Checksum, len(res.Report.Deliveries))
	if !res.Move.IsZero() {
		fmt.Fprintf(out, "  leader moved by (%.6f, %.6f, %.2f)", res.Move.DLat, res.Move.DLon, res.Move.DAlt)
	}
	fmt.Fprintln(out)
	for _, d := range res.Report.Deliveries {
		if d.Err != nil {
			fmt.Fprintf(out, "  %s %s: %v\n", color.RedString("✗"), d.RecipientID, d.Err)
			continue
		}
		fmt.Fprintf(out, "  %s %s %s (%.3f m -> %.3f m)\n", color.GreenString("✓"), d.RecipientID,
			d.Receipt.Action, d.Receipt.DistanceBefore, d.Receipt.DistanceAfter)
	}
}

func printFormation(out io.Writer, runner *sim.Runner) {
	color.New(color.FgCyan, color.Bold).Fprintln(out, "final formation")

	leader, err := runner.KnowledgeBase().Leader()
	if err != nil {
		fmt.Fprintf(out, "  %s\n", color.RedString(err.Error()))
		return
	}
	lead := leader.Agent().Position()
	for _, def := range runner.Snapshot() {
		p := def.Position
		line := fmt.Sprintf("  %-8s %-8s lat=%.7f lon=%.7f alt=%.2f", def.ID, def.Role, p.Latitude, p.Longitude, p.Altitude)
		if def.ID != leader.ID() {
			line += fmt.Sprintf("  distance=%.3f m", core.Distance(p, lead))
		}
		fmt.Fprintln(out, line)
	}
}
