package main

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/signalsfoundry/swarm-sync/core"
	"github.com/signalsfoundry/swarm-sync/internal/config"
	"github.com/signalsfoundry/swarm-sync/internal/logging"
	"github.com/signalsfoundry/swarm-sync/internal/transport/grpcsync"
	"github.com/signalsfoundry/swarm-sync/model"
)

func testConfig() config.Config {
	return config.Config{
		LogLevel:          "warn",
		LogFormat:         "text",
		Checksum:          "md5",
		Correction:        "mixed-units",
		Standoff:          3,
		BroadcastInterval: 10 * time.Millisecond,
		MetricsAddr:       "",
		GRPCAddr:          "127.0.0.1:0",
		Kafka:             config.KafkaConfig{Topic: "swarm.position", GroupID: "swarm-followers"},
		Tracing:           config.TracingConfig{ServiceName: "swarm-sync", Exporter: "stdout", SampleRatio: 1},
	}
}

func TestRunSimulationDefaultScenario(t *testing.T) {
	var out bytes.Buffer
	opts := runOptions{steps: 2}
	if err := runSimulation(context.Background(), testConfig(), opts, logging.Noop(), &out); err != nil {
		t.Fatalf("runSimulation: %v", err)
	}

	got := out.String()
	for _, want := range []string{
		"round 0",
		"round 1",
		"checksum=31b0d7b3e81721635432edbce7813427",
		"recipients=2",
		"final formation",
		"A ",
		"B ",
		"C ",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
}

func TestRunSimulationRealtime(t *testing.T) {
	var out bytes.Buffer
	opts := runOptions{steps: 2, realtime: true}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := runSimulation(ctx, testConfig(), opts, logging.Noop(), &out); err != nil {
		t.Fatalf("runSimulation: %v", err)
	}
	got := out.String()
	for _, want := range []string{
		"round 0",
		"round 1",
		"checksum=31b0d7b3e81721635432edbce7813427",
		"final formation",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "round 2") {
		t.Fatalf("realtime run printed more rounds than requested:\n%s", got)
	}
}

func TestRunSimulationVelocityMotion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cruise.json")
	body := `{
  "name": "cruise",
  "agents": [
    {"id": "L", "role": "leader", "mass": 1, "velocity": {"x": 0, "y": 111.139, "z": 0}, "position": {"latitude": 10, "longitude": 20, "altitude": 50}},
    {"id": "F", "role": "follower", "mass": 1, "position": {"latitude": 10.0001, "longitude": 20, "altitude": 50}}
  ]
}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write scenario: %v", err)
	}

	// 111.139 m/s north over the 10ms interval is 1e-5 degrees of latitude.
	var out bytes.Buffer
	opts := runOptions{scenarioPath: path, steps: 2, motion: "velocity"}
	if err := runSimulation(context.Background(), testConfig(), opts, logging.Noop(), &out); err != nil {
		t.Fatalf("runSimulation: %v", err)
	}
	if n := strings.Count(out.String(), "leader moved by (0.000010, 0.000000, 0.00)"); n != 2 {
		t.Fatalf("expected two velocity moves, got %d:\n%s", n, out.String())
	}
	if !strings.Contains(out.String(), "lat=10.0000200") {
		t.Fatalf("leader should end 2e-5 degrees north, got:\n%s", out.String())
	}
}

func TestRunSimulationRejectsBadMotion(t *testing.T) {
	err := runSimulation(context.Background(), testConfig(), runOptions{steps: 1, motion: "teleport"}, logging.Noop(), &bytes.Buffer{})
	if err == nil || !strings.Contains(err.Error(), "--motion") {
		t.Fatalf("expected --motion error, got %v", err)
	}
}

func TestRunSimulationScenarioFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pair.json")
	body := `{
  "name": "pair",
  "agents": [
    {"id": "L", "role": "leader", "mass": 1, "position": {"latitude": 10, "longitude": 20, "altitude": 50}},
    {"id": "F", "role": "follower", "mass": 1, "position": {"latitude": 10.0001, "longitude": 20, "altitude": 50}}
  ]
}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write scenario: %v", err)
	}

	var out bytes.Buffer
	cfg := testConfig()
	cfg.Correction = "metric"
	if err := runSimulation(context.Background(), cfg, runOptions{scenarioPath: path, steps: 4}, logging.Noop(), &out); err != nil {
		t.Fatalf("runSimulation: %v", err)
	}
	if !strings.Contains(out.String(), "distance=3.000 m") {
		t.Fatalf("metric follower should settle at the standoff, got:\n%s", out.String())
	}
}

func TestRunSimulationRejectsBadRemote(t *testing.T) {
	err := runSimulation(context.Background(), testConfig(), runOptions{steps: 1, remotes: []string{"no-address"}}, logging.Noop(), &bytes.Buffer{})
	if err == nil || !strings.Contains(err.Error(), "id=host:port") {
		t.Fatalf("expected --remote format error, got %v", err)
	}
}

func TestServeStartupSmoke(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- serve(ctx, testConfig(), serveOptions{agents: []string{"B"}}, logging.Noop(), lis)
	}()

	conn, err := grpcsync.Dial(lis.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	leaderPos := model.GeoPosition{Latitude: 28.7041, Longitude: 77.1025, Altitude: 100}
	msg, err := core.NewPositionUpdate(core.DigestMD5, "A", []string{"B"}, leaderPos)
	if err != nil {
		t.Fatalf("NewPositionUpdate: %v", err)
	}

	receipt, err := grpcsync.NewRemoteFollower("B", conn).Receive(ctx, msg)
	if err != nil {
		t.Fatalf("Receive over gRPC: %v", err)
	}
	if receipt.Action != core.ActionAdjusted {
		t.Fatalf("Action = %s, want adjusted", receipt.Action)
	}

	// C exists in the scenario but was not selected for hosting.
	if _, err := grpcsync.NewRemoteFollower("C", conn).Receive(ctx, msg); err == nil {
		t.Fatalf("expected unknown agent error for unhosted follower")
	}

	cancel()
	if err := <-errCh; err != nil {
		t.Fatalf("serve returned error: %v", err)
	}
}

func TestServeNoFollowersSelected(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	defer lis.Close()

	err = serve(context.Background(), testConfig(), serveOptions{agents: []string{"nobody"}}, logging.Noop(), lis)
	if err == nil {
		t.Fatalf("expected error when no follower is selected")
	}
}

func TestLoadConfigFlagOverrides(t *testing.T) {
	t.Setenv("SWARM_CHECKSUM", "md5")

	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().String("checksum", "", "")
	cmd.Flags().String("grpc-addr", "", "")
	cmd.Flags().Bool("concurrent", false, "")
	cmd.Flags().Duration("interval", time.Second, "")
	if err := cmd.Flags().Parse([]string{"--checksum=sha3-256", "--grpc-addr=:6000", "--concurrent", "--interval=250ms"}); err != nil {
		t.Fatalf("Parse: %v", err)
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Checksum != "sha3-256" || cfg.GRPCAddr != ":6000" {
		t.Fatalf("string overrides not applied: %+v", cfg)
	}
	if !cfg.ConcurrentDelivery || cfg.BroadcastInterval != 250*time.Millisecond {
		t.Fatalf("typed overrides not applied: concurrent=%v interval=%v", cfg.ConcurrentDelivery, cfg.BroadcastInterval)
	}
}

func TestLoadConfigRejectsBadCorrection(t *testing.T) {
	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().String("correction", "", "")
	if err := cmd.Flags().Parse([]string{"--correction=sideways"}); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, err := loadConfig(cmd); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestVersionCommand(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	if err := root.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.HasPrefix(out.String(), "swarmsim v"+version) {
		t.Fatalf("unexpected version output %q", out.String())
	}
}
