package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/signalsfoundry/swarm-sync/core"
	"github.com/signalsfoundry/swarm-sync/internal/logging"
	"github.com/signalsfoundry/swarm-sync/internal/observability"
)

// EnvPrefix is the prefix of every environment variable read by Load.
const EnvPrefix = "SWARM"

// Config is the process configuration shared by the swarmsim commands.
type Config struct {
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"text"`

	// Checksum selects the message digest: md5 or sha3-256.
	Checksum string `envconfig:"CHECKSUM" default:"md5"`
	// Correction selects the follower correction: mixed-units or metric.
	Correction         string        `envconfig:"CORRECTION" default:"mixed-units"`
	// Standoff is the distance in metres a follower keeps from the leader.
	Standoff           float64       `envconfig:"STANDOFF" default:"3"`
	ConcurrentDelivery bool          `envconfig:"CONCURRENT_DELIVERY" default:"false"`
	BroadcastInterval  time.Duration `envconfig:"BROADCAST_INTERVAL" default:"1s"`

	MetricsAddr string `envconfig:"METRICS_ADDR" default:":9090"`
	GRPCAddr    string `envconfig:"GRPC_ADDR" default:":50051"`

	Kafka   KafkaConfig   `envconfig:"KAFKA"`
	Tracing TracingConfig `envconfig:"TRACING"`
}

// KafkaConfig configures the pub/sub transport. It is disabled when Brokers
// is empty.
type KafkaConfig struct {
	Brokers string `envconfig:"BROKERS"`
	Topic   string `envconfig:"TOPIC" default:"swarm.position"`
	GroupID string `envconfig:"GROUP_ID" default:"swarm-followers"`
}

// Enabled reports whether any broker is configured.
func (k KafkaConfig) Enabled() bool {
	return strings.TrimSpace(k.Brokers) != ""
}

// BrokerList splits Brokers on commas.
func (k KafkaConfig) BrokerList() []string {
	var out []string
	for _, b := range strings.Split(k.Brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// TracingConfig mirrors observability.TracingConfig with env bindings.
type TracingConfig struct {
	Enabled     bool    `envconfig:"ENABLED" default:"false"`
	ServiceName string  `envconfig:"SERVICE_NAME" default:"swarm-sync"`
	Exporter    string  `envconfig:"EXPORTER" default:"stdout"`
	Endpoint    string  `envconfig:"OTLP_ENDPOINT"`
	SampleRatio float64 `envconfig:"SAMPLE_RATIO" default:"1"`
}

// Load reads the configuration from SWARM_* environment variables and
// validates it.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks enumerated and bounded fields.
func (c Config) Validate() error {
	var errs []error
	if _, err := core.ParseDigest(c.Checksum); err != nil {
		errs = append(errs, err)
	}
	if _, err := core.ParseCorrectionMode(c.Correction); err != nil {
		errs = append(errs, err)
	}
	if c.Standoff <= 0 {
		errs = append(errs, fmt.Errorf("standoff must be positive, got %v", c.Standoff))
	}
	if c.BroadcastInterval <= 0 {
		errs = append(errs, fmt.Errorf("broadcast interval must be positive, got %s", c.BroadcastInterval))
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		errs = append(errs, fmt.Errorf("tracing sample ratio %v outside [0,1]", c.Tracing.SampleRatio))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Digest returns the parsed checksum digest; Validate has vetted it.
func (c Config) Digest() core.Digest {
	d, _ := core.ParseDigest(c.Checksum)
	return d
}

// CorrectionMode returns the parsed correction mode; Validate has vetted it.
func (c Config) CorrectionMode() core.CorrectionMode {
	m, _ := core.ParseCorrectionMode(c.Correction)
	return m
}

// AgentOptions translates protocol settings into agent options.
func (c Config) AgentOptions(log logging.Logger) []core.AgentOption {
	return []core.AgentOption{
		core.WithLogger(log),
		core.WithDigest(c.Digest()),
		core.WithCorrectionMode(c.CorrectionMode()),
		core.WithStandoff(c.Standoff),
		core.WithConcurrentDelivery(c.ConcurrentDelivery),
	}
}

// Logger builds the process logger.
func (c Config) Logger() logging.Logger {
	return logging.New(logging.Config{Level: c.LogLevel, Format: c.LogFormat, AddSource: true})
}

// ObservabilityTracing converts the tracing block for observability.InitTracing.
func (c Config) ObservabilityTracing() observability.TracingConfig {
	return observability.TracingConfig{
		Enabled:     c.Tracing.Enabled,
		ServiceName: c.Tracing.ServiceName,
		Exporter:    c.Tracing.Exporter,
		Endpoint:    c.Tracing.Endpoint,
		SampleRatio: c.Tracing.SampleRatio,
	}
}
