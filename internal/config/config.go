package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds the tuning values of a transport endpoint. It is built once by
// Load and passed by pointer into the stack; nothing mutates it afterwards.
type Config struct {
	LogLevel   string
	Fabric     string
	ServerAddr string

	QPTransportMode string
	SendDepth       uint32
	RecvDepth       uint32
	UseSRQ          bool
	SRQDepth        uint32
	ChunkSize       uint32
	CQEPerCQ        uint32
	PollBatch       uint32
	WorkerCount     uint32
	WorkerAffinity  bool
	HugePages       bool

	StagingBufferSize uint32

	ResolveAddrTimeoutMS  uint32
	ResolveRouteTimeoutMS uint32
	ResponderResources    uint8
	InitiatorDepth        uint8
	RetryCount            uint8
	RNRRetryCount         uint8
	ListenBacklog         int

	MetricsEnabled    bool
	OtelCollectorAddr string

	PingPong PingPongConfig
}

// PingPongConfig configures the ping-pong benchmark driver.
type PingPongConfig struct {
	Connections   int
	RoundTrips    int
	RatePerSecond int
}

// ResolveAddrTimeout returns the address resolution timeout.
func (c *Config) ResolveAddrTimeout() time.Duration {
	return time.Duration(c.ResolveAddrTimeoutMS) * time.Millisecond
}

// ResolveRouteTimeout returns the route resolution timeout.
func (c *Config) ResolveRouteTimeout() time.Duration {
	return time.Duration(c.ResolveRouteTimeoutMS) * time.Millisecond
}

// CQDepth returns the number of entries requested for each completion queue.
func (c *Config) CQDepth() int {
	return int(c.CQEPerCQ) * 2
}

// flagKeys maps command line flag names to configuration keys.
var flagKeys = map[string]string{
	"log-level":       "log_level",
	"fabric":          "fabric",
	"server-addr":     "server_addr",
	"send-depth":      "send_depth",
	"recv-depth":      "recv_depth",
	"use-srq":         "use_srq",
	"chunk-size":      "chunk_size",
	"worker-count":    "worker_count",
	"worker-affinity": "worker_affinity",
	"huge-pages":      "huge_pages",
	"metrics-enabled": "metrics_enabled",
	"otel-collector":  "otel_collector_addr",
	"connections":     "pingpong.connections",
	"round-trips":     "pingpong.round_trips",
	"rate":            "pingpong.rate_per_second",
}

// SetupFlags registers the command line flags understood by Load.
func SetupFlags(flagSet *pflag.FlagSet) {
	flagSet.String("config", "", "Path to configuration file")
	flagSet.String("log-level", "info", "Log level (trace, debug, info, warn, error)")
	flagSet.String("fabric", "sim", "RDMA fabric backend (sim, verbs)")
	flagSet.String("server-addr", "127.0.0.1:20079", "Address the server listens on and the client connects to")
	flagSet.Uint32("send-depth", 64, "Send work requests and send chunks per queue pair")
	flagSet.Uint32("recv-depth", 64, "Receive work requests and receive chunks per queue pair")
	flagSet.Bool("use-srq", true, "Bind queue pairs to a shared receive queue")
	flagSet.Uint32("chunk-size", 4096, "Bytes per chunk")
	flagSet.Uint32("worker-count", 20, "Number of dedicated completion queue workers")
	flagSet.Bool("worker-affinity", false, "Pin completion workers to CPUs local to the RDMA device")
	flagSet.Bool("huge-pages", false, "Back chunk regions with huge pages")
	flagSet.Bool("metrics-enabled", false, "Export OpenTelemetry metrics")
	flagSet.String("otel-collector", "localhost:4317", "OpenTelemetry collector address")
	flagSet.Int("connections", 1, "Ping-pong client connections")
	flagSet.Int("round-trips", 1000000, "Ping-pong round trips per connection")
	flagSet.Int("rate", 0, "Ping-pong requests per second per connection (0 = unlimited)")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("fabric", "sim")
	v.SetDefault("server_addr", "127.0.0.1:20079")
	v.SetDefault("qp_transport_mode", "RC")
	v.SetDefault("send_depth", 64)
	v.SetDefault("recv_depth", 64)
	v.SetDefault("use_srq", true)
	v.SetDefault("srq_depth", 4096)
	v.SetDefault("chunk_size", 4096)
	v.SetDefault("cqe_per_cq", 4096)
	v.SetDefault("poll_batch", 32)
	v.SetDefault("worker_count", 20)
	v.SetDefault("worker_affinity", false)
	v.SetDefault("huge_pages", false)
	v.SetDefault("staging_buffer_size", 4*1024*1024)
	v.SetDefault("resolve_addr_timeout_ms", 5000)
	v.SetDefault("resolve_route_timeout_ms", 2000)
	v.SetDefault("responder_resources", 1)
	v.SetDefault("initiator_depth", 1)
	v.SetDefault("retry_count", 7)
	v.SetDefault("rnr_retry_count", 7)
	v.SetDefault("listen_backlog", 1)
	v.SetDefault("metrics_enabled", false)
	v.SetDefault("otel_collector_addr", "localhost:4317")
	v.SetDefault("pingpong.connections", 1)
	v.SetDefault("pingpong.round_trips", 1000000)
	v.SetDefault("pingpong.rate_per_second", 0)
}

func fromViper(v *viper.Viper) *Config {
	return &Config{
		LogLevel:              v.GetString("log_level"),
		Fabric:                v.GetString("fabric"),
		ServerAddr:            v.GetString("server_addr"),
		QPTransportMode:       strings.ToUpper(v.GetString("qp_transport_mode")),
		SendDepth:             v.GetUint32("send_depth"),
		RecvDepth:             v.GetUint32("recv_depth"),
		UseSRQ:                v.GetBool("use_srq"),
		SRQDepth:              v.GetUint32("srq_depth"),
		ChunkSize:             v.GetUint32("chunk_size"),
		CQEPerCQ:              v.GetUint32("cqe_per_cq"),
		PollBatch:             v.GetUint32("poll_batch"),
		WorkerCount:           v.GetUint32("worker_count"),
		WorkerAffinity:        v.GetBool("worker_affinity"),
		HugePages:             v.GetBool("huge_pages"),
		StagingBufferSize:     v.GetUint32("staging_buffer_size"),
		ResolveAddrTimeoutMS:  v.GetUint32("resolve_addr_timeout_ms"),
		ResolveRouteTimeoutMS: v.GetUint32("resolve_route_timeout_ms"),
		ResponderResources:    uint8(v.GetUint("responder_resources")),
		InitiatorDepth:        uint8(v.GetUint("initiator_depth")),
		RetryCount:            uint8(v.GetUint("retry_count")),
		RNRRetryCount:         uint8(v.GetUint("rnr_retry_count")),
		ListenBacklog:         v.GetInt("listen_backlog"),
		MetricsEnabled:        v.GetBool("metrics_enabled"),
		OtelCollectorAddr:     v.GetString("otel_collector_addr"),
		PingPong: PingPongConfig{
			Connections:   v.GetInt("pingpong.connections"),
			RoundTrips:    v.GetInt("pingpong.round_trips"),
			RatePerSecond: v.GetInt("pingpong.rate_per_second"),
		},
	}
}

// Default returns the built-in configuration without consulting files,
// the environment or flags.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	return fromViper(v)
}

// Load builds a Config from defaults, an optional config file, RDMAMSG_*
// environment variables and the flags in flagSet, in increasing precedence.
// flagSet may be nil.
func Load(flagSet *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// Environment variables
	v.SetEnvPrefix("RDMAMSG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	configPath := ""
	if flagSet != nil {
		for name, key := range flagKeys {
			if f := flagSet.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
		configPath, _ = flagSet.GetString("config")
	}

	// Config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("rdmamsg")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.rdmamsg")
		v.AddConfigPath("/etc/rdmamsg")
	}

	if err := v.ReadInConfig(); err != nil {
		// It's okay if config file is not found, but other errors should be handled
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg := fromViper(v)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that every value is usable by the transport.
func (c *Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.ServerAddr); err != nil {
		return fmt.Errorf("invalid server_addr %q: %w", c.ServerAddr, err)
	}
	if c.QPTransportMode != "RC" {
		return fmt.Errorf("unsupported qp_transport_mode %q: only RC is supported", c.QPTransportMode)
	}
	positive := []struct {
		key string
		val uint32
	}{
		{"send_depth", c.SendDepth},
		{"recv_depth", c.RecvDepth},
		{"chunk_size", c.ChunkSize},
		{"cqe_per_cq", c.CQEPerCQ},
		{"poll_batch", c.PollBatch},
		{"worker_count", c.WorkerCount},
		{"staging_buffer_size", c.StagingBufferSize},
		{"resolve_addr_timeout_ms", c.ResolveAddrTimeoutMS},
		{"resolve_route_timeout_ms", c.ResolveRouteTimeoutMS},
	}
	for _, p := range positive {
		if p.val == 0 {
			return fmt.Errorf("%s must be greater than zero", p.key)
		}
	}
	if c.UseSRQ && c.SRQDepth < c.RecvDepth {
		return fmt.Errorf("srq_depth (%d) must be at least recv_depth (%d)", c.SRQDepth, c.RecvDepth)
	}
	if c.CQEPerCQ < c.SendDepth+c.RecvDepth {
		return fmt.Errorf("cqe_per_cq (%d) must cover send_depth + recv_depth (%d)", c.CQEPerCQ, c.SendDepth+c.RecvDepth)
	}
	if c.RetryCount > 7 || c.RNRRetryCount > 7 {
		return fmt.Errorf("retry_count and rnr_retry_count must be at most 7")
	}
	if c.ListenBacklog <= 0 {
		return fmt.Errorf("listen_backlog must be greater than zero")
	}
	if c.PingPong.Connections <= 0 {
		return fmt.Errorf("pingpong.connections must be greater than zero")
	}
	if c.PingPong.RoundTrips < 0 || c.PingPong.RatePerSecond < 0 {
		return fmt.Errorf("pingpong.round_trips and pingpong.rate_per_second must not be negative")
	}
	return nil
}

// WriteDefaultConfig writes a commented configuration file holding the
// default values to path.
func WriteDefaultConfig(path string) error {
	return writeDefaultConfig(afero.NewOsFs(), path)
}

func writeDefaultConfig(fs afero.Fs, path string) error {
	configContent := `# rdmamsg configuration
log_level: "info" # trace, debug, info, warn, error
fabric: "sim" # sim (in-process) or verbs (requires an rdma_hw build)
server_addr: "127.0.0.1:20079"

# Queue pairs
qp_transport_mode: "RC" # only RC is supported
send_depth: 64 # send chunks per connection
recv_depth: 64 # receive chunks per connection
use_srq: true
srq_depth: 4096
chunk_size: 4096 # bytes

# Completion queues
cqe_per_cq: 4096 # each CQ is created with twice this many entries
poll_batch: 32
worker_count: 20
worker_affinity: false

# Memory
huge_pages: false
staging_buffer_size: 4194304 # 4 MiB

# Connection management
resolve_addr_timeout_ms: 5000
resolve_route_timeout_ms: 2000
responder_resources: 1
initiator_depth: 1
retry_count: 7
rnr_retry_count: 7
listen_backlog: 1

# Telemetry
metrics_enabled: false
otel_collector_addr: "localhost:4317"

pingpong:
  connections: 1
  round_trips: 1000000
  rate_per_second: 0 # 0 = unlimited
`

	return writeConfigFile(fs, path, configContent)
}
