// Package config loads the shard-relay configuration from defaults, an
// optional YAML file, SHARD_RELAY_* environment variables and command line
// flags, in increasing order of precedence.
package config

import (
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/szibis/shard-relay/internal/auth"
	tlspkg "github.com/szibis/shard-relay/internal/tls"
)

// Modes of the binary.
const (
	ModeRelay    = "relay"
	ModeReceiver = "receiver"
	ModeStatus   = "status"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SHARD_RELAY"

// Config is the complete configuration.
type Config struct {
	Mode     string `yaml:"mode"`
	DataPath string `yaml:"data_path"`
	// Source identifies this relay to receivers. Defaults to the host name.
	Source   string `yaml:"source"`
	LogLevel string `yaml:"log_level"`

	Admin          AdminConfig          `yaml:"admin"`
	Monitor        MonitorConfig        `yaml:"monitor"`
	Scheduler      SchedulerConfig      `yaml:"scheduler"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Client         ClientConfig         `yaml:"client"`
	Receiver       ReceiverConfig       `yaml:"receiver"`
	Health         HealthConfig         `yaml:"health"`
	Memory         MemoryConfig         `yaml:"memory"`
	Shards         []ShardConfig        `yaml:"shards"`

	// Flags
	ConfigFile   string `yaml:"-"`
	ValidateOnly bool   `yaml:"-"`
	ShowHelp     bool   `yaml:"-"`
	ShowVersion  bool   `yaml:"-"`
}

// AdminConfig configures the admin HTTP API and the status client.
type AdminConfig struct {
	Address string            `yaml:"address"`
	Auth    auth.ServerConfig `yaml:"auth"`
	// URL is where the status mode fetches /status from.
	URL        string            `yaml:"url"`
	ClientAuth auth.ClientConfig `yaml:"client_auth"`
}

// MonitorConfig holds the settings shared by every directory monitor.
type MonitorConfig struct {
	// BatchMinRows and BatchMinBytes seal a batch once either is reached.
	// Batching is off when both are zero.
	BatchMinRows  uint64   `yaml:"batch_min_rows"`
	BatchMinBytes ByteSize `yaml:"batch_min_bytes"`
	// DirFsync syncs batch descriptors, quarantine moves and their directories.
	DirFsync          bool     `yaml:"dir_fsync"`
	DefaultSleep      Duration `yaml:"default_sleep"`
	MaxSleep          Duration `yaml:"max_sleep"`
	BackoffMultiplier float64  `yaml:"backoff_multiplier"`
	DecayPeriod       Duration `yaml:"decay_period"`
	SendTimeout       Duration `yaml:"send_timeout"`
	// BlockCompression compresses block payloads written to the queue.
	BlockCompression      string `yaml:"block_compression"`
	BlockCompressionLevel int    `yaml:"block_compression_level"`
}

// MonitorOverrides replaces shared monitor settings for one shard.
type MonitorOverrides struct {
	BatchMinRows  *uint64   `yaml:"batch_min_rows"`
	BatchMinBytes *ByteSize `yaml:"batch_min_bytes"`
	DefaultSleep  *Duration `yaml:"default_sleep"`
	MaxSleep      *Duration `yaml:"max_sleep"`
	SendTimeout   *Duration `yaml:"send_timeout"`
}

// SchedulerConfig bounds background work.
type SchedulerConfig struct {
	// PoolSize is how many monitors may run a pass at once (0 = NumCPU).
	PoolSize int `yaml:"pool_size"`
}

// CircuitBreakerConfig configures the per-replica circuit breakers.
type CircuitBreakerConfig struct {
	Threshold    int      `yaml:"threshold"`
	ResetTimeout Duration `yaml:"reset_timeout"`
}

// ClientConfig configures connections to remote shards.
type ClientConfig struct {
	TLS  tlspkg.ClientConfig `yaml:"tls"`
	Auth auth.ClientConfig   `yaml:"auth"`
	// Compression is the gRPC wire compressor: none, gzip or zstd.
	Compression    string   `yaml:"compression"`
	MaxMessageSize ByteSize `yaml:"max_message_size"`
}

// ReceiverConfig configures receiver mode.
type ReceiverConfig struct {
	Address        string              `yaml:"address"`
	Path           string              `yaml:"path"`
	TLS            tlspkg.ServerConfig `yaml:"tls"`
	Auth           auth.ServerConfig   `yaml:"auth"`
	DedupWindow    int                 `yaml:"dedup_window"`
	MaxMessageSize ByteSize            `yaml:"max_message_size"`
}

// HealthConfig configures readiness.
type HealthConfig struct {
	// ErrorThreshold is the error count at which a shard is reported down.
	ErrorThreshold uint64 `yaml:"error_threshold"`
}

// MemoryConfig holds memory limit configuration.
type MemoryConfig struct {
	// LimitRatio is the ratio of container memory to use for GOMEMLIMIT (0.0-1.0)
	LimitRatio float64 `yaml:"limit_ratio"`
}

// ShardConfig configures one remote shard.
type ShardConfig struct {
	Name     string   `yaml:"name"`
	Replicas []string `yaml:"replicas"`
	Path     string   `yaml:"path"`
	// Weight is the share of keyed inserts routed to the shard. Unset
	// means 1, zero takes the shard out of keyed routing.
	Weight  *uint32           `yaml:"weight"`
	Monitor *MonitorOverrides `yaml:"monitor"`
}

// RoutingWeight returns the effective weight of the shard.
func (s ShardConfig) RoutingWeight() uint32 {
	if s.Weight == nil {
		return 1
	}
	return *s.Weight
}

// DefaultConfig returns the defaults.
func DefaultConfig() *Config {
	return &Config{
		Mode:     ModeRelay,
		DataPath: "./data",
		LogLevel: "info",
		Admin: AdminConfig{
			Address: ":8123",
			URL:     "http://localhost:8123",
		},
		Monitor: MonitorConfig{
			DefaultSleep:      Duration(100 * time.Millisecond),
			MaxSleep:          Duration(30 * time.Second),
			BackoffMultiplier: 2,
			DecayPeriod:       Duration(time.Minute),
			SendTimeout:       Duration(time.Minute),
			BlockCompression:  "zstd",
		},
		CircuitBreaker: CircuitBreakerConfig{
			Threshold:    5,
			ResetTimeout: Duration(30 * time.Second),
		},
		Client: ClientConfig{
			Compression:    "none",
			MaxMessageSize: 64 << 20,
		},
		Receiver: ReceiverConfig{
			Address:        ":9000",
			Path:           "./received",
			DedupWindow:    4096,
			MaxMessageSize: 64 << 20,
		},
		Health: HealthConfig{ErrorThreshold: 10},
		Memory: MemoryConfig{LimitRatio: 0.9},
	}
}

// ApplyDefaults fills values left empty by a configuration file.
func (c *Config) ApplyDefaults() {
	d := DefaultConfig()
	if c.Mode == "" {
		c.Mode = d.Mode
	}
	if c.DataPath == "" {
		c.DataPath = d.DataPath
	}
	if c.Source == "" {
		if host, err := os.Hostname(); err == nil {
			c.Source = host
		}
	}
	if c.Monitor.DefaultSleep == 0 {
		c.Monitor.DefaultSleep = d.Monitor.DefaultSleep
	}
	if c.Monitor.MaxSleep == 0 {
		c.Monitor.MaxSleep = d.Monitor.MaxSleep
	}
	if c.Monitor.BackoffMultiplier == 0 {
		c.Monitor.BackoffMultiplier = d.Monitor.BackoffMultiplier
	}
	if c.Client.MaxMessageSize == 0 {
		c.Client.MaxMessageSize = d.Client.MaxMessageSize
	}
	if c.Receiver.MaxMessageSize == 0 {
		c.Receiver.MaxMessageSize = d.Receiver.MaxMessageSize
	}
}

// envOverrides lists the settings that can come from the environment.
// Empty values are ignored.
type envOverrides struct {
	Mode                string `envconfig:"MODE"`
	DataPath            string `envconfig:"DATA_PATH"`
	Source              string `envconfig:"SOURCE"`
	LogLevel            string `envconfig:"LOG_LEVEL"`
	AdminAddress        string `envconfig:"ADMIN_ADDRESS"`
	AdminBearerToken    string `envconfig:"ADMIN_BEARER_TOKEN"`
	ClientBearerToken   string `envconfig:"CLIENT_BEARER_TOKEN"`
	ReceiverAddress     string `envconfig:"RECEIVER_ADDRESS"`
	ReceiverBearerToken string `envconfig:"RECEIVER_BEARER_TOKEN"`
}

func (c *Config) applyEnv() error {
	var env envOverrides
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return fmt.Errorf("read environment: %w", err)
	}
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&c.Mode, env.Mode)
	set(&c.DataPath, env.DataPath)
	set(&c.Source, env.Source)
	set(&c.LogLevel, env.LogLevel)
	set(&c.Admin.Address, env.AdminAddress)
	set(&c.Client.Auth.BearerToken, env.ClientBearerToken)
	set(&c.Receiver.Address, env.ReceiverAddress)
	if env.AdminBearerToken != "" {
		c.Admin.Auth.Enabled = true
		c.Admin.Auth.BearerToken = env.AdminBearerToken
		c.Admin.ClientAuth.BearerToken = env.AdminBearerToken
	}
	if env.ReceiverBearerToken != "" {
		c.Receiver.Auth.Enabled = true
		c.Receiver.Auth.BearerToken = env.ReceiverBearerToken
	}
	return nil
}

// Load builds the configuration from args (without the program name).
// Flags override the environment, which overrides the YAML file named by
// -config, which overrides the defaults.
func Load(args []string, output io.Writer) (*Config, error) {
	flags := DefaultConfig()
	fs := newFlagSet(output, flags)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if flags.ConfigFile != "" && !flags.ValidateOnly {
		var err error
		cfg, err = LoadYAML(flags.ConfigFile)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", flags.ConfigFile, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	applyFlagOverrides(fs, flags, cfg)
	cfg.ApplyDefaults()
	return cfg, nil
}

// PrintUsage writes the flag documentation to w.
func PrintUsage(w io.Writer) {
	fmt.Fprintf(w, "Usage: shard-relay [flags]\n\nFlags:\n")
	newFlagSet(w, DefaultConfig()).PrintDefaults()
}

func newFlagSet(output io.Writer, cfg *Config) *flag.FlagSet {
	fs := flag.NewFlagSet("shard-relay", flag.ContinueOnError)
	fs.SetOutput(output)

	fs.StringVar(&cfg.ConfigFile, "config", "", "Path to YAML configuration file")
	fs.BoolVar(&cfg.ValidateOnly, "validate", false, "Validate the -config file, print the result as JSON and exit")
	fs.StringVar(&cfg.Mode, "mode", cfg.Mode, "Run mode: relay, receiver or status")
	fs.StringVar(&cfg.DataPath, "data-path", cfg.DataPath, "Directory holding one queue per shard")
	fs.StringVar(&cfg.Source, "source", cfg.Source, "Name of this relay sent to receivers (default: host name)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug, info, warn or error")

	// Admin flags
	fs.StringVar(&cfg.Admin.Address, "admin-listen", cfg.Admin.Address, "Admin HTTP API listen address")
	fs.StringVar(&cfg.Admin.URL, "admin-url", cfg.Admin.URL, "Admin API URL used by -mode=status")
	fs.StringVar(&cfg.Admin.Auth.BearerToken, "admin-auth-bearer-token", "", "Bearer token required by the admin API")

	// Monitor flags
	fs.Uint64Var(&cfg.Monitor.BatchMinRows, "batch-min-rows", 0, "Seal a batch once it holds this many rows (0 = no row threshold)")
	fs.Var(&cfg.Monitor.BatchMinBytes, "batch-min-bytes", "Seal a batch once it holds this many bytes, e.g. 16Mi (0 = no byte threshold)")
	fs.BoolVar(&cfg.Monitor.DirFsync, "dir-fsync", false, "Fsync batch descriptors, quarantine moves and their directories")
	fs.Var(&cfg.Monitor.DefaultSleep, "default-sleep", "Delay between passes on an idle or healthy queue")
	fs.Var(&cfg.Monitor.MaxSleep, "max-sleep", "Upper bound of the failure backoff")
	fs.Float64Var(&cfg.Monitor.BackoffMultiplier, "backoff-multiplier", cfg.Monitor.BackoffMultiplier, "Backoff growth factor per failed pass")
	fs.Var(&cfg.Monitor.DecayPeriod, "backoff-decay-period", "Minimum time between two backoff decreases")
	fs.Var(&cfg.Monitor.SendTimeout, "send-timeout", "Timeout of one transfer (0 = none)")
	fs.StringVar(&cfg.Monitor.BlockCompression, "block-compression", cfg.Monitor.BlockCompression, "Block payload compression: none, gzip, zstd, snappy, zlib, deflate, lz4")

	fs.IntVar(&cfg.Scheduler.PoolSize, "scheduler-pool-size", 0, "Monitors running a pass at the same time (0 = NumCPU)")
	fs.IntVar(&cfg.CircuitBreaker.Threshold, "circuit-breaker-threshold", cfg.CircuitBreaker.Threshold, "Consecutive failures that open a replica circuit (0 = disabled)")
	fs.Var(&cfg.CircuitBreaker.ResetTimeout, "circuit-breaker-reset-timeout", "Time an open replica circuit rejects sends")

	// Client flags
	fs.StringVar(&cfg.Client.Compression, "client-compression", cfg.Client.Compression, "gRPC wire compression to remote shards: none, gzip or zstd")
	fs.BoolVar(&cfg.Client.TLS.Enabled, "client-tls-enabled", false, "Enable TLS to remote shards")
	fs.StringVar(&cfg.Client.TLS.CAFile, "client-tls-ca", "", "CA certificate for verifying remote shards")
	fs.StringVar(&cfg.Client.TLS.CertFile, "client-tls-cert", "", "Client certificate for mTLS")
	fs.StringVar(&cfg.Client.TLS.KeyFile, "client-tls-key", "", "Client private key for mTLS")
	fs.StringVar(&cfg.Client.Auth.BearerToken, "client-auth-bearer-token", "", "Bearer token sent to remote shards")

	// Receiver flags
	fs.StringVar(&cfg.Receiver.Address, "receiver-listen", cfg.Receiver.Address, "Receiver gRPC listen address")
	fs.StringVar(&cfg.Receiver.Path, "receiver-path", cfg.Receiver.Path, "Directory where the receiver stores blocks")
	fs.BoolVar(&cfg.Receiver.TLS.Enabled, "receiver-tls-enabled", false, "Enable TLS for the receiver")
	fs.StringVar(&cfg.Receiver.TLS.CertFile, "receiver-tls-cert", "", "Receiver TLS certificate")
	fs.StringVar(&cfg.Receiver.TLS.KeyFile, "receiver-tls-key", "", "Receiver TLS private key")
	fs.StringVar(&cfg.Receiver.Auth.BearerToken, "receiver-auth-bearer-token", "", "Bearer token required by the receiver")

	fs.Float64Var(&cfg.Memory.LimitRatio, "memory-limit-ratio", cfg.Memory.LimitRatio, "Ratio of container memory used for GOMEMLIMIT (0 = disabled)")

	fs.BoolVar(&cfg.ShowHelp, "help", false, "Show help message")
	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version")
	return fs
}

// applyFlagOverrides copies the flags that were explicitly set.
func applyFlagOverrides(fs *flag.FlagSet, flags, cfg *Config) {
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "mode":
			cfg.Mode = flags.Mode
		case "data-path":
			cfg.DataPath = flags.DataPath
		case "source":
			cfg.Source = flags.Source
		case "log-level":
			cfg.LogLevel = flags.LogLevel
		case "admin-listen":
			cfg.Admin.Address = flags.Admin.Address
		case "admin-url":
			cfg.Admin.URL = flags.Admin.URL
		case "admin-auth-bearer-token":
			cfg.Admin.Auth.Enabled = flags.Admin.Auth.BearerToken != ""
			cfg.Admin.Auth.BearerToken = flags.Admin.Auth.BearerToken
			cfg.Admin.ClientAuth.BearerToken = flags.Admin.Auth.BearerToken
		case "batch-min-rows":
			cfg.Monitor.BatchMinRows = flags.Monitor.BatchMinRows
		case "batch-min-bytes":
			cfg.Monitor.BatchMinBytes = flags.Monitor.BatchMinBytes
		case "dir-fsync":
			cfg.Monitor.DirFsync = flags.Monitor.DirFsync
		case "default-sleep":
			cfg.Monitor.DefaultSleep = flags.Monitor.DefaultSleep
		case "max-sleep":
			cfg.Monitor.MaxSleep = flags.Monitor.MaxSleep
		case "backoff-multiplier":
			cfg.Monitor.BackoffMultiplier = flags.Monitor.BackoffMultiplier
		case "backoff-decay-period":
			cfg.Monitor.DecayPeriod = flags.Monitor.DecayPeriod
		case "send-timeout":
			cfg.Monitor.SendTimeout = flags.Monitor.SendTimeout
		case "block-compression":
			cfg.Monitor.BlockCompression = flags.Monitor.BlockCompression
		case "scheduler-pool-size":
			cfg.Scheduler.PoolSize = flags.Scheduler.PoolSize
		case "circuit-breaker-threshold":
			cfg.CircuitBreaker.Threshold = flags.CircuitBreaker.Threshold
		case "circuit-breaker-reset-timeout":
			cfg.CircuitBreaker.ResetTimeout = flags.CircuitBreaker.ResetTimeout
		case "client-compression":
			cfg.Client.Compression = flags.Client.Compression
		case "client-tls-enabled":
			cfg.Client.TLS.Enabled = flags.Client.TLS.Enabled
		case "client-tls-ca":
			cfg.Client.TLS.CAFile = flags.Client.TLS.CAFile
		case "client-tls-cert":
			cfg.Client.TLS.CertFile = flags.Client.TLS.CertFile
		case "client-tls-key":
			cfg.Client.TLS.KeyFile = flags.Client.TLS.KeyFile
		case "client-auth-bearer-token":
			cfg.Client.Auth.BearerToken = flags.Client.Auth.BearerToken
		case "receiver-listen":
			cfg.Receiver.Address = flags.Receiver.Address
		case "receiver-path":
			cfg.Receiver.Path = flags.Receiver.Path
		case "receiver-tls-enabled":
			cfg.Receiver.TLS.Enabled = flags.Receiver.TLS.Enabled
		case "receiver-tls-cert":
			cfg.Receiver.TLS.CertFile = flags.Receiver.TLS.CertFile
		case "receiver-tls-key":
			cfg.Receiver.TLS.KeyFile = flags.Receiver.TLS.KeyFile
		case "receiver-auth-bearer-token":
			cfg.Receiver.Auth.Enabled = flags.Receiver.Auth.BearerToken != ""
			cfg.Receiver.Auth.BearerToken = flags.Receiver.Auth.BearerToken
		case "memory-limit-ratio":
			cfg.Memory.LimitRatio = flags.Memory.LimitRatio
		case "config":
			cfg.ConfigFile = flags.ConfigFile
		case "validate":
			cfg.ValidateOnly = flags.ValidateOnly
		case "help":
			cfg.ShowHelp = flags.ShowHelp
		case "version":
			cfg.ShowVersion = flags.ShowVersion
		}
	})
}
