package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/szibis/event-courier/internal/compression"
	"github.com/szibis/event-courier/internal/telemetry"
	tlspkg "github.com/szibis/event-courier/internal/tls"
)

// version is set at build time via ldflags
var version = "dev"

// Version returns the build version.
func Version() string { return version }

// Config holds the static daemon configuration. Runtime tunables live in
// Runtime and are published through a Settings store once the daemon runs.
type Config struct {
	ConfigFile string

	// Ingest receiver
	ListenAddr         string
	MaxRequestBodySize int64

	// Metrics and health endpoints
	StatsAddr string

	// Durable queue
	QueueDir      string
	QueueCompress bool

	// Collector transport
	Endpoint         string
	Compression      string
	CompressionLevel int
	ForceHTTP2       bool

	SenderTLSEnabled            bool
	SenderTLSCertFile           string
	SenderTLSKeyFile            string
	SenderTLSCAFile             string
	SenderTLSInsecureSkipVerify bool
	SenderTLSServerName         string

	// Scheduler
	Workers       int
	TaskQueueSize int

	// Identity and authentication
	DeviceID   string
	TicketFile string

	LogLevel         string
	MemoryLimitRatio float64

	// Self-telemetry (OTLP)
	TelemetryEndpoint     string
	TelemetryProtocol     string
	TelemetryInsecure     bool
	TelemetryPushInterval time.Duration

	Runtime Values

	ShowHelp    bool
	ShowVersion bool
	// ValidatePath names a YAML file to check and report on instead of
	// running.
	ValidatePath string
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:            ":8080",
		MaxRequestBodySize:    4 * 1024 * 1024,
		StatsAddr:             ":9090",
		QueueDir:              "./event-queue",
		Compression:           string(compression.TypeDeflate),
		Workers:               3,
		TaskQueueSize:         1024,
		LogLevel:              "info",
		MemoryLimitRatio:      0.9,
		TelemetryProtocol:     "grpc",
		TelemetryInsecure:     true,
		TelemetryPushInterval: 30 * time.Second,
		Runtime:               DefaultValues(),
	}
}

// ParseFlags parses the process command line, exiting on error.
func ParseFlags() *Config {
	cfg, err := ParseArgs(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// ParseArgs parses args. A YAML file given with -config is loaded first and
// explicitly set flags override it.
func ParseArgs(args []string, output io.Writer) (*Config, error) {
	cfg := DefaultConfig()
	var configFile string
	if err := newFlagSet(cfg, &configFile, output).Parse(args); err != nil {
		return nil, err
	}
	if configFile == "" {
		return cfg, nil
	}

	yamlCfg, err := LoadYAML(configFile)
	if err != nil {
		return nil, fmt.Errorf("loading config file %s: %w", configFile, err)
	}
	fileCfg := yamlCfg.ToConfig()
	// Flags bound to fileCfg default to its values, so only flags present on
	// the command line change it.
	if err := newFlagSet(fileCfg, new(string), io.Discard).Parse(args); err != nil {
		return nil, err
	}
	fileCfg.ConfigFile = configFile
	return fileCfg, nil
}

func newFlagSet(cfg *Config, configFile *string, output io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet("event-courier", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.Usage = func() { printUsage(fs, output) }

	fs.StringVar(configFile, "config", "", "Path to YAML configuration file")

	// Receiver
	fs.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "Ingest receiver listen address")
	fs.Int64Var(&cfg.MaxRequestBodySize, "max-request-body-size", cfg.MaxRequestBodySize, "Maximum ingest request body size in bytes")
	fs.StringVar(&cfg.StatsAddr, "stats-addr", cfg.StatsAddr, "Metrics and health listen address")

	// Queue
	fs.StringVar(&cfg.QueueDir, "queue-dir", cfg.QueueDir, "Directory for durable queue files")
	fs.BoolVar(&cfg.QueueCompress, "queue-compress", cfg.QueueCompress, "Store queue frames s2 compressed")

	// Sender
	fs.StringVar(&cfg.Endpoint, "endpoint", cfg.Endpoint, "Collector URL events are posted to")
	fs.StringVar(&cfg.Compression, "compression", cfg.Compression, "Batch compression: none, deflate, gzip, zlib, zstd, snappy, lz4")
	fs.IntVar(&cfg.CompressionLevel, "compression-level", cfg.CompressionLevel, "Compression level (0 = algorithm default)")
	fs.BoolVar(&cfg.ForceHTTP2, "force-http2", cfg.ForceHTTP2, "Force HTTP/2 for the collector connection")
	fs.BoolVar(&cfg.SenderTLSEnabled, "sender-tls-enabled", cfg.SenderTLSEnabled, "Enable custom TLS config for the collector connection")
	fs.StringVar(&cfg.SenderTLSCertFile, "sender-tls-cert", cfg.SenderTLSCertFile, "Path to client certificate file (mTLS)")
	fs.StringVar(&cfg.SenderTLSKeyFile, "sender-tls-key", cfg.SenderTLSKeyFile, "Path to client private key file (mTLS)")
	fs.StringVar(&cfg.SenderTLSCAFile, "sender-tls-ca", cfg.SenderTLSCAFile, "Path to CA certificate for server verification")
	fs.BoolVar(&cfg.SenderTLSInsecureSkipVerify, "sender-tls-skip-verify", cfg.SenderTLSInsecureSkipVerify, "Skip TLS certificate verification")
	fs.StringVar(&cfg.SenderTLSServerName, "sender-tls-server-name", cfg.SenderTLSServerName, "Override server name for TLS verification")

	// Scheduler
	fs.IntVar(&cfg.Workers, "workers", cfg.Workers, "Background worker pool size")
	fs.IntVar(&cfg.TaskQueueSize, "task-queue-size", cfg.TaskQueueSize, "Pending task capacity of the worker pool")

	// Identity
	fs.StringVar(&cfg.DeviceID, "device-id", cfg.DeviceID, "Stable device identifier used for sampling")
	fs.StringVar(&cfg.TicketFile, "ticket-file", cfg.TicketFile, "YAML file with authentication tickets")

	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log verbosity: debug, info, warn, error")
	fs.Float64Var(&cfg.MemoryLimitRatio, "memory-limit-ratio", cfg.MemoryLimitRatio, "Ratio of container memory used for GOMEMLIMIT (0 disables)")

	// Telemetry
	fs.StringVar(&cfg.TelemetryEndpoint, "telemetry-endpoint", cfg.TelemetryEndpoint, "OTLP endpoint for self-monitoring (empty disables)")
	fs.StringVar(&cfg.TelemetryProtocol, "telemetry-protocol", cfg.TelemetryProtocol, "OTLP protocol: grpc or http")
	fs.BoolVar(&cfg.TelemetryInsecure, "telemetry-insecure", cfg.TelemetryInsecure, "Use insecure OTLP connection")
	fs.DurationVar(&cfg.TelemetryPushInterval, "telemetry-push-interval", cfg.TelemetryPushInterval, "OTLP metric push interval")

	// Runtime tunables
	rt := &cfg.Runtime
	fs.DurationVar(&rt.QueueDrainInterval, "drain-interval", rt.QueueDrainInterval, "Interval between durable queue drains")
	fs.DurationVar(&rt.SnapshotInterval, "snapshot-interval", rt.SnapshotInterval, "Interval between accounting snapshot events (0 disables)")
	fs.IntVar(&rt.MaxEventSizeBytes, "max-event-size", rt.MaxEventSizeBytes, "Maximum serialized event size in bytes")
	fs.IntVar(&rt.MaxEventsPerBatch, "max-events-per-batch", rt.MaxEventsPerBatch, "Maximum events per POST")
	fs.IntVar(&rt.MaxBatchBytes, "max-batch-bytes", rt.MaxBatchBytes, "Maximum uncompressed batch size in bytes")
	fs.Int64Var(&rt.MaxFilesSpace, "max-files-space", rt.MaxFilesSpace, "Disk quota for all queue files in bytes")
	fs.Int64Var(&rt.MaxFileSize, "max-file-size", rt.MaxFileSize, "Size at which an open queue file is closed")
	fs.BoolVar(&rt.UploadEnabled, "upload-enabled", rt.UploadEnabled, "Accept and upload events")
	fs.DurationVar(&rt.HTTPTimeout, "http-timeout", rt.HTTPTimeout, "Collector request timeout")
	fs.DurationVar(&rt.BackoffBase, "backoff-base", rt.BackoffBase, "First retry ceiling after a failed cycle")
	fs.IntVar(&rt.BackoffExponent, "backoff-exponent", rt.BackoffExponent, "Retry ceiling growth factor")
	fs.DurationVar(&rt.BackoffMax, "backoff-max", rt.BackoffMax, "Maximum retry ceiling")
	fs.Float64Var(&rt.SampleEpsilon, "sample-epsilon", rt.SampleEpsilon, "Tolerance for sample rate comparison")
	fs.IntVar(&rt.NormalMemoryQueueSize, "memory-queue-size", rt.NormalMemoryQueueSize, "Normal events buffered in memory before a disk flush")
	fs.IntVar(&rt.MaxEvictionAttempts, "max-eviction-attempts", rt.MaxEvictionAttempts, "Queue files evicted at most per rejected append")
	fs.IntVar(&rt.MaxRealtimeWorkers, "max-realtime-workers", rt.MaxRealtimeWorkers, "Concurrent realtime sends before falling back to the queue")

	fs.BoolVar(&cfg.ShowHelp, "help", cfg.ShowHelp, "Show help message")
	fs.BoolVar(&cfg.ShowHelp, "h", cfg.ShowHelp, "Show help message (shorthand)")
	fs.BoolVar(&cfg.ShowVersion, "version", cfg.ShowVersion, "Show version")
	fs.BoolVar(&cfg.ShowVersion, "v", cfg.ShowVersion, "Show version (shorthand)")
	fs.StringVar(&cfg.ValidatePath, "validate", cfg.ValidatePath, "Validate a YAML config file, print the result as JSON and exit")
	return fs
}

// PrintVersion prints the version to stdout.
func PrintVersion() {
	fmt.Printf("event-courier %s\n", version)
}

// PrintUsage prints the flag reference to w.
func PrintUsage(w io.Writer) {
	printUsage(newFlagSet(DefaultConfig(), new(string), w), w)
}

func printUsage(fs *flag.FlagSet, w io.Writer) {
	fmt.Fprintf(w, "event-courier %s: durable event queue and uploader\n\n", version)
	fmt.Fprintf(w, "Usage:\n  event-courier [flags]\n\nFlags:\n")
	fs.PrintDefaults()
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string
	if strings.TrimSpace(c.QueueDir) == "" {
		errs = append(errs, "queue-dir must not be empty")
	}
	if c.MaxRequestBodySize <= 0 {
		errs = append(errs, fmt.Sprintf("max-request-body-size must be positive, got %d", c.MaxRequestBodySize))
	}
	if _, err := compression.ParseType(c.Compression); err != nil {
		errs = append(errs, fmt.Sprintf("compression is invalid: %v", err))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Sprintf("workers must be at least 1, got %d", c.Workers))
	}
	if c.TaskQueueSize < 1 {
		errs = append(errs, fmt.Sprintf("task-queue-size must be at least 1, got %d", c.TaskQueueSize))
	}
	if c.MemoryLimitRatio < 0 || c.MemoryLimitRatio > 1 {
		errs = append(errs, fmt.Sprintf("memory-limit-ratio must be between 0.0 and 1.0, got %g", c.MemoryLimitRatio))
	}
	if c.TelemetryProtocol != "grpc" && c.TelemetryProtocol != "http" {
		errs = append(errs, fmt.Sprintf("telemetry-protocol must be grpc or http, got %q", c.TelemetryProtocol))
	}
	if c.SenderTLSEnabled && (c.SenderTLSCertFile == "") != (c.SenderTLSKeyFile == "") {
		errs = append(errs, "sender-tls-cert and sender-tls-key must be set together")
	}
	errs = append(errs, c.Runtime.Problems()...)

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// SenderTLSConfig returns the TLS settings for the collector connection.
func (c *Config) SenderTLSConfig() tlspkg.ClientConfig {
	return tlspkg.ClientConfig{
		Enabled:            c.SenderTLSEnabled,
		CertFile:           c.SenderTLSCertFile,
		KeyFile:            c.SenderTLSKeyFile,
		CAFile:             c.SenderTLSCAFile,
		InsecureSkipVerify: c.SenderTLSInsecureSkipVerify,
		ServerName:         c.SenderTLSServerName,
	}
}

// CompressionConfig returns the batch compression settings. Validate
// rejects unknown types, so a parse error here falls back to none.
func (c *Config) CompressionConfig() compression.Config {
	t, err := compression.ParseType(c.Compression)
	if err != nil {
		t = compression.TypeNone
	}
	return compression.Config{Type: t, Level: compression.Level(c.CompressionLevel)}
}

// TelemetryConfig returns the OTLP self-monitoring settings.
func (c *Config) TelemetryConfig() telemetry.Config {
	return telemetry.Config{
		Endpoint:     c.TelemetryEndpoint,
		Protocol:     c.TelemetryProtocol,
		Insecure:     c.TelemetryInsecure,
		PushInterval: c.TelemetryPushInterval,
		RetryEnabled: true,
	}
}
