package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// YAMLConfig represents the YAML configuration file structure.
type YAMLConfig struct {
	Receiver  ReceiverYAMLConfig  `yaml:"receiver"`
	Stats     StatsYAMLConfig     `yaml:"stats"`
	Queue     QueueYAMLConfig     `yaml:"queue"`
	Sender    SenderYAMLConfig    `yaml:"sender"`
	Upload    UploadYAMLConfig    `yaml:"upload"`
	Backoff   BackoffYAMLConfig   `yaml:"backoff"`
	Sampling  SamplingYAMLConfig  `yaml:"sampling"`
	Tickets   TicketsYAMLConfig   `yaml:"tickets"`
	Snapshot  SnapshotYAMLConfig  `yaml:"snapshot"`
	Logging   LoggingYAMLConfig   `yaml:"logging"`
	Memory    MemoryYAMLConfig    `yaml:"memory"`
	Telemetry TelemetryYAMLConfig `yaml:"telemetry"`
}

// ReceiverYAMLConfig holds ingest receiver configuration.
type ReceiverYAMLConfig struct {
	Address            string   `yaml:"address"`
	MaxRequestBodySize ByteSize `yaml:"max_request_body_size"`
}

// StatsYAMLConfig holds the metrics and health endpoint configuration.
type StatsYAMLConfig struct {
	Address string `yaml:"address"`
}

// QueueYAMLConfig holds durable queue configuration.
type QueueYAMLConfig struct {
	Dir                 string   `yaml:"dir"`
	Compress            bool     `yaml:"compress"`
	MaxFilesSpace       ByteSize `yaml:"max_files_space"`
	MaxFileSize         ByteSize `yaml:"max_file_size"`
	MemoryQueueSize     int      `yaml:"memory_queue_size"`
	MaxEvictionAttempts *int     `yaml:"max_eviction_attempts"`
}

// SenderYAMLConfig holds collector transport configuration.
type SenderYAMLConfig struct {
	Endpoint         string              `yaml:"endpoint"`
	Compression      string              `yaml:"compression"`
	CompressionLevel int                 `yaml:"compression_level"`
	Timeout          Duration            `yaml:"timeout"`
	ForceHTTP2       bool                `yaml:"force_http2"`
	TLS              TLSClientYAMLConfig `yaml:"tls"`
}

// TLSClientYAMLConfig holds client TLS configuration.
type TLSClientYAMLConfig struct {
	Enabled            bool   `yaml:"enabled"`
	CertFile           string `yaml:"cert_file"`
	KeyFile            string `yaml:"key_file"`
	CAFile             string `yaml:"ca_file"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
	ServerName         string `yaml:"server_name"`
}

// UploadYAMLConfig holds drain and batching configuration.
type UploadYAMLConfig struct {
	Enabled            *bool    `yaml:"enabled"`
	DrainInterval      Duration `yaml:"drain_interval"`
	MaxEventSize       ByteSize `yaml:"max_event_size"`
	MaxEventsPerBatch  int      `yaml:"max_events_per_batch"`
	MaxBatchBytes      ByteSize `yaml:"max_batch_bytes"`
	MaxRealtimeWorkers *int     `yaml:"max_realtime_workers"`
	Workers            int      `yaml:"workers"`
	TaskQueueSize      int      `yaml:"task_queue_size"`
}

// BackoffYAMLConfig holds retry backoff configuration.
type BackoffYAMLConfig struct {
	Base     Duration `yaml:"base"`
	Exponent int      `yaml:"exponent"`
	Max      Duration `yaml:"max"`
}

// SamplingYAMLConfig holds sampling configuration.
type SamplingYAMLConfig struct {
	DeviceID string   `yaml:"device_id"`
	Epsilon  *float64 `yaml:"epsilon"`
}

// TicketsYAMLConfig points at the ticket file.
type TicketsYAMLConfig struct {
	File string `yaml:"file"`
}

// SnapshotYAMLConfig holds accounting snapshot configuration.
type SnapshotYAMLConfig struct {
	Interval *Duration `yaml:"interval"`
}

// LoggingYAMLConfig holds log configuration.
type LoggingYAMLConfig struct {
	Level string `yaml:"level"`
}

// MemoryYAMLConfig holds memory limit configuration.
type MemoryYAMLConfig struct {
	LimitRatio *float64 `yaml:"limit_ratio"`
}

// TelemetryYAMLConfig holds OTLP self-monitoring telemetry configuration.
type TelemetryYAMLConfig struct {
	Endpoint     string   `yaml:"endpoint"`
	Protocol     string   `yaml:"protocol"`
	Insecure     *bool    `yaml:"insecure"`
	PushInterval Duration `yaml:"push_interval"`
}

// Duration is a wrapper for time.Duration that supports YAML unmarshaling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	duration, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(duration)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// ByteSize is a wrapper for int64 that supports human-readable YAML values.
// Accepted formats: raw integer (bytes), or suffixed: Ki, Mi, Gi, Ti.
type ByteSize int64

// UnmarshalYAML implements yaml.Unmarshaler for ByteSize.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	var n int64
	if err := value.Decode(&n); err == nil {
		*b = ByteSize(n)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseByteSize(s)
	if err != nil {
		return err
	}
	*b = ByteSize(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for ByteSize.
func (b ByteSize) MarshalYAML() (interface{}, error) {
	return FormatByteSize(int64(b)), nil
}

// ParseByteSize parses a human-readable byte size string.
// Accepted suffixes: Ki (1024), Mi (1048576), Gi (1073741824), Ti (1099511627776).
// Plain integers are treated as bytes.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	suffixes := []struct {
		name string
		mult int64
	}{
		{"Ti", 1 << 40},
		{"Gi", 1 << 30},
		{"Mi", 1 << 20},
		{"Ki", 1 << 10},
	}
	for _, sf := range suffixes {
		if strings.HasSuffix(s, sf.name) {
			numStr := strings.TrimSpace(strings.TrimSuffix(s, sf.name))
			var f float64
			if _, err := fmt.Sscanf(numStr, "%f", &f); err != nil {
				return 0, fmt.Errorf("invalid byte size: %q", s)
			}
			return int64(f * float64(sf.mult)), nil
		}
	}
	var n int64
	var trail string
	if _, err := fmt.Sscanf(s, "%d%s", &n, &trail); err == nil && trail != "" {
		return 0, fmt.Errorf("invalid byte size: %q (use Ki, Mi, Gi, or Ti suffixes)", s)
	}
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return 0, fmt.Errorf("invalid byte size: %q", s)
	}
	return n, nil
}

// FormatByteSize formats bytes as a human-readable string with binary suffix.
func FormatByteSize(b int64) string {
	for _, sf := range []struct {
		name string
		mult int64
	}{{"Ti", 1 << 40}, {"Gi", 1 << 30}, {"Mi", 1 << 20}, {"Ki", 1 << 10}} {
		if b >= sf.mult && b%sf.mult == 0 {
			return fmt.Sprintf("%d%s", b/sf.mult, sf.name)
		}
	}
	return fmt.Sprintf("%d", b)
}

// LoadYAML loads configuration from a YAML file.
func LoadYAML(path string) (*YAMLConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseYAML(data)
}

// ParseYAML parses YAML configuration from bytes.
func ParseYAML(data []byte) (*YAMLConfig, error) {
	cfg := &YAMLConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// ApplyDefaults sets default values for unspecified fields.
func (y *YAMLConfig) ApplyDefaults() {
	def := DefaultConfig()
	rt := def.Runtime

	if y.Receiver.Address == "" {
		y.Receiver.Address = def.ListenAddr
	}
	if y.Receiver.MaxRequestBodySize == 0 {
		y.Receiver.MaxRequestBodySize = ByteSize(def.MaxRequestBodySize)
	}
	if y.Stats.Address == "" {
		y.Stats.Address = def.StatsAddr
	}

	if y.Queue.Dir == "" {
		y.Queue.Dir = def.QueueDir
	}
	if y.Queue.MaxFilesSpace == 0 {
		y.Queue.MaxFilesSpace = ByteSize(rt.MaxFilesSpace)
	}
	if y.Queue.MaxFileSize == 0 {
		y.Queue.MaxFileSize = ByteSize(rt.MaxFileSize)
	}
	if y.Queue.MemoryQueueSize == 0 {
		y.Queue.MemoryQueueSize = rt.NormalMemoryQueueSize
	}
	if y.Queue.MaxEvictionAttempts == nil {
		v := rt.MaxEvictionAttempts
		y.Queue.MaxEvictionAttempts = &v
	}

	if y.Sender.Compression == "" {
		y.Sender.Compression = def.Compression
	}
	if y.Sender.Timeout == 0 {
		y.Sender.Timeout = Duration(rt.HTTPTimeout)
	}

	if y.Upload.Enabled == nil {
		v := rt.UploadEnabled
		y.Upload.Enabled = &v
	}
	if y.Upload.DrainInterval == 0 {
		y.Upload.DrainInterval = Duration(rt.QueueDrainInterval)
	}
	if y.Upload.MaxEventSize == 0 {
		y.Upload.MaxEventSize = ByteSize(rt.MaxEventSizeBytes)
	}
	if y.Upload.MaxEventsPerBatch == 0 {
		y.Upload.MaxEventsPerBatch = rt.MaxEventsPerBatch
	}
	if y.Upload.MaxBatchBytes == 0 {
		y.Upload.MaxBatchBytes = ByteSize(rt.MaxBatchBytes)
	}
	if y.Upload.MaxRealtimeWorkers == nil {
		v := rt.MaxRealtimeWorkers
		y.Upload.MaxRealtimeWorkers = &v
	}
	if y.Upload.Workers == 0 {
		y.Upload.Workers = def.Workers
	}
	if y.Upload.TaskQueueSize == 0 {
		y.Upload.TaskQueueSize = def.TaskQueueSize
	}

	if y.Backoff.Base == 0 {
		y.Backoff.Base = Duration(rt.BackoffBase)
	}
	if y.Backoff.Exponent == 0 {
		y.Backoff.Exponent = rt.BackoffExponent
	}
	if y.Backoff.Max == 0 {
		y.Backoff.Max = Duration(rt.BackoffMax)
	}

	if y.Sampling.Epsilon == nil {
		v := rt.SampleEpsilon
		y.Sampling.Epsilon = &v
	}
	if y.Snapshot.Interval == nil {
		v := Duration(rt.SnapshotInterval)
		y.Snapshot.Interval = &v
	}
	if y.Logging.Level == "" {
		y.Logging.Level = def.LogLevel
	}
	if y.Memory.LimitRatio == nil {
		v := def.MemoryLimitRatio
		y.Memory.LimitRatio = &v
	}

	if y.Telemetry.Protocol == "" {
		y.Telemetry.Protocol = def.TelemetryProtocol
	}
	if y.Telemetry.Insecure == nil {
		v := def.TelemetryInsecure
		y.Telemetry.Insecure = &v
	}
	if y.Telemetry.PushInterval == 0 {
		y.Telemetry.PushInterval = Duration(def.TelemetryPushInterval)
	}
}

// ToConfig converts the YAML configuration to the flat Config. ApplyDefaults
// must have run (ParseYAML does this).
func (y *YAMLConfig) ToConfig() *Config {
	return &Config{
		ListenAddr:         y.Receiver.Address,
		MaxRequestBodySize: int64(y.Receiver.MaxRequestBodySize),
		StatsAddr:          y.Stats.Address,

		QueueDir:      y.Queue.Dir,
		QueueCompress: y.Queue.Compress,

		Endpoint:                    y.Sender.Endpoint,
		Compression:                 y.Sender.Compression,
		CompressionLevel:            y.Sender.CompressionLevel,
		ForceHTTP2:                  y.Sender.ForceHTTP2,
		SenderTLSEnabled:            y.Sender.TLS.Enabled,
		SenderTLSCertFile:           y.Sender.TLS.CertFile,
		SenderTLSKeyFile:            y.Sender.TLS.KeyFile,
		SenderTLSCAFile:             y.Sender.TLS.CAFile,
		SenderTLSInsecureSkipVerify: y.Sender.TLS.InsecureSkipVerify,
		SenderTLSServerName:         y.Sender.TLS.ServerName,

		Workers:       y.Upload.Workers,
		TaskQueueSize: y.Upload.TaskQueueSize,

		DeviceID:   y.Sampling.DeviceID,
		TicketFile: y.Tickets.File,

		LogLevel:         y.Logging.Level,
		MemoryLimitRatio: *y.Memory.LimitRatio,

		TelemetryEndpoint:     y.Telemetry.Endpoint,
		TelemetryProtocol:     y.Telemetry.Protocol,
		TelemetryInsecure:     *y.Telemetry.Insecure,
		TelemetryPushInterval: time.Duration(y.Telemetry.PushInterval),

		Runtime: y.RuntimeValues(),
	}
}

// RuntimeValues returns the tunables from the file, used both at startup
// and when the file is reloaded.
func (y *YAMLConfig) RuntimeValues() Values {
	return Values{
		QueueDrainInterval:    time.Duration(y.Upload.DrainInterval),
		SnapshotInterval:      time.Duration(*y.Snapshot.Interval),
		MaxEventSizeBytes:     int(y.Upload.MaxEventSize),
		MaxEventsPerBatch:     y.Upload.MaxEventsPerBatch,
		MaxBatchBytes:         int(y.Upload.MaxBatchBytes),
		MaxFilesSpace:         int64(y.Queue.MaxFilesSpace),
		MaxFileSize:           int64(y.Queue.MaxFileSize),
		UploadEnabled:         *y.Upload.Enabled,
		HTTPTimeout:           time.Duration(y.Sender.Timeout),
		BackoffBase:           time.Duration(y.Backoff.Base),
		BackoffExponent:       y.Backoff.Exponent,
		BackoffMax:            time.Duration(y.Backoff.Max),
		SampleEpsilon:         *y.Sampling.Epsilon,
		NormalMemoryQueueSize: y.Queue.MemoryQueueSize,
		MaxEvictionAttempts:   *y.Queue.MaxEvictionAttempts,
		MaxRealtimeWorkers:    *y.Upload.MaxRealtimeWorkers,
	}
}
