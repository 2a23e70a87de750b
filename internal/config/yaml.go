package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// YAMLConfig represents the YAML configuration file structure.
type YAMLConfig struct {
	Queue     QueueYAMLConfig     `yaml:"queue"`
	Log       LogYAMLConfig       `yaml:"log"`
	Telemetry TelemetryYAMLConfig `yaml:"telemetry"`
}

// QueueYAMLConfig holds queue configuration.
type QueueYAMLConfig struct {
	Dir           string   `yaml:"dir"`             // Queue directory, or root of the per-level queues
	Kind          string   `yaml:"kind"`            // fifo-disk, lifo-disk, fifo-sqlite, ... (default: fifo-disk)
	ChunkSize     ByteSize `yaml:"chunk_size"`      // Chunk file size limit (default: 64Ki)
	MaxRecordSize ByteSize `yaml:"max_record_size"` // Largest accepted record (0 = format limit)
	Compression   string   `yaml:"compression"`     // none, snappy, s2, zstd, gzip (default: none)
	MetaSyncEvery int      `yaml:"meta_sync_every"` // Persist metadata every N mutations (default: 1)
	Layer         string   `yaml:"layer"`           // none, priority, roundrobin (default: none)
}

// LogYAMLConfig holds logging configuration.
type LogYAMLConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error (default: info)
}

// TelemetryYAMLConfig holds OTLP export configuration.
type TelemetryYAMLConfig struct {
	Endpoint string `yaml:"endpoint"` // OTLP endpoint (empty = disabled)
	Protocol string `yaml:"protocol"` // grpc, http (default: grpc)
	Insecure bool   `yaml:"insecure"`
}

// ByteSize is a wrapper for int64 that supports human-readable YAML values.
// Accepted formats: raw integer (bytes), or suffixed: Ki, Mi, Gi, Ti.
type ByteSize int64

// UnmarshalYAML implements yaml.Unmarshaler for ByteSize.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	// Try integer first
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

var byteSuffixes = []struct {
	name string
	mult int64
}{
	{"Ti", 1 << 40},
	{"Gi", 1 << 30},
	{"Mi", 1 << 20},
	{"Ki", 1 << 10},
}

// ParseByteSize parses a human-readable byte size string.
// Accepted suffixes: Ki, Mi, Gi, Ti. Plain integers are treated as bytes.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	for _, sf := range byteSuffixes {
		if strings.HasSuffix(s, sf.name) {
			numStr := strings.TrimSpace(strings.TrimSuffix(s, sf.name))
			// Support float values like "1.5Mi"
			var f float64
			if _, err := fmt.Sscanf(numStr, "%f", &f); err != nil {
				return 0, fmt.Errorf("invalid byte size: %q", s)
			}
			return int64(f * float64(sf.mult)), nil
		}
	}
	// Reject strings with non-numeric trailing characters (e.g. "64KB")
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
	for _, sf := range byteSuffixes {
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
	d := DefaultConfig()
	if y.Queue.Dir == "" {
		y.Queue.Dir = d.Dir
	}
	if y.Queue.Kind == "" {
		y.Queue.Kind = d.Kind
	}
	if y.Queue.ChunkSize == 0 {
		y.Queue.ChunkSize = ByteSize(d.ChunkSize)
	}
	if y.Queue.Compression == "" {
		y.Queue.Compression = d.Compression
	}
	if y.Queue.MetaSyncEvery == 0 {
		y.Queue.MetaSyncEvery = d.MetaSyncEvery
	}
	if y.Queue.Layer == "" {
		y.Queue.Layer = d.Layer
	}
	if y.Log.Level == "" {
		y.Log.Level = d.LogLevel
	}
	if y.Telemetry.Protocol == "" {
		y.Telemetry.Protocol = d.OTLPProtocol
	}
}

// ToConfig converts YAMLConfig to the flat Config struct.
func (y *YAMLConfig) ToConfig() *Config {
	cfg := DefaultConfig()
	cfg.Dir = y.Queue.Dir
	cfg.Kind = y.Queue.Kind
	cfg.ChunkSize = int64(y.Queue.ChunkSize)
	cfg.MaxRecordSize = int64(y.Queue.MaxRecordSize)
	cfg.Compression = y.Queue.Compression
	cfg.MetaSyncEvery = y.Queue.MetaSyncEvery
	cfg.Layer = y.Queue.Layer
	cfg.LogLevel = y.Log.Level
	cfg.OTLPEndpoint = y.Telemetry.Endpoint
	cfg.OTLPProtocol = y.Telemetry.Protocol
	cfg.OTLPInsecure = y.Telemetry.Insecure
	return cfg
}
