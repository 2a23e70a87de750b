// Package config assembles the chunkq configuration from defaults, an
// optional YAML file and command line flags.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"slices"
	"strconv"

	"github.com/szibis/chunkqueue/internal/backend"
	"github.com/szibis/chunkqueue/internal/compression"
	"github.com/szibis/chunkqueue/internal/logging"
	"github.com/szibis/chunkqueue/internal/queue"
	"github.com/szibis/chunkqueue/internal/record"
)

// version is set at build time via ldflags
var version = "dev"

// Version returns the build version.
func Version() string { return version }

// Layers composing several queues under one directory.
const (
	LayerNone       = "none"
	LayerPriority   = "priority"
	LayerRoundRobin = "roundrobin"
)

// Config holds the application configuration.
type Config struct {
	// Queue settings
	Dir           string
	Kind          string
	ChunkSize     int64
	MaxRecordSize int64
	Compression   string
	MetaSyncEvery int

	// Layer settings. Priority and Key are the push targets of the
	// priority and round-robin layers.
	Layer    string
	Priority int
	Key      string

	// Read records to push from stdin, one per line
	Stdin bool

	LogLevel string

	// OTLP export of logs and queue metrics (empty endpoint = disabled)
	OTLPEndpoint string
	OTLPProtocol string
	OTLPInsecure bool

	ShowHelp    bool
	ShowVersion bool
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Dir:           "./chunkq-data",
		Kind:          string(backend.FIFODisk),
		ChunkSize:     queue.DefaultChunkSize,
		Compression:   string(compression.TypeNone),
		MetaSyncEvery: 1,
		Layer:         LayerNone,
		LogLevel:      "info",
		OTLPProtocol:  "grpc",
	}
}

// byteSizeValue is a flag.Value accepting ByteSize notation.
type byteSizeValue struct{ p *int64 }

func (b byteSizeValue) String() string {
	if b.p == nil {
		return "0"
	}
	return FormatByteSize(*b.p)
}

func (b byteSizeValue) Set(s string) error {
	n, err := ParseByteSize(s)
	if err != nil {
		return err
	}
	*b.p = n
	return nil
}

// ParseArgs parses command line arguments and returns the configuration
// together with the remaining positional arguments. Flags override values
// from the -config file only when set explicitly.
func ParseArgs(name string, args []string) (*Config, []string, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	flags := DefaultConfig()

	var configFile string
	fs.StringVar(&configFile, "config", "", "Path to YAML configuration file")

	// Queue flags
	fs.StringVar(&flags.Dir, "dir", flags.Dir, "Queue directory (root of the per-level queues when a layer is used)")
	fs.StringVar(&flags.Kind, "kind", flags.Kind, "Queue kind: fifo-disk, lifo-disk, fifo-sqlite, lifo-sqlite, fifo-memory, lifo-memory")
	fs.Var(byteSizeValue{&flags.ChunkSize}, "chunk-size", "Chunk file size limit (e.g. 64Ki, 1Mi)")
	fs.Var(byteSizeValue{&flags.MaxRecordSize}, "max-record-size", "Largest accepted record (0 = format limit)")
	fs.StringVar(&flags.Compression, "compression", flags.Compression, "Record compression: none, snappy, s2, zstd, gzip")
	fs.IntVar(&flags.MetaSyncEvery, "meta-sync-every", flags.MetaSyncEvery, "Persist queue metadata every N mutations")

	// Layer flags
	fs.StringVar(&flags.Layer, "layer", flags.Layer, "Queue layer: none, priority, roundrobin")
	fs.IntVar(&flags.Priority, "priority", flags.Priority, "Push priority (lower is served first); implies -layer priority")
	fs.StringVar(&flags.Key, "key", flags.Key, "Push key; implies -layer roundrobin")

	fs.BoolVar(&flags.Stdin, "stdin", false, "Push records read from stdin, one per line")
	fs.StringVar(&flags.LogLevel, "log-level", flags.LogLevel, "Log level: debug, info, warn, error")

	// Telemetry flags
	fs.StringVar(&flags.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint for logs and queue metrics (empty = disabled)")
	fs.StringVar(&flags.OTLPProtocol, "otlp-protocol", flags.OTLPProtocol, "OTLP protocol: grpc, http")
	fs.BoolVar(&flags.OTLPInsecure, "otlp-insecure", false, "Use a plaintext OTLP connection")

	// Help and version
	fs.BoolVar(&flags.ShowHelp, "help", false, "Show help message")
	fs.BoolVar(&flags.ShowHelp, "h", false, "Show help message (shorthand)")
	fs.BoolVar(&flags.ShowVersion, "version", false, "Show version")
	fs.BoolVar(&flags.ShowVersion, "v", false, "Show version (shorthand)")

	fs.Usage = func() { PrintUsage(fs.Output(), name) }

	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}

	cfg := flags
	if configFile != "" {
		yamlCfg, err := LoadYAML(configFile)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load config file %s: %w", configFile, err)
		}
		cfg = yamlCfg.ToConfig()
		fs.Visit(func(f *flag.Flag) {
			applyFlagOverride(cfg, flags, f.Name)
		})
	}

	explicit := ExplicitFlags(fs)
	if cfg.Layer == LayerNone {
		if explicit["priority"] {
			cfg.Layer = LayerPriority
		} else if explicit["key"] {
			cfg.Layer = LayerRoundRobin
		}
	}

	return cfg, fs.Args(), nil
}

// applyFlagOverride copies an explicitly set flag value from flags to cfg.
func applyFlagOverride(cfg, flags *Config, name string) {
	switch name {
	case "dir":
		cfg.Dir = flags.Dir
	case "kind":
		cfg.Kind = flags.Kind
	case "chunk-size":
		cfg.ChunkSize = flags.ChunkSize
	case "max-record-size":
		cfg.MaxRecordSize = flags.MaxRecordSize
	case "compression":
		cfg.Compression = flags.Compression
	case "meta-sync-every":
		cfg.MetaSyncEvery = flags.MetaSyncEvery
	case "layer":
		cfg.Layer = flags.Layer
	case "priority":
		cfg.Priority = flags.Priority
	case "key":
		cfg.Key = flags.Key
	case "stdin":
		cfg.Stdin = flags.Stdin
	case "log-level":
		cfg.LogLevel = flags.LogLevel
	case "otlp-endpoint":
		cfg.OTLPEndpoint = flags.OTLPEndpoint
	case "otlp-protocol":
		cfg.OTLPProtocol = flags.OTLPProtocol
	case "otlp-insecure":
		cfg.OTLPInsecure = flags.OTLPInsecure
	case "help", "h":
		cfg.ShowHelp = flags.ShowHelp
	case "version", "v":
		cfg.ShowVersion = flags.ShowVersion
	}
}

// ExplicitFlags returns the names of the flags that were set on the command line.
func ExplicitFlags(fs *flag.FlagSet) map[string]bool {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		explicit[f.Name] = true
	})
	return explicit
}

// Validate checks the configuration and reports every problem found.
func (c *Config) Validate() error {
	var errs []error

	kind, err := backend.ParseKind(c.Kind)
	if err != nil {
		errs = append(errs, err)
	}
	if c.Dir == "" && kind.Medium() != "memory" {
		errs = append(errs, errors.New("dir must not be empty"))
	}
	if _, err := compression.ParseType(c.Compression); err != nil {
		errs = append(errs, err)
	}
	if c.ChunkSize < 0 {
		errs = append(errs, fmt.Errorf("chunk-size must not be negative, got %d", c.ChunkSize))
	}
	if c.MaxRecordSize < 0 || c.MaxRecordSize > record.MaxPayloadSize {
		errs = append(errs, fmt.Errorf("max-record-size must be between 0 and %d, got %d", record.MaxPayloadSize, c.MaxRecordSize))
	}
	if c.MetaSyncEvery < 0 {
		errs = append(errs, fmt.Errorf("meta-sync-every must not be negative, got %d", c.MetaSyncEvery))
	}
	if !slices.Contains([]string{LayerNone, LayerPriority, LayerRoundRobin}, c.Layer) {
		errs = append(errs, fmt.Errorf("unknown layer: %q", c.Layer))
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.OTLPEndpoint != "" && c.OTLPProtocol != "grpc" && c.OTLPProtocol != "http" {
		errs = append(errs, fmt.Errorf("otlp-protocol must be grpc or http, got %q", c.OTLPProtocol))
	}

	return errors.Join(errs...)
}

// BackendConfig returns the queue configuration. It assumes Validate passed.
func (c *Config) BackendConfig() backend.Config {
	kind, _ := backend.ParseKind(c.Kind)
	ct, _ := compression.ParseType(c.Compression)
	return backend.Config{
		Kind:          kind,
		Path:          c.Dir,
		ChunkSize:     c.ChunkSize,
		MaxRecordSize: c.MaxRecordSize,
		Compression:   ct,
		MetaSyncEvery: c.MetaSyncEvery,
	}
}

// PrintUsage prints the help message.
func PrintUsage(w io.Writer, name string) {
	fmt.Fprintf(w, `%[1]s - persistent chunked disk queue tool

USAGE:
    %[1]s [OPTIONS] <command> [args]

COMMANDS:
    push <record>...     Push records (or lines from stdin with -stdin)
    pop                  Pop one record and print it
    peek                 Print the next record without removing it
    len                  Print the number of records
    drain                Pop and print every record
    stats                Print queue metrics

OPTIONS:
    Configuration:
        -config <path>               Path to YAML configuration file
                                     CLI flags override config file values

    Queue:
        -dir <path>                  Queue directory (default: "./chunkq-data")
        -kind <kind>                 fifo-disk, lifo-disk, fifo-sqlite, lifo-sqlite,
                                     fifo-memory, lifo-memory (default: "fifo-disk")
        -chunk-size <size>           Chunk file size limit (default: 64Ki)
        -max-record-size <size>      Largest accepted record (default: 0 = format limit)
        -compression <type>          none, snappy, s2, zstd, gzip (default: "none")
        -meta-sync-every <n>         Persist metadata every N mutations (default: 1)

    Layers:
        -layer <layer>               none, priority, roundrobin (default: "none")
        -priority <n>                Push priority, lower served first (implies -layer priority)
        -key <key>                   Push key (implies -layer roundrobin)

    Other:
        -stdin                       Push lines read from stdin
        -log-level <level>           debug, info, warn, error (default: "info")
        -otlp-endpoint <host:port>   Export logs and queue metrics via OTLP (default: disabled)
        -otlp-protocol <protocol>    grpc, http (default: "grpc")
        -otlp-insecure               Use a plaintext OTLP connection
        -h, -help                    Show this help message
        -v, -version                 Show version

`, name)
}

// PrintVersion prints the version.
func PrintVersion(w io.Writer, name string) {
	fmt.Fprintf(w, "%s version %s\n", name, version)
}

// ParseCount parses a positive record count argument.
func ParseCount(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid count: %q", s)
	}
	return n, nil
}
