package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/szibis/chunkqueue/internal/backend"
	"github.com/szibis/chunkqueue/internal/config"
	"github.com/szibis/chunkqueue/internal/logging"
	"github.com/szibis/chunkqueue/internal/priority"
	"github.com/szibis/chunkqueue/internal/queue"
	"github.com/szibis/chunkqueue/internal/roundrobin"
	"github.com/szibis/chunkqueue/internal/telemetry"
)

// maxLineSize bounds a single -stdin record.
const maxLineSize = 64 << 20

func main() {
	os.Exit(run(filepath.Base(os.Args[0]), os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

// run executes one command and returns the process exit code. Records go
// to stdout, logs to stderr.
func run(name string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	logging.SetOutput(stderr)

	cfg, rest, err := config.ParseArgs(name, args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(stderr, err)
		return 2
	}
	if cfg.ShowHelp {
		config.PrintUsage(stdout, name)
		return 0
	}
	if cfg.ShowVersion {
		config.PrintVersion(stdout, name)
		return 0
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "invalid configuration:\n%v\n", err)
		return 2
	}

	level, _ := logging.ParseLevel(cfg.LogLevel)
	logging.SetLevel(level)
	logging.SetResource(map[string]string{
		"service.name":    name,
		"service.version": config.Version(),
	})

	tel, err := telemetry.Init(context.Background(), telemetry.Config{
		Endpoint: cfg.OTLPEndpoint,
		Protocol: cfg.OTLPProtocol,
		Insecure: cfg.OTLPInsecure,
	}, name, config.Version())
	if err != nil {
		logging.Error("failed to initialize telemetry", logging.F("error", err.Error()))
		return 1
	}
	if tel.Enabled() {
		logging.SetHook(tel.NewLogHook())
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), tel.ShutdownTimeout())
			defer cancel()
			logging.SetHook(nil)
			if err := tel.Shutdown(ctx); err != nil {
				fmt.Fprintf(stderr, "telemetry shutdown: %v\n", err)
			}
		}()
	}

	if len(rest) == 0 {
		config.PrintUsage(stderr, name)
		return 2
	}
	cmd, cmdArgs := rest[0], rest[1:]

	q, err := openQueue(cfg)
	if err != nil {
		logging.Error("failed to open queue", logging.F("error", err.Error(), "dir", cfg.Dir, "kind", cfg.Kind))
		return 1
	}

	cmdErr := execute(cmd, cmdArgs, cfg, q, stdin, stdout)
	closeErr := q.Close()
	if cmdErr != nil {
		logging.Error("command failed", logging.F("command", cmd, "error", cmdErr.Error()))
		return 1
	}
	if closeErr != nil {
		logging.Error("failed to close queue", logging.F("error", closeErr.Error()))
		return 1
	}
	return 0
}

// openQueue opens the configured queue. With a layer, the returned queue
// pushes to the level selected by -priority or -key and pops across all
// levels found under the directory.
func openQueue(cfg *config.Config) (queue.Queue, error) {
	bc := cfg.BackendConfig()

	switch cfg.Layer {
	case config.LayerPriority:
		start, err := backend.DiscoverPriorities(bc)
		if err != nil {
			return nil, err
		}
		pq, err := priority.New(backend.PriorityFactory(bc), start...)
		if err != nil {
			return nil, err
		}
		logging.Debug("priority queue opened", logging.F("priorities", pq.Priorities(), "records", pq.Len()))
		return pq.Level(cfg.Priority), nil
	case config.LayerRoundRobin:
		start, err := backend.DiscoverKeys(bc)
		if err != nil {
			return nil, err
		}
		rr, err := roundrobin.New(backend.KeyFactory(bc), start...)
		if err != nil {
			return nil, err
		}
		logging.Debug("round-robin queue opened", logging.F("keys", rr.Keys(), "records", rr.Len()))
		return rr.Key(cfg.Key), nil
	default:
		return backend.Open(bc)
	}
}

func execute(cmd string, args []string, cfg *config.Config, q queue.Queue, stdin io.Reader, stdout io.Writer) error {
	switch cmd {
	case "push":
		return push(q, args, cfg.Stdin, stdin)
	case "pop":
		n := 1
		if len(args) > 0 {
			var err error
			if n, err = config.ParseCount(args[0]); err != nil {
				return err
			}
		}
		return pop(q, n, stdout)
	case "drain":
		return pop(q, -1, stdout)
	case "peek":
		data, err := q.Peek()
		if err != nil {
			return err
		}
		if data != nil {
			fmt.Fprintf(stdout, "%s\n", data)
		}
		return nil
	case "len":
		fmt.Fprintln(stdout, q.Len())
		return nil
	case "stats":
		fmt.Fprintf(stdout, "records %d\n", q.Len())
		return writeStats(stdout, prometheus.DefaultGatherer)
	default:
		return fmt.Errorf("unknown command: %q", cmd)
	}
}

func push(q queue.Queue, args []string, fromStdin bool, stdin io.Reader) error {
	for _, a := range args {
		if err := q.Push([]byte(a)); err != nil {
			return err
		}
	}
	if !fromStdin {
		return nil
	}

	scanner := bufio.NewScanner(stdin)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	pushed := 0
	for scanner.Scan() {
		if err := q.Push(scanner.Bytes()); err != nil {
			return fmt.Errorf("push line %d: %w", pushed+1, err)
		}
		pushed++
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	logging.Debug("pushed records from stdin", logging.F("records", pushed))
	return nil
}

// pop prints up to n records, or every record when n is negative.
func pop(q queue.Queue, n int, stdout io.Writer) error {
	for i := 0; n < 0 || i < n; i++ {
		data, err := q.Pop()
		if data != nil {
			fmt.Fprintf(stdout, "%s\n", data)
		}
		if err != nil {
			return err
		}
		if data == nil {
			return nil
		}
	}
	return nil
}

// writeStats prints the chunkqueue_* metrics of this process.
func writeStats(w io.Writer, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		if !strings.HasPrefix(mf.GetName(), "chunkqueue_") {
			continue
		}
		for _, m := range mf.GetMetric() {
			fmt.Fprintf(w, "%s%s %g\n", mf.GetName(), formatLabels(m.GetLabel()), metricValue(mf.GetType(), m))
		}
	}
	return nil
}

func formatLabels(labels []*dto.LabelPair) string {
	if len(labels) == 0 {
		return ""
	}
	parts := make([]string, 0, len(labels))
	for _, l := range labels {
		parts = append(parts, fmt.Sprintf("%s=%q", l.GetName(), l.GetValue()))
	}
	sort.Strings(parts)
	return "{" + strings.Join(parts, ",") + "}"
}

func metricValue(t dto.MetricType, m *dto.Metric) float64 {
	switch t {
	case dto.MetricType_COUNTER:
		return m.GetCounter().GetValue()
	case dto.MetricType_GAUGE:
		return m.GetGauge().GetValue()
	case dto.MetricType_UNTYPED:
		return m.GetUntyped().GetValue()
	default:
		return 0
	}
}
