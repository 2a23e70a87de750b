// Package backend selects the storage medium and discipline of a queue and
// builds the per-level factories used by the priority and round-robin layers.
package backend

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/szibis/chunkqueue/internal/compression"
	"github.com/szibis/chunkqueue/internal/priority"
	"github.com/szibis/chunkqueue/internal/queue"
	"github.com/szibis/chunkqueue/internal/roundrobin"
	"github.com/szibis/chunkqueue/internal/sqlq"
)

// Kind names a queue medium and discipline.
type Kind string

const (
	FIFODisk   Kind = "fifo-disk"
	LIFODisk   Kind = "lifo-disk"
	FIFOMemory Kind = "fifo-memory"
	LIFOMemory Kind = "lifo-memory"
	FIFOSQLite Kind = "fifo-sqlite"
	LIFOSQLite Kind = "lifo-sqlite"
)

// Kinds lists every supported kind.
var Kinds = []Kind{FIFODisk, LIFODisk, FIFOMemory, LIFOMemory, FIFOSQLite, LIFOSQLite}

// ParseKind parses a kind name such as "fifo-disk".
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if k == "" {
		return FIFODisk, nil
	}
	if !slices.Contains(Kinds, k) {
		return "", fmt.Errorf("unknown queue kind: %q", s)
	}
	return k, nil
}

// Discipline returns the pop order of the kind.
func (k Kind) Discipline() queue.Discipline {
	if strings.HasPrefix(string(k), "lifo-") {
		return queue.LIFO
	}
	return queue.FIFO
}

// Medium returns "disk", "memory" or "sqlite".
func (k Kind) Medium() string {
	_, medium, _ := strings.Cut(string(k), "-")
	return medium
}

// Config describes the queue to open.
type Config struct {
	Kind Kind
	// Path is the queue directory (disk) or database file (sqlite). For the
	// factories it is the root that holds one queue per level.
	Path          string
	ChunkSize     int64
	MaxRecordSize int64
	Compression   compression.Type
	MetaSyncEvery int
}

// Open opens the single queue described by cfg.
func Open(cfg Config) (queue.Queue, error) {
	return open(cfg, cfg.Path)
}

func open(cfg Config, path string) (queue.Queue, error) {
	switch cfg.Kind.Medium() {
	case "disk":
		return queue.OpenDisk(queue.DiskConfig{
			Path:          path,
			Discipline:    cfg.Kind.Discipline(),
			ChunkSize:     cfg.ChunkSize,
			MaxRecordSize: cfg.MaxRecordSize,
			Compression:   cfg.Compression,
			MetaSyncEvery: cfg.MetaSyncEvery,
		})
	case "sqlite":
		return sqlq.Open(sqlq.Config{
			Path:          path,
			Discipline:    cfg.Kind.Discipline(),
			MaxRecordSize: cfg.MaxRecordSize,
		})
	case "memory":
		return queue.NewMemory(cfg.Kind.Discipline()), nil
	default:
		return nil, fmt.Errorf("unknown queue kind: %q", cfg.Kind)
	}
}

const sqliteExt = ".db"

// levelPath maps a level name to its queue location under root.
func levelPath(cfg Config, name string) string {
	if cfg.Kind.Medium() == "sqlite" {
		name += sqliteExt
	}
	return filepath.Join(cfg.Path, name)
}

// PriorityFactory opens one queue per priority under cfg.Path, named by
// the decimal priority.
func PriorityFactory(cfg Config) priority.Factory {
	return func(p int) (queue.Queue, error) {
		return open(cfg, levelPath(cfg, strconv.Itoa(p)))
	}
}

// KeyFactory opens one queue per key under cfg.Path, named by the
// path-escaped key.
func KeyFactory(cfg Config) roundrobin.Factory {
	return func(key string) (queue.Queue, error) {
		return open(cfg, levelPath(cfg, url.PathEscape(key)))
	}
}

// levelNames lists the level names found under cfg.Path.
func levelNames(cfg Config) ([]string, error) {
	if cfg.Kind.Medium() == "memory" {
		return nil, nil
	}
	entries, err := os.ReadDir(cfg.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var names []string
	for _, e := range entries {
		name := e.Name()
		switch cfg.Kind.Medium() {
		case "disk":
			if !e.IsDir() {
				continue
			}
		case "sqlite":
			if e.IsDir() || !strings.HasSuffix(name, sqliteExt) {
				continue
			}
			name = strings.TrimSuffix(name, sqliteExt)
		}
		names = append(names, name)
	}
	return names, nil
}

// DiscoverPriorities returns the priorities that have a queue under
// cfg.Path, ascending. They are the start priorities for priority.New.
func DiscoverPriorities(cfg Config) ([]int, error) {
	names, err := levelNames(cfg)
	if err != nil {
		return nil, err
	}
	var prios []int
	for _, name := range names {
		p, err := strconv.Atoi(name)
		if err != nil {
			continue
		}
		prios = append(prios, p)
	}
	slices.Sort(prios)
	return prios, nil
}

// DiscoverKeys returns the keys that have a queue under cfg.Path, sorted.
// They are the start keys for roundrobin.New.
func DiscoverKeys(cfg Config) ([]string, error) {
	names, err := levelNames(cfg)
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, name := range names {
		key, err := url.PathUnescape(name)
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys, nil
}
