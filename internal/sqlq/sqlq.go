// Package sqlq implements the queue contract on top of a single SQLite
// database file, for callers that prefer one file per queue over a chunk
// directory.
package sqlq

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/szibis/chunkqueue/internal/logging"
	"github.com/szibis/chunkqueue/internal/queue"
)

const schema = `CREATE TABLE IF NOT EXISTS queue (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	item BLOB NOT NULL
)`

// Config holds the SQLite queue configuration.
type Config struct {
	// Path is the database file. Its directory is created if absent.
	Path string
	// Discipline selects FIFO (lowest id first) or LIFO (highest id first).
	Discipline queue.Discipline
	// MaxRecordSize rejects larger payloads (default: 1GB, the SQLite blob limit).
	MaxRecordSize int64
}

const defaultMaxRecordSize = 1_000_000_000

type row struct {
	ID   int64  `db:"id"`
	Item []byte `db:"item"`
}

// Queue is a FIFO or LIFO queue stored in an SQLite table.
type Queue struct {
	db     *sqlx.DB
	cfg    Config
	next   string
	count  int
	closed bool
}

var _ queue.Queue = (*Queue)(nil)

// Open opens or creates the queue database at cfg.Path.
func Open(cfg Config) (*Queue, error) {
	if cfg.Discipline == "" {
		cfg.Discipline = queue.FIFO
	}
	if _, err := queue.ParseDiscipline(string(cfg.Discipline)); err != nil {
		return nil, err
	}
	if cfg.MaxRecordSize <= 0 || cfg.MaxRecordSize > defaultMaxRecordSize {
		cfg.MaxRecordSize = defaultMaxRecordSize
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
		return nil, storageErr("create queue directory", err)
	}

	db, err := sqlx.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, storageErr("open database", err)
	}
	// One connection keeps every statement on the same SQLite handle.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, storageErr("create table", err)
	}

	q := &Queue{db: db, cfg: cfg}
	if err := db.Get(&q.count, "SELECT COUNT(*) FROM queue"); err != nil {
		db.Close()
		return nil, storageErr("count records", err)
	}

	order := "ASC"
	if cfg.Discipline == queue.LIFO {
		order = "DESC"
	}
	q.next = "SELECT id, item FROM queue ORDER BY id " + order + " LIMIT 1"

	logging.Debug("sqlite queue opened", logging.F(
		"path", cfg.Path,
		"discipline", string(cfg.Discipline),
		"count", q.count,
	))
	return q, nil
}

// Push inserts a record.
func (q *Queue) Push(data []byte) error {
	if q.closed {
		return queue.ErrQueueClosed
	}
	if int64(len(data)) > q.cfg.MaxRecordSize {
		return fmt.Errorf("%w: %d bytes (max %d)", queue.ErrRecordTooLarge, len(data), q.cfg.MaxRecordSize)
	}
	if data == nil {
		data = []byte{}
	}
	if _, err := q.db.Exec("INSERT INTO queue (item) VALUES (?)", data); err != nil {
		return storageErr("insert record", err)
	}
	q.count++
	return nil
}

// Pop removes and returns the next record, or (nil, nil) when empty.
func (q *Queue) Pop() ([]byte, error) {
	if q.closed {
		return nil, queue.ErrQueueClosed
	}

	tx, err := q.db.Beginx()
	if err != nil {
		return nil, storageErr("begin", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after Commit

	var r row
	if err := tx.Get(&r, q.next); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, storageErr("select record", err)
	}
	if _, err := tx.Exec("DELETE FROM queue WHERE id = ?", r.ID); err != nil {
		return nil, storageErr("delete record", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, storageErr("commit", err)
	}

	q.count--
	return nonNil(r.Item), nil
}

// Peek returns the next record without removing it.
func (q *Queue) Peek() ([]byte, error) {
	if q.closed {
		return nil, queue.ErrQueueClosed
	}
	var r row
	if err := q.db.Get(&r, q.next); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, storageErr("select record", err)
	}
	return nonNil(r.Item), nil
}

// Len returns the number of records.
func (q *Queue) Len() int { return q.count }

// Close closes the database and removes the file when the queue is empty.
func (q *Queue) Close() error {
	if q.closed {
		return nil
	}
	q.closed = true

	if err := q.db.Close(); err != nil {
		return storageErr("close database", err)
	}
	if q.count > 0 {
		return nil
	}
	var errs []error
	for _, suffix := range []string{"", "-journal", "-wal", "-shm"} {
		if err := os.Remove(q.cfg.Path + suffix); err != nil && !os.IsNotExist(err) {
			errs = append(errs, storageErr("remove database", err))
		}
	}
	return errors.Join(errs...)
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: sqlite %s: %w", queue.ErrStorage, op, err)
}
