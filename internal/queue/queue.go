// Package queue implements persistent chunked disk queues and their
// in-memory counterparts behind a single Queue interface.
package queue

import (
	"errors"
	"fmt"

	"github.com/szibis/chunkqueue/internal/record"
)

// Discipline selects the pop order of a queue.
type Discipline string

const (
	// FIFO pops records in insertion order.
	FIFO Discipline = "fifo"
	// LIFO pops the most recently pushed record first.
	LIFO Discipline = "lifo"
)

// ParseDiscipline parses "fifo" or "lifo".
func ParseDiscipline(s string) (Discipline, error) {
	switch Discipline(s) {
	case FIFO, LIFO:
		return Discipline(s), nil
	default:
		return "", fmt.Errorf("unknown discipline: %q", s)
	}
}

// Queue is the capability every queue variant provides.
//
// Pop and Peek return (nil, nil) on an empty queue. Records are never nil
// otherwise: a zero-length record comes back as an empty non-nil slice.
type Queue interface {
	Push(data []byte) error
	Pop() ([]byte, error)
	Peek() ([]byte, error)
	Len() int
	Close() error
}

var (
	// ErrQueueClosed is returned when operations are attempted on a closed queue.
	ErrQueueClosed = errors.New("queue is closed")
	// ErrIncompatibleFormat is returned when the metadata format version is unknown.
	ErrIncompatibleFormat = errors.New("incompatible queue format")
	// ErrDisciplineMismatch is returned when a directory holds a queue of the other discipline.
	ErrDisciplineMismatch = errors.New("queue discipline mismatch")
	// ErrCorruptMetadata is returned when the metadata file cannot be parsed or is inconsistent.
	ErrCorruptMetadata = errors.New("corrupt queue metadata")
	// ErrStorage wraps every failed filesystem operation.
	ErrStorage = errors.New("queue storage failure")

	// ErrRecordTooLarge is returned when a record exceeds the configured or encodable size.
	ErrRecordTooLarge = record.ErrRecordTooLarge
	// ErrTruncatedRecord marks a chunk that ends in the middle of a record.
	ErrTruncatedRecord = record.ErrTruncatedRecord
)

// storageErr tags a filesystem failure with ErrStorage while keeping the
// underlying error inspectable.
func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}
