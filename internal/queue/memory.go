package queue

import "github.com/szibis/chunkqueue/internal/record"

// MemoryQueue is a non-persistent queue with the same contract as
// DiskQueue. It is useful for tests and as a priority layer backend when
// durability is not needed.
type MemoryQueue struct {
	discipline Discipline
	items      [][]byte
	closed     bool
}

var _ Queue = (*MemoryQueue)(nil)

// NewMemory creates an empty in-memory queue.
func NewMemory(discipline Discipline) *MemoryQueue {
	if discipline == "" {
		discipline = FIFO
	}
	return &MemoryQueue{discipline: discipline}
}

// Push appends a copy of data.
func (q *MemoryQueue) Push(data []byte) error {
	if q.closed {
		return ErrQueueClosed
	}
	if int64(len(data)) > record.MaxPayloadSize {
		rejectedTotal.WithLabelValues("too_large").Inc()
		return ErrRecordTooLarge
	}
	item := make([]byte, len(data))
	copy(item, data)
	q.items = append(q.items, item)
	return nil
}

// Pop removes and returns the next record, or (nil, nil) when empty.
func (q *MemoryQueue) Pop() ([]byte, error) {
	if q.closed {
		return nil, ErrQueueClosed
	}
	if len(q.items) == 0 {
		return nil, nil
	}
	var item []byte
	if q.discipline == LIFO {
		last := len(q.items) - 1
		item = q.items[last]
		q.items[last] = nil
		q.items = q.items[:last]
	} else {
		item = q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
	}
	return item, nil
}

// Peek returns the next record without removing it.
func (q *MemoryQueue) Peek() ([]byte, error) {
	if q.closed {
		return nil, ErrQueueClosed
	}
	if len(q.items) == 0 {
		return nil, nil
	}
	if q.discipline == LIFO {
		return q.items[len(q.items)-1], nil
	}
	return q.items[0], nil
}

// Len returns the number of records.
func (q *MemoryQueue) Len() int { return len(q.items) }

// Close drops the records.
func (q *MemoryQueue) Close() error {
	q.closed = true
	q.items = nil
	return nil
}
