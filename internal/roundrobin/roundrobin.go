// Package roundrobin spreads pops evenly across keyed sub-queues, for
// example one queue per crawl domain.
package roundrobin

import (
	"errors"
	"fmt"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/szibis/chunkqueue/internal/logging"
	"github.com/szibis/chunkqueue/internal/queue"
)

// Factory creates, or reopens, the sub-queue bound to a key.
type Factory func(key string) (queue.Queue, error)

// Queue serves its keys in rotation: each pop takes one record from the key
// at the front and moves that key to the back. Keys join the rotation at
// the back on their first push. Not safe for concurrent use.
type Queue struct {
	factory Factory
	queues  map[string]queue.Queue
	keys    []string
	closed  bool
}

// New creates a round-robin queue. startKeys names keys left by a previous
// run (see Close); they are served in the given order and dropped when
// their reopened queue is empty.
func New(factory Factory, startKeys ...string) (*Queue, error) {
	rr := &Queue{
		factory: factory,
		queues:  make(map[string]queue.Queue),
	}
	for _, key := range startKeys {
		if _, ok := rr.queues[key]; ok {
			continue
		}
		q, err := factory(key)
		if err != nil {
			_, closeErr := rr.Close()
			return nil, errors.Join(fmt.Errorf("failed to open key %q: %w", key, err), closeErr)
		}
		if q.Len() == 0 {
			if err := q.Close(); err != nil {
				logging.Warn("failed to close empty round-robin queue", logging.F("key", key, "error", err.Error()))
			}
			continue
		}
		rr.queues[key] = q
		rr.keys = append(rr.keys, key)
	}
	return rr, nil
}

// Push appends data to the sub-queue of key, creating it if needed.
func (rr *Queue) Push(data []byte, key string) error {
	if rr.closed {
		return queue.ErrQueueClosed
	}

	q, ok := rr.queues[key]
	if !ok {
		var err error
		q, err = rr.factory(key)
		if err != nil {
			return fmt.Errorf("failed to create key %q: %w", key, err)
		}
	}

	if err := q.Push(data); err != nil {
		if !ok {
			if closeErr := q.Close(); closeErr != nil {
				err = errors.Join(err, closeErr)
			}
		}
		return fmt.Errorf("failed to push to key %q: %w", key, err)
	}

	if !ok {
		rr.queues[key] = q
		rr.keys = append(rr.keys, key)
	}
	return nil
}

// Pop removes and returns a record from the next key in rotation, or
// (nil, nil) when every sub-queue is empty.
func (rr *Queue) Pop() ([]byte, error) {
	if rr.closed {
		return nil, queue.ErrQueueClosed
	}

	for len(rr.keys) > 0 {
		key := rr.keys[0]
		q := rr.queues[key]

		data, err := q.Pop()
		if err != nil {
			return data, fmt.Errorf("failed to pop from key %q: %w", key, err)
		}
		rr.keys = rr.keys[1:]

		if data == nil || q.Len() == 0 {
			delete(rr.queues, key)
			if err := q.Close(); err != nil {
				return data, fmt.Errorf("failed to close empty key %q: %w", key, err)
			}
		} else {
			rr.keys = append(rr.keys, key)
		}
		if data != nil {
			return data, nil
		}
	}
	return nil, nil
}

// Peek returns the record Pop would return, without removing it.
func (rr *Queue) Peek() ([]byte, error) {
	if rr.closed {
		return nil, queue.ErrQueueClosed
	}
	for _, key := range rr.keys {
		data, err := rr.queues[key].Peek()
		if err != nil {
			return nil, fmt.Errorf("failed to peek key %q: %w", key, err)
		}
		if data != nil {
			return data, nil
		}
	}
	return nil, nil
}

// Len returns the number of records across all keys.
func (rr *Queue) Len() int {
	n := 0
	for _, q := range rr.queues {
		n += q.Len()
	}
	return n
}

// Keys returns the keys in rotation order.
func (rr *Queue) Keys() []string {
	return slices.Clone(rr.keys)
}

// Close closes every sub-queue and returns the keys that still hold
// records, in rotation order.
func (rr *Queue) Close() ([]string, error) {
	if rr.closed {
		return nil, nil
	}
	rr.closed = true

	var remaining []string
	var g errgroup.Group
	for _, key := range rr.keys {
		key := key
		q := rr.queues[key]
		if q.Len() > 0 {
			remaining = append(remaining, key)
		}
		g.Go(func() error {
			if err := q.Close(); err != nil {
				return fmt.Errorf("failed to close key %q: %w", key, err)
			}
			return nil
		})
	}
	err := g.Wait()

	rr.queues = nil
	rr.keys = nil
	return remaining, err
}

// Key binds the round-robin queue to a single push key so it can be used
// wherever a queue.Queue is expected.
func (rr *Queue) Key(key string) *Key {
	return &Key{rr: rr, key: key}
}

// Key is a queue.Queue view of a round-robin queue that pushes under a
// fixed key. Pop and Peek still rotate across all keys.
type Key struct {
	rr  *Queue
	key string
}

var _ queue.Queue = (*Key)(nil)

// Push pushes data under the view's key.
func (k *Key) Push(data []byte) error { return k.rr.Push(data, k.key) }

// Pop removes the next record in key rotation.
func (k *Key) Pop() ([]byte, error) { return k.rr.Pop() }

// Peek returns the record Pop would return.
func (k *Key) Peek() ([]byte, error) { return k.rr.Peek() }

// Len returns the record count of all keys.
func (k *Key) Len() int { return k.rr.Len() }

// Close closes the whole round-robin queue.
func (k *Key) Close() error {
	_, err := k.rr.Close()
	return err
}
