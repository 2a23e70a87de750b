// Package priority composes one queue per priority level and serves the
// lowest priority value first.
package priority

import (
	"errors"
	"fmt"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/szibis/chunkqueue/internal/logging"
	"github.com/szibis/chunkqueue/internal/queue"
)

// Factory creates, or reopens, the queue bound to a priority level.
type Factory func(priority int) (queue.Queue, error)

// Queue is a priority queue over lazily created sub-queues. Within a level
// the order is whatever the sub-queue discipline gives. Like the queues it
// composes, it is not safe for concurrent use.
type Queue struct {
	factory Factory
	queues  map[int]queue.Queue
	// active holds the priorities with a sub-queue, ascending.
	active []int
	closed bool
}

var _ queue.Queue = (*Level)(nil)

// New creates a priority queue. startPriorities names levels left by a
// previous run (see Close); their queues are reopened through the factory
// and dropped again when they turn out empty.
func New(factory Factory, startPriorities ...int) (*Queue, error) {
	pq := &Queue{
		factory: factory,
		queues:  make(map[int]queue.Queue),
	}
	for _, p := range startPriorities {
		if _, ok := pq.queues[p]; ok {
			continue
		}
		q, err := factory(p)
		if err != nil {
			_, closeErr := pq.Close()
			return nil, errors.Join(fmt.Errorf("failed to open priority %d: %w", p, err), closeErr)
		}
		if q.Len() == 0 {
			if err := q.Close(); err != nil {
				logging.Warn("failed to close empty priority queue", logging.F("priority", p, "error", err.Error()))
			}
			continue
		}
		pq.add(p, q)
	}
	return pq, nil
}

// Push appends data to the queue of the given priority, creating it if needed.
// A queue created for this push is closed again when the push fails.
func (pq *Queue) Push(data []byte, priority int) error {
	if pq.closed {
		return queue.ErrQueueClosed
	}

	q, ok := pq.queues[priority]
	if !ok {
		var err error
		q, err = pq.factory(priority)
		if err != nil {
			return fmt.Errorf("failed to create priority %d: %w", priority, err)
		}
	}

	if err := q.Push(data); err != nil {
		if !ok {
			if closeErr := q.Close(); closeErr != nil {
				err = errors.Join(err, closeErr)
			}
		}
		return fmt.Errorf("failed to push to priority %d: %w", priority, err)
	}

	if !ok {
		pq.add(priority, q)
	}
	return nil
}

// Pop removes and returns the next record of the lowest non-empty priority,
// or (nil, nil) when every level is empty. A level emptied by the pop is
// closed and forgotten.
func (pq *Queue) Pop() ([]byte, error) {
	if pq.closed {
		return nil, queue.ErrQueueClosed
	}

	for len(pq.active) > 0 {
		p := pq.active[0]
		q := pq.queues[p]

		data, err := q.Pop()
		if err != nil {
			return data, fmt.Errorf("failed to pop from priority %d: %w", p, err)
		}
		if data == nil || q.Len() == 0 {
			if err := pq.drop(p); err != nil {
				return data, err
			}
		}
		if data != nil {
			return data, nil
		}
	}
	return nil, nil
}

// Peek returns the record Pop would return, without removing it.
func (pq *Queue) Peek() ([]byte, error) {
	if pq.closed {
		return nil, queue.ErrQueueClosed
	}
	for _, p := range pq.active {
		data, err := pq.queues[p].Peek()
		if err != nil {
			return nil, fmt.Errorf("failed to peek priority %d: %w", p, err)
		}
		if data != nil {
			return data, nil
		}
	}
	return nil, nil
}

// Len returns the number of records across all levels.
func (pq *Queue) Len() int {
	n := 0
	for _, q := range pq.queues {
		n += q.Len()
	}
	return n
}

// Priorities returns the levels that currently hold a queue, ascending.
func (pq *Queue) Priorities() []int {
	return slices.Clone(pq.active)
}

// Close closes every level and returns the priorities that still hold
// records, to be passed to New on the next run.
func (pq *Queue) Close() ([]int, error) {
	if pq.closed {
		return nil, nil
	}
	pq.closed = true

	var remaining []int
	var g errgroup.Group
	for _, p := range pq.active {
		p := p
		q := pq.queues[p]
		if q.Len() > 0 {
			remaining = append(remaining, p)
		}
		g.Go(func() error {
			if err := q.Close(); err != nil {
				return fmt.Errorf("failed to close priority %d: %w", p, err)
			}
			return nil
		})
	}
	err := g.Wait()

	pq.queues = nil
	pq.active = nil
	return remaining, err
}

// Level binds the priority queue to a single push priority so it can be
// used wherever a queue.Queue is expected.
func (pq *Queue) Level(priority int) *Level {
	return &Level{pq: pq, priority: priority}
}

// Level is a queue.Queue view of a priority queue that pushes at a fixed
// priority. Pop and Peek still serve the lowest priority first.
type Level struct {
	pq       *Queue
	priority int
}

// Push pushes data under the level's priority.
func (l *Level) Push(data []byte) error { return l.pq.Push(data, l.priority) }

// Pop removes the next record across all levels.
func (l *Level) Pop() ([]byte, error) { return l.pq.Pop() }

// Peek returns the next record across all levels.
func (l *Level) Peek() ([]byte, error) { return l.pq.Peek() }

// Len returns the record count of all levels.
func (l *Level) Len() int { return l.pq.Len() }

// Close closes the whole priority queue.
func (l *Level) Close() error {
	_, err := l.pq.Close()
	return err
}

func (pq *Queue) add(p int, q queue.Queue) {
	pq.queues[p] = q
	i, _ := slices.BinarySearch(pq.active, p)
	pq.active = slices.Insert(pq.active, i, p)
	logging.Debug("priority level created", logging.F("priority", p))
}

func (pq *Queue) drop(p int) error {
	q := pq.queues[p]
	delete(pq.queues, p)
	if i, ok := slices.BinarySearch(pq.active, p); ok {
		pq.active = slices.Delete(pq.active, i, i+1)
	}
	if err := q.Close(); err != nil {
		return fmt.Errorf("failed to close empty priority %d: %w", p, err)
	}
	logging.Debug("priority level drained", logging.F("priority", p))
	return nil
}
