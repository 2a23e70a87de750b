package queue

import (
	"errors"
	"os"
	"syscall"

	"github.com/szibis/chunkqueue/internal/chunk"
	"github.com/szibis/chunkqueue/internal/logging"
)

func (q *DiskQueue) popFIFO() ([]byte, error) {
	stored, n, err := q.readHead()
	if err != nil || stored == nil {
		return nil, err
	}
	data, err := q.decode(stored)
	if err != nil {
		return nil, err
	}

	q.meta.HeadOffset += n
	q.meta.Count--
	if q.meta.Count == 0 {
		return data, q.resetEmpty()
	}

	retired, err := q.skipConsumedHead()
	if err != nil {
		return data, err
	}
	err = q.markDirty()
	// Consumed chunks go only after the head has moved past them.
	q.removeChunks(retired...)
	return data, err
}

// readHead reads the stored record at the FIFO head, stepping over
// exhausted or torn chunks. It returns a nil record when the chunks hold
// fewer records than the metadata counts, after resetting the queue to empty.
func (q *DiskQueue) readHead() ([]byte, int64, error) {
	for {
		stored, n, err := q.head.ReadRecord(q.meta.HeadOffset)
		if err == nil {
			return stored, n, nil
		}
		if !isEndOfData(err) {
			return nil, 0, storageErr("read record", err)
		}
		if errors.Is(err, ErrTruncatedRecord) {
			truncatedRecords.Inc()
			logging.Warn("skipping torn record", logging.F(
				"path", q.head.Path(),
				"offset", q.meta.HeadOffset,
			))
		}

		if q.meta.HeadChunk >= q.meta.TailChunk {
			logging.Warn("queue holds fewer records than its metadata counts", logging.F(
				"path", q.cfg.Path,
				"count", q.meta.Count,
			))
			return nil, 0, q.resetEmpty()
		}

		old, err := q.advanceHead()
		if err != nil {
			return nil, 0, err
		}
		q.removeChunks(old)
	}
}

// skipConsumedHead advances the head past fully read chunks while a newer
// chunk exists. It returns the chunks left behind.
func (q *DiskQueue) skipConsumedHead() ([]*chunk.Chunk, error) {
	var retired []*chunk.Chunk
	for q.meta.HeadOffset >= q.head.Size() && q.meta.HeadChunk < q.meta.TailChunk {
		old, err := q.advanceHead()
		if err != nil {
			return retired, err
		}
		retired = append(retired, old)
	}
	return retired, nil
}

// advanceHead moves the read cursor to the start of the next chunk on disk
// and returns the chunk it left. Missing chunk ids are skipped.
func (q *DiskQueue) advanceHead() (*chunk.Chunk, error) {
	old := q.head
	for id := q.meta.HeadChunk + 1; id <= q.meta.TailChunk; id++ {
		next := q.tail
		if id != q.meta.TailChunk {
			c, err := chunk.Open(q.cfg.Path, id)
			if os.IsNotExist(err) {
				continue
			}
			if err != nil {
				return nil, storageErr("open chunk", err)
			}
			next = c
		}
		q.head = next
		q.meta.HeadChunk = id
		q.meta.HeadOffset = 0
		if old != q.tail {
			_ = old.Close()
		}
		return old, nil
	}
	// The tail always exists, so the loop returns before this.
	return nil, storageErr("advance head", os.ErrNotExist)
}

// peekFIFO reads the head record without moving any cursor. Exhausted
// chunks are walked over with temporary handles.
func (q *DiskQueue) peekFIFO() ([]byte, error) {
	stored, _, err := q.head.ReadRecord(q.meta.HeadOffset)
	if err == nil {
		return q.decode(stored)
	}
	if !isEndOfData(err) {
		return nil, storageErr("read record", err)
	}

	for id := q.meta.HeadChunk + 1; id <= q.meta.TailChunk; id++ {
		c := q.tail
		if id != q.meta.TailChunk {
			opened, err := chunk.Open(q.cfg.Path, id)
			if os.IsNotExist(err) {
				continue
			}
			if err != nil {
				return nil, storageErr("open chunk", err)
			}
			c = opened
		}
		stored, _, err := c.ReadRecord(0)
		if c != q.tail {
			_ = c.Close()
		}
		if err == nil {
			return q.decode(stored)
		}
		if !isEndOfData(err) {
			return nil, storageErr("read record", err)
		}
	}
	return nil, nil
}

// isDiskFullError checks if an error indicates disk is full.
func isDiskFullError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, syscall.ENOSPC) {
		return true
	}

	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		if errors.Is(pathErr.Err, syscall.ENOSPC) {
			return true
		}
	}

	return false
}
