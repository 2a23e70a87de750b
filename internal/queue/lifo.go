package queue

import (
	"fmt"
	"os"

	"github.com/szibis/chunkqueue/internal/chunk"
	"github.com/szibis/chunkqueue/internal/logging"
)

func (q *DiskQueue) popLIFO() ([]byte, error) {
	if len(q.offsets) == 0 {
		return nil, fmt.Errorf("%w: tail chunk %d holds no records", ErrCorruptMetadata, q.meta.TailChunk)
	}
	start := q.offsets[len(q.offsets)-1]
	stored, _, err := q.tail.ReadRecord(start)
	if err != nil {
		return nil, storageErr("read record", err)
	}
	data, err := q.decode(stored)
	if err != nil {
		return nil, err
	}

	// The chunk is cut before the metadata moves: a crash in between leaves
	// a chunk shorter than recorded, which recovery recounts.
	if err := q.tail.TruncateTo(start); err != nil {
		return nil, storageErr("truncate chunk", err)
	}
	q.offsets = q.offsets[:len(q.offsets)-1]
	q.meta.TailOffset = start
	q.meta.Count--

	if q.meta.Count == 0 {
		return data, q.resetEmpty()
	}
	if len(q.offsets) == 0 {
		if err := q.retreatTail(); err != nil {
			return data, err
		}
	}
	return data, q.markDirty()
}

func (q *DiskQueue) peekLIFO() ([]byte, error) {
	if len(q.offsets) == 0 {
		return nil, fmt.Errorf("%w: tail chunk %d holds no records", ErrCorruptMetadata, q.meta.TailChunk)
	}
	stored, _, err := q.tail.ReadRecord(q.offsets[len(q.offsets)-1])
	if err != nil {
		return nil, storageErr("read record", err)
	}
	return q.decode(stored)
}

// retreatTail drops an emptied tail chunk and reopens the newest earlier
// chunk that still holds records. Missing or empty chunks are removed on
// the way.
func (q *DiskQueue) retreatTail() error {
	for len(q.offsets) == 0 {
		if q.meta.TailChunk <= q.meta.HeadChunk {
			logging.Warn("queue holds fewer records than its metadata counts", logging.F(
				"path", q.cfg.Path,
				"count", q.meta.Count,
			))
			return q.resetEmpty()
		}

		old := q.tail
		id := q.meta.TailChunk - 1
		c, err := chunk.Open(q.cfg.Path, id)
		if err != nil && !os.IsNotExist(err) {
			return storageErr("open chunk", err)
		}

		q.tail = c
		q.meta.TailChunk = id
		q.meta.TailOffset = 0
		q.removeChunks(old)

		if c != nil {
			if err := q.loadOffsets(); err != nil {
				return err
			}
		}
	}
	return nil
}

// loadOffsets rebuilds the record offset stack of the tail chunk, cutting
// off a torn record at its end.
func (q *DiskQueue) loadOffsets() error {
	q.offsets = q.offsets[:0]
	end, torn, err := q.tail.Scan(0, func(offset int64) error {
		q.offsets = append(q.offsets, offset)
		return nil
	})
	if err != nil {
		return storageErr("scan chunk", err)
	}
	if torn {
		truncatedRecords.Inc()
		logging.Warn("dropping torn record at end of chunk", logging.F(
			"path", q.tail.Path(),
			"offset", end,
		))
		if err := q.tail.TruncateTo(end); err != nil {
			return storageErr("truncate chunk", err)
		}
	}
	q.meta.TailOffset = q.tail.Size()
	return nil
}
