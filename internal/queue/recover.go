package queue

import (
	"os"
	"time"

	"github.com/szibis/chunkqueue/internal/chunk"
	"github.com/szibis/chunkqueue/internal/logging"
)

// recover reconciles the loaded metadata with the chunk files on disk.
// fresh is set when the directory had no metadata file.
func (q *DiskQueue) recover(fresh bool) error {
	ids, err := chunk.Discover(q.cfg.Path)
	if err != nil {
		return storageErr("list chunks", err)
	}

	if fresh {
		if len(ids) == 0 {
			return nil
		}
		logging.Warn("chunk files found without metadata, rebuilding queue state", logging.F(
			"path", q.cfg.Path,
			"chunks", len(ids),
		))
		q.meta.HeadChunk = ids[0]
		q.meta.TailChunk = ids[len(ids)-1]
		return q.rebuild(ids)
	}

	live := ids[:0]
	for _, id := range ids {
		if id < q.meta.HeadChunk {
			// Consumed chunk whose removal did not complete.
			if err := os.Remove(chunk.Path(q.cfg.Path, id)); err != nil && !os.IsNotExist(err) {
				return storageErr("remove orphan chunk", err)
			}
			chunkRemovals.Inc()
			logging.Info("removed orphan chunk", logging.F("path", q.cfg.Path, "chunk", chunk.Name(id)))
			continue
		}
		live = append(live, id)
	}

	if q.consistent(live) {
		return q.openHandles()
	}
	return q.rebuild(live)
}

// consistent reports whether the metadata can be trusted as is: every chunk
// between head and tail exists, no newer chunk exists, and the tail chunk
// ends where the metadata says it does.
func (q *DiskQueue) consistent(live []uint64) bool {
	if q.meta.Count == 0 {
		return len(live) == 0
	}
	if len(live) == 0 {
		return false
	}
	if live[0] != q.meta.HeadChunk || live[len(live)-1] != q.meta.TailChunk {
		return false
	}
	if uint64(len(live)) != q.meta.TailChunk-q.meta.HeadChunk+1 {
		return false
	}

	tail, err := os.Stat(chunk.Path(q.cfg.Path, q.meta.TailChunk))
	if err != nil || tail.Size() != q.meta.TailOffset {
		return false
	}
	if q.meta.Discipline == FIFO {
		head, err := os.Stat(chunk.Path(q.cfg.Path, q.meta.HeadChunk))
		if err != nil || head.Size() < q.meta.HeadOffset {
			return false
		}
	}
	return true
}

// rebuild recounts the records stored in live and rewrites the metadata
// from what is actually on disk. Torn records at chunk ends are cut off.
func (q *DiskQueue) rebuild(live []uint64) error {
	start := time.Now()
	previous := q.meta.Count

	var count int64
	if len(live) > 0 {
		if live[0] != q.meta.HeadChunk || q.meta.Discipline == LIFO {
			q.meta.HeadOffset = 0
		}
		q.meta.HeadChunk = live[0]
		q.meta.TailChunk = live[len(live)-1]

		for _, id := range live {
			var from int64
			if id == q.meta.HeadChunk {
				from = q.meta.HeadOffset
			}
			n, size, err := q.scanChunk(id, from)
			if err != nil {
				return err
			}
			count += n
			if id == q.meta.HeadChunk && q.meta.HeadOffset > size {
				q.meta.HeadOffset = size
			}
			if id == q.meta.TailChunk {
				q.meta.TailOffset = size
			}
		}
	}

	q.meta.Count = count
	if count > previous {
		recoveredRecords.Add(float64(count - previous))
	}
	logging.Warn("queue metadata out of date, recounted records on disk", logging.F(
		"path", q.cfg.Path,
		"persisted_count", previous,
		"count", count,
		"chunks", len(live),
		"duration_ms", time.Since(start).Milliseconds(),
	))

	if count == 0 {
		if err := q.removeAllChunks(); err != nil {
			return err
		}
		q.meta.HeadChunk = q.meta.TailChunk
		q.meta.HeadOffset = 0
		q.meta.TailOffset = 0
		return q.persist()
	}

	if err := q.persist(); err != nil {
		return err
	}
	return q.openHandles()
}

// scanChunk counts the whole records in chunk id from offset from and
// returns the count together with the chunk size after any torn record
// has been cut off.
func (q *DiskQueue) scanChunk(id uint64, from int64) (int64, int64, error) {
	c, err := chunk.Open(q.cfg.Path, id)
	if err != nil {
		return 0, 0, storageErr("open chunk", err)
	}
	defer c.Close()

	if from > c.Size() {
		from = c.Size()
	}
	var n int64
	end, torn, err := c.Scan(from, func(int64) error {
		n++
		return nil
	})
	if err != nil {
		return 0, 0, storageErr("scan chunk", err)
	}
	if torn {
		truncatedRecords.Inc()
		logging.Warn("dropping torn record at end of chunk", logging.F(
			"path", c.Path(),
			"offset", end,
		))
		if err := c.TruncateTo(end); err != nil {
			return 0, 0, storageErr("truncate chunk", err)
		}
	}
	return n, c.Size(), nil
}

// openHandles opens the chunks the cursors point at once the metadata is
// known to match the files.
func (q *DiskQueue) openHandles() error {
	if q.meta.Count == 0 {
		q.meta.HeadChunk = q.meta.TailChunk
		q.meta.HeadOffset = 0
		q.meta.TailOffset = 0
		return nil
	}

	tail, err := chunk.Open(q.cfg.Path, q.meta.TailChunk)
	if err != nil {
		return storageErr("open chunk", err)
	}
	q.tail = tail

	if q.meta.Discipline == LIFO {
		if err := q.loadOffsets(); err != nil {
			return err
		}
		if len(q.offsets) == 0 {
			return q.retreatTail()
		}
		return nil
	}

	if q.meta.HeadChunk == q.meta.TailChunk {
		q.head = q.tail
	} else {
		head, err := chunk.Open(q.cfg.Path, q.meta.HeadChunk)
		if err != nil {
			return storageErr("open chunk", err)
		}
		q.head = head
	}
	retired, err := q.skipConsumedHead()
	q.removeChunks(retired...)
	return err
}
