package queue

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/szibis/chunkqueue/internal/chunk"
	"github.com/szibis/chunkqueue/internal/compression"
	"github.com/szibis/chunkqueue/internal/logging"
	"github.com/szibis/chunkqueue/internal/record"
)

const (
	// DefaultChunkSize is the chunk size limit used when none is configured.
	DefaultChunkSize = 64 * 1024
)

// DiskConfig holds the disk queue configuration.
type DiskConfig struct {
	// Path is the queue directory. It is created if absent.
	Path string
	// Discipline selects FIFO or LIFO pop order (default: FIFO).
	Discipline Discipline
	// ChunkSize is the chunk file size limit in bytes (default: 64KiB).
	// A directory that already holds a queue keeps its persisted value.
	ChunkSize int64
	// MaxRecordSize rejects larger payloads at push time
	// (default and upper bound: record.MaxPayloadSize).
	MaxRecordSize int64
	// Compression is applied to every stored payload (default: none).
	// A directory that already holds a queue keeps its persisted value.
	Compression compression.Type
	// MetaSyncEvery persists metadata after this many mutations (default: 1).
	// Metadata is always persisted on Close.
	MetaSyncEvery int
}

func (cfg *DiskConfig) applyDefaults() {
	if cfg.Discipline == "" {
		cfg.Discipline = FIFO
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.MaxRecordSize <= 0 || cfg.MaxRecordSize > record.MaxPayloadSize {
		cfg.MaxRecordSize = record.MaxPayloadSize
	}
	if cfg.Compression == "" {
		cfg.Compression = compression.TypeNone
	}
	if cfg.MetaSyncEvery <= 0 {
		cfg.MetaSyncEvery = 1
	}
}

// DiskQueue is a persistent queue stored as a directory of chunk files plus
// a metadata file. It is not safe for concurrent use; one DiskQueue owns its
// directory at a time.
type DiskQueue struct {
	cfg  DiskConfig
	meta diskMeta

	// head is the FIFO read side and tail the write side. They are the same
	// handle while head and tail chunk coincide; both are nil while the
	// queue is empty.
	head *chunk.Chunk
	tail *chunk.Chunk

	// offsets holds the start offset of every record in the tail chunk (LIFO only).
	offsets []int64

	pending int
	closed  bool
}

var _ Queue = (*DiskQueue)(nil)

// OpenDisk opens the disk queue in cfg.Path, creating the directory when it
// does not exist and recovering state left by a previous owner.
func OpenDisk(cfg DiskConfig) (*DiskQueue, error) {
	cfg.applyDefaults()
	if _, err := ParseDiscipline(string(cfg.Discipline)); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.Path, 0755); err != nil {
		return nil, storageErr("create queue directory", err)
	}

	persisted, err := loadMeta(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue %s: %w", cfg.Path, err)
	}

	q := &DiskQueue{cfg: cfg}
	if persisted == nil {
		q.meta = diskMeta{
			Version:     metaFormatVersion,
			Discipline:  cfg.Discipline,
			ChunkSize:   cfg.ChunkSize,
			Compression: cfg.Compression,
		}
	} else {
		if persisted.Discipline != cfg.Discipline {
			return nil, fmt.Errorf("%w: %s holds a %s queue, opened as %s",
				ErrDisciplineMismatch, cfg.Path, persisted.Discipline, cfg.Discipline)
		}
		if persisted.Compression == "" {
			persisted.Compression = compression.TypeNone
		}
		if persisted.ChunkSize != cfg.ChunkSize || persisted.Compression != cfg.Compression {
			logging.Info("using persisted queue settings", logging.F(
				"path", cfg.Path,
				"chunk_size", persisted.ChunkSize,
				"compression", string(persisted.Compression),
			))
		}
		q.meta = *persisted
	}

	if err := q.recover(persisted == nil); err != nil {
		_ = q.releaseHandles()
		return nil, fmt.Errorf("failed to recover queue %s: %w", cfg.Path, err)
	}

	openQueues.Inc()
	logging.Debug("disk queue opened", logging.F(
		"path", cfg.Path,
		"discipline", string(q.meta.Discipline),
		"count", q.meta.Count,
		"head_chunk", q.meta.HeadChunk,
		"tail_chunk", q.meta.TailChunk,
	))
	return q, nil
}

// Path returns the queue directory.
func (q *DiskQueue) Path() string { return q.cfg.Path }

// Discipline returns the pop order of the queue.
func (q *DiskQueue) Discipline() Discipline { return q.meta.Discipline }

// Len returns the number of records in the queue.
func (q *DiskQueue) Len() int { return int(q.meta.Count) }

// Push appends a record. On error the queue is left unchanged, unless a
// record already written cannot be cut back again: it then stays queued
// and the returned error reports the failed undo.
func (q *DiskQueue) Push(data []byte) error {
	if q.closed {
		return ErrQueueClosed
	}
	if int64(len(data)) > q.cfg.MaxRecordSize {
		rejectedTotal.WithLabelValues("too_large").Inc()
		return fmt.Errorf("%w: %d bytes (max %d)", ErrRecordTooLarge, len(data), q.cfg.MaxRecordSize)
	}

	payload, err := compression.Compress(data, q.meta.Compression)
	if err != nil {
		return fmt.Errorf("failed to compress record: %w", err)
	}
	encoded, err := record.Encode(payload)
	if err != nil {
		rejectedTotal.WithLabelValues("too_large").Inc()
		return err
	}

	saved := q.savePushState()
	created, err := q.prepareTail(int64(len(encoded)))
	if err != nil {
		return err
	}

	start := q.tail.Size()
	size, err := q.tail.Append(encoded)
	if err != nil {
		if isDiskFullError(err) {
			rejectedTotal.WithLabelValues("disk_full").Inc()
		}
		// Append already cut the chunk back; only a new chunk has to go.
		q.restorePushState(saved, created)
		return storageErr("append record", err)
	}
	if q.meta.Discipline == LIFO {
		q.offsets = append(q.offsets, start)
	}
	q.meta.Count++
	q.meta.TailOffset = size

	if err := q.markDirty(); err != nil {
		return errors.Join(err, q.undoPush(saved, created, start))
	}

	q.finishRotation(saved, created)
	pushTotal.WithLabelValues(string(q.meta.Discipline)).Inc()
	return nil
}

// pushState is the part of the queue a push changes before it is durable.
type pushState struct {
	meta    diskMeta
	head    *chunk.Chunk
	tail    *chunk.Chunk
	offsets []int64
	pending int
}

func (q *DiskQueue) savePushState() pushState {
	return pushState{
		meta:    q.meta,
		head:    q.head,
		tail:    q.tail,
		offsets: q.offsets,
		pending: q.pending,
	}
}

// restorePushState returns the cursors to saved and removes the chunk the
// push created, if any.
func (q *DiskQueue) restorePushState(saved pushState, created *chunk.Chunk) {
	if created != nil {
		if err := created.Remove(); err != nil {
			// An empty chunk past the tail is adopted or dropped by recovery.
			logging.Warn("failed to remove chunk of failed push", logging.F("path", created.Path(), "error", err.Error()))
		}
	}
	q.meta = saved.meta
	q.head = saved.head
	q.tail = saved.tail
	q.offsets = saved.offsets
	q.pending = saved.pending
}

// undoPush takes back a record whose metadata could not be persisted. When
// the record cannot be removed from disk it stays queued, so the in-memory
// state keeps matching the chunks.
func (q *DiskQueue) undoPush(saved pushState, created *chunk.Chunk, start int64) error {
	if created == nil {
		if err := q.tail.TruncateTo(start); err != nil {
			logging.Warn("failed to undo push, record stays queued", logging.F("path", q.tail.Path(), "error", err.Error()))
			q.finishRotation(saved, created)
			return storageErr("undo append", err)
		}
		q.restorePushState(saved, nil)
		return nil
	}

	// The handle stays open until the file is gone, so a failed removal
	// leaves a usable tail.
	if err := os.Remove(created.Path()); err != nil && !os.IsNotExist(err) {
		logging.Warn("failed to undo push, record stays queued", logging.F("path", created.Path(), "error", err.Error()))
		q.finishRotation(saved, created)
		return storageErr("undo append", err)
	}
	_ = created.Close()
	q.restorePushState(saved, nil)
	return nil
}

// finishRotation closes the tail a push rotated away from, unless it is
// still the FIFO head.
func (q *DiskQueue) finishRotation(saved pushState, created *chunk.Chunk) {
	old := saved.tail
	if created == nil || old == nil {
		return
	}
	chunkRotations.Inc()
	if old != q.head {
		_ = old.Close()
	}
}

// Pop removes and returns the next record, or (nil, nil) when the queue is
// empty. If the record was taken but the metadata could not be persisted,
// the record is returned together with the error.
func (q *DiskQueue) Pop() ([]byte, error) {
	if q.closed {
		return nil, ErrQueueClosed
	}
	if q.meta.Count == 0 {
		return nil, nil
	}

	var (
		data []byte
		err  error
	)
	if q.meta.Discipline == LIFO {
		data, err = q.popLIFO()
	} else {
		data, err = q.popFIFO()
	}
	if data != nil {
		popTotal.WithLabelValues(string(q.meta.Discipline)).Inc()
	}
	return data, err
}

// Peek returns the next record without removing it, or (nil, nil) when the
// queue is empty.
func (q *DiskQueue) Peek() ([]byte, error) {
	if q.closed {
		return nil, ErrQueueClosed
	}
	if q.meta.Count == 0 {
		return nil, nil
	}
	if q.meta.Discipline == LIFO {
		return q.peekLIFO()
	}
	return q.peekFIFO()
}

// Close persists the metadata and releases the chunk handles. Closing an
// empty queue removes its files and, when nothing else is left in it, the
// queue directory.
func (q *DiskQueue) Close() error {
	if q.closed {
		return nil
	}
	q.closed = true
	openQueues.Dec()

	var errs []error
	if q.tail != nil {
		if err := q.tail.Sync(); err != nil {
			errs = append(errs, storageErr("sync chunk", err))
		}
	}

	if q.meta.Count == 0 {
		errs = append(errs, q.releaseHandles(), q.removeAllChunks(), removeMeta(q.cfg.Path))
		// Fails when the directory holds anything else.
		_ = os.Remove(q.cfg.Path)
	} else {
		errs = append(errs, q.persist(), q.releaseHandles())
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("errors closing queue %s: %w", q.cfg.Path, err)
	}
	return nil
}

// prepareTail makes sure a tail chunk exists that can take n more bytes,
// rotating to a new chunk when the current one is non-empty and would
// exceed the size limit. A record larger than the limit gets a chunk of
// its own rather than being split. It returns the chunk it created, if
// any; the previous tail stays open until finishRotation.
func (q *DiskQueue) prepareTail(n int64) (*chunk.Chunk, error) {
	if q.tail == nil {
		c, err := chunk.Create(q.cfg.Path, q.meta.TailChunk)
		if err != nil {
			return nil, storageErr("create chunk", err)
		}
		q.tail = c
		q.offsets = nil
		q.meta.TailOffset = 0
		if q.meta.Discipline == FIFO {
			q.head = c
			q.meta.HeadChunk = q.meta.TailChunk
			q.meta.HeadOffset = 0
		}
		return c, nil
	}

	if q.tail.Size() == 0 || q.tail.Size()+n <= q.meta.ChunkSize {
		return nil, nil
	}

	next, err := chunk.Create(q.cfg.Path, q.meta.TailChunk+1)
	if err != nil {
		return nil, storageErr("create chunk", err)
	}
	if err := q.tail.Sync(); err != nil {
		logging.Warn("failed to sync rotated chunk", logging.F("path", q.tail.Path(), "error", err.Error()))
	}

	q.tail = next
	// A fresh slice: the saved push state still refers to the old one.
	q.offsets = nil
	q.meta.TailChunk = next.ID()
	q.meta.TailOffset = 0
	return next, nil
}

// markDirty records a mutation and persists the metadata once
// MetaSyncEvery mutations have accumulated.
func (q *DiskQueue) markDirty() error {
	q.pending++
	if q.pending < q.cfg.MetaSyncEvery {
		return nil
	}
	return q.persist()
}

func (q *DiskQueue) persist() error {
	if err := saveMeta(q.cfg.Path, &q.meta); err != nil {
		return err
	}
	q.pending = 0
	return nil
}

// decode turns a stored payload back into the caller's record.
func (q *DiskQueue) decode(stored []byte) ([]byte, error) {
	data, err := compression.Decompress(stored, q.meta.Compression)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress record: %w", err)
	}
	return data, nil
}

// resetEmpty removes every chunk of a drained queue and records the empty
// state. Files go first: a crash in between leaves metadata pointing at a
// missing chunk, which recovery reads as empty.
func (q *DiskQueue) resetEmpty() error {
	releaseErr := q.releaseHandles()
	removeErr := q.removeAllChunks()

	q.offsets = q.offsets[:0]
	q.meta.Count = 0
	q.meta.HeadChunk = q.meta.TailChunk
	q.meta.HeadOffset = 0
	q.meta.TailOffset = 0

	return errors.Join(releaseErr, removeErr, q.persist())
}

// removeChunks deletes chunks the cursors have moved past. A failed removal
// only leaves an orphan that the next open cleans up.
func (q *DiskQueue) removeChunks(chunks ...*chunk.Chunk) {
	for _, c := range chunks {
		if c == nil || c == q.head || c == q.tail {
			continue
		}
		if err := c.Remove(); err != nil {
			logging.Warn("failed to remove consumed chunk", logging.F("path", c.Path(), "error", err.Error()))
			continue
		}
		chunkRemovals.Inc()
	}
}

// removeAllChunks deletes every chunk file in the queue directory.
func (q *DiskQueue) removeAllChunks() error {
	ids, err := chunk.Discover(q.cfg.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return storageErr("list chunks", err)
	}
	var errs []error
	for _, id := range ids {
		if err := os.Remove(chunk.Path(q.cfg.Path, id)); err != nil && !os.IsNotExist(err) {
			errs = append(errs, storageErr("remove chunk", err))
			continue
		}
		chunkRemovals.Inc()
	}
	return errors.Join(errs...)
}

// releaseHandles closes the head and tail chunks.
func (q *DiskQueue) releaseHandles() error {
	var errs []error
	if q.head != nil && q.head != q.tail {
		errs = append(errs, q.head.Close())
	}
	if q.tail != nil {
		errs = append(errs, q.tail.Close())
	}
	q.head, q.tail = nil, nil
	if err := errors.Join(errs...); err != nil {
		return storageErr("close chunk", err)
	}
	return nil
}

// isEndOfData reports whether a read error means no further whole record
// is available in a chunk.
func isEndOfData(err error) bool {
	return err == io.EOF || errors.Is(err, ErrTruncatedRecord)
}
