// Package chunk manages the bounded append-only files a disk queue stores
// its records in.
//
// A chunk is named after its id as 16 lowercase hex digits, so a directory
// listing sorts chunks in creation order. Writes always append; reads are
// positional, which lets a single handle serve as both the read and the
// write side of a queue.
package chunk

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/szibis/chunkqueue/internal/record"
)

const nameWidth = 16

// Name returns the file name of chunk id.
func Name(id uint64) string {
	return fmt.Sprintf("%016x", id)
}

// ParseName extracts the chunk id from a file name.
func ParseName(name string) (uint64, error) {
	if len(name) != nameWidth {
		return 0, fmt.Errorf("invalid chunk filename: %s", name)
	}
	id, err := strconv.ParseUint(name, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid chunk filename: %s", name)
	}
	return id, nil
}

// Path returns the path of chunk id inside dir.
func Path(dir string, id uint64) string {
	return filepath.Join(dir, Name(id))
}

// Discover returns the ids of all chunk files in dir, ascending.
// Files that do not follow the naming scheme are ignored.
func Discover(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var ids []uint64
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		id, err := ParseName(entry.Name())
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// Chunk is one open chunk file.
type Chunk struct {
	id   uint64
	path string
	f    *os.File
	size int64
}

// Create creates chunk id in dir. A leftover file with the same name is
// truncated.
func Create(dir string, id uint64) (*Chunk, error) {
	path := Path(dir, id)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	return &Chunk{id: id, path: path, f: f}, nil
}

// Open opens the existing chunk id in dir for reading and appending.
func Open(dir string, id uint64) (*Chunk, error) {
	path := Path(dir, id)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &Chunk{id: id, path: path, f: f, size: info.Size()}, nil
}

// ID returns the chunk id.
func (c *Chunk) ID() uint64 { return c.id }

// Path returns the chunk file path.
func (c *Chunk) Path() string { return c.path }

// Size returns the chunk size in bytes.
func (c *Chunk) Size() int64 { return c.size }

// Append writes encoded records at the end of the chunk and returns the new
// size. On a short write the chunk is cut back to its previous size.
func (c *Chunk) Append(p []byte) (int64, error) {
	n, err := c.f.Write(p)
	if err != nil {
		if n > 0 {
			_ = c.f.Truncate(c.size)
		}
		return c.size, err
	}
	c.size += int64(n)
	return c.size, nil
}

// ReadRecord decodes the record starting at offset. It returns the payload
// and the number of bytes the record occupies. io.EOF signals the end of the
// chunk; record.ErrTruncatedRecord signals a torn record.
func (c *Chunk) ReadRecord(offset int64) ([]byte, int64, error) {
	payload, next, err := record.Decode(c.f, offset, c.size)
	if err != nil {
		return nil, 0, err
	}
	return payload, next - offset, nil
}

// Scan walks the records from offset forward, calling fn with the start
// offset of each whole record. It returns the offset just past the last
// whole record and whether the walk stopped at a torn record.
func (c *Chunk) Scan(from int64, fn func(offset int64) error) (int64, bool, error) {
	offset := from
	for {
		_, next, err := record.DecodeHeader(c.f, offset, c.size)
		if err == io.EOF {
			return offset, false, nil
		}
		if errors.Is(err, record.ErrTruncatedRecord) {
			return offset, true, nil
		}
		if err != nil {
			return offset, false, err
		}
		if fn != nil {
			if err := fn(offset); err != nil {
				return offset, false, err
			}
		}
		offset = next
	}
}

// TruncateTo cuts the chunk at offset.
func (c *Chunk) TruncateTo(offset int64) error {
	if err := c.f.Truncate(offset); err != nil {
		return err
	}
	c.size = offset
	return nil
}

// Sync flushes the chunk to stable storage.
func (c *Chunk) Sync() error {
	return c.f.Sync()
}

// Close releases the file handle.
func (c *Chunk) Close() error {
	if c.f == nil {
		return nil
	}
	err := c.f.Close()
	c.f = nil
	return err
}

// Remove closes the chunk and deletes its file.
func (c *Chunk) Remove() error {
	closeErr := c.Close()
	if err := os.Remove(c.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return closeErr
}
