package queue

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/szibis/chunkqueue/internal/compression"
)

const (
	// metaFormatVersion is the only on-disk layout this package reads and writes.
	metaFormatVersion = 1

	metaFileName = "queue.meta"
	metaTmpName  = metaFileName + ".tmp"
)

// diskMeta is the persisted position of a disk queue.
type diskMeta struct {
	Version     int              `json:"version"`
	Discipline  Discipline       `json:"discipline"`
	ChunkSize   int64            `json:"chunk_size"`
	Compression compression.Type `json:"compression,omitempty"`
	Count       int64            `json:"count"`
	HeadChunk   uint64           `json:"head_chunk"`
	HeadOffset  int64            `json:"head_offset"`
	TailChunk   uint64           `json:"tail_chunk"`
	TailOffset  int64            `json:"tail_offset"`
}

func (m *diskMeta) validate() error {
	if _, err := ParseDiscipline(string(m.Discipline)); err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptMetadata, err)
	}
	if _, err := compression.ParseType(string(m.Compression)); err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptMetadata, err)
	}
	if m.ChunkSize <= 0 {
		return fmt.Errorf("%w: chunk_size %d", ErrCorruptMetadata, m.ChunkSize)
	}
	if m.Count < 0 {
		return fmt.Errorf("%w: count %d", ErrCorruptMetadata, m.Count)
	}
	if m.HeadChunk > m.TailChunk {
		return fmt.Errorf("%w: head chunk %d > tail chunk %d", ErrCorruptMetadata, m.HeadChunk, m.TailChunk)
	}
	if m.HeadOffset < 0 || m.TailOffset < 0 {
		return fmt.Errorf("%w: negative offset (head %d, tail %d)", ErrCorruptMetadata, m.HeadOffset, m.TailOffset)
	}
	return nil
}

// loadMeta reads the metadata file in dir. It returns (nil, nil) when the
// directory holds no metadata yet.
func loadMeta(dir string) (*diskMeta, error) {
	data, err := os.ReadFile(filepath.Join(dir, metaFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, storageErr("read metadata", err)
	}

	// Check the version before trusting any other field.
	var probe struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptMetadata, err)
	}
	if probe.Version != metaFormatVersion {
		return nil, fmt.Errorf("%w: version %d (supported: %d)", ErrIncompatibleFormat, probe.Version, metaFormatVersion)
	}

	var meta diskMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptMetadata, err)
	}
	if err := meta.validate(); err != nil {
		return nil, err
	}
	return &meta, nil
}

// saveMeta writes metadata atomically: temp file, fsync, rename, directory fsync.
func saveMeta(dir string, meta *diskMeta) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}

	tmpPath := filepath.Join(dir, metaTmpName)
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return storageErr("create metadata", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return storageErr("write metadata", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return storageErr("sync metadata", err)
	}
	if err := f.Close(); err != nil {
		return storageErr("close metadata", err)
	}

	if err := os.Rename(tmpPath, filepath.Join(dir, metaFileName)); err != nil {
		return storageErr("rename metadata", err)
	}

	// Sync directory
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		d.Close()
	}

	metaSyncTotal.Inc()
	return nil
}

// removeMeta deletes the metadata file and any leftover temp file.
func removeMeta(dir string) error {
	_ = os.Remove(filepath.Join(dir, metaTmpName))
	if err := os.Remove(filepath.Join(dir, metaFileName)); err != nil && !os.IsNotExist(err) {
		return storageErr("remove metadata", err)
	}
	return nil
}
