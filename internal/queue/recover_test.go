package queue

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/szibis/chunkqueue/internal/chunk"
)

// appendToChunk writes raw bytes to the end of a chunk file, simulating a
// write torn by a crash.
func appendToChunk(t *testing.T, dir string, id uint64, data []byte) {
	t.Helper()
	f, err := os.OpenFile(chunk.Path(dir, id), os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestRecover_StaleMetadataAfterCrash(t *testing.T) {
	dir := t.TempDir()
	cfg := testDiskCfg(dir, FIFO)

	q := openTestQueue(t, cfg)
	pushN(t, q, 3)
	if err := q.Close(); err != nil {
		t.Fatal(err)
	}

	cfg.MetaSyncEvery = 100
	q = openTestQueue(t, cfg)
	for i := 3; i < 5; i++ {
		if err := q.Push(item(i)); err != nil {
			t.Fatal(err)
		}
	}
	crash(t, q)

	recovered := testutil.ToFloat64(recoveredRecords)
	q = openTestQueue(t, cfg)
	defer q.Close()

	if q.Len() != 5 {
		t.Fatalf("Len after recovery = %d, want 5", q.Len())
	}
	if got := testutil.ToFloat64(recoveredRecords) - recovered; got != 2 {
		t.Errorf("recovered records = %v, want 2", got)
	}
	for i := 0; i < 5; i++ {
		if got := mustPop(t, q); !bytes.Equal(got, item(i)) {
			t.Fatalf("pop %d = %q, want %q", i, got, item(i))
		}
	}
}

func TestRecover_TornTail(t *testing.T) {
	for _, d := range []Discipline{FIFO, LIFO} {
		t.Run(string(d), func(t *testing.T) {
			dir := t.TempDir()
			cfg := DiskConfig{Path: dir, Discipline: d}

			q := openTestQueue(t, cfg)
			pushN(t, q, 3)
			if err := q.Close(); err != nil {
				t.Fatal(err)
			}

			info, err := os.Stat(chunk.Path(dir, 0))
			if err != nil {
				t.Fatal(err)
			}
			// Header announces 9 bytes, only one made it to disk.
			appendToChunk(t, dir, 0, []byte{0, 0, 0, 9, 'x'})

			truncated := testutil.ToFloat64(truncatedRecords)
			q = openTestQueue(t, cfg)
			defer q.Close()

			if q.Len() != 3 {
				t.Fatalf("Len = %d, want 3", q.Len())
			}
			if got := testutil.ToFloat64(truncatedRecords) - truncated; got != 1 {
				t.Errorf("truncated records = %v, want 1", got)
			}
			after, err := os.Stat(chunk.Path(dir, 0))
			if err != nil {
				t.Fatal(err)
			}
			if after.Size() != info.Size() {
				t.Errorf("chunk size = %d, want %d after cutting the torn record", after.Size(), info.Size())
			}

			for i := 0; i < 3; i++ {
				if mustPop(t, q) == nil {
					t.Fatalf("pop %d returned nil", i)
				}
			}
			if got := mustPop(t, q); got != nil {
				t.Errorf("pop after drain = %q, want nil", got)
			}
		})
	}
}

func TestRecover_TornHeader(t *testing.T) {
	dir := t.TempDir()
	cfg := DiskConfig{Path: dir, Discipline: FIFO}

	q := openTestQueue(t, cfg)
	pushN(t, q, 2)
	if err := q.Close(); err != nil {
		t.Fatal(err)
	}
	appendToChunk(t, dir, 0, []byte{0, 0})

	q = openTestQueue(t, cfg)
	defer q.Close()
	if q.Len() != 2 {
		t.Errorf("Len = %d, want 2", q.Len())
	}
}

func TestRecover_OrphanChunkRemoved(t *testing.T) {
	dir := t.TempDir()
	cfg := testDiskCfg(dir, FIFO)

	q := openTestQueue(t, cfg)
	pushN(t, q, 6)
	mustPop(t, q)
	mustPop(t, q)
	if err := q.Close(); err != nil {
		t.Fatal(err)
	}

	// A consumed chunk whose removal never happened.
	if err := os.WriteFile(chunk.Path(dir, 0), []byte("stale"), 0644); err != nil {
		t.Fatal(err)
	}

	q = openTestQueue(t, cfg)
	defer q.Close()

	if _, err := os.Stat(chunk.Path(dir, 0)); !os.IsNotExist(err) {
		t.Errorf("orphan chunk still present: %v", err)
	}
	if q.Len() != 4 {
		t.Errorf("Len = %d, want 4", q.Len())
	}
	if got := mustPop(t, q); !bytes.Equal(got, item(2)) {
		t.Errorf("pop = %q, want %q", got, item(2))
	}
}

func TestRecover_MissingMetadata(t *testing.T) {
	for _, d := range []Discipline{FIFO, LIFO} {
		t.Run(string(d), func(t *testing.T) {
			dir := t.TempDir()
			cfg := testDiskCfg(dir, d)

			q := openTestQueue(t, cfg)
			pushN(t, q, 5)
			if err := q.Close(); err != nil {
				t.Fatal(err)
			}
			if err := os.Remove(filepath.Join(dir, metaFileName)); err != nil {
				t.Fatal(err)
			}

			q = openTestQueue(t, cfg)
			defer q.Close()
			if q.Len() != 5 {
				t.Fatalf("Len = %d, want 5", q.Len())
			}
			want := item(0)
			if d == LIFO {
				want = item(4)
			}
			if got := mustPop(t, q); !bytes.Equal(got, want) {
				t.Errorf("pop = %q, want %q", got, want)
			}
		})
	}
}

func TestRecover_MissingChunks(t *testing.T) {
	dir := t.TempDir()
	cfg := testDiskCfg(dir, FIFO)

	q := openTestQueue(t, cfg)
	pushN(t, q, 3)
	if err := q.Close(); err != nil {
		t.Fatal(err)
	}
	for _, id := range chunkIDs(t, dir) {
		if err := os.Remove(chunk.Path(dir, id)); err != nil {
			t.Fatal(err)
		}
	}

	q = openTestQueue(t, cfg)
	defer q.Close()
	if q.Len() != 0 {
		t.Errorf("Len = %d, want 0", q.Len())
	}
	if got := mustPop(t, q); got != nil {
		t.Errorf("pop = %q, want nil", got)
	}
}

func TestRecover_MissingMiddleChunk(t *testing.T) {
	dir := t.TempDir()
	cfg := testDiskCfg(dir, FIFO)

	q := openTestQueue(t, cfg)
	pushN(t, q, 6)
	if err := q.Close(); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(chunk.Path(dir, 1)); err != nil {
		t.Fatal(err)
	}

	q = openTestQueue(t, cfg)
	defer q.Close()
	if q.Len() != 4 {
		t.Fatalf("Len = %d, want 4", q.Len())
	}
	for _, i := range []int{0, 1, 4, 5} {
		if got := mustPop(t, q); !bytes.Equal(got, item(i)) {
			t.Fatalf("pop = %q, want %q", got, item(i))
		}
	}
}

func TestRecover_IncompatibleVersion(t *testing.T) {
	dir := t.TempDir()
	cfg := testDiskCfg(dir, FIFO)

	q := openTestQueue(t, cfg)
	pushN(t, q, 3)
	if err := q.Close(); err != nil {
		t.Fatal(err)
	}

	chunkBefore, err := os.ReadFile(chunk.Path(dir, 0))
	if err != nil {
		t.Fatal(err)
	}
	meta := []byte(`{"version": 99, "discipline": "fifo", "chunk_size": 32}`)
	if err := os.WriteFile(filepath.Join(dir, metaFileName), meta, 0644); err != nil {
		t.Fatal(err)
	}

	_, err = OpenDisk(cfg)
	if !errors.Is(err, ErrIncompatibleFormat) {
		t.Fatalf("OpenDisk error = %v, want ErrIncompatibleFormat", err)
	}

	chunkAfter, err := os.ReadFile(chunk.Path(dir, 0))
	if err != nil {
		t.Fatalf("chunk file gone after rejected open: %v", err)
	}
	if !bytes.Equal(chunkBefore, chunkAfter) {
		t.Error("chunk file modified by rejected open")
	}
	if len(chunkIDs(t, dir)) != 2 {
		t.Errorf("chunk files = %v, want 2 untouched", chunkIDs(t, dir))
	}
	metaAfter, err := os.ReadFile(filepath.Join(dir, metaFileName))
	if err != nil || !bytes.Equal(metaAfter, meta) {
		t.Errorf("metadata modified by rejected open: %q, %v", metaAfter, err)
	}
}

func TestRecover_CorruptMetadata(t *testing.T) {
	tests := []struct {
		name string
		meta string
	}{
		{"not json", "{not json"},
		{"negative count", `{"version": 1, "discipline": "fifo", "chunk_size": 32, "count": -1}`},
		{"head after tail", `{"version": 1, "discipline": "fifo", "chunk_size": 32, "head_chunk": 3, "tail_chunk": 1}`},
		{"unknown discipline", `{"version": 1, "discipline": "random", "chunk_size": 32}`},
		{"zero chunk size", `{"version": 1, "discipline": "fifo", "chunk_size": 0}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			if err := os.WriteFile(filepath.Join(dir, metaFileName), []byte(tt.meta), 0644); err != nil {
				t.Fatal(err)
			}
			_, err := OpenDisk(testDiskCfg(dir, FIFO))
			if !errors.Is(err, ErrCorruptMetadata) {
				t.Errorf("OpenDisk error = %v, want ErrCorruptMetadata", err)
			}
		})
	}
}

func TestRecover_EmptyTailChunkAfterRotation(t *testing.T) {
	dir := t.TempDir()
	cfg := testDiskCfg(dir, LIFO)

	q := openTestQueue(t, cfg)
	pushN(t, q, 4)
	if err := q.Close(); err != nil {
		t.Fatal(err)
	}
	// A rotation that created the next chunk but crashed before writing.
	if err := os.WriteFile(chunk.Path(dir, 2), nil, 0644); err != nil {
		t.Fatal(err)
	}

	q = openTestQueue(t, cfg)
	defer q.Close()
	if q.Len() != 4 {
		t.Fatalf("Len = %d, want 4", q.Len())
	}
	if got := mustPop(t, q); !bytes.Equal(got, item(3)) {
		t.Errorf("pop = %q, want %q", got, item(3))
	}
	if err := q.Push(item(9)); err != nil {
		t.Fatal(err)
	}
	if got := mustPop(t, q); !bytes.Equal(got, item(9)) {
		t.Errorf("pop = %q, want %q", got, item(9))
	}
}
