package priority

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"testing"

	"go.uber.org/goleak"

	"github.com/szibis/chunkqueue/internal/queue"
)

func memoryFactory(d queue.Discipline) Factory {
	return func(int) (queue.Queue, error) {
		return queue.NewMemory(d), nil
	}
}

func diskFactory(root string, d queue.Discipline) Factory {
	return func(p int) (queue.Queue, error) {
		return queue.OpenDisk(queue.DiskConfig{
			Path:          filepath.Join(root, strconv.Itoa(p)),
			Discipline:    d,
			ChunkSize:     64,
			MaxRecordSize: 32,
		})
	}
}

func popAll(t *testing.T, pq *Queue) []string {
	t.Helper()
	var out []string
	for {
		data, err := pq.Pop()
		if err != nil {
			t.Fatalf("Pop error = %v", err)
		}
		if data == nil {
			return out
		}
		out = append(out, string(data))
	}
}

func TestQueue_PriorityOrder(t *testing.T) {
	tests := []struct {
		name    string
		factory func(t *testing.T) Factory
		want    []string
	}{
		{
			name:    "memory fifo",
			factory: func(*testing.T) Factory { return memoryFactory(queue.FIFO) },
			want:    []string{"b", "c", "d", "a"},
		},
		{
			name:    "memory lifo",
			factory: func(*testing.T) Factory { return memoryFactory(queue.LIFO) },
			want:    []string{"b", "d", "c", "a"},
		},
		{
			name:    "disk fifo",
			factory: func(t *testing.T) Factory { return diskFactory(t.TempDir(), queue.FIFO) },
			want:    []string{"b", "c", "d", "a"},
		},
		{
			name:    "disk lifo",
			factory: func(t *testing.T) Factory { return diskFactory(t.TempDir(), queue.LIFO) },
			want:    []string{"b", "d", "c", "a"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pq, err := New(tt.factory(t))
			if err != nil {
				t.Fatal(err)
			}
			defer pq.Close()

			pushes := []struct {
				data string
				prio int
			}{{"a", 3}, {"b", 1}, {"c", 2}, {"d", 2}}
			for _, p := range pushes {
				if err := pq.Push([]byte(p.data), p.prio); err != nil {
					t.Fatalf("Push(%s, %d) error = %v", p.data, p.prio, err)
				}
			}
			if pq.Len() != 4 {
				t.Fatalf("Len = %d, want 4", pq.Len())
			}

			peeked, err := pq.Peek()
			if err != nil || string(peeked) != "b" {
				t.Errorf("Peek = (%q, %v), want b", peeked, err)
			}

			if got := popAll(t, pq); !slices.Equal(got, tt.want) {
				t.Errorf("pop order = %v, want %v", got, tt.want)
			}
			if pq.Len() != 0 {
				t.Errorf("Len after drain = %d", pq.Len())
			}
		})
	}
}

func TestQueue_NegativePriorities(t *testing.T) {
	pq, err := New(memoryFactory(queue.FIFO))
	if err != nil {
		t.Fatal(err)
	}
	defer pq.Close()

	for _, p := range []int{5, -2, 0} {
		if err := pq.Push([]byte(strconv.Itoa(p)), p); err != nil {
			t.Fatal(err)
		}
	}
	if got := pq.Priorities(); !slices.Equal(got, []int{-2, 0, 5}) {
		t.Errorf("Priorities = %v", got)
	}
	if got := popAll(t, pq); !slices.Equal(got, []string{"-2", "0", "5"}) {
		t.Errorf("pop order = %v", got)
	}
}

func TestQueue_EmptyLevelRemoved(t *testing.T) {
	root := t.TempDir()
	pq, err := New(diskFactory(root, queue.FIFO))
	if err != nil {
		t.Fatal(err)
	}
	defer pq.Close()

	if err := pq.Push([]byte("x"), 1); err != nil {
		t.Fatal(err)
	}
	if err := pq.Push([]byte("y"), 2); err != nil {
		t.Fatal(err)
	}
	if got := pq.Priorities(); !slices.Equal(got, []int{1, 2}) {
		t.Fatalf("Priorities = %v, want [1 2]", got)
	}

	if _, err := pq.Pop(); err != nil {
		t.Fatal(err)
	}
	if got := pq.Priorities(); !slices.Equal(got, []int{2}) {
		t.Errorf("Priorities after pop = %v, want [2]", got)
	}
	if _, err := os.Stat(filepath.Join(root, "1")); !os.IsNotExist(err) {
		t.Errorf("drained level directory still exists: %v", err)
	}
}

func TestQueue_CloseAndReopen(t *testing.T) {
	root := t.TempDir()
	factory := diskFactory(root, queue.FIFO)

	pq, err := New(factory)
	if err != nil {
		t.Fatal(err)
	}
	for i, p := range []int{3, 1, 3, 7} {
		if err := pq.Push([]byte(strconv.Itoa(i)), p); err != nil {
			t.Fatal(err)
		}
	}
	remaining, err := pq.Close()
	if err != nil {
		t.Fatalf("Close error = %v", err)
	}
	if !slices.Equal(remaining, []int{1, 3, 7}) {
		t.Fatalf("Close returned %v, want [1 3 7]", remaining)
	}

	// 9 was never used: its queue opens empty and is dropped again.
	pq, err = New(factory, append(remaining, 9)...)
	if err != nil {
		t.Fatal(err)
	}
	defer pq.Close()

	if pq.Len() != 4 {
		t.Errorf("Len after reopen = %d, want 4", pq.Len())
	}
	if got := pq.Priorities(); !slices.Equal(got, []int{1, 3, 7}) {
		t.Errorf("Priorities after reopen = %v", got)
	}
	if got := popAll(t, pq); !slices.Equal(got, []string{"1", "0", "2", "3"}) {
		t.Errorf("pop order = %v", got)
	}
	if _, err := os.Stat(filepath.Join(root, "9")); !os.IsNotExist(err) {
		t.Errorf("unused level directory left behind: %v", err)
	}
}

func TestQueue_FailedPushDropsNewLevel(t *testing.T) {
	root := t.TempDir()
	pq, err := New(diskFactory(root, queue.FIFO))
	if err != nil {
		t.Fatal(err)
	}
	defer pq.Close()

	err = pq.Push(make([]byte, 33), 4)
	if !errors.Is(err, queue.ErrRecordTooLarge) {
		t.Fatalf("Push error = %v, want ErrRecordTooLarge", err)
	}
	if got := pq.Priorities(); len(got) != 0 {
		t.Errorf("Priorities = %v, want none", got)
	}
	if _, err := os.Stat(filepath.Join(root, "4")); !os.IsNotExist(err) {
		t.Errorf("level directory left behind: %v", err)
	}
}

func TestQueue_FactoryError(t *testing.T) {
	boom := errors.New("boom")
	pq, err := New(func(int) (queue.Queue, error) { return nil, boom })
	if err != nil {
		t.Fatal(err)
	}
	if err := pq.Push([]byte("x"), 1); !errors.Is(err, boom) {
		t.Errorf("Push error = %v, want boom", err)
	}

	_, err = New(func(int) (queue.Queue, error) { return nil, boom }, 1)
	if !errors.Is(err, boom) {
		t.Errorf("New error = %v, want boom", err)
	}
}

func TestQueue_Closed(t *testing.T) {
	pq, err := New(memoryFactory(queue.FIFO))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := pq.Close(); err != nil {
		t.Fatal(err)
	}
	if err := pq.Push([]byte("x"), 1); !errors.Is(err, queue.ErrQueueClosed) {
		t.Errorf("Push after Close = %v", err)
	}
	if _, err := pq.Pop(); !errors.Is(err, queue.ErrQueueClosed) {
		t.Errorf("Pop after Close = %v", err)
	}
}

func TestLevel(t *testing.T) {
	pq, err := New(memoryFactory(queue.FIFO))
	if err != nil {
		t.Fatal(err)
	}
	if err := pq.Push([]byte("urgent"), 0); err != nil {
		t.Fatal(err)
	}

	var q queue.Queue = pq.Level(5)
	if err := q.Push([]byte("later")); err != nil {
		t.Fatal(err)
	}
	if got := pq.Priorities(); !slices.Equal(got, []int{0, 5}) {
		t.Errorf("Priorities = %v", got)
	}
	if data, _ := q.Pop(); string(data) != "urgent" {
		t.Errorf("Pop = %q, want urgent", data)
	}
	if err := q.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestLeakCheck_PriorityClose(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	pq, err := New(diskFactory(t.TempDir(), queue.LIFO))
	if err != nil {
		t.Fatal(err)
	}
	for p := 0; p < 8; p++ {
		if err := pq.Push([]byte("x"), p); err != nil {
			t.Fatal(err)
		}
	}
	remaining, err := pq.Close()
	if err != nil {
		t.Fatal(err)
	}
	if len(remaining) != 8 {
		t.Errorf("remaining = %v, want 8 levels", remaining)
	}
}
