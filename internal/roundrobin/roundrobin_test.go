package roundrobin

import (
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"go.uber.org/goleak"

	"github.com/szibis/chunkqueue/internal/queue"
)

func memoryFactory(string) (queue.Queue, error) {
	return queue.NewMemory(queue.FIFO), nil
}

func diskFactory(root string) Factory {
	return func(key string) (queue.Queue, error) {
		return queue.OpenDisk(queue.DiskConfig{
			Path:       filepath.Join(root, url.PathEscape(key)),
			Discipline: queue.FIFO,
			ChunkSize:  64,
		})
	}
}

func popAll(t *testing.T, rr *Queue) []string {
	t.Helper()
	var out []string
	for {
		data, err := rr.Pop()
		if err != nil {
			t.Fatalf("Pop error = %v", err)
		}
		if data == nil {
			return out
		}
		out = append(out, string(data))
	}
}

type push struct {
	data string
	key  string
}

func pushAll(t *testing.T, rr *Queue, pushes []push) {
	t.Helper()
	for _, p := range pushes {
		if err := rr.Push([]byte(p.data), p.key); err != nil {
			t.Fatalf("Push(%s, %s) error = %v", p.data, p.key, err)
		}
	}
}

func TestQueue_Rotation(t *testing.T) {
	tests := []struct {
		name   string
		pushes []push
		want   []string
	}{
		{
			name:   "single key",
			pushes: []push{{"a", "x"}, {"b", "x"}, {"c", "x"}},
			want:   []string{"a", "b", "c"},
		},
		{
			name:   "three keys",
			pushes: []push{{"a", "x"}, {"b", "y"}, {"c", "x"}, {"d", "z"}, {"e", "y"}},
			want:   []string{"a", "b", "d", "c", "e"},
		},
		{
			name:   "uneven",
			pushes: []push{{"1", "x"}, {"2", "x"}, {"3", "x"}, {"4", "y"}},
			want:   []string{"1", "4", "2", "3"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr, err := New(memoryFactory)
			if err != nil {
				t.Fatal(err)
			}
			defer rr.Close()

			pushAll(t, rr, tt.pushes)
			if rr.Len() != len(tt.pushes) {
				t.Fatalf("Len = %d, want %d", rr.Len(), len(tt.pushes))
			}
			if got := popAll(t, rr); !slices.Equal(got, tt.want) {
				t.Errorf("pop order = %v, want %v", got, tt.want)
			}
			if got := rr.Keys(); len(got) != 0 {
				t.Errorf("Keys after drain = %v", got)
			}
		})
	}
}

func TestQueue_PeekFollowsRotation(t *testing.T) {
	rr, err := New(memoryFactory)
	if err != nil {
		t.Fatal(err)
	}
	defer rr.Close()

	pushAll(t, rr, []push{{"a", "x"}, {"b", "x"}, {"c", "y"}})

	for _, want := range []string{"a", "c", "b"} {
		peeked, err := rr.Peek()
		if err != nil || string(peeked) != want {
			t.Fatalf("Peek = (%q, %v), want %q", peeked, err, want)
		}
		popped, err := rr.Pop()
		if err != nil || string(popped) != want {
			t.Fatalf("Pop = (%q, %v), want %q", popped, err, want)
		}
	}
	if peeked, err := rr.Peek(); peeked != nil || err != nil {
		t.Errorf("Peek on empty = (%q, %v)", peeked, err)
	}
}

func TestQueue_CloseAndReopen(t *testing.T) {
	root := t.TempDir()
	factory := diskFactory(root)

	rr, err := New(factory)
	if err != nil {
		t.Fatal(err)
	}
	pushAll(t, rr, []push{
		{"1", "example.com"},
		{"2", "example.org"},
		{"3", "example.com"},
		{"4", "a/b"},
	})
	if got, _ := rr.Pop(); string(got) != "1" {
		t.Fatalf("Pop = %q, want 1", got)
	}

	remaining, err := rr.Close()
	if err != nil {
		t.Fatalf("Close error = %v", err)
	}
	if want := []string{"example.org", "a/b", "example.com"}; !slices.Equal(remaining, want) {
		t.Fatalf("Close returned %v, want %v", remaining, want)
	}

	rr, err = New(factory, append(remaining, "unused.net")...)
	if err != nil {
		t.Fatal(err)
	}
	defer rr.Close()

	if got := popAll(t, rr); !slices.Equal(got, []string{"2", "4", "3"}) {
		t.Errorf("pop order after reopen = %v", got)
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("drained key directories left behind: %v", entries)
	}
}

func TestQueue_FactoryError(t *testing.T) {
	boom := errors.New("boom")
	rr, err := New(func(string) (queue.Queue, error) { return nil, boom })
	if err != nil {
		t.Fatal(err)
	}
	if err := rr.Push([]byte("x"), "k"); !errors.Is(err, boom) {
		t.Errorf("Push error = %v, want boom", err)
	}
	if rr.Len() != 0 {
		t.Errorf("Len = %d", rr.Len())
	}
}

func TestQueue_Closed(t *testing.T) {
	rr, err := New(memoryFactory)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := rr.Close(); err != nil {
		t.Fatal(err)
	}
	if err := rr.Push([]byte("x"), "k"); !errors.Is(err, queue.ErrQueueClosed) {
		t.Errorf("Push after Close = %v", err)
	}
	if _, err := rr.Peek(); !errors.Is(err, queue.ErrQueueClosed) {
		t.Errorf("Peek after Close = %v", err)
	}
}

func TestLeakCheck_RoundRobinClose(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	rr, err := New(diskFactory(t.TempDir()))
	if err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"a", "b", "c", "d"} {
		if err := rr.Push([]byte(key), key); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := rr.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestKey(t *testing.T) {
	rr, err := New(memoryFactory)
	if err != nil {
		t.Fatal(err)
	}

	var a, b queue.Queue = rr.Key("a"), rr.Key("b")
	for _, s := range []string{"a1", "a2"} {
		if err := a.Push([]byte(s)); err != nil {
			t.Fatal(err)
		}
	}
	if err := b.Push([]byte("b1")); err != nil {
		t.Fatal(err)
	}
	if got := rr.Keys(); !slices.Equal(got, []string{"a", "b"}) {
		t.Errorf("Keys = %v", got)
	}
	if got := popAll(t, rr); !slices.Equal(got, []string{"a1", "b1", "a2"}) {
		t.Errorf("pop order = %v", got)
	}
	if err := a.Close(); err != nil {
		t.Fatal(err)
	}
}
