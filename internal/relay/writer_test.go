package relay

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// recordingDst captures every Write call as a separate payload.
type recordingDst struct {
	mu     sync.Mutex
	writes [][]byte
	failOn []byte // payloads equal to this fail
}

func (d *recordingDst) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failOn != nil && bytes.Equal(p, d.failOn) {
		return 0, errors.New("simulated write failure")
	}
	cp := make([]byte, len(p))
	copy(cp, p)
	d.writes = append(d.writes, cp)
	return len(p), nil
}

func (d *recordingDst) snapshot() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([][]byte, len(d.writes))
	copy(out, d.writes)
	return out
}

func TestWriter_FIFOOrder(t *testing.T) {
	dst := &recordingDst{}
	w := NewWriter(dst, testLogger())

	var futures []<-chan error
	for i := 0; i < 20; i++ {
		futures = append(futures, w.Enqueue([]byte(fmt.Sprintf("msg-%02d", i))))
	}
	for i, f := range futures {
		if err := <-f; err != nil {
			t.Fatalf("write %d failed: %v", i, err)
		}
	}

	writes := dst.snapshot()
	if len(writes) != 20 {
		t.Fatalf("got %d writes, want 20", len(writes))
	}
	for i, p := range writes {
		want := fmt.Sprintf("msg-%02d", i)
		if string(p) != want {
			t.Errorf("write %d = %q, want %q (enqueue order violated)", i, p, want)
		}
	}
}

func TestWriter_NoInterleaving(t *testing.T) {
	dst := &recordingDst{}
	w := NewWriter(dst, testLogger())

	const writers = 8
	const perWriter = 50

	var wg sync.WaitGroup
	for c := 0; c < writers; c++ {
		wg.Add(1)
		go func(c int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				payload := []byte(fmt.Sprintf("client-%d-msg-%03d", c, i))
				if err := <-w.Enqueue(payload); err != nil {
					t.Errorf("write failed: %v", err)
				}
			}
		}(c)
	}
	wg.Wait()

	writes := dst.snapshot()
	if len(writes) != writers*perWriter {
		t.Fatalf("got %d writes, want %d", len(writes), writers*perWriter)
	}

	// Every observed write must be exactly one complete enqueued payload,
	// and each client's payloads must appear in its own send order.
	next := make([]int, writers)
	for _, p := range writes {
		var c, i int
		if _, err := fmt.Sscanf(string(p), "client-%d-msg-%d", &c, &i); err != nil {
			t.Fatalf("corrupted write %q: %v", p, err)
		}
		if i != next[c] {
			t.Fatalf("client %d payload %d arrived out of order (want %d)", c, i, next[c])
		}
		next[c]++
	}
}

func TestWriter_FailureDoesNotStallDrain(t *testing.T) {
	dst := &recordingDst{failOn: []byte("bad")}
	w := NewWriter(dst, testLogger())

	first := w.Enqueue([]byte("ok-1"))
	bad := w.Enqueue([]byte("bad"))
	last := w.Enqueue([]byte("ok-2"))

	if err := <-first; err != nil {
		t.Fatalf("first write failed: %v", err)
	}
	if err := <-bad; err == nil {
		t.Fatal("expected the bad write's future to reject")
	}
	select {
	case err := <-last:
		if err != nil {
			t.Fatalf("write after failure should succeed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("drain stalled after a failed write")
	}

	writes := dst.snapshot()
	if len(writes) != 2 || string(writes[1]) != "ok-2" {
		t.Fatalf("unexpected writes after failure: %q", writes)
	}
}

func TestWriter_DroppedFutureDoesNotBlock(t *testing.T) {
	dst := &recordingDst{}
	w := NewWriter(dst, testLogger())

	// Nobody reads these futures; the buffered done channels must keep the
	// drain loop moving.
	for i := 0; i < 10; i++ {
		w.Enqueue([]byte("fire-and-forget"))
	}

	done := w.Enqueue([]byte("final"))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("drain blocked on an unread completion channel")
	}
}
