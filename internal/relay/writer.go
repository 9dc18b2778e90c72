package relay

import (
	"io"
	"log/slog"
	"sync"

	"github.com/eapache/queue"
)

// writeRequest is one queued payload. The payload is never mutated after
// enqueue; done receives exactly one result.
type writeRequest struct {
	payload []byte
	done    chan error
}

// Writer serializes all writes to the shared backend channel. It is a FIFO
// gate: at most one write is ever in flight, so two clients' payloads can
// never interleave into a single corrupted backend message.
type Writer struct {
	dst    io.Writer
	logger *slog.Logger

	mu      sync.Mutex
	queue   *queue.Queue
	writing bool
}

// NewWriter creates a Writer draining into dst.
func NewWriter(dst io.Writer, logger *slog.Logger) *Writer {
	return &Writer{
		dst:    dst,
		logger: logger.With("component", "writer"),
		queue:  queue.New(),
	}
}

// Enqueue appends a payload to the write queue and returns a channel that
// receives the outcome of that one write. The channel is buffered, so
// callers may drop it without leaking a goroutine.
func (w *Writer) Enqueue(payload []byte) <-chan error {
	req := &writeRequest{payload: payload, done: make(chan error, 1)}

	w.mu.Lock()
	w.queue.Add(req)
	if !w.writing {
		w.writing = true
		go w.drain()
	}
	w.mu.Unlock()

	return req.done
}

// drain pops and writes one item at a time. A failed write rejects only its
// own request; draining continues so one bad write cannot stall the other
// clients' traffic. The lock is never held across the blocking write.
func (w *Writer) drain() {
	for {
		w.mu.Lock()
		if w.queue.Length() == 0 {
			w.writing = false
			w.mu.Unlock()
			return
		}
		req := w.queue.Remove().(*writeRequest)
		w.mu.Unlock()

		_, err := w.dst.Write(req.payload)
		if err != nil {
			w.logger.Warn("backend write failed", "error", err)
		}
		req.done <- err
	}
}
