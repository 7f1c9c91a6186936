package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/atmx/perpsim/internal/metrics"
	"github.com/atmx/perpsim/internal/model"
)

const writeTimeout = 5 * time.Second

// Writer forwards fire-and-forget writes to a Store through one bounded
// FIFO queue drained by a single goroutine, so records land in the order
// they were submitted. Submitting blocks while the queue is full.
//
// A failed write is retried with exponential backoff and then logged and
// dropped; the caller's in-memory state is never rolled back.
type Writer struct {
	st       Store
	queue    chan writeOp
	attempts int
	backoff  time.Duration

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

type writeOp struct {
	kind string
	fn   func(context.Context) error
	ack  chan struct{} // non-nil for Flush barriers
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithRetry sets the number of attempts per write and the initial backoff.
func WithRetry(attempts int, backoff time.Duration) WriterOption {
	return func(w *Writer) {
		if attempts > 0 {
			w.attempts = attempts
		}
		w.backoff = backoff
	}
}

// NewWriter starts a writer with a queue of the given capacity.
func NewWriter(st Store, size int, opts ...WriterOption) *Writer {
	if size <= 0 {
		size = 1024
	}
	w := &Writer{
		st:       st,
		queue:    make(chan writeOp, size),
		attempts: 3,
		backoff:  100 * time.Millisecond,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	go w.run()
	return w
}

// InsertTrade queues a trade record.
func (w *Writer) InsertTrade(t model.Trade) {
	w.enqueue(writeOp{kind: "trade", fn: func(ctx context.Context) error {
		return w.st.InsertTrade(ctx, &t)
	}})
}

// InsertChat queues a chat note.
func (w *Writer) InsertChat(m model.ChatMessage) {
	w.enqueue(writeOp{kind: "chat", fn: func(ctx context.Context) error {
		return w.st.InsertChat(ctx, &m)
	}})
}

// Flush waits until every write queued before the call has been applied.
func (w *Writer) Flush(ctx context.Context) error {
	ack := make(chan struct{})
	if !w.enqueue(writeOp{kind: "flush", ack: ack}) {
		return nil
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting writes and waits for the queue to drain.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
	w.mu.Unlock()

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Writer) enqueue(op writeOp) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.closed {
		slog.Warn("persist writer closed, dropping write", "kind", op.kind)
		return false
	}
	w.queue <- op
	metrics.PersistQueueDepth.Set(float64(len(w.queue)))
	return true
}

func (w *Writer) run() {
	defer close(w.done)
	for op := range w.queue {
		if op.ack != nil {
			close(op.ack)
			continue
		}
		w.apply(op)
		metrics.PersistQueueDepth.Set(float64(len(w.queue)))
	}
}

func (w *Writer) apply(op writeOp) {
	delay := w.backoff
	var err error
	for attempt := 1; attempt <= w.attempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err = op.fn(ctx)
		cancel()
		if err == nil {
			return
		}
		if attempt < w.attempts {
			slog.Warn("persist retry", "kind", op.kind, "attempt", attempt, "err", err)
			time.Sleep(delay)
			delay *= 2
		}
	}
	metrics.PersistFailures.WithLabelValues(op.kind).Inc()
	slog.Error("persist failed", "kind", op.kind, "attempts", w.attempts, "err", err)
}
