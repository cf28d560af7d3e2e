package batch

import (
	"context"
	"sync"
	"time"
)

// Operation is a single unit of work waiting for a batch.
type Operation interface {
	Execute(ctx context.Context) error
}

// Processor executes one collected batch.
type Processor interface {
	ProcessBatch(ctx context.Context, operations []Operation) error
}

// Batcher coalesces operations and hands them to a Processor, either when
// the batch fills or on an interval, whichever comes first.
type Batcher struct {
	size      int
	interval  time.Duration
	processor Processor

	mu      sync.Mutex
	pending []Operation

	flushChan chan struct{}
	stopChan  chan struct{}
}

// NewBatcher creates a batcher and starts its background flush loop.
func NewBatcher(batchSize int, batchInterval time.Duration, processor Processor) *Batcher {
	b := &Batcher{
		size:      batchSize,
		interval:  batchInterval,
		processor: processor,
		pending:   make([]Operation, 0, batchSize),
		flushChan: make(chan struct{}, 1),
		stopChan:  make(chan struct{}),
	}

	go b.run()

	return b
}

// Add queues an operation. A full batch wakes the flush loop.
func (b *Batcher) Add(op Operation) error {
	b.mu.Lock()
	b.pending = append(b.pending, op)
	full := len(b.pending) >= b.size
	b.mu.Unlock()

	if full {
		select {
		case b.flushChan <- struct{}{}:
		default:
		}
	}

	return nil
}

// Flush processes everything pending right now, on the caller's goroutine.
func (b *Batcher) Flush(ctx context.Context) error {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return nil
	}

	ops := make([]Operation, len(b.pending))
	copy(ops, b.pending)
	b.pending = b.pending[:0]
	b.mu.Unlock()

	return b.processor.ProcessBatch(ctx, ops)
}

func (b *Batcher) run() {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-b.flushChan:
		case <-b.stopChan:
			_ = b.Flush(context.Background())
			return
		}
		_ = b.Flush(context.Background())
	}
}

// Stop ends the background loop. The final flush runs on that loop, so a
// caller that needs the writes visible before returning should Flush first.
func (b *Batcher) Stop() {
	close(b.stopChan)
}

// PendingCount returns the number of queued operations.
func (b *Batcher) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
