package engine

import (
	"context"
	"sync"
	"time"
)

// feedWork is one raw feed message waiting to be ingested.
type feedWork struct {
	payload    []byte
	receivedAt time.Time
}

// ingestQueue is a bounded queue drained by a fixed set of goroutines. The
// engine runs it with a single worker so feed order is preserved.
type ingestQueue struct {
	queue   chan feedWork
	process func(ctx context.Context, w feedWork)
	wg      sync.WaitGroup
	once    sync.Once
}

func newIngestQueue(ctx context.Context, workers, depth int, fn func(context.Context, feedWork)) *ingestQueue {
	q := &ingestQueue{
		queue:   make(chan feedWork, depth),
		process: fn,
	}
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			q.run(ctx)
		}()
	}
	return q
}

func (q *ingestQueue) run(ctx context.Context) {
	for {
		select {
		case w, ok := <-q.queue:
			if !ok {
				return
			}
			q.process(ctx, w)
		case <-ctx.Done():
			return
		}
	}
}

// Submit enqueues w without blocking (returns false if full).
func (q *ingestQueue) Submit(w feedWork) bool {
	select {
	case q.queue <- w:
		return true
	default:
		return false
	}
}

// Drain closes the queue and waits for the workers to finish what is queued.
// Submit must not be called afterwards.
func (q *ingestQueue) Drain() {
	q.once.Do(func() { close(q.queue) })
	q.wg.Wait()
}

func (q *ingestQueue) Len() int { return len(q.queue) }

func (q *ingestQueue) Cap() int { return cap(q.queue) }
