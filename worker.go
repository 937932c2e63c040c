/* SPDX-License-Identifier: BSD-2-Clause */

package rangefs

import (
	"context"
	"sync"
)

// prefetchWorkQueueSize bounds the shared prefetch work queue. Overflow
// drops the oldest pending task to make room for the freshest, per §4.5:
// "freshness matters more than completeness."
const prefetchWorkQueueSize = 64

// prefetchWorkers is the number of background goroutines draining the
// shared queue, grounded on beam-cloud's fixed-size worker pool
// (prefetcher.go's prefetchWorkers constant).
const prefetchWorkers = 2

// prefetchWorkQueue is the single background worker (conceptually; run
// as a small fixed pool here) shared by a filesystem's file handles
// (§4.5, §9 "Background worker lifecycle"). It must be joinable at
// filesystem teardown: Close cancels outstanding work and waits for
// workers to drain.
type prefetchWorkQueue struct {
	cache  *chunkCache
	logger Logger

	tasks  chan prefetchTask
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newPrefetchWorkQueue(cache *chunkCache, logger Logger) *prefetchWorkQueue {
	if logger == nil {
		logger = NoopLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &prefetchWorkQueue{
		cache:  cache,
		logger: logger,
		tasks:  make(chan prefetchTask, prefetchWorkQueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
	for i := 0; i < prefetchWorkers; i++ {
		q.wg.Add(1)
		go q.run()
	}
	return q
}

// submit enqueues a speculative warm, non-blocking from the read path.
// When the queue is full, the oldest queued task is dropped to make room.
func (q *prefetchWorkQueue) submit(t prefetchTask) {
	select {
	case q.tasks <- t:
		return
	default:
	}
	select {
	case <-q.tasks:
	default:
	}
	select {
	case q.tasks <- t:
	default:
		// Still full (lost the race with another producer) — drop t.
		// A speculative fetch is never required for correctness.
	}
}

func (q *prefetchWorkQueue) run() {
	defer q.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			return
		case t, ok := <-q.tasks:
			if !ok {
				return
			}
			// Prefetch failures are swallowed: a speculative fetch is
			// never observable as a read error (§7).
			if err := q.cache.warm(q.ctx, t.key, t.fetch); err != nil {
				q.logger.Debug("prefetch failed", map[string]any{
					"url":   t.key.url,
					"chunk": t.key.index,
					"err":   err.Error(),
				})
			}
		}
	}
}

// close cancels outstanding work and waits for workers to exit, making
// the worker joinable at filesystem teardown.
func (q *prefetchWorkQueue) close() {
	q.cancel()
	q.wg.Wait()
}
