/* SPDX-License-Identifier: BSD-2-Clause */

package rangefs

import (
	"context"
	"sync"
)

// prefetchPhase is the per-handle state machine of §4.5.
type prefetchPhase int

const (
	phaseIdle prefetchPhase = iota
	phaseProbing
	phaseActive
	phaseDisabled
)

// prefetchTask is one speculative warm request submitted to the shared
// worker queue, grounded on the task/queue shape of beam-cloud's
// Prefetcher (prefetcher.go): a bounded channel of small task structs
// drained by background workers, with stale work dropped rather than
// blocking the read path.
type prefetchTask struct {
	key   chunkKey
	fetch fetchFunc
}

// prefetcher drives speculative chunk warming for a single file handle.
// It shares the filesystem-wide worker pool and cache but keeps its own
// access-pattern state, so disabling or closing one handle's prefetcher
// never touches another handle's in-flight work (§5).
type prefetcher struct {
	mu sync.Mutex

	cfg        Config
	cache      *chunkCache
	fetchChunk func(ctx context.Context, idx int64) (*chunkBuffer, error)
	submit     func(prefetchTask)
	logger     Logger

	url           string
	enabled       bool
	phase         prefetchPhase
	lastReadEnd   *int64
	sequentialRun uint
	brokenStreak  uint
	lookahead     uint
	inFlight      map[int64]struct{}
	closed        bool
}

func newPrefetcher(
	cfg Config,
	url string,
	cache *chunkCache,
	fetchChunk func(ctx context.Context, idx int64) (*chunkBuffer, error),
	submit func(prefetchTask),
) *prefetcher {
	logger := cfg.Logger
	if logger == nil {
		logger = NoopLogger()
	}
	return &prefetcher{
		cfg:        cfg,
		url:        url,
		cache:      cache,
		fetchChunk: fetchChunk,
		submit:     submit,
		logger:     logger,
		enabled:    cfg.ReadAhead,
		phase:      phaseIdle,
		lookahead:  cfg.ReadAheadChunks,
		inFlight:   make(map[int64]struct{}),
	}
}

// onSeek resets the access trace: a seek always breaks sequentiality
// (§4.3) and disables prefetching until two consecutive sequential reads
// re-enable it (§4.5).
func (p *prefetcher) onSeek() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastReadEnd = nil
	p.sequentialRun = 0
	p.brokenStreak = 0
	p.lookahead = 1
	p.phase = phaseDisabled
	p.enabled = false
}

// onRead records a completed read's [start,end) span and, when the
// pattern looks sequential, submits lookahead chunk warms for the
// chunks following the read.
func (p *prefetcher) onRead(chunkSize int64, start, end int64) {
	if !p.cfg.ReadAhead || p.cfg.ReadAheadChunks == 0 || start == end {
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}

	// A handle's very first read (or its first read after a seek) has no
	// prior position to contradict, so it counts as sequential rather than
	// breaking the run (original_source/http.rs's last_read_end resolves
	// the same ambiguity the same way).
	sequential := p.lastReadEnd == nil || *p.lastReadEnd == start
	p.lastReadEnd = &end

	if sequential {
		p.sequentialRun++
		p.brokenStreak = 0
		if p.lookahead < p.cfg.ReadAheadChunks {
			p.lookahead++
		}
		if !p.enabled && p.sequentialRun >= 2 {
			p.enabled = true
		}
	} else {
		p.sequentialRun = 0
		p.lookahead = 1
		p.brokenStreak++
		if p.brokenStreak >= 3 {
			p.enabled = false
		}
	}

	if !p.enabled || p.sequentialRun < 2 {
		p.phase = phaseProbing
		if !p.enabled {
			p.phase = phaseDisabled
		}
		p.mu.Unlock()
		return
	}
	p.phase = phaseActive

	currentChunk := chunkIndex(end-1, chunkSize)
	var toSubmit []int64
	for i := int64(1); i <= int64(p.lookahead); i++ {
		idx := currentChunk + i
		if _, busy := p.inFlight[idx]; busy {
			continue
		}
		if p.cache.has(chunkKey{url: p.url, index: idx}) {
			continue
		}
		p.inFlight[idx] = struct{}{}
		toSubmit = append(toSubmit, idx)
	}
	p.mu.Unlock()

	for _, idx := range toSubmit {
		p.submitWarm(idx)
	}
}

func (p *prefetcher) submitWarm(idx int64) {
	key := chunkKey{url: p.url, index: idx}
	p.submit(prefetchTask{
		key: key,
		fetch: func(ctx context.Context) (*chunkBuffer, error) {
			defer p.clearInFlight(idx)
			return p.fetchChunk(ctx, idx)
		},
	})
}

func (p *prefetcher) clearInFlight(idx int64) {
	p.mu.Lock()
	delete(p.inFlight, idx)
	p.mu.Unlock()
}

// close disables further prefetch submissions for this handle. In-flight
// fetches already shared through the cache's single-flight group are not
// canceled here — other handles may still be waiting on them (§5) — this
// only stops new submissions from this handle.
func (p *prefetcher) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.enabled = false
	p.phase = phaseDisabled
}
