/* SPDX-License-Identifier: BSD-2-Clause */

package rangefs

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// countingRangeServer is rangeServer instrumented with a counter of
// served Range requests, for the end-to-end request-count assertions in
// this file.
func countingRangeServer(t *testing.T, payload []byte) (*httptest.Server, *int64) {
	t.Helper()
	var rangeRequests int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Accept-Ranges", "bytes")
		rng := r.Header.Get("Range")
		if rng == "" {
			w.Header().Set("Content-Length", fmt.Sprintf("%d", len(payload)))
			w.WriteHeader(http.StatusOK)
			if r.Method != http.MethodHead {
				w.Write(payload)
			}
			return
		}
		atomic.AddInt64(&rangeRequests, 1)
		var a, b int64
		fmt.Sscanf(rng, "bytes=%d-%d", &a, &b)
		if a >= int64(len(payload)) {
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		if b >= int64(len(payload)) {
			b = int64(len(payload)) - 1
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", a, b, len(payload)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(payload[a : b+1])
	}))
	return srv, &rangeRequests
}

func testPayload(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(i % 251)
	}
	return p
}

func newTestFilesystem(t *testing.T, chunkSize, cacheMaxBytes int64) *Filesystem {
	t.Helper()
	fs, err := New([]Option{
		WithChunkSize(chunkSize),
		WithCacheMaxBytes(cacheMaxBytes),
		WithReadAhead(true),
		WithReadAheadChunks(4),
		WithRetryMaxAttempts(3),
		WithRetryInitialBackoff(time.Millisecond),
		WithRetryMaxBackoff(5 * time.Millisecond),
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { fs.Close() })
	return fs
}

func TestEndToEndFullSequentialReadIssuesOneRequestPerChunkThenCaches(t *testing.T) {
	payload := testPayload(5000)
	srv, reqs := countingRangeServer(t, payload)
	defer srv.Close()

	fs := newTestFilesystem(t, 1024, 8*1024)
	f, err := fs.Open(srv.URL, "rb")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	got, err := io.ReadAll(io.LimitReader(f, int64(len(payload))))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(payload) {
		t.Fatalf("read %d bytes, want %d", len(got), len(payload))
	}
	for i := range got {
		if got[i] != payload[i] {
			t.Fatalf("byte %d mismatch", i)
		}
	}

	if n := atomic.LoadInt64(reqs); n != 5 {
		t.Fatalf("range requests for first full read = %d, want 5", n)
	}

	// Re-read from the start: everything should be served from cache.
	f2, err := fs.Open(srv.URL, "rb")
	if err != nil {
		t.Fatal(err)
	}
	defer f2.Close()
	if _, err := io.ReadAll(io.LimitReader(f2, int64(len(payload)))); err != nil {
		t.Fatal(err)
	}
	if n := atomic.LoadInt64(reqs); n != 5 {
		t.Fatalf("range requests after cached re-read = %d, want still 5", n)
	}
}

func TestEndToEndSequentialSmallReadsEventuallyPrefetch(t *testing.T) {
	payload := testPayload(5000)
	srv, _ := countingRangeServer(t, payload)
	defer srv.Close()

	fs := newTestFilesystem(t, 1024, 8*1024)
	f, err := fs.Open(srv.URL, "rb")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	buf := make([]byte, 100)
	for i := 0; i < 4; i++ {
		if _, err := io.ReadFull(f, buf); err != nil {
			t.Fatal(err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if fs.cache.has(chunkKey{url: srv.URL, index: 1}) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected chunk 1 to have been warmed by the prefetcher after a sustained sequential run")
}

func TestEndToEndRandomAccessNeverWarmsUnrequestedChunks(t *testing.T) {
	payload := testPayload(50000)
	srv, _ := countingRangeServer(t, payload)
	defer srv.Close()

	fs := newTestFilesystem(t, 1024, 64*1024)
	f, err := fs.Open(srv.URL, "rb")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	offsets := []int64{0, 20000, 5000, 40000, 10000}
	buf := make([]byte, 50)
	for _, off := range offsets {
		if err := f.Seek(off); err != nil {
			t.Fatal(err)
		}
		if _, err := f.Read(buf); err != nil {
			t.Fatal(err)
		}
	}

	time.Sleep(100 * time.Millisecond)

	requested := map[int64]bool{}
	for _, off := range offsets {
		requested[chunkIndex(off, 1024)] = true
	}
	fs.cache.mu.Lock()
	for key := range fs.cache.byKey {
		if !requested[key.index] {
			fs.cache.mu.Unlock()
			t.Fatalf("unexpected warmed chunk %d for a random-access pattern", key.index)
		}
	}
	fs.cache.mu.Unlock()
}

func TestEndToEndTransientFailureRetriesExactlyOnce(t *testing.T) {
	payload := testPayload(2000)
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Accept-Ranges", "bytes")
		rng := r.Header.Get("Range")
		if rng == "" {
			w.Header().Set("Content-Length", fmt.Sprintf("%d", len(payload)))
			w.WriteHeader(http.StatusOK)
			return
		}
		n := atomic.AddInt64(&calls, 1)
		if n == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var a, b int64
		fmt.Sscanf(rng, "bytes=%d-%d", &a, &b)
		if b >= int64(len(payload)) {
			b = int64(len(payload)) - 1
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", a, b, len(payload)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(payload[a : b+1])
	}))
	defer srv.Close()

	fs := newTestFilesystem(t, 1024, 8*1024)
	f, err := fs.Open(srv.URL, "rb")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	buf := make([]byte, 100)
	if _, err := f.Read(buf); err != nil {
		t.Fatal(err)
	}
	if n := atomic.LoadInt64(&calls); n != 2 {
		t.Fatalf("transport calls = %d, want exactly 2 (one failure, one retry)", n)
	}
}

func TestEndToEndOpenFailsWithoutRangeSupport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("a server that ignores Range entirely"))
	}))
	defer srv.Close()

	fs := newTestFilesystem(t, 1024, 8*1024)
	_, err := fs.Open(srv.URL, "rb")
	if err == nil {
		t.Fatal("expected Open to fail against a server without range support")
	}
	if KindOf(err) != KindUnsupportedProtocol {
		t.Fatalf("Kind = %v, want KindUnsupportedProtocol", KindOf(err))
	}
}

func TestEndToEndConcurrentSameChunkReadsDedupToOneRequest(t *testing.T) {
	payload := testPayload(2000)
	srv, reqs := countingRangeServer(t, payload)
	defer srv.Close()

	fs := newTestFilesystem(t, 1024, 8*1024)
	f, err := fs.Open(srv.URL, "rb")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			buf := make([]byte, 10)
			if _, err := f.ReadAt(buf, 0); err != nil {
				t.Errorf("ReadAt: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := atomic.LoadInt64(reqs); n != 1 {
		t.Fatalf("range requests for concurrent same-chunk reads = %d, want 1", n)
	}
}

func TestEndToEndMmapChunkStoreServesReads(t *testing.T) {
	payload := testPayload(2000)
	srv, reqs := countingRangeServer(t, payload)
	defer srv.Close()

	store, err := NewMmapChunkStore(8*1024, 1024)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	fs, err := New([]Option{
		WithChunkSize(1024),
		WithCacheMaxBytes(8 * 1024),
		WithRetryMaxAttempts(3),
		WithRetryInitialBackoff(time.Millisecond),
		WithRetryMaxBackoff(5 * time.Millisecond),
	}, WithChunkStore(store))
	if err != nil {
		t.Fatal(err)
	}
	defer fs.Close()

	f, err := fs.Open(srv.URL, "rb")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	buf := make([]byte, 10)
	if _, err := f.ReadAt(buf, 0); err != nil {
		t.Fatal(err)
	}
	if n := atomic.LoadInt64(reqs); n != 1 {
		t.Fatalf("range requests = %d, want 1", n)
	}

	// Overwrite the chunk directly in the backing store, bypassing the
	// cache's own bookkeeping entirely. If a read still sources its bytes
	// from the store (not from some copy the cache index kept on the Go
	// heap), the next read observes the overwritten bytes without issuing
	// a new transport request.
	key := chunkKey{url: srv.URL, index: 0}
	sentinel := make([]byte, 1024)
	for i := range sentinel {
		sentinel[i] = 0xAA
	}
	store.Put(key, sentinel)

	got := make([]byte, 10)
	if _, err := f.ReadAt(got, 0); err != nil {
		t.Fatal(err)
	}
	for i, b := range got {
		if b != 0xAA {
			t.Fatalf("byte %d = %#x, want 0xAA: read was not served from the configured ChunkStore", i, b)
		}
	}
	if n := atomic.LoadInt64(reqs); n != 1 {
		t.Fatalf("range requests after store-level overwrite = %d, want still 1 (no new fetch)", n)
	}
}

func TestEndToEndSeekPastEndYieldsEOF(t *testing.T) {
	payload := testPayload(100)
	srv, _ := countingRangeServer(t, payload)
	defer srv.Close()

	fs := newTestFilesystem(t, 1024, 8*1024)
	f, err := fs.Open(srv.URL, "rb")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	if err := f.Seek(int64(len(payload)) + 10); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 10)
	n, err := f.Read(buf)
	if n != 0 || err != nil {
		t.Fatalf("n=%d err=%v, want n=0 err=nil at EOF", n, err)
	}
	if !f.Eof() {
		t.Fatal("expected Eof() to be latched")
	}
}
