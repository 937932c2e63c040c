/* SPDX-License-Identifier: BSD-2-Clause */

package rangefs

import (
	"container/list"
	"context"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"
)

// ChunkStore is the byte-storage backend for the chunk cache. The cache
// itself owns LRU ordering, byte-budget accounting, and single-flight
// fetch coordination; a ChunkStore only has to hold and return bytes.
//
// This interface is grounded on the teacher's BlockCache (blockcache.go):
// the same four-method shape, generalized from a flat block index to the
// (url, chunk_index) chunk key used throughout this package.
type ChunkStore interface {
	Get(key chunkKey) ([]byte, bool)
	Put(key chunkKey, data []byte)
	Delete(key chunkKey)
	Clear()
}

// memoryChunkStore is the default ChunkStore: a plain map guarded by a
// mutex, exactly the teacher's MemoryBlockCache generalized to chunkKey.
type memoryChunkStore struct {
	mu sync.Mutex
	m  map[chunkKey][]byte
}

func newMemoryChunkStore() *memoryChunkStore {
	return &memoryChunkStore{m: make(map[chunkKey][]byte)}
}

func (s *memoryChunkStore) Get(key chunkKey) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[key]
	return v, ok
}

func (s *memoryChunkStore) Put(key chunkKey, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = data
}

func (s *memoryChunkStore) Delete(key chunkKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
}

func (s *memoryChunkStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m = make(map[chunkKey][]byte)
}

// cacheEntry is the value held in the LRU list: the key (so eviction can
// remove it from the index and the backing store) and the entry's byte
// length for budget accounting. The bytes themselves live only in the
// ChunkStore — a hit always re-reads them from there, so a caller-supplied
// store (mmapChunkStore, say) is the sole place served bytes are held.
type cacheEntry struct {
	key    chunkKey
	nbytes int64
}

// fetchFunc performs the actual upstream fetch for a chunk that missed
// the cache. It is supplied by the caller (the file handle, via the
// retry controller and transport) so the cache itself stays ignorant of
// HTTP.
type fetchFunc func(ctx context.Context) (*chunkBuffer, error)

// chunkCache is the bounded, keyed-by-(url,chunk_index) chunk cache with
// single-flight deduplication described in §4.2. At most one fetch is
// ever in flight per key: concurrent get calls for the same key share the
// singleflight.Group call and all observe the same resulting buffer (or
// error). Ready entries are tracked in an LRU list; eviction runs after
// every successful publish until the byte budget is restored, except
// that the most-recently-admitted entry is never evicted purely for
// being over budget on its own (§4.2: "the cap is a soft target, not a
// hard gate for progress").
type chunkCache struct {
	mu       sync.Mutex
	store    ChunkStore
	byKey    map[chunkKey]*list.Element
	order    *list.List // front = most recently used
	curBytes int64
	maxBytes int64

	group  singleflight.Group
	logger Logger
}

func newChunkCache(store ChunkStore, maxBytes int64, logger Logger) *chunkCache {
	if store == nil {
		store = newMemoryChunkStore()
	}
	if logger == nil {
		logger = NoopLogger()
	}
	return &chunkCache{
		store:    store,
		byKey:    make(map[chunkKey]*list.Element),
		order:    list.New(),
		maxBytes: maxBytes,
		logger:   logger,
	}
}

func cacheGroupKey(key chunkKey) string {
	return key.url + "\x00" + strconv.FormatInt(key.index, 10)
}

// get returns the buffer for key, invoking fetch at most once across all
// concurrent callers that race on the same key while it is missing. On a
// hit the bytes are re-read from the backing store, not from any copy held
// by the LRU index, so the configured ChunkStore is always the source of
// truth for where served bytes actually live.
func (c *chunkCache) get(ctx context.Context, key chunkKey, fetch fetchFunc) (*chunkBuffer, error) {
	c.mu.Lock()
	if el, ok := c.byKey[key]; ok {
		c.order.MoveToFront(el)
		c.mu.Unlock()
		if data, ok := c.store.Get(key); ok {
			return newChunkBuffer(data), nil
		}
		// Store and index disagree (e.g. a concurrent eviction raced this
		// lookup); fall through and treat it as a miss.
	} else {
		c.mu.Unlock()
	}

	v, err, _ := c.group.Do(cacheGroupKey(key), func() (any, error) {
		buf, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		c.publish(key, buf)
		return buf, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*chunkBuffer), nil
}

// warm is like get but only used by the prefetcher: it fetches and
// publishes the chunk, discarding the result, so the cache is warmed
// without copying bytes anywhere.
func (c *chunkCache) warm(ctx context.Context, key chunkKey, fetch fetchFunc) error {
	_, err := c.get(ctx, key, fetch)
	return err
}

// has reports whether key is currently Ready without affecting LRU order.
func (c *chunkCache) has(key chunkKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.byKey[key]
	return ok
}

func (c *chunkCache) publish(key chunkKey, buf *chunkBuffer) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.store.Put(key, buf.data)

	if el, ok := c.byKey[key]; ok {
		entry := el.Value.(*cacheEntry)
		c.curBytes -= entry.nbytes
		entry.nbytes = int64(buf.Len())
		c.curBytes += entry.nbytes
		c.order.MoveToFront(el)
	} else {
		entry := &cacheEntry{key: key, nbytes: int64(buf.Len())}
		el := c.order.PushFront(entry)
		c.byKey[key] = el
		c.curBytes += entry.nbytes
	}
	c.evictLocked()
}

// evictLocked removes least-recently-used Ready entries until the byte
// budget holds, c.mu held. The entry just admitted is never evicted by
// this pass even if it alone exceeds the cap.
func (c *chunkCache) evictLocked() {
	for c.curBytes > c.maxBytes && c.order.Len() > 1 {
		el := c.order.Back()
		entry := el.Value.(*cacheEntry)
		c.order.Remove(el)
		delete(c.byKey, entry.key)
		c.store.Delete(entry.key)
		c.curBytes -= entry.nbytes
		c.logger.Debug("evicted chunk", map[string]any{"url": entry.key.url, "chunk": entry.key.index})
	}
}

// clearURL drops all cached entries for a given URL, used when a file
// handle closes and wants to release its contribution to the shared
// cache. Other handles' chunks for other URLs are untouched.
func (c *chunkCache) clearURL(url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, el := range c.byKey {
		if key.url != url {
			continue
		}
		entry := el.Value.(*cacheEntry)
		c.order.Remove(el)
		delete(c.byKey, key)
		c.store.Delete(key)
		c.curBytes -= entry.nbytes
	}
}

func (c *chunkCache) bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.curBytes
}
