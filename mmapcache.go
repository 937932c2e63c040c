/* SPDX-License-Identifier: BSD-2-Clause */

package rangefs

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// mmapChunkStore is an anonymous-mmap-backed ChunkStore: a fixed number of
// chunkSize-byte slots, adapted from the teacher's MmapBlockCache
// (mmapcache.go) to the (url, chunk_index) chunkKey used throughout this
// package. A slot's validity is exactly "does slotOf/keyOf know about it" —
// there is no separate bitmap, since the FIFO occupancy bookkeeping below
// already answers that question and a bitmap would only duplicate it.
// Slots are recycled FIFO when the store is full, which only matters as a
// fallback — the owning chunkCache already evicts by LRU before the store
// can fill, per its soft byte budget (§4.2).
//
// This exists to let WithChunkStore exercise golang.org/x/sys/unix's mmap
// surface for callers that want cached bytes to live outside the Go heap
// (e.g. to keep them out of GC scanning for very large caches).
type mmapChunkStore struct {
	mu        sync.RWMutex
	data      []byte
	chunkSize int64
	numSlots  int64

	slotOf map[chunkKey]int64
	keyOf  map[int64]chunkKey
	order  []int64 // FIFO of occupied slots, oldest first
	free   []int64
}

// NewMmapChunkStore allocates an anonymous mapping sized for capacityBytes
// worth of chunkSize-byte slots, rounded up with a small margin so the
// cache's "admit before evict" ordering (§4.2) never fails a Put.
func NewMmapChunkStore(capacityBytes, chunkSize int64) (*mmapChunkStore, error) {
	if chunkSize <= 0 || capacityBytes <= 0 {
		return nil, fmt.Errorf("rangefs: invalid mmap chunk store sizes: capacity=%d chunk=%d", capacityBytes, chunkSize)
	}
	numSlots := capacityBytes/chunkSize + 2
	total := numSlots * chunkSize

	data, err := unix.Mmap(-1, 0, int(total), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, os.NewSyscallError("mmap", err)
	}

	free := make([]int64, numSlots)
	for i := range free {
		free[i] = int64(i)
	}

	return &mmapChunkStore{
		data:      data,
		chunkSize: chunkSize,
		numSlots:  numSlots,
		slotOf:    make(map[chunkKey]int64),
		keyOf:     make(map[int64]chunkKey),
		free:      free,
	}, nil
}

func (c *mmapChunkStore) Get(key chunkKey) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	slot, ok := c.slotOf[key]
	if !ok {
		return nil, false
	}
	start := slot * c.chunkSize
	out := make([]byte, c.chunkSize)
	copy(out, c.data[start:start+c.chunkSize])
	return out, true
}

func (c *mmapChunkStore) Put(key chunkKey, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if slot, ok := c.slotOf[key]; ok {
		c.writeSlot(slot, data)
		return
	}

	slot := c.allocSlot(key)
	c.writeSlot(slot, data)
}

func (c *mmapChunkStore) writeSlot(slot int64, data []byte) {
	start := slot * c.chunkSize
	end := start + c.chunkSize
	n := copy(c.data[start:end], data)
	for i := start + int64(n); i < end; i++ {
		c.data[i] = 0
	}
}

// allocSlot reserves a slot for key, evicting the oldest occupied slot
// when the fixed mapping is full.
func (c *mmapChunkStore) allocSlot(key chunkKey) int64 {
	var slot int64
	if n := len(c.free); n > 0 {
		slot = c.free[n-1]
		c.free = c.free[:n-1]
	} else {
		slot = c.order[0]
		c.order = c.order[1:]
		delete(c.slotOf, c.keyOf[slot])
		delete(c.keyOf, slot)
	}
	c.order = append(c.order, slot)
	c.slotOf[key] = slot
	c.keyOf[slot] = key
	return slot
}

func (c *mmapChunkStore) Delete(key chunkKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	slot, ok := c.slotOf[key]
	if !ok {
		return
	}
	start := slot * c.chunkSize
	end := start + c.chunkSize
	for i := start; i < end; i++ {
		c.data[i] = 0
	}
	delete(c.slotOf, key)
	delete(c.keyOf, slot)
	for i, s := range c.order {
		if s == slot {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	c.free = append(c.free, slot)
}

func (c *mmapChunkStore) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.data {
		c.data[i] = 0
	}
	c.slotOf = make(map[chunkKey]int64)
	c.keyOf = make(map[int64]chunkKey)
	c.order = c.order[:0]
	c.free = c.free[:0]
	for i := int64(0); i < c.numSlots; i++ {
		c.free = append(c.free, i)
	}
}

// Close unmaps the backing memory. Call it after the owning Filesystem
// has been closed and all its handles are done.
func (c *mmapChunkStore) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.data == nil {
		return nil
	}
	err := unix.Munmap(c.data)
	if err != nil {
		return os.NewSyscallError("munmap", err)
	}
	c.data = nil
	return nil
}

var _ ChunkStore = (*mmapChunkStore)(nil)
