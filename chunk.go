/* SPDX-License-Identifier: BSD-2-Clause */

package rangefs

// chunkKey identifies a chunk buffer within the shared cache: the URL of
// the resource it belongs to plus its chunk index (§3).
type chunkKey struct {
	url   string
	index int64
}

// chunkIndex returns the index of the chunk containing byte offset off,
// given chunk size c.
func chunkIndex(off, c int64) int64 { return off / c }

// chunkStart returns the byte offset of the first byte of chunk i.
func chunkStart(i, c int64) int64 { return i * c }

// lastChunkIndex returns the index of the final chunk of a resource of
// size s, per §3: ceil(s/c) - 1.
func lastChunkIndex(size, c int64) int64 {
	if size <= 0 {
		return 0
	}
	return (size - 1) / c
}

// chunkLen returns the length of chunk i for a resource of known size s
// (≤ c, shorter only for the final chunk).
func chunkLen(i, size, c int64) int64 {
	start := chunkStart(i, c)
	if start >= size {
		return 0
	}
	if size-start < c {
		return size - start
	}
	return c
}

// chunkBuffer is an immutable-once-published byte sequence of at most
// chunkSize bytes, shared among readers and the cache. It is never
// mutated after the cache publishes it; the cache and any readers simply hold extra
// slice references into the same backing array.
type chunkBuffer struct {
	data []byte
}

func newChunkBuffer(data []byte) *chunkBuffer {
	return &chunkBuffer{data: data}
}

func (b *chunkBuffer) Len() int { return len(b.data) }

// slice returns the bytes of this chunk that satisfy the portion of
// a read request overlapping chunk index i (chunk-relative bounds
// [chunkRelStart, chunkRelEnd)).
func (b *chunkBuffer) slice(chunkRelStart, chunkRelEnd int64) []byte {
	if chunkRelStart < 0 {
		chunkRelStart = 0
	}
	if chunkRelEnd > int64(len(b.data)) {
		chunkRelEnd = int64(len(b.data))
	}
	if chunkRelEnd <= chunkRelStart {
		return nil
	}
	return b.data[chunkRelStart:chunkRelEnd]
}
