/* SPDX-License-Identifier: BSD-2-Clause */

package rangefs

import (
	"context"
	"io"
	"sync"
	"time"
)

// Mode selects how a resource is opened. Both accepted modes are
// read-only; the distinction exists only to mirror os.Open's "r"/"rb"
// surface (§4.1, §6) — the engine never transcodes text.
type Mode string

const (
	ModeText   Mode = "r"
	ModeBinary Mode = "rb"
)

func parseMode(s string) (Mode, error) {
	switch s {
	case string(ModeText):
		return ModeText, nil
	case string(ModeBinary):
		return ModeBinary, nil
	default:
		return "", errInvalidArgument("mode must be \"r\" or \"rb\"")
	}
}

// File is a thin per-open stateful view over a remote resource: a
// positional read/seek/tell/size/eof/close surface backed by the shared
// filesystem's cache, transport, and retry controller (§4.3). Apart from
// ReadAt, a File must not be used concurrently from more than one
// goroutine (§5). mu guards position, EOF and closed state; descMu guards
// the total size, which fetches started by the handle's own background
// prefetcher may learn concurrently with a foreground read.
type File struct {
	fs   *Filesystem
	url  string
	mode Mode

	mu       sync.Mutex
	position int64
	eofFlag  bool
	closed   bool

	descMu    sync.RWMutex
	totalSize *int64

	supportsRange bool
	etag          string
	lastModified  string

	prefetch *prefetcher
}

func newFile(fs *Filesystem, url string, mode Mode, desc resourceDescriptor) *File {
	f := &File{
		fs:            fs,
		url:           url,
		mode:          mode,
		totalSize:     desc.totalSize,
		supportsRange: desc.supportsRange,
		etag:          desc.etag,
		lastModified:  desc.lastModified,
	}
	f.prefetch = newPrefetcher(fs.cfg, url, fs.cache, f.fetchChunk, fs.workers.submit)
	return f
}

func (f *File) descriptor() resourceDescriptor {
	f.descMu.RLock()
	defer f.descMu.RUnlock()
	return resourceDescriptor{
		totalSize:     f.totalSize,
		supportsRange: f.supportsRange,
		etag:          f.etag,
		lastModified:  f.lastModified,
	}
}

func (f *File) knownSize() *int64 {
	f.descMu.RLock()
	defer f.descMu.RUnlock()
	return f.totalSize
}

func (f *File) learnSize(n int64) {
	f.descMu.Lock()
	defer f.descMu.Unlock()
	if f.totalSize == nil {
		f.totalSize = &n
	}
}

// fetchChunk fetches and retries chunk index i of this file's resource,
// returning a published chunkBuffer. It is the fetchFunc wired into both
// foreground reads and this handle's prefetcher, so both paths flow
// through the same single-flight coordinator in the shared cache.
func (f *File) fetchChunk(ctx context.Context, i int64) (*chunkBuffer, error) {
	chunkSize := f.fs.cfg.ChunkSize
	a := chunkStart(i, chunkSize)
	b := a + chunkSize - 1

	if ts := f.knownSize(); ts != nil {
		if a >= *ts {
			return newChunkBuffer(nil), nil
		}
		if b > *ts-1 {
			b = *ts - 1
		}
	}

	var rr rangeResult
	err := f.fs.retry.do(ctx, func(ctx context.Context) error {
		deadline := time.Now().Add(f.fs.cfg.RequestTimeout)
		res, err := f.fs.transport.FetchRange(ctx, f.url, a, b, deadline, f.descriptor())
		if err != nil {
			return err
		}
		rr = res
		return nil
	})
	if err != nil {
		return nil, err
	}

	if ts := f.knownSize(); ts != nil {
		expected := chunkLen(i, *ts, chunkSize)
		if int64(len(rr.data)) != expected {
			return nil, errIO("short chunk inconsistent with known resource size", nil)
		}
	} else if rr.contentRangeTotal != nil {
		f.learnSize(*rr.contentRangeTotal)
	}

	return newChunkBuffer(rr.data), nil
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// Read implements the positional read of §4.3: it computes the chunk
// interval covering [position, position+effective_len), fetches each
// chunk through the shared cache, copies the overlapping slice into out,
// and advances position by the number of bytes copied.
func (f *File) Read(out []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return 0, errFileClosed()
	}
	if len(out) == 0 {
		return 0, nil
	}

	chunkSize := f.fs.cfg.ChunkSize
	startPos := f.position

	if ts := f.knownSize(); ts != nil && startPos >= *ts {
		f.eofFlag = true
		return 0, nil
	}

	effectiveLen := int64(len(out))
	if ts := f.knownSize(); ts != nil {
		if remaining := *ts - startPos; effectiveLen > remaining {
			effectiveLen = remaining
		}
	}
	if effectiveLen <= 0 {
		f.eofFlag = true
		return 0, nil
	}

	first := chunkIndex(startPos, chunkSize)
	last := chunkIndex(startPos+effectiveLen-1, chunkSize)

	var copied int64
	short := false

	for i := first; i <= last; i++ {
		key := chunkKey{url: f.url, index: i}
		buf, err := f.fs.cache.get(context.Background(), key, func(ctx context.Context) (*chunkBuffer, error) {
			return f.fetchChunk(ctx, i)
		})
		if err != nil {
			if copied > 0 {
				break
			}
			return 0, err
		}

		relStart := max64(0, startPos-chunkStart(i, chunkSize))
		relEnd := min64(chunkSize, startPos+effectiveLen-chunkStart(i, chunkSize))
		data := buf.slice(relStart, relEnd)

		n := copy(out[copied:], data)
		copied += int64(n)

		if int64(len(data)) < relEnd-relStart {
			short = true
			break
		}
	}

	f.position = startPos + copied

	if ts := f.knownSize(); ts != nil {
		if f.position >= *ts {
			f.eofFlag = true
		}
	} else if short {
		f.eofFlag = true
	}

	if copied > 0 {
		f.prefetch.onRead(chunkSize, startPos, f.position)
	}

	return int(copied), nil
}

// ReadAt reads len(p) bytes starting at off without moving or being
// affected by the handle's position, matching io.ReaderAt's contract. It
// shares the same cache and single-flight path as Read. Unlike Read,
// concurrent ReadAt calls on the same handle are safe, per io.ReaderAt's
// contract and §5's single-flight guarantee: racing callers that land on
// the same chunk observe one transport request.
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	closed := f.closed
	chunkSize := f.fs.cfg.ChunkSize
	f.mu.Unlock()
	if closed {
		return 0, errFileClosed()
	}
	if len(p) == 0 {
		return 0, nil
	}
	if off < 0 {
		return 0, errInvalidArgument("negative offset")
	}

	effectiveLen := int64(len(p))
	if ts := f.knownSize(); ts != nil {
		if off >= *ts {
			return 0, io.EOF
		}
		if remaining := *ts - off; effectiveLen > remaining {
			effectiveLen = remaining
		}
	}

	first := chunkIndex(off, chunkSize)
	last := chunkIndex(off+effectiveLen-1, chunkSize)

	var copied int64
	for i := first; i <= last; i++ {
		key := chunkKey{url: f.url, index: i}
		buf, err := f.fs.cache.get(context.Background(), key, func(ctx context.Context) (*chunkBuffer, error) {
			return f.fetchChunk(ctx, i)
		})
		if err != nil {
			return int(copied), err
		}
		relStart := max64(0, off-chunkStart(i, chunkSize))
		relEnd := min64(chunkSize, off+effectiveLen-chunkStart(i, chunkSize))
		data := buf.slice(relStart, relEnd)
		n := copy(p[copied:], data)
		copied += int64(n)
		if int64(len(data)) < relEnd-relStart {
			break
		}
	}
	if copied < int64(len(p)) {
		return int(copied), io.EOF
	}
	return int(copied), nil
}

// Seek sets position (§4.3). It never performs I/O and fails only on a
// closed handle or a negative position; seeking past the end is allowed
// and simply yields zero-byte reads.
func (f *File) Seek(pos int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errFileClosed()
	}
	if pos < 0 {
		return errInvalidArgument("negative seek position")
	}
	f.position = pos
	f.eofFlag = false
	f.prefetch.onSeek()
	return nil
}

// Tell returns the current position.
func (f *File) Tell() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.position
}

// Size returns the resource's total size if known.
func (f *File) Size() (int64, bool) {
	ts := f.knownSize()
	if ts == nil {
		return 0, false
	}
	return *ts, true
}

// Eof reports whether the handle has latched end-of-file.
func (f *File) Eof() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.eofFlag
}

// Close marks the handle closed, stops its prefetcher from issuing new
// work (in-flight fetches other handles still await are left to run to
// completion, §5), and releases this handle's contribution to the shared
// cache.
func (f *File) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.mu.Unlock()

	f.prefetch.close()
	f.fs.releaseRef(f.url)
	return nil
}

var (
	_ io.Reader   = (*File)(nil)
	_ io.ReaderAt = (*File)(nil)
	_ io.Closer   = (*File)(nil)
)
