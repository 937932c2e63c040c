/* SPDX-License-Identifier: BSD-2-Clause */

// Command rangefs-ffi builds the C-ABI shared library described in §6:
// a small set of //export functions wrapping *rangefs.Filesystem and
// *rangefs.File behind opaque handles, numeric error codes, and a
// per-OS-thread last-error slot. Grounded on original_source/ffi.rs —
// same function shape and error-code values, reimplemented as cgo
// exports instead of a Rust extern "C" boundary. Handles are
// runtime/cgo.Handle values rather than raw Go pointers, so the Go
// runtime never has to reason about a C caller holding a moved or
// collected pointer.
//
// Build with:
//
//	go build -buildmode=c-shared -o librangefs.so ./cmd/rangefs-ffi
package main

/*
#include <stdint.h>
*/
import "C"

import (
	"encoding/json"
	"runtime/cgo"
	"sync"
	"unsafe"

	"github.com/coriolis-labs/rangefs"
	"golang.org/x/sys/unix"
)

// Numeric error codes mirror rangefs.Kind exactly (§6).
const (
	codeSuccess             C.int = 0
	codeNetwork             C.int = 1
	codeProtocol            C.int = 2
	codeIO                  C.int = 3
	codeFileClosed          C.int = 4
	codeUnsupportedProtocol C.int = 5
	codeInvalidArgument     C.int = 6
	codeUnknown             C.int = 99
)

func codeForKind(k rangefs.Kind) C.int {
	switch k {
	case rangefs.KindNetwork:
		return codeNetwork
	case rangefs.KindProtocol:
		return codeProtocol
	case rangefs.KindIO:
		return codeIO
	case rangefs.KindFileClosed:
		return codeFileClosed
	case rangefs.KindUnsupportedProtocol:
		return codeUnsupportedProtocol
	case rangefs.KindInvalidArgument:
		return codeInvalidArgument
	default:
		return codeUnknown
	}
}

// lastErrors holds one message per calling OS thread, keyed by the Linux
// thread id, mirroring ffi.rs's thread_local LAST_ERROR cell — a Go
// goroutine executing a cgo export stays pinned to the calling OS thread
// for the duration of that call, so gettid() is a stable enough proxy for
// "this thread" across the handful of calls a native caller makes in a row.
var (
	lastErrorsMu sync.Mutex
	lastErrors   = make(map[int]string)
)

func setLastError(msg string) {
	lastErrorsMu.Lock()
	lastErrors[unix.Gettid()] = msg
	lastErrorsMu.Unlock()
}

func clearLastError() {
	lastErrorsMu.Lock()
	delete(lastErrors, unix.Gettid())
	lastErrorsMu.Unlock()
}

func setLastErrFrom(err error) C.int {
	setLastError(err.Error())
	return codeForKind(rangefs.KindOf(err))
}

//export rangefs_last_error
func rangefs_last_error() *C.char {
	lastErrorsMu.Lock()
	msg, ok := lastErrors[unix.Gettid()]
	lastErrorsMu.Unlock()
	if !ok {
		return nil
	}
	return C.CString(msg)
}

func handleOf(h C.uintptr_t) cgo.Handle { return cgo.Handle(h) }

// handleValue resolves h, tolerating a handle already freed by a prior
// close/free call (double-free is a caller error, not a crash, per §6).
func handleValue(h cgo.Handle) (v any, ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	return h.Value(), true
}

// deleteHandle frees h, tolerating an already-freed or zero handle.
func deleteHandle(h C.uintptr_t) {
	if h == 0 {
		return
	}
	defer func() { recover() }()
	handleOf(h).Delete()
}

// optionsFromConfig turns a decoded Config back into the Option list
// rangefs.New expects, so a config that arrived as a foreign-boundary map
// (via configOptions below) overrides every tunable explicitly rather than
// only the ones the caller happened to set.
func optionsFromConfig(cfg rangefs.Config) []rangefs.Option {
	return []rangefs.Option{
		rangefs.WithChunkSize(cfg.ChunkSize),
		rangefs.WithCacheMaxBytes(cfg.CacheMaxBytes),
		rangefs.WithReadAhead(cfg.ReadAhead),
		rangefs.WithReadAheadChunks(cfg.ReadAheadChunks),
		rangefs.WithRetryMaxAttempts(cfg.RetryMaxAttempts),
		rangefs.WithRetryInitialBackoff(cfg.RetryInitialBackoff),
		rangefs.WithRetryBackoffMultiplier(cfg.RetryBackoffMultiplier),
		rangefs.WithRetryMaxBackoff(cfg.RetryMaxBackoff),
		rangefs.WithRetryJitterFraction(cfg.RetryJitterFraction),
		rangefs.WithRequestTimeout(cfg.RequestTimeout),
	}
}

// configOptions decodes an optional JSON object of config overrides — the
// form a host-language caller across the foreign-call boundary actually
// has on hand — through rangefs.ConfigFromMap, and returns the resulting
// Option list. A nil or empty configJSON yields no options, so the caller
// gets plain defaults.
func configOptions(configJSON *C.char) ([]rangefs.Option, error) {
	if configJSON == nil {
		return nil, nil
	}
	raw := C.GoString(configJSON)
	if raw == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, &rangefs.Error{Kind: rangefs.KindInvalidArgument, Msg: "malformed config JSON", Err: err}
	}
	cfg, err := rangefs.ConfigFromMap(m)
	if err != nil {
		return nil, err
	}
	return optionsFromConfig(cfg), nil
}

//export rangefs_create
func rangefs_create(configJSON *C.char) C.uintptr_t {
	clearLastError()
	opts, err := configOptions(configJSON)
	if err != nil {
		setLastErrFrom(err)
		return 0
	}
	fs, err := rangefs.New(opts)
	if err != nil {
		setLastErrFrom(err)
		return 0
	}
	return C.uintptr_t(cgo.NewHandle(fs))
}

//export rangefs_open
func rangefs_open(fsHandle C.uintptr_t, url *C.char, mode *C.char) C.uintptr_t {
	clearLastError()
	if fsHandle == 0 || url == nil || mode == nil {
		setLastError("null pointer argument")
		return 0
	}
	v, ok := handleValue(handleOf(fsHandle))
	fs, ok2 := v.(*rangefs.Filesystem)
	if !ok || !ok2 {
		setLastError("invalid filesystem handle")
		return 0
	}
	f, err := fs.Open(C.GoString(url), C.GoString(mode))
	if err != nil {
		setLastErrFrom(err)
		return 0
	}
	return C.uintptr_t(cgo.NewHandle(f))
}

//export rangefs_open_url
func rangefs_open_url(url *C.char, mode *C.char, configJSON *C.char) C.uintptr_t {
	clearLastError()
	if url == nil || mode == nil {
		setLastError("null pointer argument")
		return 0
	}
	opts, err := configOptions(configJSON)
	if err != nil {
		setLastErrFrom(err)
		return 0
	}
	fs, err := rangefs.New(opts)
	if err != nil {
		setLastErrFrom(err)
		return 0
	}
	f, err := fs.Open(C.GoString(url), C.GoString(mode))
	if err != nil {
		setLastErrFrom(err)
		return 0
	}
	return C.uintptr_t(cgo.NewHandle(f))
}

//export rangefs_read
func rangefs_read(fileHandle C.uintptr_t, buffer unsafe.Pointer, size C.size_t) C.int64_t {
	clearLastError()
	if fileHandle == 0 || buffer == nil {
		setLastError("null pointer argument")
		return -1
	}
	v, ok := handleValue(handleOf(fileHandle))
	f, ok2 := v.(*rangefs.File)
	if !ok || !ok2 {
		setLastError("invalid file handle")
		return -1
	}
	buf := unsafe.Slice((*byte)(buffer), int(size))
	n, err := f.Read(buf)
	if err != nil && n == 0 {
		setLastErrFrom(err)
		return -1
	}
	return C.int64_t(n)
}

//export rangefs_seek
func rangefs_seek(fileHandle C.uintptr_t, pos C.int64_t) C.int {
	clearLastError()
	if fileHandle == 0 {
		setLastError("null file handle")
		return codeInvalidArgument
	}
	v, ok := handleValue(handleOf(fileHandle))
	f, ok2 := v.(*rangefs.File)
	if !ok || !ok2 {
		setLastError("invalid file handle")
		return codeInvalidArgument
	}
	if err := f.Seek(int64(pos)); err != nil {
		return setLastErrFrom(err)
	}
	return codeSuccess
}

//export rangefs_tell
func rangefs_tell(fileHandle C.uintptr_t) C.uint64_t {
	clearLastError()
	if fileHandle == 0 {
		setLastError("null file handle")
		return 0
	}
	v, ok := handleValue(handleOf(fileHandle))
	f, ok2 := v.(*rangefs.File)
	if !ok || !ok2 {
		return 0
	}
	return C.uint64_t(f.Tell())
}

//export rangefs_size
func rangefs_size(fileHandle C.uintptr_t, hasSize *C.int) C.uint64_t {
	clearLastError()
	if fileHandle == 0 || hasSize == nil {
		if hasSize != nil {
			*hasSize = 0
		}
		setLastError("null pointer argument")
		return 0
	}
	v, ok := handleValue(handleOf(fileHandle))
	f, ok2 := v.(*rangefs.File)
	if !ok || !ok2 {
		*hasSize = 0
		return 0
	}
	size, known := f.Size()
	if !known {
		*hasSize = 0
		return 0
	}
	*hasSize = 1
	return C.uint64_t(size)
}

//export rangefs_eof
func rangefs_eof(fileHandle C.uintptr_t) C.int {
	if fileHandle == 0 {
		return 0
	}
	v, ok := handleValue(handleOf(fileHandle))
	f, ok2 := v.(*rangefs.File)
	if !ok || !ok2 {
		return 0
	}
	if f.Eof() {
		return 1
	}
	return 0
}

//export rangefs_file_close
func rangefs_file_close(fileHandle C.uintptr_t) {
	if fileHandle == 0 {
		return
	}
	if v, ok := handleValue(handleOf(fileHandle)); ok {
		if f, ok := v.(*rangefs.File); ok {
			f.Close()
		}
	}
	deleteHandle(fileHandle)
}

//export rangefs_filesystem_free
func rangefs_filesystem_free(fsHandle C.uintptr_t) {
	if fsHandle == 0 {
		return
	}
	if v, ok := handleValue(handleOf(fsHandle)); ok {
		if fs, ok := v.(*rangefs.Filesystem); ok {
			fs.Close()
		}
	}
	deleteHandle(fsHandle)
}

//export rangefs_version
func rangefs_version() *C.char {
	return C.CString(rangefs.Version)
}

func main() {}
