//go:build linux

/* SPDX-License-Identifier: BSD-2-Clause */

package rangefs

import (
	"errors"
	"fmt"
	"io"
	"unsafe"

	uffd "github.com/ricardobranco777/go-userfaultfd"
	"golang.org/x/sys/unix"
)

// LazyView maps a File's remote content into an anonymous memory region
// and resolves pages on demand through userfaultfd, fetching the backing
// chunk via the File's own ReadAt on first touch. Adapted from the
// teacher's UffdHTTPReader (uffd.go) to read through a rangefs.File
// instead of a bare HTTPFile, so faulted pages flow through the shared
// chunk cache and single-flight coordinator like any other read.
//
// LazyView requires the File's resource size to be known; it is Linux-only.
type LazyView struct {
	file     *File
	uffd     *uffd.Uffd
	addr     []byte
	pageSize int
	done     chan struct{}
	logger   Logger
}

var _ io.Closer = (*LazyView)(nil)

// NewLazyView maps f's content for lazy, page-fault-driven access.
func NewLazyView(f *File, logger Logger) (*LazyView, error) {
	if logger == nil {
		logger = NoopLogger()
	}
	size, ok := f.Size()
	if !ok || size <= 0 {
		return nil, errInvalidArgument("lazy view requires a known, positive resource size")
	}

	pageSize := unix.Getpagesize()
	length := (int(size) + pageSize - 1) &^ (pageSize - 1)

	addr, err := unix.Mmap(-1, 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("rangefs: mmap failed: %w", err)
	}

	u, err := uffd.New(uffd.UFFD_USER_MODE_ONLY, 0)
	if err != nil {
		unix.Munmap(addr)
		return nil, fmt.Errorf("rangefs: userfaultfd: %w", err)
	}

	v := &LazyView{
		file:     f,
		uffd:     u,
		addr:     addr,
		pageSize: pageSize,
		done:     make(chan struct{}),
		logger:   logger,
	}

	_, err = u.Register(uintptr(unsafe.Pointer(&addr[0])), length, uffd.UFFDIO_REGISTER_MODE_MISSING)
	if err != nil {
		u.Close()
		unix.Munmap(addr)
		return nil, fmt.Errorf("rangefs: userfaultfd register: %w", err)
	}

	go v.faultLoop()
	return v, nil
}

// faultLoop resolves page faults by reading the missing page through the
// wrapped File, so the page's bytes come from the same chunk cache used
// by ordinary Read/ReadAt calls.
func (v *LazyView) faultLoop() {
	base := uintptr(unsafe.Pointer(&v.addr[0]))

	for {
		msg, err := v.uffd.ReadMsg()
		if err != nil {
			select {
			case <-v.done:
				return
			default:
				v.logger.Error("uffd read event failed", err, nil)
				continue
			}
		}

		if msg.Event != uffd.UFFD_EVENT_PAGEFAULT {
			v.logger.Debug("uffd: unexpected event", map[string]any{"event": msg.Event})
			continue
		}

		fault := (*uffd.UffdMsgPagefault)(unsafe.Pointer(&msg.Data))
		addr := uintptr(fault.Address)
		offset := int64(addr - base)
		pageOffset := offset &^ int64(v.pageSize-1)

		buf := make([]byte, v.pageSize)
		n, err := v.file.ReadAt(buf, pageOffset)
		if err != nil && !errors.Is(err, io.EOF) {
			v.logger.Error("lazy view page resolution failed", err, map[string]any{"offset": pageOffset})
		}
		_ = n

		pageAddr := addr &^ uintptr(v.pageSize-1)
		if _, err := v.uffd.Copy(pageAddr, uintptr(unsafe.Pointer(&buf[0])), v.pageSize, 0); err != nil {
			v.logger.Error("uffd copy failed", err, map[string]any{"offset": pageOffset})
		}
	}
}

// Close unregisters the fault handler and unmaps the region.
func (v *LazyView) Close() error {
	close(v.done)
	v.uffd.Close()
	return unix.Munmap(v.addr)
}

// Bytes returns the mapped region. Touching any byte may block while the
// corresponding page is fetched through the wrapped File.
func (v *LazyView) Bytes() []byte {
	return v.addr
}
