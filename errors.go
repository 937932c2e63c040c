/* SPDX-License-Identifier: BSD-2-Clause */

package rangefs

import "fmt"

// Kind classifies an error surfaced to callers of the core API. Numeric
// values are stable and mirror the codes exposed at the foreign-call
// boundary (see ffi).
type Kind int

const (
	// KindUnknown covers errors that could not be classified.
	KindUnknown Kind = 99
	// KindNetwork is a transport failure: a transient one after retries were
	// exhausted, or a permanent one (such as a 4xx status) that is not retried.
	KindNetwork Kind = 1
	// KindProtocol is a violation of the RFC 7233 range contract.
	KindProtocol Kind = 2
	// KindIO is a short read or copy failure inconsistent with declared lengths.
	KindIO Kind = 3
	// KindFileClosed is an operation attempted on a closed handle.
	KindFileClosed Kind = 4
	// KindUnsupportedProtocol is a non-HTTP(S) scheme or a server lacking range support.
	KindUnsupportedProtocol Kind = 5
	// KindInvalidArgument is a malformed mode, URL, or other caller input.
	KindInvalidArgument Kind = 6
)

func (k Kind) String() string {
	switch k {
	case KindUnknown:
		return "unknown"
	case KindNetwork:
		return "network"
	case KindProtocol:
		return "protocol"
	case KindIO:
		return "io"
	case KindFileClosed:
		return "file closed"
	case KindUnsupportedProtocol:
		return "unsupported protocol"
	case KindInvalidArgument:
		return "invalid argument"
	}
	return "unknown"
}

// Error is the error type surfaced by the Config, Filesystem and File
// operations of rangefs. The optional storage helpers (NewMmapChunkStore,
// NewLazyView and their Close methods) return plain errors instead.
// It carries a stable Kind so callers (and the foreign-call boundary) can
// branch on failure class without string matching.
type Error struct {
	Kind Kind
	Msg  string
	Err  error // underlying cause, if any
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rangefs: %s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("rangefs: %s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(k Kind, msg string, cause error) *Error {
	return &Error{Kind: k, Msg: msg, Err: cause}
}

func errNetwork(msg string, cause error) *Error             { return newErr(KindNetwork, msg, cause) }
func errProtocol(msg string, cause error) *Error            { return newErr(KindProtocol, msg, cause) }
func errIO(msg string, cause error) *Error                  { return newErr(KindIO, msg, cause) }
func errFileClosed() *Error                                 { return newErr(KindFileClosed, "handle is closed", nil) }
func errUnsupportedProtocol(msg string, cause error) *Error { return newErr(KindUnsupportedProtocol, msg, cause) }
func errInvalidArgument(msg string) *Error                  { return newErr(KindInvalidArgument, msg, nil) }

// KindOf extracts the Kind from err, returning KindUnknown for errors not
// produced by this package.
func KindOf(err error) Kind {
	var e *Error
	for err != nil {
		if ae, ok := err.(*Error); ok {
			e = ae
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	if e == nil {
		return KindUnknown
	}
	return e.Kind
}
