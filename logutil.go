/* SPDX-License-Identifier: BSD-2-Clause */

package rangefs

import (
	"github.com/coriolis-labs/rangefs/internal/logutil"
	"github.com/sirupsen/logrus"
)

// Logger receives debug/error output from the filesystem, cache, and
// prefetcher. Prefetch failures are only ever logged here, never
// surfaced as read errors (§7): a speculative fetch is not observable.
type Logger = logutil.Logger

// StdLogger returns a logrus-backed Logger writing to stderr at Debug level.
func StdLogger() Logger {
	l := logrus.New()
	l.SetLevel(logrus.DebugLevel)
	return logutil.NewLogrus(l)
}

// NoopLogger discards all log output. It is the default when no Logger
// option is supplied.
func NoopLogger() Logger { return logutil.Noop() }
