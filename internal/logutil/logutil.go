/* SPDX-License-Identifier: BSD-2-Clause */

// Package logutil provides the structured logging backend shared by the
// core engine and the foreign-call boundary.
package logutil

import (
	"github.com/sirupsen/logrus"
)

// Logger is a minimal interface for debug/error logging, kept narrow so
// callers can plug in their own sink without depending on logrus directly.
type Logger interface {
	Debug(msg string, fields map[string]any)
	Error(msg string, err error, fields map[string]any)
}

type logrusLogger struct {
	entry *logrus.Entry
}

// NewLogrus wraps a *logrus.Logger (nil selects a default text logger)
// as a Logger.
func NewLogrus(l *logrus.Logger) Logger {
	if l == nil {
		l = logrus.New()
	}
	return &logrusLogger{entry: logrus.NewEntry(l)}
}

func (l *logrusLogger) Debug(msg string, fields map[string]any) {
	l.entry.WithFields(logrus.Fields(fields)).Debug(msg)
}

func (l *logrusLogger) Error(msg string, err error, fields map[string]any) {
	e := l.entry.WithFields(logrus.Fields(fields))
	if err != nil {
		e = e.WithError(err)
	}
	e.Error(msg)
}

type noopLogger struct{}

func (noopLogger) Debug(string, map[string]any)        {}
func (noopLogger) Error(string, error, map[string]any) {}

// Noop discards all log output.
func Noop() Logger { return noopLogger{} }
