// Copyright 2021 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package sizerlog provides the leveled, structured logger used
// throughout the module. It mirrors the Helper/Logger/Filter shape
// that the original PE parser's File type threaded through its
// components, since that package itself isn't part of this module.
package sizerlog

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"
)

// Level is a logging severity.
type Level int

// Severities, lowest to highest.
const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Logger is the minimal sink every Helper writes through.
type Logger interface {
	Log(level Level, msg string)
}

// stdLogger writes leveled lines to an *log.Logger.
type stdLogger struct {
	mu  sync.Mutex
	std *log.Logger
}

// NewStdLogger returns a Logger that writes "LEVEL msg" lines to w,
// each prefixed with the standard log package's date and time.
func NewStdLogger(w io.Writer) Logger {
	return &stdLogger{std: log.New(w, "", log.LstdFlags)}
}

func (s *stdLogger) Log(level Level, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.std.Printf("%s %s", level, msg)
}

// filter wraps a Logger and drops records below a minimum level.
type filter struct {
	next Logger
	min  Level
}

// NewFilter returns a Logger that discards records below min.
func NewFilter(next Logger, min Level) Logger {
	return &filter{next: next, min: min}
}

func (f *filter) Log(level Level, msg string) {
	if level < f.min {
		return
	}
	f.next.Log(level, msg)
}

// Helper is the call-site-facing logger, the same role the original
// package's log.Helper played: Debugf/Infof/Warnf/Errorf convenience
// wrappers plus once-per-key suppression for noisy diagnostics.
type Helper struct {
	logger Logger

	mu   sync.Mutex
	seen map[string]bool
}

// NewHelper wraps a Logger.
func NewHelper(logger Logger) *Helper {
	return &Helper{logger: logger, seen: make(map[string]bool)}
}

// Default returns a Helper writing to stderr at Warn and above,
// the level the CLI uses unless -v/--verbose is given.
func Default() *Helper {
	return NewHelper(NewFilter(NewStdLogger(os.Stderr), LevelWarn))
}

func (h *Helper) Debugf(format string, args ...interface{}) {
	h.logger.Log(LevelDebug, fmt.Sprintf(format, args...))
}

func (h *Helper) Infof(format string, args ...interface{}) {
	h.logger.Log(LevelInfo, fmt.Sprintf(format, args...))
}

func (h *Helper) Warnf(format string, args ...interface{}) {
	h.logger.Log(LevelWarn, fmt.Sprintf(format, args...))
}

func (h *Helper) Errorf(format string, args ...interface{}) {
	h.logger.Log(LevelError, fmt.Sprintf(format, args...))
}

// WarnOnce logs a warning only the first time it's seen for a given
// key. Used for the "unrecognized TPI kind: log once per kind" rule
// and other per-key-deduplicated diagnostics.
func (h *Helper) WarnOnce(key, format string, args ...interface{}) {
	h.mu.Lock()
	if h.seen[key] {
		h.mu.Unlock()
		return
	}
	h.seen[key] = true
	h.mu.Unlock()
	h.Warnf(format, args...)
}
