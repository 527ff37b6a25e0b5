// Copyright 2025 The Neve Authors
// SPDX-License-Identifier: MIT

// Package logging provides the leveled, context-carrying logging used
// throughout the store, build, and cache packages. It is a thin set of
// call-site conventions on top of zombiezen.com/go/log rather than a
// new logging abstraction: every call takes a context.Context first,
// matching the pattern the rest of the codebase follows.
package logging

import (
	"context"
	"os"
	"sync"

	"zombiezen.com/go/log"
)

// Debugf logs a message at debug level.
func Debugf(ctx context.Context, format string, args ...any) {
	log.Debugf(ctx, format, args...)
}

// Infof logs a message at info level.
func Infof(ctx context.Context, format string, args ...any) {
	log.Infof(ctx, format, args...)
}

// Warnf logs a message at warning level.
func Warnf(ctx context.Context, format string, args ...any) {
	log.Warnf(ctx, format, args...)
}

// Errorf logs a message at error level.
func Errorf(ctx context.Context, format string, args ...any) {
	log.Errorf(ctx, format, args...)
}

var initOnce sync.Once

// Init installs the default logger used by the rest of the process,
// writing to stderr with a "neve: " prefix. showDebug raises the
// minimum level from info to debug. Init is idempotent; only the
// first call takes effect.
func Init(showDebug bool) {
	initOnce.Do(func() {
		minLevel := log.Info
		if showDebug {
			minLevel = log.Debug
		}
		log.SetDefault(&log.LevelFilter{
			Min:    minLevel,
			Output: log.New(os.Stderr, "neve: ", log.StdFlags, nil),
		})
	})
}
