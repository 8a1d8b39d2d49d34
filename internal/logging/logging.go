// Copyright 2026 CM4all GmbH. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logging wraps log/slog with a runtime-adjustable verbosity level,
// so the control socket's VERBOSE command can raise or lower it without a
// restart.
package logging

import (
	"context"
	"log/slog"
	"os"
	"sync/atomic"
)

// Level mirrors the control socket's "VERBOSE level" argument: 0 is quiet,
// higher numbers are noisier. It is intentionally coarser than slog's own
// levels so operators can reason about it the way the original VERBOSE
// command did.
type Level int32

const (
	LevelQuiet Level = iota
	LevelNormal
	LevelVerbose
	LevelTrace
)

var currentLevel atomic.Int32

func init() {
	currentLevel.Store(int32(LevelNormal))
}

// SetLevel adjusts the process-wide verbosity. Safe to call concurrently;
// it is wired to the control socket's VERBOSE command.
func SetLevel(l Level) {
	currentLevel.Store(int32(l))
}

// CurrentLevel returns the current verbosity.
func CurrentLevel() Level {
	return Level(currentLevel.Load())
}

// Logger is a thin facade over *slog.Logger that tags every record with a
// component name, the way the teacher's worker/persistence code prefixed
// printed lines with a component tag.
type Logger struct {
	base *slog.Logger
	comp string
}

var root = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))

// For wraps a named component.
func For(component string) *Logger {
	return &Logger{base: root, comp: component}
}

// WithRequest attaches a request id to every subsequent log line, mirroring
// the per-request log prefixing the request state machine needs.
func (l *Logger) WithRequest(id uint64) *Logger {
	return &Logger{base: l.base.With("request_id", id), comp: l.comp}
}

func (l *Logger) enabled(level Level) bool { return CurrentLevel() >= level }

func (l *Logger) Info(msg string, args ...any) {
	if l.enabled(LevelNormal) {
		l.base.Info(msg, append([]any{"component", l.comp}, args...)...)
	}
}

func (l *Logger) Verbose(msg string, args ...any) {
	if l.enabled(LevelVerbose) {
		l.base.Debug(msg, append([]any{"component", l.comp}, args...)...)
	}
}

func (l *Logger) Warn(msg string, args ...any) {
	l.base.Warn(msg, append([]any{"component", l.comp}, args...)...)
}

func (l *Logger) Error(msg string, args ...any) {
	l.base.Error(msg, append([]any{"component", l.comp}, args...)...)
}

func (l *Logger) ErrorContext(ctx context.Context, msg string, args ...any) {
	l.base.ErrorContext(ctx, msg, append([]any{"component", l.comp}, args...)...)
}
