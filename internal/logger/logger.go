// Package logger provides a package-level structured logger used across the
// authorization server. It wraps log/slog behind a small singleton so that
// components can log without threading a *slog.Logger through every call.
package logger

import (
	"context"
	"log/slog"
	"os"
	"sync/atomic"
)

var singleton atomic.Pointer[slog.Logger]

func init() {
	singleton.Store(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))
}

// SetDefault replaces the package singleton. Embedders call this once at
// startup to route authorization-server logs into their own handler.
func SetDefault(l *slog.Logger) {
	if l == nil {
		return
	}
	singleton.Store(l)
}

func get() *slog.Logger {
	return singleton.Load()
}

func Debug(msg string, args ...any)  { get().Debug(msg, args...) }
func Info(msg string, args ...any)   { get().Info(msg, args...) }
func Warn(msg string, args ...any)   { get().Warn(msg, args...) }
func Error(msg string, args ...any)  { get().Error(msg, args...) }

// Debugw/Infow/Warnw/Errorw take alternating key-value pairs, matching the
// teacher's structured-logging call shape.
func Debugw(msg string, kv ...any) { get().Debug(msg, kv...) }
func Infow(msg string, kv ...any)  { get().Info(msg, kv...) }
func Warnw(msg string, kv ...any)  { get().Warn(msg, kv...) }
func Errorw(msg string, kv ...any) { get().Error(msg, kv...) }

// Ctx returns a logger carrying values from ctx (currently a no-op hook point
// for request-scoped fields such as a trace id); kept as a seam so endpoint
// handlers can attach request context without changing call sites later.
func Ctx(_ context.Context) *slog.Logger { return get() }
