// Package logging provides structured logging for the hsport runtime.
//
// This package wraps the standard library's log/slog package so that every
// component logs with the same handler and attribute names. Connection and
// client handles travel through context.Context and are attached by
// WithContext.
//
// Usage:
//
//	logging.Init(slog.LevelInfo, false)
//
//	var log = logging.Component("session")
//	log.Info("connected", "address", addr, "mode", mode)
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	mu     sync.RWMutex
	logger *slog.Logger
)

// Init initializes the global logger with the specified level and format.
// If jsonFormat is true, logs are output as JSON; otherwise, human-readable text.
func Init(level slog.Level, jsonFormat bool) {
	InitWriter(os.Stderr, level, jsonFormat)
}

// InitWriter is Init with an explicit destination.
func InitWriter(w io.Writer, level slog.Level, jsonFormat bool) {
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var handler slog.Handler
	if jsonFormat {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	InitWithHandler(handler)
}

// InitWithHandler initializes the global logger with a custom handler.
// This is useful for testing or custom output destinations.
func InitWithHandler(handler slog.Handler) {
	l := slog.New(handler)

	mu.Lock()
	logger = l
	mu.Unlock()

	slog.SetDefault(l)
}

// ParseLevel maps a config string to a slog level. Unknown values are Info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Logger returns the global logger, initializing it on first use.
func Logger() *slog.Logger {
	mu.RLock()
	l := logger
	mu.RUnlock()
	if l != nil {
		return l
	}

	Init(slog.LevelInfo, false)
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// Component returns a logger for a specific component.
//
// The returned logger resolves the global handler on every call, so
// package-level component loggers pick up a later Init.
func Component(name string) *slog.Logger {
	return slog.New(&componentHandler{name: name})
}

// componentHandler forwards to the current global handler with a component
// attribute attached.
type componentHandler struct {
	name  string
	attrs []slog.Attr
	group string
}

func (h *componentHandler) target() slog.Handler {
	base := Logger().Handler().WithAttrs([]slog.Attr{slog.String("component", h.name)})
	if len(h.attrs) > 0 {
		base = base.WithAttrs(h.attrs)
	}
	if h.group != "" {
		base = base.WithGroup(h.group)
	}
	return base
}

func (h *componentHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return Logger().Handler().Enabled(ctx, level)
}

func (h *componentHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.target().Handle(ctx, r)
}

func (h *componentHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := &componentHandler{name: h.name, group: h.group}
	next.attrs = append(append(next.attrs, h.attrs...), attrs...)
	return next
}

func (h *componentHandler) WithGroup(name string) slog.Handler {
	return &componentHandler{name: h.name, attrs: h.attrs, group: name}
}

// WithContext returns a logger that includes connection and client handles
// stored in ctx.
func WithContext(ctx context.Context) *slog.Logger {
	l := Logger()

	if conn, ok := ctx.Value(contextKeyConnection).(int); ok {
		l = l.With("connection", conn)
	}
	if client, ok := ctx.Value(contextKeyClient).(int); ok {
		l = l.With("client", client)
	}
	if addr, ok := ctx.Value(contextKeyAddress).(string); ok {
		l = l.With("address", addr)
	}

	return l
}

// Context key types for type-safe context value extraction.
type contextKey int

const (
	contextKeyConnection contextKey = iota
	contextKeyClient
	contextKeyAddress
)

// ContextWithConnection adds a connection instance to the context for logging.
func ContextWithConnection(ctx context.Context, conn int) context.Context {
	return context.WithValue(ctx, contextKeyConnection, conn)
}

// ContextWithClient adds a client instance to the context for logging.
func ContextWithClient(ctx context.Context, client int) context.Context {
	return context.WithValue(ctx, contextKeyClient, client)
}

// ContextWithAddress adds a controller address to the context for logging.
func ContextWithAddress(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, contextKeyAddress, addr)
}
