// Package logging configures the process-wide slog logger for Courier:
// console plus optionally a rotated file, with per-component filtering so
// a noisy subsystem can be silenced without losing the rest.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// state holds everything Initialize sets up. A single struct under one
// mutex keeps Initialize/Close/Get consistent with each other.
var state struct {
	mu         sync.RWMutex
	logger     *slog.Logger
	fileWriter io.WriteCloser
	components map[string]bool // nil means every component logs
}

// FileLogConfig configures the rotated log file.
type FileLogConfig struct {
	// Path of the log file; empty disables file output.
	Path string
	// MaxSizeMB triggers rotation. Default 10.
	MaxSizeMB int
	// MaxBackups is how many rotated files to keep. Default 3.
	MaxBackups int
	// Compress gzips rotated files.
	Compress bool
}

// DefaultFileLogConfig returns the rotation defaults.
func DefaultFileLogConfig() FileLogConfig {
	return FileLogConfig{
		MaxSizeMB:  10,
		MaxBackups: 3,
	}
}

// Config selects levels, format, destinations, and component filtering.
type Config struct {
	// Level for console output: debug, info, warn, error.
	Level string
	// FileLevel for file output; empty inherits Level.
	FileLevel string
	// FileLog enables the rotated file when non-nil with a Path.
	FileLog *FileLogConfig
	// JSON switches from text to JSON records.
	JSON bool
	// Components restricts logging to the named components; empty allows
	// all of them.
	Components []string
}

// Initialize builds the global logger from cfg and installs it as the
// slog default. Console and file can run at different levels; when they
// do, records fan out to two handlers instead of one shared writer.
func Initialize(cfg Config) error {
	consoleLevel := parseLevel(cfg.Level)
	fileLevel := consoleLevel
	if cfg.FileLevel != "" {
		fileLevel = parseLevel(cfg.FileLevel)
	}

	var components map[string]bool
	if len(cfg.Components) > 0 {
		components = make(map[string]bool, len(cfg.Components))
		for _, c := range cfg.Components {
			components[c] = true
		}
	}

	var file io.WriteCloser
	if cfg.FileLog != nil && cfg.FileLog.Path != "" {
		flc := *cfg.FileLog
		if flc.MaxSizeMB <= 0 {
			flc.MaxSizeMB = 10
		}
		if flc.MaxBackups < 0 {
			flc.MaxBackups = 3
		}
		file = &lumberjack.Logger{
			Filename:   flc.Path,
			MaxSize:    flc.MaxSizeMB,
			MaxBackups: flc.MaxBackups,
			Compress:   flc.Compress,
		}
	}

	newHandler := func(w io.Writer, level slog.Level) slog.Handler {
		opts := &slog.HandlerOptions{Level: level}
		if cfg.JSON {
			return slog.NewJSONHandler(w, opts)
		}
		return slog.NewTextHandler(w, opts)
	}

	var handler slog.Handler
	switch {
	case file == nil:
		handler = newHandler(os.Stderr, consoleLevel)
	case fileLevel == consoleLevel:
		handler = newHandler(io.MultiWriter(os.Stderr, file), consoleLevel)
	default:
		handler = fanoutHandler{
			newHandler(os.Stderr, consoleLevel),
			newHandler(file, fileLevel),
		}
	}

	logger := slog.New(handler)

	state.mu.Lock()
	state.logger = logger
	state.fileWriter = file
	state.components = components
	state.mu.Unlock()

	slog.SetDefault(logger)
	return nil
}

// Get returns the configured logger, or slog.Default before Initialize.
func Get() *slog.Logger {
	state.mu.RLock()
	defer state.mu.RUnlock()
	if state.logger == nil {
		return slog.Default()
	}
	return state.logger
}

// Close releases the log file, if one was opened.
func Close() error {
	state.mu.Lock()
	defer state.mu.Unlock()
	if state.fileWriter == nil {
		return nil
	}
	err := state.fileWriter.Close()
	state.fileWriter = nil
	return err
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func componentAllowed(component string) bool {
	state.mu.RLock()
	defer state.mu.RUnlock()
	if state.components == nil {
		return true
	}
	return state.components[component]
}

// fanoutHandler delivers each record to every handler that wants it.
// Used when console and file run at different levels.
type fanoutHandler []slog.Handler

func (f fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range f {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r); err != nil {
				return err
			}
		}
	}
	return nil
}

func (f fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanoutHandler, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanoutHandler) WithGroup(name string) slog.Handler {
	out := make(fanoutHandler, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}

// componentHandler tags records with a component attribute and drops
// them when the component is filtered out. The filter check happens at
// log time, so a reload of the allowed set applies to existing loggers.
type componentHandler struct {
	inner     slog.Handler
	component string
}

func (h componentHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return componentAllowed(h.component) && h.inner.Enabled(ctx, level)
}

func (h componentHandler) Handle(ctx context.Context, r slog.Record) error {
	if !componentAllowed(h.component) {
		return nil
	}
	return h.inner.Handle(ctx, r)
}

func (h componentHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return componentHandler{inner: h.inner.WithAttrs(attrs), component: h.component}
}

func (h componentHandler) WithGroup(name string) slog.Handler {
	return componentHandler{inner: h.inner.WithGroup(name), component: h.component}
}

// WithComponent returns a logger scoped to one component. Records carry
// a component attribute and are dropped when the component is not in the
// configured allow list.
func WithComponent(component string) *slog.Logger {
	inner := Get().Handler().WithAttrs([]slog.Attr{slog.String("component", component)})
	return slog.New(componentHandler{inner: inner, component: component})
}

// Web returns the logger for the HTTP layer.
func Web() *slog.Logger {
	return WithComponent("web")
}

// Broadcast returns the logger for the broadcaster.
func Broadcast() *slog.Logger {
	return WithComponent("broadcast")
}

// Task returns the logger for the background task registry.
func Task() *slog.Logger {
	return WithComponent("task")
}

// Client returns the logger for streaming client sessions.
func Client() *slog.Logger {
	return WithComponent("client")
}

// Shutdown returns the logger for shutdown sequencing.
func Shutdown() *slog.Logger {
	return WithComponent("shutdown")
}

// WithConversation scopes base to one conversation. Nil in, nil out, so
// callers with optional loggers need no guard of their own.
func WithConversation(base *slog.Logger, conversationID string) *slog.Logger {
	if base == nil {
		return nil
	}
	return base.With("conversation_id", conversationID)
}

// WithSubscriber scopes base to one subscriber of a conversation.
func WithSubscriber(base *slog.Logger, subscriberID, conversationID string) *slog.Logger {
	if base == nil {
		return nil
	}
	return base.With(
		"subscriber_id", subscriberID,
		"conversation_id", conversationID,
	)
}
