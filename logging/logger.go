// Package logging provides structured logging for the sync engine using Go's
// log/slog package.
package logging

import (
	stderrors "errors"
	"log/slog"
	"os"

	"github.com/graphkit/go-graph-sync/errors"
)

// Logger wraps slog.Logger with engine-specific convenience methods.
type Logger struct {
	*slog.Logger
}

// Config holds logger configuration.
type Config struct {
	Level     string `json:"level" yaml:"level"`           // debug, info, warn, error
	Format    string `json:"format" yaml:"format"`         // text, json
	AddSource bool   `json:"add_source" yaml:"add_source"` // include source location
}

// DefaultConfig is used when no configuration is supplied.
var DefaultConfig = Config{
	Level:  "info",
	Format: "json",
}

var defaultLogger *Logger

// SyncErrorValuer provides structured logging for SyncError.
type SyncErrorValuer struct {
	*errors.SyncError
}

func (e SyncErrorValuer) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("operation", string(e.Op)),
		slog.String("component", e.Component),
		slog.String("code", string(e.Code)),
		slog.Bool("retryable", e.Retryable),
		slog.String("error", e.Err.Error()),
	}
	if e.EntityID != "" {
		attrs = append(attrs, slog.String("entity_id", e.EntityID))
	}
	return slog.GroupValue(attrs...)
}

// NewLogger creates a logger with the provided configuration.
func NewLogger(config Config) *Logger {
	var level slog.Level
	switch config.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: config.AddSource,
	}

	var handler slog.Handler
	if config.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return &Logger{Logger: slog.New(handler)}
}

// Init initializes the global logger with the provided configuration.
func Init(config Config) {
	defaultLogger = NewLogger(config)
	slog.SetDefault(defaultLogger.Logger)
}

// Default returns the default logger instance.
func Default() *Logger {
	if defaultLogger == nil {
		Init(DefaultConfig)
	}
	return defaultLogger
}

// WithComponent creates a child logger with component context.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{Logger: l.With(slog.String("component", component))}
}

// WithEntity creates a child logger scoped to one entity.
func (l *Logger) WithEntity(entityID string) *Logger {
	return &Logger{Logger: l.With(slog.String("entity_id", entityID))}
}

// LogError logs err with structured attributes, unwrapping SyncError detail
// when present.
func (l *Logger) LogError(err error, msg string, attrs ...slog.Attr) {
	allAttrs := make([]any, 0, len(attrs)+1)
	var se *errors.SyncError
	if stderrors.As(err, &se) {
		allAttrs = append(allAttrs, slog.Any("sync_error", SyncErrorValuer{SyncError: se}))
	} else {
		allAttrs = append(allAttrs, slog.String("error", err.Error()))
	}
	for _, attr := range attrs {
		allAttrs = append(allAttrs, attr)
	}
	l.Error(msg, allAttrs...)
}

// GetConfigFromEnv creates a logger configuration from environment variables.
func GetConfigFromEnv() Config {
	config := DefaultConfig
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		config.Level = level
	}
	if format := os.Getenv("LOG_FORMAT"); format != "" {
		config.Format = format
	}
	if addSource := os.Getenv("LOG_ADD_SOURCE"); addSource != "" {
		config.AddSource = addSource == "true"
	}
	return config
}
