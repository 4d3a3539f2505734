// Package logging provides categorized, config-driven logging for codewarden.
// Each subsystem logs under its own category; categories can be filtered via
// configuration. Output goes through zap so the serve path gets structured
// JSON while the CLI gets console encoding.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/subsystem.
type Category string

const (
	CategoryBoot         Category = "boot"
	CategoryStore        Category = "store"
	CategoryCache        Category = "cache"
	CategoryQueue        Category = "queue"
	CategoryWatcher      Category = "watcher"
	CategoryCrawler      Category = "crawler"
	CategoryDetector     Category = "detector"
	CategoryGenerator    Category = "generator"
	CategoryVerifier     Category = "verifier"
	CategoryOrchestrator Category = "orchestrator"
	CategoryLearning     Category = "learning"
	CategoryExperts      Category = "experts"
	CategoryAPI          Category = "api"
	CategoryMonitor      Category = "monitor"
	CategoryWorker       Category = "worker"
)

// Options controls logger construction.
type Options struct {
	Level      string          // debug, info, warn, error (default info)
	JSONFormat bool            // JSON encoding instead of console
	File       string          // optional log file path; stderr when empty
	Categories map[string]bool // per-category enable; empty means all enabled
}

// Logger is a category-scoped logger.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
	enabled  bool
}

var (
	mu      sync.RWMutex
	loggers = make(map[Category]*Logger)
	base    *zap.SugaredLogger
	opts    Options
)

// Initialize sets up the logging backend. Safe to call more than once; the
// last call wins. Before Initialize, all loggers are silent no-ops.
func Initialize(o Options) error {
	level := zapcore.InfoLevel
	switch o.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info", "":
		level = zapcore.InfoLevel
	case "warn", "warning":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		return fmt.Errorf("unknown log level %q", o.Level)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	if o.JSONFormat {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	sink := zapcore.Lock(os.Stderr)
	if o.File != "" {
		if err := os.MkdirAll(filepath.Dir(o.File), 0755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
		f, err := os.OpenFile(o.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		sink = zapcore.Lock(f)
	}

	core := zapcore.NewCore(enc, sink, level)
	logger := zap.New(core)

	mu.Lock()
	defer mu.Unlock()
	base = logger.Sugar()
	opts = o
	loggers = make(map[Category]*Logger) // rebuild with new backend
	return nil
}

// Get returns the logger for a category, creating it if needed.
func Get(cat Category) *Logger {
	mu.RLock()
	if l, ok := loggers[cat]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[cat]; ok {
		return l
	}
	l := &Logger{category: cat}
	if base != nil {
		l.sugar = base.Named(string(cat))
		l.enabled = categoryEnabled(cat)
	}
	loggers[cat] = l
	return l
}

func categoryEnabled(cat Category) bool {
	if len(opts.Categories) == 0 {
		return true
	}
	enabled, ok := opts.Categories[string(cat)]
	return ok && enabled
}

// Debug logs a debug message.
func (l *Logger) Debug(format string, args ...interface{}) {
	if l.sugar == nil || !l.enabled {
		return
	}
	l.sugar.Debugf(format, args...)
}

// Info logs an info message.
func (l *Logger) Info(format string, args ...interface{}) {
	if l.sugar == nil || !l.enabled {
		return
	}
	l.sugar.Infof(format, args...)
}

// Warn logs a warning.
func (l *Logger) Warn(format string, args ...interface{}) {
	if l.sugar == nil || !l.enabled {
		return
	}
	l.sugar.Warnf(format, args...)
}

// Error logs an error.
func (l *Logger) Error(format string, args ...interface{}) {
	if l.sugar == nil || !l.enabled {
		return
	}
	l.sugar.Errorf(format, args...)
}

// Timer measures a named operation within a category.
type Timer struct {
	category Category
	name     string
	start    time.Time
}

// StartTimer begins timing a named operation.
func StartTimer(cat Category, name string) *Timer {
	return &Timer{category: cat, name: name, start: time.Now()}
}

// Stop logs the elapsed duration at debug level.
func (t *Timer) Stop() {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s took %s", t.name, elapsed)
}

// Convenience helpers for the hottest categories, mirroring call sites that
// would otherwise repeat Get(...).

// Store logs at info level under the store category.
func Store(format string, args ...interface{}) { Get(CategoryStore).Info(format, args...) }

// StoreDebug logs at debug level under the store category.
func StoreDebug(format string, args ...interface{}) { Get(CategoryStore).Debug(format, args...) }

// Queue logs at info level under the queue category.
func Queue(format string, args ...interface{}) { Get(CategoryQueue).Info(format, args...) }

// QueueDebug logs at debug level under the queue category.
func QueueDebug(format string, args ...interface{}) { Get(CategoryQueue).Debug(format, args...) }

// Crawler logs at info level under the crawler category.
func Crawler(format string, args ...interface{}) { Get(CategoryCrawler).Info(format, args...) }

// WatcherDebug logs at debug level under the watcher category.
func WatcherDebug(format string, args ...interface{}) { Get(CategoryWatcher).Debug(format, args...) }

// Orchestrator logs at info level under the orchestrator category.
func Orchestrator(format string, args ...interface{}) {
	Get(CategoryOrchestrator).Info(format, args...)
}

// OrchestratorDebug logs at debug level under the orchestrator category.
func OrchestratorDebug(format string, args ...interface{}) {
	Get(CategoryOrchestrator).Debug(format, args...)
}
