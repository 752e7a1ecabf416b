// Package logging provides the process-wide structured logger.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

// envLogLevel is the environment variable consulted when -verbose is not
// passed on the command line.
const envLogLevel = "RELAY_LOG_LEVEL"

var (
	atomicLevel = &dynamicLevel{v: int64(slog.LevelInfo)}
	global      *slog.Logger
	initOnce    sync.Once
)

type dynamicLevel struct{ v int64 }

func (d *dynamicLevel) Level() slog.Level { return slog.Level(atomic.LoadInt64(&d.v)) }
func (d *dynamicLevel) set(l slog.Level)  { atomic.StoreInt64(&d.v, int64(l)) }

// Init initializes the global logger. Safe to call more than once; only the
// first call constructs the handler.
func Init() {
	initOnce.Do(func() {
		lvl := detectLevel()
		atomicLevel.set(lvl)
		global = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: atomicLevel}))
	})
}

func detectLevel() slog.Level {
	if env := os.Getenv(envLogLevel); env != "" {
		if lvl, ok := parseLevel(env); ok {
			return lvl
		}
	}
	return slog.LevelInfo
}

func parseLevel(s string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, true
	case "info", "":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error", "err":
		return slog.LevelError, true
	}
	return 0, false
}

// SetVerbose raises the runtime level to debug when verbose is true,
// otherwise resets it to info.
func SetVerbose(verbose bool) {
	Init()
	if verbose {
		atomicLevel.set(slog.LevelDebug)
		return
	}
	atomicLevel.set(slog.LevelInfo)
}

// UseWriter swaps the output writer. Intended for tests.
func UseWriter(w io.Writer) {
	Init()
	global = slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: atomicLevel}))
}

// Logger returns the global logger, initializing it on first use.
func Logger() *slog.Logger {
	Init()
	return global
}

// WithStream attaches the stream id field used across ingest, shaping and
// fanout logs.
func WithStream(l *slog.Logger, streamID string) *slog.Logger {
	return l.With("stream_id", streamID)
}
