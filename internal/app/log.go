package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// LogFileName is the log file written inside the configured log directory.
const LogFileName = "tm.log"

// tmHandler is a custom slog.Handler that formats log records as:
//
//	<timestamp>\t<level>\t<runID>\t<message>\t<key=value ...>
//
// Handlers derived with WithAttrs share the writer lock, so lines from
// concurrent goroutines never interleave.
type tmHandler struct {
	mu    *sync.Mutex
	w     io.Writer
	level slog.Leveler
	runID string
	attrs []slog.Attr
}

func newHandler(w io.Writer, runID string, level slog.Leveler) *tmHandler {
	if level == nil {
		level = slog.LevelInfo
	}
	return &tmHandler{mu: &sync.Mutex{}, w: w, level: level, runID: runID}
}

func (h *tmHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *tmHandler) Handle(_ context.Context, r slog.Record) error {
	line := fmt.Sprintf("%s\t%s\t%s\t%s", r.Time.UTC().Format("2006-01-02T15:04:05Z"), r.Level, h.runID, r.Message)

	for _, a := range h.attrs {
		line += fmt.Sprintf("\t%s=%v", a.Key, a.Value)
	}
	r.Attrs(func(a slog.Attr) bool {
		line += fmt.Sprintf("\t%s=%v", a.Key, a.Value)
		return true
	})

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := fmt.Fprintln(h.w, line)
	return err
}

func (h *tmHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &tmHandler{
		mu:    h.mu,
		w:     h.w,
		level: h.level,
		runID: h.runID,
		attrs: append(append([]slog.Attr{}, h.attrs...), attrs...),
	}
}

func (h *tmHandler) WithGroup(string) slog.Handler { return h }

// newLogger creates a structured logger that writes to both logDir/tm.log and
// stderr. It returns the slog.Logger, the open log file (for cleanup), and any error.
func newLogger(logDir, runID string, level slog.Leveler, stderr io.Writer) (*slog.Logger, *os.File, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, nil, fmt.Errorf("creating log directory: %w", err)
	}

	logPath := filepath.Join(logDir, LogFileName)
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("opening log file: %w", err)
	}

	w := io.Writer(f)
	if stderr != nil {
		w = io.MultiWriter(f, stderr)
	}
	return slog.New(newHandler(w, runID, level)), f, nil
}

// slogAdapter wraps *slog.Logger to satisfy the tm.Logger interface.
type slogAdapter struct {
	l *slog.Logger
}

func (a *slogAdapter) Debug(msg string, args ...any) { a.l.Debug(msg, args...) }
func (a *slogAdapter) Info(msg string, args ...any)  { a.l.Info(msg, args...) }
func (a *slogAdapter) Warn(msg string, args ...any)  { a.l.Warn(msg, args...) }
func (a *slogAdapter) Error(msg string, args ...any) { a.l.Error(msg, args...) }
