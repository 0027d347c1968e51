// Package logger is a thin slog facade with printf-style helpers and a
// runtime-adjustable level.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"

	"log/slog"
)

var (
	levelVar slog.LevelVar
	active   atomic.Pointer[slog.Logger]
)

func init() {
	levelVar.Set(slog.LevelInfo)
	active.Store(newLogger(os.Stdout))
}

func newLogger(w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: &levelVar}))
}

// SetOutput redirects all subsequent log lines to w.
func SetOutput(w io.Writer) {
	active.Store(newLogger(w))
}

// SetLevel accepts debug, info, warn/warning or error; anything else falls
// back to info.
func SetLevel(level string) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		levelVar.Set(slog.LevelDebug)
	case "warn", "warning":
		levelVar.Set(slog.LevelWarn)
	case "error":
		levelVar.Set(slog.LevelError)
	default:
		levelVar.Set(slog.LevelInfo)
	}
}

func Debugf(format string, v ...any) {
	active.Load().Debug(fmt.Sprintf(format, v...))
}

func Infof(format string, v ...any) {
	active.Load().Info(fmt.Sprintf(format, v...))
}

func Warnf(format string, v ...any) {
	active.Load().Warn(fmt.Sprintf(format, v...))
}

func Errorf(format string, v ...any) {
	active.Load().Error(fmt.Sprintf(format, v...))
}
