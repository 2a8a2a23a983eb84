// Package logging wraps log/slog with the syslog-flavoured severities the
// rest of this service already speaks over the wire: the four stdlib
// levels are not enough to tell a duplicate trigger (Notice) from a corrupt
// archive (Error) from a failed SFTP bind at start-up (Critical).
package logging

import (
	"context"
	"log/slog"
	"os"
)

// Extra levels slotted between and above the stdlib ones, spaced so each
// keeps room for slog's own Debug/Info/Warn/Error at -4/0/4/8.
const (
	LevelNotice    = slog.Level(2)
	LevelCritical  = slog.Level(12)
	LevelAlert     = slog.Level(16)
	LevelEmergency = slog.Level(20)
)

// levelNames maps our extra levels to their textual form; stdlib levels
// fall through to slog's own String().
var levelNames = map[slog.Level]string{
	LevelNotice:    "NOTICE",
	LevelCritical:  "CRITICAL",
	LevelAlert:     "ALERT",
	LevelEmergency: "EMERGENCY",
}

func levelToString(l slog.Level) string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return l.String()
}

// replaceLevel renders Attr values for slog.LevelKey using our names
// instead of slog's default "INFO+4"-style rendering of unknown levels.
func replaceLevel(groups []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		if lv, ok := a.Value.Any().(slog.Level); ok {
			a.Value = slog.StringValue(levelToString(lv))
		}
	}
	return a
}

// New builds a text-handler logger writing to w (stderr by default),
// favoring a plain-text console format over JSON.
func New(w *os.File) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	h := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       LevelNotice - 10, // let Debug/Info through too
		ReplaceAttr: replaceLevel,
	})
	return slog.New(h)
}

// Default returns l if non-nil, otherwise a fresh stderr logger. Every
// component constructor in this service accepts an optional *slog.Logger
// and calls Default on it.
func Default(l *slog.Logger) *slog.Logger {
	if l != nil {
		return l
	}
	return New(nil)
}

// Notice logs at the Notice level (between Info and Warn): used for
// conditions worth a human's attention that are not errors, e.g. a
// duplicate event ID.
func Notice(ctx context.Context, l *slog.Logger, msg string, args ...any) {
	l.Log(ctx, LevelNotice, msg, args...)
}

// Critical logs at the Critical level: start-up failures that abort the
// process.
func Critical(ctx context.Context, l *slog.Logger, msg string, args ...any) {
	l.Log(ctx, LevelCritical, msg, args...)
}
