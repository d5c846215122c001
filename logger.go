package vecfs

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// Logger is the structured logger used by a DB. Every record emitted on
// behalf of an open volume carries a "volume" attribute.
type Logger struct {
	*slog.Logger
}

// NewLogger wraps handler. A nil handler logs text at info level to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		return NewTextLogger(slog.LevelInfo)
	}
	return &Logger{Logger: slog.New(handler)}
}

// NewJSONLogger logs JSON lines to stderr at or above level.
func NewJSONLogger(level slog.Level) *Logger {
	return NewLogger(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// NewTextLogger logs logfmt-style text to stderr at or above level.
func NewTextLogger(level slog.Level) *Logger {
	return NewLogger(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// NoopLogger discards everything.
func NoopLogger() *Logger {
	return NewLogger(slog.NewTextHandler(io.Discard, nil))
}

// WithVolume tags all records with the volume instance id.
func (l *Logger) WithVolume(volume string) *Logger {
	return &Logger{Logger: l.Logger.With("volume", volume)}
}

// result logs msg at debug on success and at error otherwise.
func (l *Logger) result(ctx context.Context, op string, err error, attrs ...any) {
	if err != nil {
		l.ErrorContext(ctx, op+" failed", append(attrs, "error", err)...)
		return
	}
	l.DebugContext(ctx, op+" completed", attrs...)
}

// LogInsert logs an insert. A vector that was stored but not indexed is a
// warning, not an error.
func (l *Logger) LogInsert(ctx context.Context, id uint64, dimension int, err error) {
	if err != nil && IsNotIndexed(err) {
		l.LogSoftFailure(ctx, id, err)
		return
	}
	l.result(ctx, "insert", err, "id", id, "dimension", dimension)
}

// LogSoftFailure logs a vector that was stored but not indexed.
func (l *Logger) LogSoftFailure(ctx context.Context, id uint64, err error) {
	l.WarnContext(ctx, "vector stored but not indexed", "id", id, "error", err)
}

func (l *Logger) LogSearch(ctx context.Context, k, found int, err error) {
	if err != nil {
		l.result(ctx, "search", err, "k", k)
		return
	}
	l.result(ctx, "search", nil, "k", k, "results", found)
}

func (l *Logger) LogRemove(ctx context.Context, id uint64, err error) {
	l.result(ctx, "remove", err, "id", id)
}

// LogRebuild logs one call of an index rebuild.
func (l *Logger) LogRebuild(ctx context.Context, p RebuildProgress, err error) {
	if err != nil {
		l.ErrorContext(ctx, "rebuild interrupted",
			"next", p.Next, "indexed", p.Indexed, "failed", p.Failed, "error", err)
		return
	}
	level := slog.LevelInfo
	if p.Failed > 0 {
		level = slog.LevelWarn
	}
	l.Log(ctx, level, "rebuild progress",
		"next", p.Next,
		"indexed", p.Indexed,
		"skipped", p.Skipped,
		"failed", p.Failed,
		"done", p.Done,
	)
}

// LogRecovery logs a journal roll-forward at open.
func (l *Logger) LogRecovery(ctx context.Context, intents int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "journal recovery failed", "intents_applied", intents, "error", err)
		return
	}
	l.InfoContext(ctx, "journal recovery completed", "intents_applied", intents)
}
