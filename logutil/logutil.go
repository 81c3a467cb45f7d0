package logutil

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/gitbearflying/demucs/envconfig"
)

// LevelTrace sits below debug and carries per-layer shape tracing.
const LevelTrace slog.Level = -8

func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:     level,
		AddSource: true,
		ReplaceAttr: func(_ []string, attr slog.Attr) slog.Attr {
			switch attr.Key {
			case slog.LevelKey:
				if attr.Value.Any().(slog.Level) == LevelTrace {
					attr.Value = slog.StringValue("TRACE")
				}
			case slog.SourceKey:
				source := attr.Value.Any().(*slog.Source)
				source.File = filepath.Base(source.File)
			}
			return attr
		},
	}))
}

// Setup installs a stderr logger at envconfig's level as the slog default.
func Setup() {
	slog.SetDefault(NewLogger(os.Stderr, envconfig.LogLevel()))
}

func traceEnabled() bool {
	return slog.Default().Enabled(context.Background(), LevelTrace)
}

// trace logs at LevelTrace with the source of the caller skip frames up.
func trace(skip int, msg string, args ...any) {
	var pcs [1]uintptr
	runtime.Callers(skip+2, pcs[:])

	record := slog.NewRecord(time.Now(), LevelTrace, msg, pcs[0])
	record.Add(args...)
	_ = slog.Default().Handler().Handle(context.Background(), record)
}

// Trace logs at LevelTrace on the default logger. Tensors are logged by
// shape.
func Trace(msg string, args ...any) {
	if traceEnabled() {
		trace(1, msg, args...)
	}
}

// Op traces the start of a layer and returns a function that traces its
// end with the elapsed time and the given attributes, typically the
// output tensor.
//
//	done := logutil.Op("dconv", "input", x)
//	...
//	done("output", y)
func Op(name string, args ...any) func(args ...any) {
	if !traceEnabled() {
		return func(...any) {}
	}

	trace(1, name, args...)
	start := time.Now()
	return func(args ...any) {
		trace(1, name+" done", append(args, "elapsed", time.Since(start))...)
	}
}
