package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls optional logging behaviour beyond the stdout JSON stream.
type Options struct {
	// FilePath, when set, mirrors all log output into a size-rotated file.
	FilePath   string
	MaxSizeMB  int
	MaxBackups int
}

// Setup configures the process-wide logger to emit structured JSON and returns
// the underlying slog.Logger for richer logging within the service. All log
// lines include the service name and environment when provided.
func Setup(service, env string, opts ...Options) *slog.Logger {
	var sink io.Writer = os.Stdout
	if len(opts) > 0 && strings.TrimSpace(opts[0].FilePath) != "" {
		opt := opts[0]
		maxSize := opt.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 100
		}
		rotated := &lumberjack.Logger{
			Filename:   opt.FilePath,
			MaxSize:    maxSize,
			MaxBackups: opt.MaxBackups,
			Compress:   true,
		}
		sink = io.MultiWriter(os.Stdout, rotated)
	}

	handler := slog.NewJSONHandler(sink, &slog.HandlerOptions{
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			switch attr.Key {
			case slog.TimeKey:
				return slog.Attr{Key: "timestamp", Value: attr.Value}
			case slog.LevelKey:
				return slog.String("severity", strings.ToUpper(attr.Value.String()))
			case slog.MessageKey:
				return slog.Attr{Key: "message", Value: attr.Value}
			}
			return attr
		},
	})

	attrs := []slog.Attr{slog.String("service", strings.TrimSpace(service))}
	if env = strings.TrimSpace(env); env != "" {
		attrs = append(attrs, slog.String("env", env))
	}
	withArgs := make([]any, 0, len(attrs))
	for _, attr := range attrs {
		withArgs = append(withArgs, attr)
	}

	base := slog.New(handler).With(withArgs...)
	slog.SetDefault(base)

	// Bridge the standard library logger so dependencies keep working.
	stdBridge := slog.NewLogLogger(handler.WithAttrs(attrs), slog.LevelInfo)
	stdBridge.SetFlags(0)
	log.SetOutput(stdBridge.Writer())
	log.SetFlags(0)
	log.SetPrefix("")

	return base
}
