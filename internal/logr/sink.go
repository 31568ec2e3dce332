package logr

import (
	"context"
	"log/slog"
	"runtime"
	"time"

	"github.com/go-logr/logr"
)

var _ logr.LogSink = (*slogSink)(nil)

// slogSink forwards logr records to a slog handler, mapping V(1) to debug
// and every further v-level one slog level below.
type slogSink struct {
	handler   slog.Handler
	name      string
	callDepth int
}

func newLogSink(h slog.Handler) *slogSink {
	return &slogSink{handler: h}
}

func (s *slogSink) Init(info logr.RuntimeInfo) {
	s.callDepth = info.CallDepth
}

func (s *slogSink) Enabled(level int) bool {
	return s.handler.Enabled(context.Background(), toSlogLevel(level))
}

func (s *slogSink) Info(level int, msg string, keysAndValues ...any) {
	s.log(toSlogLevel(level), nil, msg, keysAndValues...)
}

func (s *slogSink) Error(err error, msg string, keysAndValues ...any) {
	s.log(slog.LevelError, err, msg, keysAndValues...)
}

func (s *slogSink) log(level slog.Level, err error, msg string, keysAndValues ...any) {
	var pcs [1]uintptr
	runtime.Callers(s.callDepth+4, pcs[:])
	if s.name != "" {
		msg = s.name + ": " + msg
	}
	record := slog.NewRecord(time.Now(), level, msg, pcs[0])
	if err != nil {
		record.AddAttrs(slog.Any("error", err))
	}
	record.Add(keysAndValues...)
	_ = s.handler.Handle(context.Background(), record)
}

func (s *slogSink) WithValues(keysAndValues ...any) logr.LogSink {
	clone := *s
	clone.handler = s.handler.WithAttrs(attrs(keysAndValues))
	return &clone
}

func (s *slogSink) WithName(name string) logr.LogSink {
	clone := *s
	if clone.name == "" {
		clone.name = name
	} else {
		clone.name += "/" + name
	}
	return &clone
}

func attrs(keysAndValues []any) []slog.Attr {
	var record slog.Record
	record.Add(keysAndValues...)
	out := make([]slog.Attr, 0, record.NumAttrs())
	record.Attrs(func(a slog.Attr) bool {
		out = append(out, a)
		return true
	})
	return out
}
