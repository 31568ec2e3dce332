package logr

import (
	"bytes"
	"errors"
	"log/slog"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger(t *testing.T) {
	tests := []struct {
		name string
		min  slog.Leveler
		log  func(logger logr.Logger)
		want string
	}{
		{
			"info",
			slog.LevelInfo,
			func(logger logr.Logger) {
				logger.Info("stored blob", "name", "recon")
			},
			"level=INFO msg=\"stored blob\" name=recon\n",
		},
		{
			"error",
			slog.LevelInfo,
			func(logger logr.Logger) {
				logger.Error(errors.New("connection refused"), "healthcheck failed", "host", "localhost")
			},
			"level=ERROR msg=\"healthcheck failed\" error=\"connection refused\" host=localhost\n",
		},
		{
			"debug",
			slog.LevelDebug,
			func(logger logr.Logger) {
				logger.V(1).Info("retrying request", "status", 503)
			},
			"level=DEBUG msg=\"retrying request\" status=503\n",
		},
		{
			"trace",
			slog.Level(-5),
			func(logger logr.Logger) {
				logger.V(2).Info("response headers", "status", 200)
			},
			"level=DEBUG-1 msg=\"response headers\" status=200\n",
		},
		{
			"hide trace",
			slog.LevelDebug,
			func(logger logr.Logger) {
				logger.V(2).Info("should not see this")
			},
			"",
		},
		{
			"hide debug",
			slog.LevelInfo,
			func(logger logr.Logger) {
				logger.V(1).Info("should not see this")
			},
			"",
		},
		{
			"with values and name",
			slog.LevelInfo,
			func(logger logr.Logger) {
				logger.WithName("mrdstore").WithValues("subject", "$null").Info("fetch")
			},
			"level=INFO msg=\"mrdstore: fetch\" subject=$null\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got bytes.Buffer
			logger := logr.New(newLogSink(slog.NewTextHandler(&got, newTestOptions(tt.min))))
			tt.log(logger)
			assert.Equal(t, tt.want, got.String())
		})
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	_, err := NewWithWriter(&bytes.Buffer{}, Config{Format: "yaml"})
	assert.Error(t, err)
}

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithWriter(&buf, Config{Format: "json", Verbosity: 1})
	require.NoError(t, err)

	logger.V(1).Info("debugging")
	assert.Contains(t, buf.String(), `"level":"DEBUG"`)
	assert.Contains(t, buf.String(), `"msg":"debugging"`)
}

func newTestOptions(min slog.Leveler) *slog.HandlerOptions {
	return &slog.HandlerOptions{
		Level: min,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			// Remove time.
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			return a
		},
	}
}
