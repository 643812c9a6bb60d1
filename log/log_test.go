package log

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var opts = &slog.HandlerOptions{
	Level:     slog.LevelDebug,
	AddSource: true,
}

func TestHandler(t *testing.T) {
	h := NewHandler(slog.NewTextHandler(os.Stdout, opts))

	if h.Handler() != h.handler {
		t.Errorf("Handler() = %v, want %v", h.Handler(), h.handler)
	}
}

func TestHandlerAvoidsChains(t *testing.T) {
	inner := slog.NewTextHandler(os.Stdout, opts)
	h := NewHandler(NewHandler(inner))
	assert.Equal(t, slog.Handler(inner), h.Handler())
}

func TestHandlerWritesRecord(t *testing.T) {
	var buf bytes.Buffer
	h := NewHandler(slog.NewTextHandler(&buf, opts))
	l := slog.New(h)

	l.InfoContext(context.Background(), "orbit batch committed", "rows", 200)
	out := buf.String()
	assert.Contains(t, out, "orbit batch committed")
	assert.Contains(t, out, "rows=200")
}

func TestWithAttrsAndGroup(t *testing.T) {
	var buf bytes.Buffer
	h := NewHandler(slog.NewTextHandler(&buf, opts))
	l := slog.New(h).With("job_id", "abc").WithGroup("queue")

	l.Info("dequeued", "priority", "high")
	out := buf.String()
	assert.Contains(t, out, "job_id=abc")
	assert.Contains(t, out, "queue.priority=high")
}

func TestSetLevel(t *testing.T) {
	for _, name := range []string{"trace", "debug", "info", "warn", "error", "fatal", ""} {
		require.NoError(t, SetLevel(name), name)
	}
	assert.Error(t, SetLevel("loud"))

	require.NoError(t, SetLevel("error"))
	assert.False(t, Logger().Enabled(context.Background(), slog.LevelInfo))
	require.NoError(t, SetLevel("info"))
	assert.True(t, Logger().Enabled(context.Background(), slog.LevelInfo))
}

func TestLoggerSingleton(t *testing.T) {
	assert.Same(t, Logger(), Logger())
}
