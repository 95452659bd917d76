package logging

import (
	"bytes"
	"errors"
	"log/slog"
	"testing"

	"topup/internal/events"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamHandler_PublishesLines(t *testing.T) {
	bus := events.NewBus(nil)
	var buf bytes.Buffer
	_, logger := New(&buf, slog.LevelInfo, bus)

	var lines []events.LogEvent
	events.Subscribe(bus, events.LogLine, func(e events.LogEvent) { lines = append(lines, e) })

	logger.With("component", "sweeper").Warn("sweep expired orders", "count", 3, "err", errors.New("boom"))
	logger.Debug("hidden")
	logger.WithGroup("gw").Info("call", "op", "open")

	require.Len(t, lines, 2)
	assert.Equal(t, "warn", lines[0].Level)
	assert.Equal(t, "sweep expired orders", lines[0].Msg)
	assert.Equal(t, "sweeper", lines[0].Meta["component"])
	assert.EqualValues(t, 3, lines[0].Meta["count"])
	assert.Equal(t, "boom", lines[0].Meta["err"])
	assert.Equal(t, "open", lines[1].Meta["gw.op"])

	assert.Contains(t, buf.String(), "sweep expired orders")
	assert.NotContains(t, buf.String(), "hidden")
}

func TestBaseLoggerDoesNotStream(t *testing.T) {
	bus := events.NewBus(nil)
	var buf bytes.Buffer
	base, _ := New(&buf, slog.LevelInfo, bus)

	count := 0
	events.Subscribe(bus, events.LogLine, func(events.LogEvent) { count++ })

	base.Info("quiet")
	assert.Equal(t, 0, count)
	assert.Contains(t, buf.String(), "quiet")
}

func TestSetup(t *testing.T) {
	var buf bytes.Buffer
	base, bus, stream := Setup(&buf, "warn")

	var lines []events.LogEvent
	events.Subscribe(bus, events.LogLine, func(e events.LogEvent) { lines = append(lines, e) })

	stream.Info("below level")
	stream.Error("gateway down")
	base.Error("base only")

	require.Len(t, lines, 1)
	assert.Equal(t, "error", lines[0].Level)
	assert.Contains(t, buf.String(), "base only")
	assert.Equal(t, slog.LevelInfo, ParseLevel("loud"))
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
}
