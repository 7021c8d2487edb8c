package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, b []byte) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(b)), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestFieldsAndWith(t *testing.T) {
	var buf bytes.Buffer
	log := New(zerolog.New(&buf)).With(String("comp", "queue"))

	log.Info("task admitted",
		Int("len", 3),
		Bool("full", false),
		Strings("caps", []string{"a", "b"}),
		Duration("took", 1500*time.Millisecond),
		Err(errors.New("boom")),
		Err(nil),
	)

	lines := decodeLines(t, buf.Bytes())
	require.Len(t, lines, 1)
	e := lines[0]
	assert.Equal(t, "task admitted", e["message"])
	assert.Equal(t, "queue", e["comp"])
	assert.Equal(t, 3.0, e["len"])
	assert.Equal(t, false, e["full"])
	assert.Equal(t, []any{"a", "b"}, e["caps"])
	assert.Equal(t, "boom", e[zerolog.ErrorFieldName])
	assert.Contains(t, e, "caller")
}

func TestLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	log := New(zerolog.New(&buf).Level(zerolog.WarnLevel))
	log.Debug("hidden")
	log.Info("hidden")
	log.Warn("shown")
	assert.False(t, log.Enabled(LevelInfo))
	assert.True(t, log.Enabled(LevelError))
	assert.Len(t, decodeLines(t, buf.Bytes()), 1)
}

func TestZeroAndNop(t *testing.T) {
	var zero Logger
	assert.True(t, zero.IsZero())
	zero.Info("no panic")

	nop := Nop()
	assert.False(t, nop.IsZero())
	nop.Error("discarded")
}

func TestServiceApplyFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tempo.log")
	svc, log := NewService(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}})
	defer svc.Close()

	log.Debug("filtered")
	log.Info("kept", String("k", "v"))

	require.NoError(t, svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}}))
	log.Debug("now kept")
	require.NoError(t, svc.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := decodeLines(t, b)
	require.Len(t, lines, 2)
	assert.Equal(t, "kept", lines[0]["message"])
	assert.Equal(t, "v", lines[0]["k"])
	assert.Equal(t, "now kept", lines[1]["message"])
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.WarnLevel, parseLevel(" warning ", zerolog.InfoLevel))
	assert.Equal(t, zerolog.TraceLevel, parseLevel("trace", zerolog.InfoLevel))
	assert.Equal(t, zerolog.InfoLevel, parseLevel("loud", zerolog.InfoLevel))
}

func TestNewConsoleWritesReadableLines(t *testing.T) {
	var buf bytes.Buffer
	log := NewConsole(&buf, "warn")
	log.Info("hidden")
	log.Warn("config missing", String("path", "tempo.yaml"))

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "config missing")
	assert.Contains(t, out, "tempo.yaml")
	assert.NotContains(t, out, `"message"`, "console output is not json")
}

func TestServiceApplyFallsBackToConsole(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, nil, 0o600))

	svc, log := NewService(Config{Level: "info"})
	defer svc.Close()
	var buf bytes.Buffer
	svc.console = &buf

	err := svc.Apply(Config{Level: "info", File: FileConfig{Enabled: true, Path: filepath.Join(blocker, "tempo.log")}})
	require.Error(t, err)
	log.Info("still visible")
	assert.Contains(t, buf.String(), "still visible")
}
