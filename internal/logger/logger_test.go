package logger

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInit_DisabledDiscards(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Init(Options{Enabled: true, Output: &buf}))
	require.NoError(t, Init(Options{}))
	Info("dropped")
	require.Zero(t, buf.Len())
}

func TestInit_JSONToWriter(t *testing.T) {
	t.Cleanup(func() { _ = Init(Options{}) })

	var buf bytes.Buffer
	require.NoError(t, Init(Options{Enabled: true, Output: &buf, JSON: true, Level: slog.LevelWarn}))
	Info("below level")
	Warn("queue full", "evt", 7)

	out := buf.String()
	require.NotContains(t, out, "below level")
	require.Contains(t, out, `"msg":"queue full"`)
	require.Contains(t, out, `"evt":7`)
}

func TestInit_DatedFileAndRetention(t *testing.T) {
	t.Cleanup(func() { _ = Init(Options{}) })

	dir := t.TempDir()
	stale := filepath.Join(dir, logPrefix+"2000-01-01"+logSuffix)
	foreign := filepath.Join(dir, "other.log")
	require.NoError(t, os.WriteFile(stale, nil, 0o644))
	require.NoError(t, os.WriteFile(foreign, nil, 0o644))

	require.NoError(t, Init(Options{Enabled: true, LogDir: dir}))
	Error("boom")

	_, err := os.Stat(stale)
	require.True(t, os.IsNotExist(err), "stale log removed")
	_, err = os.Stat(foreign)
	require.NoError(t, err, "unrelated files are kept")

	today := filepath.Join(dir, logPrefix+time.Now().Format("2006-01-02")+logSuffix)
	data, err := os.ReadFile(today)
	require.NoError(t, err)
	require.Contains(t, string(data), "boom")
}
