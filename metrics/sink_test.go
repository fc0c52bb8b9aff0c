/*
sink_test.go - JSONL sink rotation and crash tolerance
*/
package metrics

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSink_WritesOneLinePerEvent(t *testing.T) {
	dir := t.TempDir()
	s := NewSink(dir)
	defer s.Close()

	require.NoError(t, s.Record("mod.approve", map[string]any{"kind": "expense", "id": 1}))
	require.NoError(t, s.Record("mod.reject", map[string]any{"id": 2}))

	day := time.Now().UTC().Format("2006-01-02")
	events, err := s.ReadDay(day)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "mod.approve", events[0]["kind"])
	assert.Equal(t, "mod.reject", events[1]["kind"])
	assert.NotEmpty(t, events[0]["ts"])
}

func TestSink_RotatesAtUTCMidnight(t *testing.T) {
	dir := t.TempDir()
	s := NewSink(dir)
	defer s.Close()

	day1 := time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC)
	day2 := time.Date(2026, 3, 2, 0, 1, 0, 0, time.UTC)

	s.nowFunc = func() time.Time { return day1 }
	require.NoError(t, s.Record("shift.start", nil))

	s.nowFunc = func() time.Time { return day2 }
	require.NoError(t, s.Record("shift.end", nil))

	e1, err := s.ReadDay("2026-03-01")
	require.NoError(t, err)
	e2, err := s.ReadDay("2026-03-02")
	require.NoError(t, err)
	assert.Len(t, e1, 1)
	assert.Len(t, e2, 1)
}

func TestSink_PurgesBeyondRetention(t *testing.T) {
	dir := t.TempDir()

	// Pre-seed an ancient day directory.
	old := filepath.Join(dir, "2020-01-01")
	require.NoError(t, os.MkdirAll(old, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(old, "api.jsonl"), []byte("{}\n"), 0o644))

	s := NewSink(dir)
	defer s.Close()
	require.NoError(t, s.Record("task.add", nil))

	_, err := os.Stat(old)
	assert.True(t, os.IsNotExist(err), "old day directory should be purged at rotation")
}

func TestSink_ReadTolerantOfTornLine(t *testing.T) {
	dir := t.TempDir()
	day := "2026-03-03"
	require.NoError(t, os.MkdirAll(filepath.Join(dir, day), 0o755))
	content := "{\"ts\":\"t\",\"kind\":\"expense.add\"}\n{\"ts\":\"t\",\"ki" // torn
	require.NoError(t, os.WriteFile(filepath.Join(dir, day, "api.jsonl"), []byte(content), 0o644))

	s := NewSink(dir)
	events, err := s.ReadDay(day)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "expense.add", events[0]["kind"])
}
