/*
Package metrics is the append-only JSONL event sink.

PURPOSE:
  One JSON object per line under METRICS_DIR/YYYY-MM-DD/api.jsonl. The
  rotation boundary is UTC midnight; directories older than seven days are
  purged when rotation happens. Writers serialize on a per-process mutex.
  Readers tolerate a torn final line after a crash.

KNOWN KINDS:
  shift.start, shift.end, expense.add, task.add, mod.approve, mod.reject,
  bot.inbox.list, bot.item.details, suggest.forbidden, suggest.apply_blocked

TRANSACTIONAL GATING:
  Mutating store sessions queue events instead of writing directly; the
  store acquires the sink's tail-write lock before commit and flushes after
  commit so an event exists iff the domain effect landed.

SEE ALSO:
  - store/sqlite/session.go: queues and flushes events
*/
package metrics

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const retentionDays = 7

// Event is one metric record before serialization.
type Event struct {
	Kind    string
	Payload map[string]any
}

// Sink writes JSONL metric events with daily rotation.
type Sink struct {
	dir string

	mu      sync.Mutex
	day     string // YYYY-MM-DD of the open file
	file    *os.File
	nowFunc func() time.Time
}

// NewSink creates a sink rooted at dir. Files are opened lazily.
func NewSink(dir string) *Sink {
	return &Sink{dir: dir, nowFunc: func() time.Time { return time.Now().UTC() }}
}

// Record appends one event. Safe for concurrent use.
func (s *Sink) Record(kind string, payload map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recordLocked(kind, payload)
}

// Lock takes the tail-write lock. The store holds it across commit so the
// flush happens-after the database effect.
func (s *Sink) Lock() { s.mu.Lock() }

// Unlock releases the tail-write lock.
func (s *Sink) Unlock() { s.mu.Unlock() }

// RecordLocked appends one event while the caller holds the lock.
func (s *Sink) RecordLocked(kind string, payload map[string]any) error {
	return s.recordLocked(kind, payload)
}

func (s *Sink) recordLocked(kind string, payload map[string]any) error {
	now := s.nowFunc()
	if err := s.rotate(now); err != nil {
		return err
	}

	line := map[string]any{
		"ts":   now.Format(time.RFC3339Nano),
		"kind": kind,
	}
	for k, v := range payload {
		if k == "ts" || k == "kind" {
			continue
		}
		line[k] = v
	}

	raw, err := json.Marshal(line)
	if err != nil {
		return fmt.Errorf("metrics: marshal: %w", err)
	}
	raw = append(raw, '\n')
	if _, err := s.file.Write(raw); err != nil {
		return fmt.Errorf("metrics: write: %w", err)
	}
	return nil
}

// rotate opens the current day's file if needed and purges old directories
// when the boundary is crossed.
func (s *Sink) rotate(now time.Time) error {
	day := now.Format("2006-01-02")
	if s.file != nil && s.day == day {
		return nil
	}

	if s.file != nil {
		s.file.Close()
		s.file = nil
	}

	dir := filepath.Join(s.dir, day)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("metrics: mkdir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, "api.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("metrics: open: %w", err)
	}
	s.file = f
	s.day = day

	s.purge(now)
	return nil
}

// purge removes day directories older than the retention window. Best
// effort; a failed removal is retried at the next rotation.
func (s *Sink) purge(now time.Time) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}
	cutoff := now.AddDate(0, 0, -retentionDays).Format("2006-01-02")
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		if _, err := time.Parse("2006-01-02", name); err != nil {
			continue
		}
		if name < cutoff {
			os.RemoveAll(filepath.Join(s.dir, name))
		}
	}
}

// Close closes the open file, if any.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// ReadDay reads back all complete events for a given UTC day. A torn final
// line (crash mid-write) is skipped, not an error.
func (s *Sink) ReadDay(day string) ([]map[string]any, error) {
	path := filepath.Join(s.dir, day, "api.jsonl")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []map[string]any
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			continue // partial line
		}
		out = append(out, m)
	}
	return out, sc.Err()
}
