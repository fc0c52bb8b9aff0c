/*
Package backup implements hot backup and verified restore of the ledger.

PURPOSE:
  A backup checkpoints the WAL and copies the database file while the
  store's writer lock is held, so the copy is a consistent snapshot taken
  without stopping readers for long. Every backup appends a line to
  manifest.jsonl with the file's SHA-256 and size.

RESTORE:
  Restore verifies the candidate before touching the live file: it must
  be recorded in the manifest, its checksum must match, and SQLite's
  integrity_check must pass. Only then is the live file swapped under the
  writer lock and the connection reopened. The displaced live file is kept
  next to the target as *.pre-restore until the next restore.

SEE ALSO:
  - store/sqlite/sqlite.go: HoldWrites, CheckpointWAL, Reopen
*/
package backup

import (
	"bufio"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/warp/crew-ledger/domain"
	"github.com/warp/crew-ledger/store/sqlite"
)

// Manager runs backups against one store and one target directory.
type Manager struct {
	store *sqlite.Store
	dir   string
}

// NewManager builds a backup manager writing into dir.
func NewManager(store *sqlite.Store, dir string) *Manager {
	return &Manager{store: store, dir: dir}
}

// ManifestEntry is one line of manifest.jsonl.
type ManifestEntry struct {
	File      string `json:"file"`
	SHA256    string `json:"sha256"`
	Size      int64  `json:"size_bytes"`
	CreatedAt string `json:"created_at"`
}

// Create takes a hot backup and returns its manifest entry.
func (m *Manager) Create(ctx context.Context) (ManifestEntry, error) {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return ManifestEntry{}, fmt.Errorf("backup: create dir: %w", err)
	}
	name := "backup_" + time.Now().UTC().Format("20060102_150405") + ".db"
	target := filepath.Join(m.dir, name)

	var entry ManifestEntry
	err := m.store.HoldWrites(func() error {
		if err := m.store.CheckpointWAL(ctx); err != nil {
			return fmt.Errorf("backup: wal checkpoint: %w", err)
		}
		sum, size, err := copyFile(m.store.Path(), target)
		if err != nil {
			return err
		}
		entry = ManifestEntry{
			File:      name,
			SHA256:    sum,
			Size:      size,
			CreatedAt: time.Now().UTC().Format(time.RFC3339),
		}
		return m.appendManifest(entry)
	})
	if err != nil {
		os.Remove(target)
		return ManifestEntry{}, err
	}
	return entry, nil
}

// Restore verifies a backup file and swaps it in as the live database.
// file is a name inside the backup directory.
func (m *Manager) Restore(ctx context.Context, file string) error {
	if strings.Contains(file, "/") || strings.Contains(file, "..") {
		return &domain.ValidationError{Field: "file", Message: "backup name only, no paths"}
	}
	candidate := filepath.Join(m.dir, file)
	if _, err := os.Stat(candidate); err != nil {
		return fmt.Errorf("backup: %s: %w", file, domain.ErrNotFound)
	}

	if err := m.verify(ctx, file, candidate); err != nil {
		return err
	}

	return m.store.HoldWrites(func() error {
		live := m.store.Path()
		displaced := live + ".pre-restore"
		os.Remove(displaced)
		if err := os.Rename(live, displaced); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("backup: displace live db: %w", err)
		}
		// WAL/SHM sidecars belong to the displaced file.
		os.Remove(live + "-wal")
		os.Remove(live + "-shm")

		if _, _, err := copyFile(candidate, live); err != nil {
			os.Rename(displaced, live)
			return err
		}
		if err := m.store.Reopen(); err != nil {
			return fmt.Errorf("backup: reopen after restore: %w", err)
		}
		return nil
	})
}

// verify checks the manifest checksum and SQLite integrity. A file the
// manifest never recorded is refused outright.
func (m *Manager) verify(ctx context.Context, name, path string) error {
	entries, err := m.Manifest()
	if err != nil {
		return err
	}
	var listed *ManifestEntry
	for i := range entries {
		if entries[i].File == name {
			listed = &entries[i]
			break
		}
	}
	if listed == nil {
		return &domain.ValidationError{Field: "file", Message: "not recorded in manifest"}
	}
	sum, _, err := hashFile(path)
	if err != nil {
		return err
	}
	if sum != listed.SHA256 {
		return &domain.ValidationError{Field: "file", Message: "checksum mismatch against manifest"}
	}

	db, err := sql.Open("sqlite3", path+"?mode=ro")
	if err != nil {
		return fmt.Errorf("backup: open candidate: %w", err)
	}
	defer db.Close()
	var result string
	if err := db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("backup: integrity check: %w", err)
	}
	if result != "ok" {
		return &domain.ValidationError{Field: "file", Message: "integrity check failed: " + result}
	}
	return nil
}

// Status describes the backup directory.
type Status struct {
	Dir     string          `json:"dir"`
	Count   int             `json:"count"`
	Latest  *ManifestEntry  `json:"latest,omitempty"`
	Entries []ManifestEntry `json:"entries"`
}

// Status summarizes recorded backups, newest last.
func (m *Manager) Status() (Status, error) {
	entries, err := m.Manifest()
	if err != nil {
		return Status{}, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].CreatedAt < entries[j].CreatedAt })
	st := Status{Dir: m.dir, Count: len(entries), Entries: entries}
	if len(entries) > 0 {
		st.Latest = &entries[len(entries)-1]
	}
	return st, nil
}

// Manifest reads manifest.jsonl, tolerating a missing file.
func (m *Manager) Manifest() ([]ManifestEntry, error) {
	f, err := os.Open(filepath.Join(m.dir, "manifest.jsonl"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []ManifestEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var e ManifestEntry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			// Torn tail line from a crash mid-append.
			continue
		}
		entries = append(entries, e)
	}
	return entries, scanner.Err()
}

func (m *Manager) appendManifest(e ManifestEntry) error {
	f, err := os.OpenFile(filepath.Join(m.dir, "manifest.jsonl"),
		os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = f.Write(append(line, '\n'))
	return err
}

func copyFile(src, dst string) (sum string, size int64, err error) {
	in, err := os.Open(src)
	if err != nil {
		return "", 0, fmt.Errorf("backup: open source: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return "", 0, fmt.Errorf("backup: create target: %w", err)
	}
	defer out.Close()

	h := sha256.New()
	size, err = io.Copy(io.MultiWriter(out, h), in)
	if err != nil {
		return "", 0, fmt.Errorf("backup: copy: %w", err)
	}
	if err := out.Sync(); err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), size, nil
}

func hashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
