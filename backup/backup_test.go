/*
backup_test.go - Hot backup, manifest, verified restore round trip
*/
package backup

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/crew-ledger/audit"
	"github.com/warp/crew-ledger/domain"
	"github.com/warp/crew-ledger/store/sqlite"
)

func seedMark(sess *sqlite.Session, action string) error {
	e, err := audit.New("test", action, "test", nil, nil, audit.OutcomeApplied, "")
	if err != nil {
		return err
	}
	if err := sess.AppendAudit(e); err != nil {
		return err
	}
	sess.Emit(action, map[string]any{"seed": true})
	return nil
}

func newFileStore(t *testing.T) (*sqlite.Store, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := sqlite.New(filepath.Join(dir, "ledger.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, dir
}

func addUser(t *testing.T, store *sqlite.Store, name string) {
	t.Helper()
	require.NoError(t, store.WithTx(context.Background(), func(sess *sqlite.Session) error {
		_, err := sess.CreateUser(domain.User{Name: name, Role: domain.RoleWorker, Status: domain.UserActive})
		if err != nil {
			return err
		}
		return seedMark(sess, "user.create")
	}))
}

func countUsers(t *testing.T, store *sqlite.Store) int {
	t.Helper()
	var total int
	require.NoError(t, store.WithReadTx(context.Background(), func(sess *sqlite.Session) error {
		_, n, err := sess.ListUsers(1, 100)
		total = n
		return err
	}))
	return total
}

func TestCreate_WritesFileAndManifest(t *testing.T) {
	store, dir := newFileStore(t)
	addUser(t, store, "Avi")
	mgr := NewManager(store, filepath.Join(dir, "backups"))

	entry, err := mgr.Create(context.Background())
	require.NoError(t, err)
	assert.Regexp(t, `^backup_\d{8}_\d{6}\.db$`, entry.File)
	assert.Len(t, entry.SHA256, 64)
	assert.Greater(t, entry.Size, int64(0))

	info, err := os.Stat(filepath.Join(dir, "backups", entry.File))
	require.NoError(t, err)
	assert.Equal(t, entry.Size, info.Size())

	entries, err := mgr.Manifest()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, entry.SHA256, entries[0].SHA256)

	// The manifest line carries the contractual field names.
	raw, err := os.ReadFile(filepath.Join(dir, "backups", "manifest.jsonl"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"size_bytes":`)
	assert.Contains(t, string(raw), `"sha256":`)

	st, err := mgr.Status()
	require.NoError(t, err)
	assert.Equal(t, 1, st.Count)
	require.NotNil(t, st.Latest)
	assert.Equal(t, entry.File, st.Latest.File)
}

func TestRestore_RoundTrip(t *testing.T) {
	store, dir := newFileStore(t)
	addUser(t, store, "Avi")
	mgr := NewManager(store, filepath.Join(dir, "backups"))

	entry, err := mgr.Create(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, countUsers(t, store))

	// Mutate after the backup, then restore: the later write is gone.
	addUser(t, store, "Beni")
	require.Equal(t, 2, countUsers(t, store))

	require.NoError(t, mgr.Restore(context.Background(), entry.File))
	assert.Equal(t, 1, countUsers(t, store))

	// The store stays writable after the swap.
	addUser(t, store, "Gila")
	assert.Equal(t, 2, countUsers(t, store))
}

func TestRestore_RejectsBadInput(t *testing.T) {
	store, dir := newFileStore(t)
	mgr := NewManager(store, filepath.Join(dir, "backups"))
	ctx := context.Background()

	err := mgr.Restore(ctx, "../../etc/passwd")
	require.ErrorIs(t, err, domain.ErrValidation)

	err = mgr.Restore(ctx, "backup_20990101_000000.db")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRestore_RejectsUnmanifestedFile(t *testing.T) {
	store, dir := newFileStore(t)
	addUser(t, store, "Avi")
	backups := filepath.Join(dir, "backups")
	mgr := NewManager(store, backups)

	_, err := mgr.Create(context.Background())
	require.NoError(t, err)

	// A file dropped into the directory without a manifest line is refused,
	// even if it is a valid database.
	src, err := os.ReadFile(store.Path())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(backups, "backup_20990101_000000.db"), src, 0o644))

	err = mgr.Restore(context.Background(), "backup_20990101_000000.db")
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestRestore_RejectsTamperedFile(t *testing.T) {
	store, dir := newFileStore(t)
	addUser(t, store, "Avi")
	backups := filepath.Join(dir, "backups")
	mgr := NewManager(store, backups)

	entry, err := mgr.Create(context.Background())
	require.NoError(t, err)

	// Flip bytes in the backup; the manifest checksum no longer matches.
	path := filepath.Join(backups, entry.File)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)/2] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0o644))

	err = mgr.Restore(context.Background(), entry.File)
	require.ErrorIs(t, err, domain.ErrValidation)
}
