package backup

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duckclient/duckclient/internal/metastore"
)

// fakeStore is a minimal in-memory metastore.Store for exercising the
// backup engine without a real database.
type fakeStore struct {
	mu      sync.Mutex
	nextID  int64
	records map[int64]*metastore.BackupRecord
	config  map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: map[int64]*metastore.BackupRecord{}, config: map[string]string{}}
}

func (s *fakeStore) CreateBackupRecord(name string, kind metastore.BackupKind, sourceVersion, path string, sizeBytes int64, status metastore.BackupStatus) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.records[s.nextID] = &metastore.BackupRecord{ID: s.nextID, Name: name, Kind: kind, SourceVersion: sourceVersion, Path: path, SizeBytes: sizeBytes, Status: status}
	return s.nextID, nil
}

func (s *fakeStore) UpdateBackupFilePath(id int64, newPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.records[id]; ok {
		r.Path = newPath
	}
	return nil
}

func (s *fakeStore) UpdateBackupStatus(id int64, status metastore.BackupStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.records[id]; ok {
		r.Status = status
	}
	return nil
}

func (s *fakeStore) ListBackups() ([]*metastore.BackupRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*metastore.BackupRecord, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	return out, nil
}

func (s *fakeStore) GetBackupByID(id int64) (*metastore.BackupRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[id], nil
}

func (s *fakeStore) DeleteBackupRecord(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

func (s *fakeStore) GetConfig(key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.config[key]
	return v, ok, nil
}

func (s *fakeStore) SetConfig(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config[key] = value
	return nil
}

func (s *fakeStore) Close() error { return nil }

func writeTestTree(t *testing.T, root string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "data", "nested"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "data", "file1.txt"), []byte("one"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "data", "nested", "file2.txt"), []byte("two"), 0o644))
}

func TestCreateBackupProducesArchiveAndRecord(t *testing.T) {
	t.Parallel()
	work := t.TempDir()
	writeTestTree(t, work)

	store := newFakeStore()
	eng := New(Config{StorageDir: filepath.Join(work, "backups"), CompressionLevel: 6}, store, nil)

	rec, err := eng.CreateBackup(context.Background(), CreateOptions{
		Kind:          metastore.KindManual,
		SourceVersion: "1.2.3.4",
		SourcePaths:   []string{filepath.Join(work, "data")},
	})
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, metastore.StatusCompleted, rec.Status)
	assert.FileExists(t, rec.Path)
	assert.Greater(t, rec.SizeBytes, int64(0))
}

func TestCreateBackupMissingSourceFails(t *testing.T) {
	t.Parallel()
	work := t.TempDir()
	store := newFakeStore()
	eng := New(Config{StorageDir: filepath.Join(work, "backups")}, store, nil)

	_, err := eng.CreateBackup(context.Background(), CreateOptions{
		Kind:          metastore.KindManual,
		SourceVersion: "v1.0.0.0",
		SourcePaths:   []string{filepath.Join(work, "does-not-exist")},
	})
	require.Error(t, err)

	records, err := store.ListBackups()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, metastore.StatusFailed, records[0].Status)

	entries, err := os.ReadDir(filepath.Join(work, "backups"))
	if err == nil {
		assert.Empty(t, entries, "no partial archive file should remain")
	}
}

func TestRestoreFullRestoreRoundTrips(t *testing.T) {
	t.Parallel()
	work := t.TempDir()
	writeTestTree(t, work)

	store := newFakeStore()
	eng := New(Config{StorageDir: filepath.Join(work, "backups")}, store, nil)

	rec, err := eng.CreateBackup(context.Background(), CreateOptions{
		Kind:        metastore.KindManual,
		SourcePaths: []string{filepath.Join(work, "data")},
	})
	require.NoError(t, err)

	restoreTarget := t.TempDir()
	err = eng.Restore(context.Background(), RestoreOptions{
		BackupID:  rec.ID,
		TargetDir: restoreTarget,
		Mode:      FullRestore,
	}, LifecycleHooks{})
	require.NoError(t, err)

	got, err := os.ReadFile(filepath.Join(restoreTarget, "data", "file1.txt"))
	require.NoError(t, err)
	assert.Equal(t, "one", string(got))

	got, err = os.ReadFile(filepath.Join(restoreTarget, "data", "nested", "file2.txt"))
	require.NoError(t, err)
	assert.Equal(t, "two", string(got))
}

func TestDeleteBackupRemovesFileAndRecord(t *testing.T) {
	t.Parallel()
	work := t.TempDir()
	writeTestTree(t, work)
	store := newFakeStore()
	eng := New(Config{StorageDir: filepath.Join(work, "backups")}, store, nil)

	rec, err := eng.CreateBackup(context.Background(), CreateOptions{
		Kind:        metastore.KindManual,
		SourcePaths: []string{filepath.Join(work, "data")},
	})
	require.NoError(t, err)

	require.NoError(t, eng.DeleteBackup(rec.ID))
	assert.NoFileExists(t, rec.Path)

	got, err := store.GetBackupByID(rec.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestEstimateBackupSizeIsHalfOfTotal(t *testing.T) {
	t.Parallel()
	work := t.TempDir()
	writeTestTree(t, work)

	size, err := EstimateBackupSize(filepath.Join(work, "data"))
	require.NoError(t, err)
	assert.Equal(t, int64(3), size) // ("one"+"two" = 6 bytes) / 2
}

func TestCreateBackupWithLifecycleStartsServicesEvenOnFailure(t *testing.T) {
	t.Parallel()
	work := t.TempDir()
	store := newFakeStore()
	eng := New(Config{StorageDir: filepath.Join(work, "backups")}, store, nil)

	var started bool
	_, err := eng.CreateBackupWithLifecycle(context.Background(), CreateOptions{
		SourcePaths: []string{filepath.Join(work, "missing")},
	}, LifecycleHooks{
		StartServices: func(ctx context.Context) error {
			started = true
			return nil
		},
	})
	require.Error(t, err)
	assert.True(t, started)
}
