package pipeline

import (
	"archive/tar"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"

	"github.com/duckclient/duckclient/internal/backup"
	"github.com/duckclient/duckclient/internal/container"
	"github.com/duckclient/duckclient/internal/download"
	"github.com/duckclient/duckclient/internal/manifest"
	"github.com/duckclient/duckclient/internal/metastore"
	"github.com/duckclient/duckclient/internal/selector"
)

// fakeRunner scripts canned "docker compose ps" output so the container
// adapter never shells out to a real runtime (same fake shape as
// internal/container's own tests).
type fakeRunner struct{ running bool }

func (f *fakeRunner) Run(ctx context.Context, args ...string) (string, error) {
	if len(args) >= 4 && args[3] == "ps" {
		if f.running {
			return `{"Service":"app","State":"running","Image":"app:latest"}`, nil
		}
		return "", nil
	}
	if len(args) >= 4 && args[3] == "up" {
		f.running = true
	}
	if len(args) >= 4 && args[3] == "down" {
		f.running = false
	}
	return "", nil
}

func makeTarGz(t *testing.T, dir string, files map[string]string) string {
	t.Helper()
	archivePath := filepath.Join(dir, "payload.tar.gz")
	out, err := os.Create(archivePath)
	require.NoError(t, err)
	defer out.Close()

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Typeflag: tar.TypeReg, Mode: 0o644, Size: int64(len(content))}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return archivePath
}

func fakeDownloadFrom(archivePath string) Downloader {
	return func(ctx context.Context, url, targetPath string, opts download.Options) error {
		if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
			return err
		}
		data, err := os.ReadFile(archivePath)
		if err != nil {
			return err
		}
		return os.WriteFile(targetPath, data, 0o644)
	}
}

func setupWorkDir(t *testing.T) string {
	t.Helper()
	workDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(workDir, "docker"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(workDir, "docker", "docker-compose.yml"), []byte("services:\n  app:\n    image: app\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(workDir, "data"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(workDir, "data", "seed.txt"), []byte("seed"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(workDir, "app"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(workDir, "app", "app.jar"), []byte("old-jar"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(workDir, "front"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(workDir, "front", "index.html"), []byte("old-front"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(workDir, "plugins", "old"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(workDir, "plugins", "old", "plugin.so"), []byte("old-plugin"), 0o644))
	return workDir
}

func newTestOrchestrator(t *testing.T, workDir string, runner *fakeRunner) (*Orchestrator, metastore.Store) {
	t.Helper()
	store, err := metastore.Open(filepath.Join(workDir, "metadata.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	backupEngine := backup.New(backup.Config{StorageDir: filepath.Join(workDir, "backups")}, store, nil)
	composePath := filepath.Join(workDir, "docker", "docker-compose.yml")
	adapter := container.New(composePath, "docker", nil, nil).WithRunner(runner).WithPollInterval(0)

	o := New(Config{
		WorkDir:  workDir,
		CacheDir: filepath.Join(workDir, "cacheDuckData", "download"),
	}, Deps{
		Store:     store,
		Backup:    backupEngine,
		Container: adapter,
	})
	return o, store
}

func TestUpgradeNoOpWhenAlreadyAtTarget(t *testing.T) {
	t.Parallel()
	workDir := setupWorkDir(t)
	runner := &fakeRunner{running: true}
	o, store := newTestOrchestrator(t, workDir, runner)

	require.NoError(t, store.SetConfig("current_version", "1.2.3.4"))

	raw := []byte(`{"target_version":"1.2.3.4","full":{"x86_64":{"url":"http://example/full"},"aarch64":{"url":"http://example/full"}}}`)
	o.deps.Fetcher = func(ctx context.Context) (*manifest.Manifest, error) {
		var m manifest.Manifest
		require.NoError(t, json.Unmarshal(raw, &m))
		m.TargetVersion.Major, m.TargetVersion.Minor, m.TargetVersion.Patch, m.TargetVersion.Build = 1, 2, 3, 4
		return &m, nil
	}

	result, err := o.Upgrade(context.Background(), UpgradeOptions{})
	require.NoError(t, err)
	require.Equal(t, Done, result.State)
	require.Equal(t, selector.NoUpgrade, result.Strategy)

	current, found, err := store.GetConfig("current_version")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "1.2.3.4", current)
}

func TestUpgradePatchHappyPath(t *testing.T) {
	t.Parallel()
	workDir := setupWorkDir(t)
	runner := &fakeRunner{running: true}
	o, store := newTestOrchestrator(t, workDir, runner)
	require.NoError(t, store.SetConfig("current_version", "1.2.3.4"))

	archiveDir := t.TempDir()
	archivePath := makeTarGz(t, archiveDir, map[string]string{
		"app/app.jar":      "new-jar",
		"front/index.html": "new-front",
	})
	o.deps.Download = fakeDownloadFrom(archivePath)

	o.deps.Fetcher = func(ctx context.Context) (*manifest.Manifest, error) {
		var m manifest.Manifest
		m.TargetVersion.Major, m.TargetVersion.Minor, m.TargetVersion.Patch, m.TargetVersion.Build = 1, 2, 3, 5
		m.Patch = map[string]manifest.PatchPackage{
			"x86_64": {
				Package: manifest.Package{URL: "http://example/patch"},
				Operations: manifest.Operations{
					Replace: manifest.ReplaceOps{
						Files:       []string{"app/app.jar"},
						Directories: []string{"front"},
					},
					Delete: []string{"plugins/old"},
				},
			},
			"aarch64": {
				Package: manifest.Package{URL: "http://example/patch"},
				Operations: manifest.Operations{
					Replace: manifest.ReplaceOps{
						Files:       []string{"app/app.jar"},
						Directories: []string{"front"},
					},
					Delete: []string{"plugins/old"},
				},
			},
		}
		return &m, nil
	}

	result, err := o.Upgrade(context.Background(), UpgradeOptions{})
	require.NoError(t, err)
	require.Equal(t, Done, result.State)
	require.Equal(t, selector.PatchUpgrade, result.Strategy)
	require.NotNil(t, result.PreUpgradeBackupID)

	jarContent, err := os.ReadFile(filepath.Join(workDir, "app", "app.jar"))
	require.NoError(t, err)
	require.Equal(t, "new-jar", string(jarContent))

	frontContent, err := os.ReadFile(filepath.Join(workDir, "front", "index.html"))
	require.NoError(t, err)
	require.Equal(t, "new-front", string(frontContent))

	_, statErr := os.Stat(filepath.Join(workDir, "plugins", "old"))
	require.True(t, os.IsNotExist(statErr))

	current, _, err := store.GetConfig("current_version")
	require.NoError(t, err)
	require.Equal(t, "1.2.3.5", current)

	backups, err := store.ListBackups()
	require.NoError(t, err)
	require.Len(t, backups, 1)
	require.Equal(t, metastore.KindPreUpgrade, backups[0].Kind)
	require.Equal(t, metastore.StatusCompleted, backups[0].Status)
}

func TestUpgradePatchFailureRollsBackAndRestartsServices(t *testing.T) {
	t.Parallel()
	workDir := setupWorkDir(t)
	runner := &fakeRunner{running: true}
	o, store := newTestOrchestrator(t, workDir, runner)
	require.NoError(t, store.SetConfig("current_version", "1.2.3.4"))

	// A patch archive missing front/ entirely makes replaceDirectory fail
	// (its own source subtree can't be copied because it doesn't exist),
	// standing in for the disk-full scenario in spec §8 scenario 3: the
	// executor must roll back app/app.jar's already-applied replacement.
	archiveDir := t.TempDir()
	archivePath := makeTarGz(t, archiveDir, map[string]string{
		"app/app.jar": "new-jar",
	})
	o.deps.Download = fakeDownloadFrom(archivePath)

	o.deps.Fetcher = func(ctx context.Context) (*manifest.Manifest, error) {
		var m manifest.Manifest
		m.TargetVersion.Major, m.TargetVersion.Minor, m.TargetVersion.Patch, m.TargetVersion.Build = 1, 2, 3, 5
		m.Patch = map[string]manifest.PatchPackage{
			"x86_64": {
				Package: manifest.Package{URL: "http://example/patch"},
				Operations: manifest.Operations{
					Replace: manifest.ReplaceOps{
						Files:       []string{"app/app.jar"},
						Directories: []string{"front"},
					},
				},
			},
			"aarch64": {
				Package: manifest.Package{URL: "http://example/patch"},
				Operations: manifest.Operations{
					Replace: manifest.ReplaceOps{
						Files:       []string{"app/app.jar"},
						Directories: []string{"front"},
					},
				},
			},
		}
		return &m, nil
	}

	result, err := o.Upgrade(context.Background(), UpgradeOptions{})
	require.Error(t, err)
	require.Equal(t, Replacing, result.State)
	require.NotNil(t, result.Diagnosis)
	require.NotNil(t, result.PreUpgradeBackupID)

	// app/app.jar must have been rolled back to its pre-patch content.
	jarContent, err := os.ReadFile(filepath.Join(workDir, "app", "app.jar"))
	require.NoError(t, err)
	require.Equal(t, "old-jar", string(jarContent))

	// current_version must be unchanged.
	current, _, err := store.GetConfig("current_version")
	require.NoError(t, err)
	require.Equal(t, "1.2.3.4", current)

	// failRestart must have attempted start_services.
	require.True(t, runner.running)
}

func TestRollbackToBackupRestoresDataDirectory(t *testing.T) {
	t.Parallel()
	workDir := setupWorkDir(t)
	runner := &fakeRunner{running: false}
	o, _ := newTestOrchestrator(t, workDir, runner)

	backupEngine := o.deps.Backup
	rec, err := backupEngine.CreateBackup(context.Background(), backup.CreateOptions{
		Kind:          metastore.KindManual,
		SourceVersion: "1.2.3.4",
		SourcePaths:   []string{filepath.Join(workDir, "data")},
	})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(workDir, "data", "seed.txt"), []byte("corrupted"), 0o644))

	err = o.RollbackToBackup(context.Background(), RollbackOptions{
		BackupID:    rec.ID,
		IncludeDirs: []string{"data"},
	})
	require.NoError(t, err)

	content, err := os.ReadFile(filepath.Join(workDir, "data", "seed.txt"))
	require.NoError(t, err)
	require.Equal(t, "seed", string(content))
	require.True(t, runner.running)
}

func TestHealthCheckReportsStoreAndContainerState(t *testing.T) {
	t.Parallel()
	workDir := setupWorkDir(t)
	runner := &fakeRunner{running: true}
	o, store := newTestOrchestrator(t, workDir, runner)
	require.NoError(t, store.SetConfig("current_version", "1.0.0.0"))

	health := o.HealthCheck(context.Background())
	require.True(t, health.StoreReachable)
	require.Equal(t, "1.0.0.0", health.CurrentVersion)
	require.Equal(t, container.StateAllRunning, health.Container.Overall)
}

func TestRunAutoBackupUpdatesLastRunRegardlessOfOutcome(t *testing.T) {
	t.Parallel()
	workDir := setupWorkDir(t)
	runner := &fakeRunner{running: true}
	o, store := newTestOrchestrator(t, workDir, runner)
	require.NoError(t, store.SetConfig("current_version", "1.0.0.0"))

	ok := o.RunAutoBackup(context.Background())
	require.True(t, ok)

	settings := o.ReadAutoBackupSettings()
	require.NotNil(t, settings.LastRunAt)
	require.True(t, settings.LastRunSucceeded)
}
