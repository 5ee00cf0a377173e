// Package backup implements the backup/restore engine of spec §4.6: it
// produces and consumes tar.gz archives of the working directory's data,
// records each attempt in the metadata store, and exposes the lifecycle
// convenience wrapper the pipeline orchestrator drives during an upgrade.
// It is grounded on the teacher's migrations.BackupManager (config-driven,
// retention-aware, logger-first), generalized from a schema-SQL dump to an
// arbitrary-paths tar.gz archive.
package backup

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/duckclient/duckclient/internal/duckerr"
	"github.com/duckclient/duckclient/internal/metastore"
)

// Config mirrors the teacher's BackupConfig shape, trimmed to this
// engine's concerns: where archives live and at what gzip level they are
// written.
type Config struct {
	StorageDir       string `env:"BACKUP_STORAGE_DIR" default:"./.duck_client/backups"`
	CompressionLevel int    `env:"BACKUP_COMPRESSION_LEVEL" default:"6"`
}

// LifecycleHooks lets create_backup_with_lifecycle and restore stop and
// restart the container stack without this package depending on C8
// directly.
type LifecycleHooks struct {
	StopServices  func(ctx context.Context) error
	StartServices func(ctx context.Context) error
}

// Engine is the backup/restore engine (C6).
type Engine struct {
	cfg    Config
	store  metastore.Store
	logger *slog.Logger
}

func New(cfg Config, store metastore.Store, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{cfg: cfg, store: store, logger: logger}
}

// CreateOptions is the input to CreateBackup.
type CreateOptions struct {
	Kind             metastore.BackupKind
	SourceVersion    string
	SourcePaths      []string
	CompressionLevel int // 0-9; 0 means "use Config.CompressionLevel"
}

// CreateBackup implements spec §4.6's create_backup: validate, archive,
// record. It never stops or starts services; callers needing that wrap it
// in CreateBackupWithLifecycle.
func (e *Engine) CreateBackup(ctx context.Context, opts CreateOptions) (*metastore.BackupRecord, error) {
	name := archiveName(opts.Kind, opts.SourceVersion, time.Now().UTC())
	fullPath := filepath.Join(e.cfg.StorageDir, name)

	for _, p := range opts.SourcePaths {
		if _, err := os.Stat(p); err != nil {
			missingErr := duckerr.New(duckerr.KindIO, "backup.CreateBackup", fmt.Errorf("missing path: %s", p)).WithPath(p)
			e.logger.Error("backup validation failed", "path", fullPath, "error", missingErr)
			if _, recErr := e.store.CreateBackupRecord(name, opts.Kind, opts.SourceVersion, fullPath, 0, metastore.StatusFailed); recErr != nil {
				e.logger.Error("failed to record failed backup", "error", recErr)
			}
			return nil, missingErr
		}
	}

	if err := os.MkdirAll(e.cfg.StorageDir, 0o755); err != nil {
		return nil, duckerr.New(duckerr.KindIO, "backup.CreateBackup", err).WithPath(e.cfg.StorageDir)
	}

	level := opts.CompressionLevel
	if level == 0 {
		level = e.cfg.CompressionLevel
	}

	size, archiveErr := writeArchive(ctx, fullPath, opts.SourcePaths, level)
	if archiveErr != nil {
		e.logger.Error("backup archive failed", "path", fullPath, "error", archiveErr)
		if _, recErr := e.store.CreateBackupRecord(name, opts.Kind, opts.SourceVersion, fullPath, size, metastore.StatusFailed); recErr != nil {
			e.logger.Error("failed to record failed backup", "error", recErr)
		}
		return nil, duckerr.New(duckerr.KindIO, "backup.CreateBackup", archiveErr).WithPath(fullPath)
	}

	id, err := e.store.CreateBackupRecord(name, opts.Kind, opts.SourceVersion, fullPath, size, metastore.StatusCompleted)
	if err != nil {
		return nil, err
	}
	rec, err := e.store.GetBackupByID(id)
	if err != nil {
		return nil, err
	}
	e.logger.Info("backup created", "name", name, "size_bytes", size)
	return rec, nil
}

// CreateBackupWithLifecycle wraps CreateBackup with stop_services /
// start_services. On backup failure it still attempts start_services
// before returning the original error (spec §4.6).
func (e *Engine) CreateBackupWithLifecycle(ctx context.Context, opts CreateOptions, hooks LifecycleHooks) (*metastore.BackupRecord, error) {
	if hooks.StopServices != nil {
		if err := hooks.StopServices(ctx); err != nil {
			return nil, err
		}
	}

	rec, backupErr := e.CreateBackup(ctx, opts)

	if hooks.StartServices != nil {
		if startErr := hooks.StartServices(ctx); startErr != nil {
			e.logger.Error("failed to restart services after backup", "error", startErr)
		}
	}

	return rec, backupErr
}

// EstimateBackupSize returns a rough compressed-size estimate: half of the
// sum of file sizes under sourceDir. Never used for correctness, only UI.
func EstimateBackupSize(sourceDir string) (int64, error) {
	var total int64
	err := filepath.Walk(sourceDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	if err != nil {
		return 0, duckerr.New(duckerr.KindIO, "backup.EstimateBackupSize", err).WithPath(sourceDir)
	}
	return total / 2, nil
}

// StatsSummary aggregates ListBackups for retention/UI decisions (spec's
// "Backup statistics" supplement, grounded on the teacher's
// BackupManager.GetBackupStats): total archived bytes and the oldest/newest
// completed backup's timestamps.
type StatsSummary struct {
	Count        int
	TotalBytes   int64
	OldestCreated *time.Time
	NewestCreated *time.Time
}

// Stats summarizes every Completed backup record currently known to the
// store, regardless of whether its archive file still exists on disk.
func (e *Engine) Stats() (StatsSummary, error) {
	recs, err := e.store.ListBackups()
	if err != nil {
		return StatsSummary{}, err
	}

	var s StatsSummary
	for _, r := range recs {
		if r.Status != metastore.StatusCompleted {
			continue
		}
		s.Count++
		s.TotalBytes += r.SizeBytes
		created := r.CreatedAt
		if s.OldestCreated == nil || created.Before(*s.OldestCreated) {
			s.OldestCreated = &created
		}
		if s.NewestCreated == nil || created.After(*s.NewestCreated) {
			s.NewestCreated = &created
		}
	}
	return s, nil
}

// ListBackups returns every record annotated with FileExists.
func (e *Engine) ListBackups() ([]*metastore.BackupRecord, error) {
	recs, err := e.store.ListBackups()
	if err != nil {
		return nil, err
	}
	for _, r := range recs {
		_, statErr := os.Stat(r.Path)
		r.FileExists = statErr == nil
	}
	return recs, nil
}

// DeleteBackup removes the archive file (ignoring ENOENT) then the record.
func (e *Engine) DeleteBackup(id int64) error {
	rec, err := e.store.GetBackupByID(id)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}
	if err := os.Remove(rec.Path); err != nil && !os.IsNotExist(err) {
		return duckerr.New(duckerr.KindIO, "backup.DeleteBackup", err).WithPath(rec.Path)
	}
	return e.store.DeleteBackupRecord(id)
}

// MigrateStorageDirectory moves every existing backup file into newDir and
// updates its record's path. On a move failure the already-moved records
// stay updated and the rest stay untouched; the first error is returned.
func (e *Engine) MigrateStorageDirectory(newDir string) error {
	if newDir == e.cfg.StorageDir {
		return nil
	}
	if err := os.MkdirAll(newDir, 0o755); err != nil {
		return duckerr.New(duckerr.KindIO, "backup.MigrateStorageDirectory", err).WithPath(newDir)
	}

	recs, err := e.store.ListBackups()
	if err != nil {
		return err
	}

	var firstErr error
	for _, rec := range recs {
		if _, statErr := os.Stat(rec.Path); statErr != nil {
			continue
		}
		dest := filepath.Join(newDir, filepath.Base(rec.Path))
		if err := os.Rename(rec.Path, dest); err != nil {
			if firstErr == nil {
				firstErr = duckerr.New(duckerr.KindIO, "backup.MigrateStorageDirectory", err).WithPath(rec.Path)
			}
			continue
		}
		if err := e.store.UpdateBackupFilePath(rec.ID, dest); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
	}

	if firstErr == nil {
		e.cfg.StorageDir = newDir
	}
	return firstErr
}

func archiveName(kind metastore.BackupKind, version string, when time.Time) string {
	stamp := when.Format("2006-01-02_15-04-05")
	return fmt.Sprintf("backup_%s_v%s_%s.tar.gz", kind, version, stamp)
}

func writeArchive(ctx context.Context, destPath string, sourcePaths []string, level int) (int64, error) {
	f, err := os.Create(destPath)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	gz, err := gzip.NewWriterLevel(f, level)
	if err != nil {
		return 0, err
	}
	tw := tar.NewWriter(gz)

	for _, src := range sourcePaths {
		if err := ctx.Err(); err != nil {
			tw.Close()
			gz.Close()
			return 0, err
		}
		if err := addToArchive(tw, src); err != nil {
			tw.Close()
			gz.Close()
			return 0, err
		}
	}

	if err := tw.Close(); err != nil {
		return 0, err
	}
	if err := gz.Close(); err != nil {
		return 0, err
	}

	info, err := os.Stat(destPath)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// addToArchive walks src, writing entries whose names are rooted at src's
// basename (spec §4.6 "preserving its top-level name").
func addToArchive(tw *tar.Writer, src string) error {
	parent := filepath.Dir(filepath.Clean(src))

	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(parent, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)

		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = name
		if info.IsDir() {
			hdr.Name += "/"
		}

		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		file, err := os.Open(path)
		if err != nil {
			return err
		}
		defer file.Close()
		_, err = io.Copy(tw, file)
		return err
	})
}

// firstSegment returns the first "/"-separated path component of name,
// used by Restore to apply include/exclude filters.
func firstSegment(name string) string {
	name = strings.TrimPrefix(name, "/")
	if idx := strings.IndexByte(name, '/'); idx >= 0 {
		return name[:idx]
	}
	return name
}
