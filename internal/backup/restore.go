package backup

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"

	"github.com/duckclient/duckclient/internal/duckerr"
)

// RestoreMode selects which entries of the archive are extracted and,
// correspondingly, which parts of target_dir are cleared first (spec
// §4.6).
type RestoreMode int

const (
	// DataDirectoryOnly extracts only entries whose first path segment is
	// in IncludeDirs; every other entry is skipped.
	DataDirectoryOnly RestoreMode = iota
	// FullRestore clears target_dir's data subtree (excluding ExcludeDirs)
	// and extracts everything except ExcludeDirs.
	FullRestore
)

// RestoreOptions is the input to Restore.
type RestoreOptions struct {
	BackupID        int64
	TargetDir       string
	Mode            RestoreMode
	IncludeDirs     []string // used by DataDirectoryOnly
	ExcludeDirs     []string // used by FullRestore
	AutoStartService bool
	RestartAfter     bool
}

// Restore implements spec §4.6's restore: load the record, optionally stop
// services, clear the relevant subtree, stream the archive applying the
// mode's include/exclude filter, then optionally restart services.
//
// Any extraction error aborts immediately and leaves the filesystem
// partially restored; the engine never attempts reverse application — the
// orchestrator is responsible for taking a pre-restore backup first.
func (e *Engine) Restore(ctx context.Context, opts RestoreOptions, hooks LifecycleHooks) error {
	rec, err := e.store.GetBackupByID(opts.BackupID)
	if err != nil {
		return err
	}
	if rec == nil {
		return duckerr.New(duckerr.KindIO, "backup.Restore", fmt.Errorf("backup %d not found", opts.BackupID))
	}
	if _, statErr := os.Stat(rec.Path); statErr != nil {
		return duckerr.New(duckerr.KindIO, "backup.Restore", fmt.Errorf("backup file missing: %s", rec.Path)).WithPath(rec.Path)
	}

	if opts.AutoStartService && hooks.StopServices != nil {
		if err := hooks.StopServices(ctx); err != nil {
			return err
		}
	}

	if err := clearTargetSubtree(opts); err != nil {
		return err
	}

	extractErr := extractArchive(ctx, rec.Path, opts)

	if opts.AutoStartService || opts.RestartAfter {
		if hooks.StartServices != nil {
			if err := hooks.StartServices(ctx); err != nil {
				e.logger.Warn("start_services after restore reported an error", "error", err)
			}
		}
	}

	return extractErr
}

func clearTargetSubtree(opts RestoreOptions) error {
	switch opts.Mode {
	case DataDirectoryOnly:
		for _, dir := range opts.IncludeDirs {
			target := filepath.Join(opts.TargetDir, dir)
			if err := removeContents(target); err != nil {
				return duckerr.New(duckerr.KindIO, "backup.Restore", err).WithPath(target)
			}
		}
	case FullRestore:
		dataDir := filepath.Join(opts.TargetDir, "data")
		entries, err := os.ReadDir(dataDir)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return duckerr.New(duckerr.KindIO, "backup.Restore", err).WithPath(dataDir)
		}
		for _, entry := range entries {
			if contains(opts.ExcludeDirs, entry.Name()) {
				continue
			}
			if err := os.RemoveAll(filepath.Join(dataDir, entry.Name())); err != nil {
				return duckerr.New(duckerr.KindIO, "backup.Restore", err).WithPath(entry.Name())
			}
		}
	}
	return nil
}

func removeContents(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func extractArchive(ctx context.Context, archivePath string, opts RestoreOptions) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return duckerr.New(duckerr.KindIO, "backup.extractArchive", err).WithPath(archivePath)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return duckerr.New(duckerr.KindIO, "backup.extractArchive", err).WithPath(archivePath)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		if err := ctx.Err(); err != nil {
			return duckerr.New(duckerr.KindCancelled, "backup.extractArchive", err)
		}

		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return duckerr.New(duckerr.KindIO, "backup.extractArchive", err).WithPath(archivePath)
		}

		if !includeEntry(hdr.Name, opts) {
			continue
		}

		dest := filepath.Join(opts.TargetDir, filepath.FromSlash(hdr.Name))
		if err := extractEntry(tr, hdr, dest); err != nil {
			return duckerr.New(duckerr.KindIO, "backup.extractArchive", err).WithPath(dest)
		}
	}
}

func includeEntry(name string, opts RestoreOptions) bool {
	seg := firstSegment(name)
	switch opts.Mode {
	case DataDirectoryOnly:
		return contains(opts.IncludeDirs, seg)
	case FullRestore:
		return !contains(opts.ExcludeDirs, seg)
	default:
		return true
	}
}

func extractEntry(tr *tar.Reader, hdr *tar.Header, dest string) error {
	switch hdr.Typeflag {
	case tar.TypeDir:
		return os.MkdirAll(dest, os.FileMode(hdr.Mode))
	case tar.TypeReg:
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return err
		}
		out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(hdr.Mode))
		if err != nil {
			return err
		}
		defer out.Close()
		_, err = io.Copy(out, tr)
		return err
	default:
		return nil // symlinks and other special entries are not expected in this archive format
	}
}
