package pipeline

import (
	"archive/tar"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/duckclient/duckclient/internal/duckerr"
)

// extractTarGz unpacks a full-package or patch-package archive into
// destDir, rejecting any entry whose path would escape destDir (the same
// defense patch.Executor applies to manifest-declared paths, applied here
// one layer earlier at the archive boundary).
func extractTarGz(archivePath, destDir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return duckerr.New(duckerr.KindIO, "pipeline.extractTarGz", err).WithPath(archivePath)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return duckerr.New(duckerr.KindIO, "pipeline.extractTarGz", err).WithPath(archivePath)
	}
	defer gz.Close()

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return duckerr.New(duckerr.KindIO, "pipeline.extractTarGz", err).WithPath(destDir)
	}

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return duckerr.New(duckerr.KindIO, "pipeline.extractTarGz", err).WithPath(archivePath)
		}

		cleaned := filepath.Clean(hdr.Name)
		if filepath.IsAbs(cleaned) || strings.HasPrefix(cleaned, "..") {
			return duckerr.New(duckerr.KindInvalidPath, "pipeline.extractTarGz", errArchiveEscape(hdr.Name)).WithPath(hdr.Name)
		}
		dest := filepath.Join(destDir, cleaned)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(dest, os.FileMode(hdr.Mode)); err != nil {
				return duckerr.New(duckerr.KindIO, "pipeline.extractTarGz", err).WithPath(dest)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				return duckerr.New(duckerr.KindIO, "pipeline.extractTarGz", err).WithPath(dest)
			}
			out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return duckerr.New(duckerr.KindIO, "pipeline.extractTarGz", err).WithPath(dest)
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return duckerr.New(duckerr.KindIO, "pipeline.extractTarGz", err).WithPath(dest)
			}
			if err := out.Close(); err != nil {
				return duckerr.New(duckerr.KindIO, "pipeline.extractTarGz", err).WithPath(dest)
			}
		default:
			// symlinks and other special entries have no place in a
			// delivered package; skip rather than fail the whole upgrade.
		}
	}
}

func errArchiveEscape(name string) error {
	return &archiveEscapeError{name: name}
}

type archiveEscapeError struct{ name string }

func (e *archiveEscapeError) Error() string {
	return "archive entry escapes destination directory: " + e.name
}
