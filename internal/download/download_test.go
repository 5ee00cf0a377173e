package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hashOf(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func TestDownloadFreshFile(t *testing.T) {
	t.Parallel()
	content := []byte("hello duckclient")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(content)
	}))
	defer srv.Close()

	target := filepath.Join(t.TempDir(), "artifact.bin")
	err := Download(context.Background(), srv.URL, target, Options{ExpectedHash: hashOf(content)})
	require.NoError(t, err)

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	_, statErr := os.Stat(sidecarPath(target))
	assert.True(t, os.IsNotExist(statErr), "sidecar should be removed on success")
}

func TestDownloadHashMismatchRemovesFile(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("actual content"))
	}))
	defer srv.Close()

	target := filepath.Join(t.TempDir(), "artifact.bin")
	err := Download(context.Background(), srv.URL, target, Options{ExpectedHash: hashOf([]byte("different"))})
	require.Error(t, err)

	_, statErr := os.Stat(target)
	assert.True(t, os.IsNotExist(statErr))
}

func TestDownloadResumesFromRange(t *testing.T) {
	t.Parallel()
	full := make([]byte, 2<<20) // 2 MiB, above the 1 MiB resume floor
	for i := range full {
		full[i] = byte(i % 251)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rangeHeader := r.Header.Get("Range")
		if rangeHeader == "" {
			w.Header().Set("Content-Length", fmt.Sprintf("%d", len(full)))
			w.Write(full)
			return
		}
		var start int
		fmt.Sscanf(rangeHeader, "bytes=%d-", &start)
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, len(full)-1, len(full)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(full[start:])
	}))
	defer srv.Close()

	target := filepath.Join(t.TempDir(), "artifact.bin")
	partial := full[:1<<20+1024]
	require.NoError(t, os.WriteFile(target, partial, 0o644))
	saveSidecar(target, Metadata{URL: srv.URL, DownloadedSize: int64(len(partial))})

	err := Download(context.Background(), srv.URL, target, Options{ExpectedHash: hashOf(full)})
	require.NoError(t, err)

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, full, got)
}

func TestDownloadBelowResumeFloorAlwaysRestarts(t *testing.T) {
	t.Parallel()
	content := []byte("short content that is below the resume floor")
	var sawRange bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Range") != "" {
			sawRange = true
		}
		w.Write(content)
	}))
	defer srv.Close()

	target := filepath.Join(t.TempDir(), "artifact.bin")
	require.NoError(t, os.WriteFile(target, []byte("stale partial"), 0o644))
	saveSidecar(target, Metadata{URL: srv.URL, DownloadedSize: 13})

	err := Download(context.Background(), srv.URL, target, Options{ExpectedHash: hashOf(content)})
	require.NoError(t, err)
	assert.False(t, sawRange, "files under the resume floor must always restart from 0")

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}
