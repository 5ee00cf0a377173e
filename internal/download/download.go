// Package download implements the resumable downloader of spec §4.4: an
// HTTP GET that can resume a partial file via Range requests, tracked by a
// JSON sidecar, with streaming SHA-256 verification on completion. The
// resume logic follows the same seek/Range/truncate shape as the teacher
// corpus's coreos sdk.DownloadFile, generalized to persist progress across
// process restarts instead of only within one.
package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/time/rate"

	"github.com/duckclient/duckclient/internal/duckerr"
	"github.com/duckclient/duckclient/internal/retry"
)

const (
	chunkSize        = 8 * 1024
	minResumeSize    = 1 << 20 // 1 MiB; below this, always restart from 0
	connectTimeout   = 30 * time.Second
	overallTimeout   = 3600 * time.Second
	progressInterval = 10 * time.Second
	progressBytes    = 100 << 20 // 100 MiB
)

// Metadata is the on-disk sidecar persisted next to a partial download
// (spec §6 "Download metadata sidecar").
type Metadata struct {
	URL            string    `json:"url"`
	ExpectedSize   int64     `json:"expected_size,omitempty"`
	DownloadedSize int64     `json:"downloaded_size"`
	ExpectedHash   string    `json:"expected_hash,omitempty"`
	StartedAt      time.Time `json:"started_at"`
}

func sidecarPath(targetPath string) string {
	return targetPath + ".download"
}

// ProgressFunc is invoked periodically (spec §4.4 "lesser of every 10s or
// every 100MiB") with the number of bytes written so far.
type ProgressFunc func(downloaded, total int64)

// Options configures a single Download call.
type Options struct {
	ExpectedSize int64
	ExpectedHash string
	OnProgress   ProgressFunc
	Client       *http.Client
	Logger       *slog.Logger
}

// Download fetches url into targetPath, resuming a previous attempt when a
// sidecar is present, and verifies the streaming SHA-256 against
// opts.ExpectedHash when provided. The whole operation (including its
// internal bounded retries) is bounded by ctx.
func Download(ctx context.Context, url, targetPath string, opts Options) error {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := opts.Client
	if client == nil {
		client = newDefaultClient()
	}

	return retry.Do(ctx, retry.Download(), logger, func(err error) bool {
		return duckerr.KindOf(err).Retryable()
	}, func(ctx context.Context) error {
		return attempt(ctx, client, url, targetPath, opts)
	})
}

// newDefaultClient bounds connection establishment (dial, TLS handshake,
// waiting on response headers) to connectTimeout. The body transfer that
// copyWithProgress runs after client.Do returns is bounded only by
// client.Timeout; a request's context governs Body reads too, so a short
// per-request deadline can't be passed to Do without also capping transfer
// time.
func newDefaultClient() *http.Client {
	dialer := &net.Dialer{Timeout: connectTimeout}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   connectTimeout,
		ResponseHeaderTimeout: connectTimeout,
	}
	return &http.Client{Timeout: overallTimeout, Transport: transport}
}

func attempt(ctx context.Context, client *http.Client, url, targetPath string, opts Options) error {
	if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
		return duckerr.New(duckerr.KindIO, "download.attempt", err).WithPath(targetPath)
	}

	meta, resumeFrom := loadResumeState(targetPath, url, opts.ExpectedSize, opts.ExpectedHash)

	file, err := os.OpenFile(targetPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return classifyOSError("download.attempt", targetPath, err)
	}
	defer file.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return duckerr.New(duckerr.KindNetwork, "download.attempt", err)
	}
	if resumeFrom > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", resumeFrom))
	}

	resp, err := client.Do(req)
	if err != nil {
		saveSidecar(targetPath, meta)
		return duckerr.New(duckerr.KindNetwork, "download.attempt", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		if err := file.Truncate(0); err != nil {
			return classifyOSError("download.attempt", targetPath, err)
		}
		if _, err := file.Seek(0, io.SeekStart); err != nil {
			return classifyOSError("download.attempt", targetPath, err)
		}
		resumeFrom = 0
		if resp.ContentLength > 0 {
			meta.ExpectedSize = resp.ContentLength
		}
	case http.StatusPartialContent:
		if _, err := file.Seek(resumeFrom, io.SeekStart); err != nil {
			return classifyOSError("download.attempt", targetPath, err)
		}
	case http.StatusRequestedRangeNotSatisfiable:
		// Server thinks we already have everything; trust it and verify below.
		// The response body is an error page, not file content.
		resp.Body = http.NoBody
	default:
		return duckerr.New(duckerr.KindNetwork, "download.attempt",
			fmt.Errorf("unexpected status %s", resp.Status))
	}

	meta.URL = url
	meta.DownloadedSize = resumeFrom
	if meta.StartedAt.IsZero() {
		meta.StartedAt = time.Now().UTC()
	}
	saveSidecar(targetPath, meta)

	hasher := sha256.New()
	if resumeFrom > 0 {
		if _, err := rehashExisting(file, resumeFrom, hasher); err != nil {
			return classifyOSError("download.attempt", targetPath, err)
		}
	}

	written, err := copyWithProgress(ctx, file, resp.Body, hasher, &meta, targetPath, opts.OnProgress)
	if err != nil {
		meta.DownloadedSize = resumeFrom + written
		saveSidecar(targetPath, meta)
		if errors.Is(err, context.Canceled) {
			return duckerr.New(duckerr.KindCancelled, "download.attempt", err)
		}
		return classifyOSError("download.attempt", targetPath, err)
	}

	if opts.ExpectedHash != "" {
		got := hex.EncodeToString(hasher.Sum(nil))
		if got != opts.ExpectedHash {
			_ = os.Remove(targetPath)
			_ = os.Remove(sidecarPath(targetPath))
			return duckerr.New(duckerr.KindHashMismatch, "download.attempt",
				fmt.Errorf("expected %s, got %s", opts.ExpectedHash, got)).WithPath(targetPath)
		}
	}

	_ = os.Remove(sidecarPath(targetPath))
	return nil
}

// loadResumeState decides the resume offset per spec §4.4's numbered rules:
// a fresh run (no sidecar, or a sidecar for a different URL, or a target
// smaller than 1MiB) always restarts from 0.
func loadResumeState(targetPath, url string, expectedSize int64, expectedHash string) (Metadata, int64) {
	meta := Metadata{URL: url, ExpectedSize: expectedSize, ExpectedHash: expectedHash}

	info, statErr := os.Stat(targetPath)
	if statErr != nil || info.Size() < minResumeSize {
		return meta, 0
	}

	raw, err := os.ReadFile(sidecarPath(targetPath))
	if err != nil {
		return meta, 0
	}
	var existing Metadata
	if err := json.Unmarshal(raw, &existing); err != nil || existing.URL != url {
		return meta, 0
	}

	meta = existing
	meta.ExpectedHash = expectedHash
	if expectedSize > 0 {
		meta.ExpectedSize = expectedSize
	}
	if existing.DownloadedSize > info.Size() {
		return meta, info.Size()
	}
	return meta, existing.DownloadedSize
}

func saveSidecar(targetPath string, meta Metadata) {
	raw, err := json.Marshal(meta)
	if err != nil {
		return
	}
	_ = os.WriteFile(sidecarPath(targetPath), raw, 0o644)
}

// rehashExisting feeds the bytes already on disk through hasher so the
// final SHA-256 covers the whole file, not just the resumed tail.
func rehashExisting(file *os.File, n int64, hasher io.Writer) (int64, error) {
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	written, err := io.CopyN(hasher, file, n)
	if err != nil && err != io.EOF {
		return written, err
	}
	if _, err := file.Seek(n, io.SeekStart); err != nil {
		return written, err
	}
	return written, nil
}

func copyWithProgress(ctx context.Context, dst io.Writer, src io.Reader, hasher io.Writer, meta *Metadata, targetPath string, onProgress ProgressFunc) (int64, error) {
	limiter := rate.NewLimiter(rate.Every(progressInterval), 1)
	buf := make([]byte, chunkSize)
	var written int64
	var sinceReport int64
	out := io.MultiWriter(dst, hasher)

	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := out.Write(buf[:n]); err != nil {
				return written, err
			}
			written += int64(n)
			sinceReport += int64(n)
			meta.DownloadedSize += int64(n)

			if onProgress != nil && (sinceReport >= progressBytes || limiter.Allow()) {
				onProgress(meta.DownloadedSize, meta.ExpectedSize)
				sinceReport = 0
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				if onProgress != nil {
					onProgress(meta.DownloadedSize, meta.ExpectedSize)
				}
				return written, nil
			}
			return written, readErr
		}
	}
}

func classifyOSError(op, path string, err error) error {
	switch {
	case errors.Is(err, os.ErrPermission):
		return duckerr.New(duckerr.KindPermissionDenied, op, err).WithPath(path)
	case errors.Is(err, context.DeadlineExceeded):
		return duckerr.New(duckerr.KindTimeout, op, err).WithPath(path)
	default:
		var pathErr *os.PathError
		if errors.As(err, &pathErr) && pathErr.Err.Error() == "no space left on device" {
			return duckerr.New(duckerr.KindNoSpace, op, err).WithPath(path)
		}
		return duckerr.New(duckerr.KindIO, op, err).WithPath(path)
	}
}
