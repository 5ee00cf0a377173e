package main

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/duckclient/duckclient/internal/appconfig"
	"github.com/duckclient/duckclient/internal/arch"
	"github.com/duckclient/duckclient/internal/manifest"
	"github.com/duckclient/duckclient/internal/pipeline"
)

// newManifestFetcher builds the pipeline.ManifestFetcher that retrieves
// and decodes the remote manifest over HTTP, validating it against the
// host's detected architecture (spec §4.3).
func newManifestFetcher(cfg appconfig.ManifestConfig) pipeline.ManifestFetcher {
	client := &http.Client{Timeout: cfg.Timeout}

	return func(ctx context.Context) (*manifest.Manifest, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.URL, nil)
		if err != nil {
			return nil, fmt.Errorf("building manifest request: %w", err)
		}

		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("fetching manifest: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("manifest server returned %s", resp.Status)
		}

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("reading manifest body: %w", err)
		}

		host := arch.Detect()
		m, err := manifest.Decode(raw, host)
		if err != nil {
			return nil, err
		}
		if err := m.Validate(host); err != nil {
			return nil, err
		}
		return m, nil
	}
}
