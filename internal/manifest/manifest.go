// Package manifest implements the typed remote manifest of spec §3/§4.3:
// a pure data model deserialized from JSON, plus the validation rules the
// spec enumerates (relative paths, hash length, at least one delivery
// path for the detected architecture).
package manifest

import (
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/duckclient/duckclient/internal/arch"
	"github.com/duckclient/duckclient/internal/duckerr"
	"github.com/duckclient/duckclient/internal/version"
)

// Package describes a single downloadable artifact.
type Package struct {
	URL       string `json:"url"`
	Hash      string `json:"hash,omitempty"`
	Signature string `json:"signature,omitempty"`
}

// ReplaceOps is the ordered replace operation set of a patch package.
type ReplaceOps struct {
	Files       []string `json:"files"`
	Directories []string `json:"directories"`
}

// Operations is the ordered file/directory operation set of a patch.
type Operations struct {
	Replace ReplaceOps `json:"replace"`
	Delete  []string   `json:"delete"`
}

// PatchPackage is a patch-upgrade delivery for one architecture.
type PatchPackage struct {
	Package
	Operations Operations `json:"operations"`
}

// Manifest is the read-only external input describing one release.
type Manifest struct {
	TargetVersionRaw string                  `json:"target_version"`
	ReleaseNotes     string                  `json:"release_notes"`
	ReleaseDate      time.Time               `json:"release_date"`
	Full             map[string]Package      `json:"full,omitempty"`
	Patch            map[string]PatchPackage `json:"patch,omitempty"`

	// TargetVersion is parsed lazily by Load/Validate and cached here.
	TargetVersion version.Version `json:"-"`
}

// Decode parses raw JSON into a Manifest and runs Validate against the
// given host architecture. Unknown fields are ignored (json.Unmarshal's
// default behavior satisfies spec §6's "unknown fields are ignored").
func Decode(raw []byte, host arch.Arch) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, duckerr.New(duckerr.KindInvalidManifest, "manifest.Decode", err)
	}

	target, err := version.Parse(m.TargetVersionRaw)
	if err != nil {
		return nil, duckerr.New(duckerr.KindInvalidManifest, "manifest.Decode",
			fmt.Errorf("target version: %w", err))
	}
	m.TargetVersion = target

	if err := m.Validate(host); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate enforces spec §4.3's invariants: at least one delivery exists
// for host, every operation path is relative and "..".-free, and any hash
// present is hex of the expected length for its algorithm (SHA-256: 64).
func (m *Manifest) Validate(host arch.Arch) error {
	if !m.HasFullFor(host) && !m.HasPatchFor(host) {
		return duckerr.New(duckerr.KindInvalidManifest, "manifest.Validate",
			fmt.Errorf("no full or patch package available for architecture %s", host))
	}

	for key, pkg := range m.Full {
		if err := validateHash(pkg.Hash); err != nil {
			return duckerr.New(duckerr.KindInvalidManifest, "manifest.Validate", fmt.Errorf("full[%s]: %w", key, err))
		}
	}

	for key, pp := range m.Patch {
		if err := validateHash(pp.Hash); err != nil {
			return duckerr.New(duckerr.KindInvalidManifest, "manifest.Validate", fmt.Errorf("patch[%s]: %w", key, err))
		}
		allPaths := append(append(append([]string{}, pp.Operations.Replace.Files...), pp.Operations.Replace.Directories...), pp.Operations.Delete...)
		for _, p := range allPaths {
			if err := validateRelativePath(p); err != nil {
				return duckerr.New(duckerr.KindInvalidPath, "manifest.Validate", fmt.Errorf("patch[%s] path %q: %w", key, p, err)).WithPath(p)
			}
		}
	}

	return nil
}

func validateHash(hash string) error {
	if hash == "" {
		return nil
	}
	if len(hash) != 64 {
		return fmt.Errorf("expected 64 hex characters for sha256, got %d", len(hash))
	}
	for _, r := range hash {
		if !isHexDigit(r) {
			return fmt.Errorf("hash contains non-hex character %q", r)
		}
	}
	return nil
}

func isHexDigit(r rune) bool {
	return (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')
}

func validateRelativePath(p string) error {
	if p == "" {
		return fmt.Errorf("empty path")
	}
	if path.IsAbs(p) || strings.HasPrefix(p, "/") {
		return fmt.Errorf("path must be relative")
	}
	cleaned := path.Clean(strings.TrimSuffix(p, "/"))
	for _, seg := range strings.Split(cleaned, "/") {
		if seg == ".." {
			return fmt.Errorf("path must not contain '..' segments")
		}
	}
	return nil
}

// HasFullFor reports whether a full package exists for host.
func (m *Manifest) HasFullFor(host arch.Arch) bool {
	_, ok := m.Full[host.String()]
	return ok
}

// HasPatchFor reports whether a patch package exists for host.
func (m *Manifest) HasPatchFor(host arch.Arch) bool {
	_, ok := m.Patch[host.String()]
	return ok
}

// GetChangedFiles returns the stable-ordered union of replace.files,
// replace.directories, and delete for host's patch package.
func (m *Manifest) GetChangedFiles(host arch.Arch) []string {
	pp, ok := m.Patch[host.String()]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(pp.Operations.Replace.Files)+len(pp.Operations.Replace.Directories)+len(pp.Operations.Delete))
	seen := make(map[string]bool, cap(out))
	for _, group := range [][]string{pp.Operations.Replace.Files, pp.Operations.Replace.Directories, pp.Operations.Delete} {
		for _, p := range group {
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	return out
}
