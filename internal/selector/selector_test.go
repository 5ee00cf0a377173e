package selector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duckclient/duckclient/internal/arch"
	"github.com/duckclient/duckclient/internal/manifest"
	"github.com/duckclient/duckclient/internal/version"
)

func mustParse(t *testing.T, s string) version.Version {
	t.Helper()
	v, err := version.Parse(s)
	require.NoError(t, err)
	return v
}

func presentWorkDir() WorkDirFacts {
	return WorkDirFacts{ComposeFilePresent: true, DataDirsPresent: true}
}

func TestSelectForceFullAlwaysFull(t *testing.T) {
	t.Parallel()
	m := &manifest.Manifest{TargetVersion: mustParse(t, "1.0.0.1"), Full: map[string]manifest.Package{"x86_64": {URL: "https://x/full"}}}
	d := Select(Input{Local: mustParse(t, "1.0.0.1"), Manifest: m, Host: arch.X86_64, WorkDir: presentWorkDir(), ForceFull: true})
	assert.Equal(t, FullUpgrade, d.Strategy)
}

func TestSelectMissingWorkDirForcesFull(t *testing.T) {
	t.Parallel()
	m := &manifest.Manifest{TargetVersion: mustParse(t, "1.0.1.0"), Full: map[string]manifest.Package{"x86_64": {URL: "https://x/full"}}}
	d := Select(Input{Local: mustParse(t, "1.0.0.0"), Manifest: m, Host: arch.X86_64, WorkDir: WorkDirFacts{}})
	assert.Equal(t, FullUpgrade, d.Strategy)
}

func TestSelectNoUpgradeWhenEqual(t *testing.T) {
	t.Parallel()
	m := &manifest.Manifest{TargetVersion: mustParse(t, "1.0.0.1")}
	d := Select(Input{Local: mustParse(t, "1.0.0.1"), Manifest: m, Host: arch.X86_64, WorkDir: presentWorkDir()})
	assert.Equal(t, NoUpgrade, d.Strategy)
}

func TestSelectPatchUpgradeWhenPatchAvailable(t *testing.T) {
	t.Parallel()
	m := &manifest.Manifest{
		TargetVersion: mustParse(t, "1.0.0.5"),
		Patch: map[string]manifest.PatchPackage{
			"x86_64": {Package: manifest.Package{URL: "https://x/patch"}},
		},
	}
	d := Select(Input{Local: mustParse(t, "1.0.0.1"), Manifest: m, Host: arch.X86_64, WorkDir: presentWorkDir()})
	assert.Equal(t, PatchUpgrade, d.Strategy)
	assert.Equal(t, "https://x/patch", d.DownloadURL)
}

func TestSelectFullWhenPatchUpgradeableButNoPatchForArch(t *testing.T) {
	t.Parallel()
	m := &manifest.Manifest{
		TargetVersion: mustParse(t, "1.0.0.5"),
		Full:          map[string]manifest.Package{"x86_64": {URL: "https://x/full"}},
	}
	d := Select(Input{Local: mustParse(t, "1.0.0.1"), Manifest: m, Host: arch.X86_64, WorkDir: presentWorkDir()})
	assert.Equal(t, FullUpgrade, d.Strategy)
}

func TestSelectFullWhenFullUpgradeRequired(t *testing.T) {
	t.Parallel()
	m := &manifest.Manifest{
		TargetVersion: mustParse(t, "2.0.0.0"),
		Full:          map[string]manifest.Package{"x86_64": {URL: "https://x/full"}},
	}
	d := Select(Input{Local: mustParse(t, "1.0.0.0"), Manifest: m, Host: arch.X86_64, WorkDir: presentWorkDir()})
	assert.Equal(t, FullUpgrade, d.Strategy)
}
