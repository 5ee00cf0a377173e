// Package selector implements the upgrade strategy selector of spec §4.9:
// a pure decision table with no I/O of its own, fed pre-gathered facts
// about the local version, the remote manifest, and the working
// directory's layout.
package selector

import (
	"github.com/duckclient/duckclient/internal/arch"
	"github.com/duckclient/duckclient/internal/manifest"
	"github.com/duckclient/duckclient/internal/version"
)

// Strategy is the decision table's output kind.
type Strategy int

const (
	NoUpgrade Strategy = iota
	PatchUpgrade
	FullUpgrade
)

func (s Strategy) String() string {
	switch s {
	case NoUpgrade:
		return "NoUpgrade"
	case PatchUpgrade:
		return "PatchUpgrade"
	case FullUpgrade:
		return "FullUpgrade"
	default:
		return "Unknown"
	}
}

// WorkDirFacts is the working-directory introspection the selector needs:
// whether a compose file and the data/app directories are present.
type WorkDirFacts struct {
	ComposeFilePresent bool
	DataDirsPresent    bool
}

// Input bundles everything the decision table reads (spec §4.9).
type Input struct {
	Local     version.Version
	Manifest  *manifest.Manifest
	Host      arch.Arch
	WorkDir   WorkDirFacts
	ForceFull bool
}

// Decision is the selector's output: a strategy plus the package to fetch
// and, for PatchUpgrade, the operations to execute.
type Decision struct {
	Strategy      Strategy
	DownloadURL   string
	ExpectedHash  string
	TargetVersion version.Version
	PatchOps      manifest.Operations
}

// Select runs the decision table of spec §4.9, "first match wins".
func Select(in Input) Decision {
	target := in.Manifest.TargetVersion

	if in.ForceFull {
		return fullUpgradeDecision(in, target)
	}
	if !in.WorkDir.ComposeFilePresent || !in.WorkDir.DataDirsPresent {
		return fullUpgradeDecision(in, target)
	}

	switch in.Local.CompareDetailed(target) {
	case version.Equal, version.Newer:
		return Decision{Strategy: NoUpgrade, TargetVersion: target}

	case version.PatchUpgradeable:
		// CompareDetailed only returns PatchUpgradeable when the target's
		// base version already equals the local base, so "patch.base ==
		// local.base" from spec §4.9 is guaranteed here; the remaining
		// condition is simply whether a patch exists for this arch.
		if in.Manifest.HasPatchFor(in.Host) {
			pp := in.Manifest.Patch[in.Host.String()]
			return Decision{
				Strategy:      PatchUpgrade,
				DownloadURL:   pp.URL,
				ExpectedHash:  pp.Hash,
				TargetVersion: target,
				PatchOps: manifest.Operations{
					Replace: pp.Operations.Replace,
					Delete:  pp.Operations.Delete,
				},
			}
		}
		return fullUpgradeDecision(in, target)

	case version.FullUpgradeRequired:
		return fullUpgradeDecision(in, target)

	default:
		return fullUpgradeDecision(in, target)
	}
}

func fullUpgradeDecision(in Input, target version.Version) Decision {
	if !in.Manifest.HasFullFor(in.Host) {
		return Decision{Strategy: FullUpgrade, TargetVersion: target}
	}
	full := in.Manifest.Full[in.Host.String()]
	return Decision{
		Strategy:      FullUpgrade,
		DownloadURL:   full.URL,
		ExpectedHash:  full.Hash,
		TargetVersion: target,
	}
}
