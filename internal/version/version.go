// Package version implements the four-segment semantic version model of
// spec §3/§4.1: parsing, base-version comparison, and the four-outcome
// comparison that distinguishes a same-base build bump from a full
// upgrade requirement.
package version

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/duckclient/duckclient/internal/duckerr"
)

// Version is four unsigned integer segments: major.minor.patch.build.
type Version struct {
	Major, Minor, Patch, Build uint64
}

// Outcome is the result of comparing a local version against a remote one.
type Outcome int

const (
	// Equal: local == remote in all four segments.
	Equal Outcome = iota
	// Newer: local is ahead of remote (local > remote).
	Newer
	// PatchUpgradeable: same major.minor.patch, different build.
	PatchUpgradeable
	// FullUpgradeRequired: any of major/minor/patch differs (and local < remote,
	// or the differing component can't be bridged by a build-level patch).
	FullUpgradeRequired
)

func (o Outcome) String() string {
	switch o {
	case Equal:
		return "Equal"
	case Newer:
		return "Newer"
	case PatchUpgradeable:
		return "PatchUpgradeable"
	case FullUpgradeRequired:
		return "FullUpgradeRequired"
	default:
		return "Unknown"
	}
}

// Parse accepts "vMAJOR.MINOR.PATCH[.BUILD]" or the same without a leading
// "v". Build defaults to 0 when the fourth segment is absent. Any
// non-integer segment, more than four segments, or a negative value is
// rejected.
func Parse(s string) (Version, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(s), "v")
	if trimmed == "" {
		return Version{}, duckerr.New(duckerr.KindInvalidVersion, "version.Parse", fmt.Errorf("empty version string"))
	}

	parts := strings.Split(trimmed, ".")
	if len(parts) < 3 || len(parts) > 4 {
		return Version{}, duckerr.New(duckerr.KindInvalidVersion, "version.Parse",
			fmt.Errorf("expected 3 or 4 dotted segments, got %d in %q", len(parts), s))
	}

	nums := make([]uint64, 4)
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 64)
		if err != nil {
			return Version{}, duckerr.New(duckerr.KindInvalidVersion, "version.Parse",
				fmt.Errorf("segment %d (%q) is not a non-negative integer: %w", i, p, err))
		}
		nums[i] = n
	}

	return Version{Major: nums[0], Minor: nums[1], Patch: nums[2], Build: nums[3]}, nil
}

// ShortString renders all four segments: "1.2.3.4".
func (v Version) ShortString() string {
	return fmt.Sprintf("%d.%d.%d.%d", v.Major, v.Minor, v.Patch, v.Build)
}

// BaseVersionString renders the three base segments: "1.2.3".
func (v Version) BaseVersionString() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// BaseVersion discards the build segment.
func (v Version) BaseVersion() Version {
	return Version{Major: v.Major, Minor: v.Minor, Patch: v.Patch}
}

// CanApplyPatch reports whether a patch whose declared base version is
// `base` is applicable to v — i.e. v.BaseVersion() == base.
func (v Version) CanApplyPatch(base Version) bool {
	return v.BaseVersion() == base
}

// CompareDetailed implements the four-outcome comparison of spec §3. local
// is the receiver, remote is the manifest's target version.
func (local Version) CompareDetailed(remote Version) Outcome {
	if local == remote {
		return Equal
	}

	lb, rb := local.BaseVersion(), remote.BaseVersion()
	if lb == rb {
		// local != remote was already ruled out above, so the build segments
		// must differ here.
		if local.Build > remote.Build {
			return Newer
		}
		return PatchUpgradeable
	}

	if local.isNewerBase(rb) {
		return Newer
	}
	return FullUpgradeRequired
}

func (local Version) isNewerBase(remoteBase Version) bool {
	if local.Major != remoteBase.Major {
		return local.Major > remoteBase.Major
	}
	if local.Minor != remoteBase.Minor {
		return local.Minor > remoteBase.Minor
	}
	return local.Patch > remoteBase.Patch
}
