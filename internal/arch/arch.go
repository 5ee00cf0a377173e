// Package arch implements the host-architecture detector of spec §4.2: a
// closed enum plus alias normalization and a cross-arch compatibility
// check.
package arch

import (
	"fmt"
	"runtime"
	"strings"
	"sync"

	"github.com/duckclient/duckclient/internal/duckerr"
)

// Arch is the closed set of supported host architectures. Unsupported
// carries the rejected name but is never persisted (spec §3).
type Arch struct {
	name          string
	isUnsupported bool
}

var (
	X86_64  = Arch{name: "x86_64"}
	Aarch64 = Arch{name: "aarch64"}
)

// Unsupported constructs the third, non-persisted variant.
func Unsupported(raw string) Arch {
	return Arch{name: raw, isUnsupported: true}
}

func (a Arch) String() string { return a.name }

// IsUnsupported reports whether this value is the Unsupported variant.
func (a Arch) IsUnsupported() bool { return a.isUnsupported }

var aliases = map[string]Arch{
	"amd64":   X86_64,
	"x64":     X86_64,
	"x86_64":  X86_64,
	"arm64":   Aarch64,
	"aarch64": Aarch64,
	"armv8":   Aarch64,
}

// FromString normalizes a free-form architecture name to the closed set,
// or returns Unsupported(name) if no alias matches.
func FromString(name string) Arch {
	if a, ok := aliases[strings.ToLower(strings.TrimSpace(name))]; ok {
		return a
	}
	return Unsupported(name)
}

var (
	mu       sync.Mutex
	cached   Arch
	detected bool
)

// Detect returns the host architecture, detected from runtime.GOARCH at
// first call and cached thereafter. Use Override in tests instead of
// calling Detect repeatedly with different environments.
func Detect() Arch {
	mu.Lock()
	defer mu.Unlock()
	if !detected {
		cached = FromString(runtime.GOARCH)
		detected = true
	}
	return cached
}

// Override forces the cached detection result; intended for tests and for
// matching a patch's declared target architecture against an operator
// override flag.
func Override(a Arch) {
	mu.Lock()
	defer mu.Unlock()
	cached = a
	detected = true
}

// CompatibilityCheck reports an error unless target equals a.
func (a Arch) CompatibilityCheck(target Arch) error {
	if a == target {
		return nil
	}
	return duckerr.New(duckerr.KindArchMismatch, "arch.CompatibilityCheck",
		fmt.Errorf("host architecture %q is not compatible with package architecture %q", a, target))
}
