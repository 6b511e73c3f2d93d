// Package platform isolates the small amount of host-CPU introspection this
// engine needs: the Executable's CPU feature bitmask (spec §3) and the
// InstantiationError.CpuFeature check run when loading an Artifact on a host
// that lacks a feature the code was compiled assuming.
package platform

import "golang.org/x/sys/cpu"

// CpuFeatureFlags is the standard (non-extended) leaf of x86_64 feature bits
// this engine cares about, named the way the teacher's own cpuid constants
// are named (SSE3/SSE4_2 are the only scalar-float requirements codegen's
// ADDSD/MULSD/UCOMISD family depends on).
type CpuFeatureFlags uint64

const (
	CpuFeatureSSE3 CpuFeatureFlags = 1 << iota
	CpuFeatureSSE4_1
	CpuFeatureSSE4_2
)

// CpuExtraFeatureFlags is a second, independent bitmask for features outside
// the standard leaf (here, a single AMD-specific bit used only by the test
// suite to exercise HasExtra's independence from Has).
type CpuExtraFeatureFlags uint64

const (
	CpuExtraFeatureABM CpuExtraFeatureFlags = 1 << iota
)

// cpuFeatureFlags bundles both masks; CPUFeatures() below is the only
// constructor outside of tests.
type cpuFeatureFlags struct {
	flags      CpuFeatureFlags
	extraFlags CpuExtraFeatureFlags
}

func (f cpuFeatureFlags) Has(flag CpuFeatureFlags) bool           { return f.flags&flag != 0 }
func (f cpuFeatureFlags) HasExtra(flag CpuExtraFeatureFlags) bool { return f.extraFlags&flag != 0 }

// CPUFeatures detects the running host's relevant feature set via
// golang.org/x/sys/cpu, the standard ecosystem way to avoid hand-rolled
// CPUID assembly for this kind of query.
func CPUFeatures() cpuFeatureFlags {
	var f cpuFeatureFlags
	if cpu.X86.HasSSE3 {
		f.flags |= CpuFeatureSSE3
	}
	if cpu.X86.HasSSE41 {
		f.flags |= CpuFeatureSSE4_1
	}
	if cpu.X86.HasSSE42 {
		f.flags |= CpuFeatureSSE4_2
	}
	return f
}

// Bitmask packs the standard flags into the u64 an Executable stores and
// later compares against the load-time host's CPUFeatures(), per spec §3's
// "CPU feature bitmask" and §7's InstantiationError.CpuFeature.
func (f cpuFeatureFlags) Bitmask() uint64 { return uint64(f.flags) }

// Satisfies reports whether f (the running host) satisfies every feature
// required, recorded as a Bitmask() value at compile time.
func (f cpuFeatureFlags) Satisfies(required uint64) bool {
	return uint64(f.flags)&required == required
}
