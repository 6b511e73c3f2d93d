// Package codemem implements the code memory pool (spec §4.B): bounded,
// page-aligned regions for emitted code, rodata, and unwind info, allocated
// RW and flipped to their final protection by Publish before any function
// pointer referencing them is handed out.
//
// Allocation and protection changes are grounded on the mmap/mprotect
// wrapping the teacher repo's internal/platform package performs (see its
// MmapCodeSegment/MunmapCodeSegment tests), reimplemented here directly on
// golang.org/x/sys/unix rather than cgo.
package codemem

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Protection mirrors the three states a region moves through.
type Protection byte

const (
	ProtRW Protection = iota
	ProtRX
	ProtR
)

func (p Protection) unixProt() int {
	switch p {
	case ProtRX:
		return unix.PROT_READ | unix.PROT_EXEC
	case ProtR:
		return unix.PROT_READ
	default:
		return unix.PROT_READ | unix.PROT_WRITE
	}
}

// pageSize is resolved once; all regions are rounded up to a multiple of it.
var pageSize = unix.Getpagesize()

func roundUpToPage(n int) int {
	if n <= 0 {
		return pageSize
	}
	return (n + pageSize - 1) &^ (pageSize - 1)
}

// Region is one mmap'd allocation. It starts life writable-and-not-executable
// (W^X is enforced: ProtRW and ProtRX are never simultaneous) and is flipped
// to its target Protection by Publish.
type Region struct {
	mem     []byte // full mmap'd slice, page-aligned length
	used    int    // bytes actually written by callers
	target  Protection
	current Protection
}

// Bytes returns the writable view of the region for as long as it remains
// ProtRW; callers must not retain it across Publish.
func (r *Region) Bytes() []byte { return r.mem[:r.used] }

// Addr returns the base address of the region's mapping, valid for the
// region's lifetime regardless of its current Protection. The Artifact
// linker uses this to compute relocation targets and function pointers once
// a region has been Published.
func (r *Region) Addr() uintptr {
	if len(r.mem) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&r.mem[0]))
}

// Len reports the number of bytes actually written into the region (not
// counting page-alignment padding).
func (r *Region) Len() int { return r.used }

// Pool owns every Region allocated through it and enforces a byte and
// region-count cap, per spec §5 ("Per-engine: code-memory region count and
// byte cap").
type Pool struct {
	mu           sync.Mutex
	regions      []*Region
	maxRegions   int
	maxBytes     int
	allocBytes   int
}

// Limits bounds a Pool's address-space consumption.
type Limits struct {
	MaxRegions int
	MaxBytes   int
}

// DefaultLimits matches what a short-lived contract-invocation embedder
// would reasonably set: generous enough for real modules, small enough that
// a runaway compile loop cannot exhaust address space silently.
var DefaultLimits = Limits{MaxRegions: 4096, MaxBytes: 1 << 30}

// NewPool constructs a Pool bounded by limits.
func NewPool(limits Limits) *Pool {
	return &Pool{maxRegions: limits.MaxRegions, maxBytes: limits.MaxBytes}
}

// ResourceError reports that the pool's region-count or byte cap would be
// exceeded, or that the underlying mmap/mprotect syscall failed.
type ResourceError struct {
	Op  string
	Err error
}

func (e *ResourceError) Error() string { return fmt.Sprintf("codemem: %s: %v", e.Op, e.Err) }
func (e *ResourceError) Unwrap() error { return e.Err }

// Allocate reserves a new RW region sized to hold n bytes (rounded up to a
// page) and copies data (if non-nil) into its start. target is the
// protection Publish will later set.
func (p *Pool) Allocate(n int, target Protection, data []byte) (*Region, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.regions) >= p.maxRegions {
		return nil, &ResourceError{Op: "allocate", Err: fmt.Errorf("region count limit %d reached", p.maxRegions)}
	}
	size := roundUpToPage(n)
	if p.allocBytes+size > p.maxBytes {
		return nil, &ResourceError{Op: "allocate", Err: fmt.Errorf("byte cap %d exceeded", p.maxBytes)}
	}

	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, &ResourceError{Op: "mmap", Err: err}
	}
	if len(data) > 0 {
		copy(mem, data)
	}

	r := &Region{mem: mem, used: n, target: target, current: ProtRW}
	p.regions = append(p.regions, r)
	p.allocBytes += size
	return r, nil
}

// AllocateMany is the batch form spec §4.B names explicitly: it allocates
// one region per requested (size, protection) pair and returns their
// writable views in the same order, so callers (the Artifact linker) can
// write function bodies, exec-sections, and data-sections before a single
// Publish call flips everything at once.
func (p *Pool) AllocateMany(sizes []int, targets []Protection, data [][]byte) ([]*Region, error) {
	if len(sizes) != len(targets) {
		return nil, fmt.Errorf("codemem: mismatched sizes/targets lengths")
	}
	regions := make([]*Region, len(sizes))
	for i, n := range sizes {
		var d []byte
		if data != nil {
			d = data[i]
		}
		r, err := p.Allocate(n, targets[i], d)
		if err != nil {
			return nil, err
		}
		regions[i] = r
	}
	return regions, nil
}

// Publish flips every region passed to the target protection recorded at
// allocation time. It must be called before any function pointer into these
// regions is exposed to a caller; the pool enforces W^X by never holding a
// region in two protection states, i.e. regions are RW until this call and
// RX/R after, never both.
func (p *Pool) Publish(regions ...*Region) error {
	for _, r := range regions {
		if r.current == r.target {
			continue
		}
		if err := unix.Mprotect(r.mem, r.target.unixProt()); err != nil {
			return &ResourceError{Op: "mprotect", Err: err}
		}
		r.current = r.target
	}
	return nil
}

// Release unmaps a region. Regions are normally released only when their
// owning Engine is dropped (the Pool is the Engine's exclusive owner per
// spec §3); Release exists mainly for tests and for compile-retry paths
// that discard a partially-linked Artifact.
func (p *Pool) Release(r *Region) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, existing := range p.regions {
		if existing == r {
			p.regions = append(p.regions[:i], p.regions[i+1:]...)
			p.allocBytes -= len(r.mem)
			break
		}
	}
	return unix.Munmap(r.mem)
}

// RegionCount reports the number of live regions, for tests and metrics.
func (p *Pool) RegionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.regions)
}
