// Package mem implements the kernel's physical page-frame allocator: a
// free list of 4 KiB frames threaded through the first machine word of
// each free frame, with no side table.
//
// A real kernel owns physical memory directly; this one simulates a
// physical address range as a single backing arena ([]byte) and treats
// Pa_t as an offset into it, so the exact same threaded-free-list
// algorithm xv6's kalloc.c uses works unchanged on top of a hosted Go
// process.
package mem

import (
	"encoding/binary"
	"fmt"

	"kernel/limits"
	"kernel/oommsg"
	"kernel/spinlock"
)

/// Pa_t is a physical frame address: a PGSIZE-aligned offset into the
/// managed arena.
type Pa_t uintptr

/// poison is written across a frame's contents when it is freed, to turn
/// use-after-free into an obviously wrong read.
const poison = 0x1

/// nilnext marks the end of the free list.
const nilnext = ^uint64(0)

/// Physmem_t owns the free-frame list over a backing arena. UseLock
/// distinguishes boot phase 1 (no locking, first 4 MiB only) from phase 2
/// (locking enabled, remainder of memory added).
type Physmem_t struct {
	lock    *spinlock.Spinlock_t
	UseLock bool

	arena []byte
	base  Pa_t // arena[0] corresponds to physical address `base`
	end   Pa_t // one past the last manageable address

	freelist Pa_t
	hasFree  bool

	freeCount limits.Sysatomic_t
}

/// Phys is the kernel's single page allocator instance, matching
/// biscuit's package-level singleton.
var Phys *Physmem_t

/// MkPhysmem allocates the backing arena for [base, base+size) and
/// prepares an empty free list. It does not add any frames; callers must
/// call Phys_init1/Phys_init2 (the boot sweep) to populate it.
func MkPhysmem(base Pa_t, size int) *Physmem_t {
	if size%limits.PGSIZE != 0 {
		panic("unaligned arena size")
	}
	return &Physmem_t{
		lock:  spinlock.Mk("physmem"),
		arena: make([]byte, size),
		base:  base,
		end:   base + Pa_t(size),
	}
}

func (p *Physmem_t) aligned(pa Pa_t) bool {
	return uintptr(pa)%limits.PGSIZE == 0
}

/// Frame returns the PGSIZE-byte slice backing the frame at pa. It panics
/// if pa is out of the managed range or misaligned, mirroring the kernel
/// treating such an address as a programmer error rather than a
/// recoverable condition.
func (p *Physmem_t) Frame(pa Pa_t) []byte {
	if !p.aligned(pa) || pa < p.base || pa >= p.end {
		panic(fmt.Sprintf("mem: bad frame address %#x", uintptr(pa)))
	}
	off := int(pa - p.base)
	return p.arena[off : off+limits.PGSIZE]
}

func (p *Physmem_t) readNext(pa Pa_t) uint64 {
	return binary.LittleEndian.Uint64(p.Frame(pa)[:8])
}

func (p *Physmem_t) lockIf() {
	if p.UseLock {
		p.lock.Lock()
	}
}

func (p *Physmem_t) unlockIf() {
	if p.UseLock {
		p.lock.Unlock()
	}
}

/// Phys_init1 performs the first, lock-free phase of boot: it sweeps
/// [base, min(end, base+4MiB)) onto the free list before the allocator
/// lock is live.
func (p *Physmem_t) Phys_init1() {
	p.UseLock = false
	const phase1 = 4 << 20
	stop := p.base + phase1
	if stop > p.end {
		stop = p.end
	}
	p.Free_range(p.base, stop)
}

/// Phys_init2 enables the allocator lock and sweeps the remainder of the
/// managed range onto the free list.
func (p *Physmem_t) Phys_init2() {
	const phase1 = 4 << 20
	stop := p.base + phase1
	if stop > p.end {
		stop = p.end
	}
	p.Free_range(stop, p.end)
	p.UseLock = true
}

/// Free_range adds every aligned frame in [start, end) to the free list.
func (p *Physmem_t) Free_range(start, end Pa_t) {
	for pa := start; pa+limits.PGSIZE <= end; pa += limits.PGSIZE {
		p.Free_page(pa)
	}
}

/// Alloc_page removes and returns one frame from the free list, or
/// reports ok=false on exhaustion. It never zeroes the returned frame and
/// never panics on OOM.
func (p *Physmem_t) Alloc_page() (Pa_t, bool) {
	p.lockIf()
	if !p.hasFree {
		p.unlockIf()
		select {
		case oommsg.OomCh <- oommsg.Oommsg_t{Need: 1}:
		default:
		}
		return 0, false
	}
	pa := p.freelist
	next := p.readNext(pa)
	if next == nilnext {
		p.hasFree = false
	} else {
		p.freelist = p.base + Pa_t(next)
	}
	p.freeCount.Take()
	p.unlockIf()
	return pa, true
}

/// Alloc_zero_page is Alloc_page followed by zeroing the frame, the
/// variant walk() uses when installing a fresh page-table node.
func (p *Physmem_t) Alloc_zero_page() (Pa_t, bool) {
	pa, ok := p.Alloc_page()
	if !ok {
		return 0, false
	}
	f := p.Frame(pa)
	for i := range f {
		f[i] = 0
	}
	return pa, true
}

/// Free_page returns pa to the free list, poisoning its contents first.
/// It panics if pa is misaligned or outside the managed range — the
/// contract's definition of "below the kernel end symbol or >= PHYSTOP".
func (p *Physmem_t) Free_page(pa Pa_t) {
	if !p.aligned(pa) || pa < p.base || pa >= p.end {
		panic(fmt.Sprintf("mem: free of bad frame %#x", uintptr(pa)))
	}
	f := p.Frame(pa)
	for i := range f {
		f[i] = poison
	}
	p.lockIf()
	if p.hasFree {
		binary.LittleEndian.PutUint64(f[:8], uint64(p.freelist-p.base))
	} else {
		binary.LittleEndian.PutUint64(f[:8], nilnext)
	}
	p.freelist = pa
	p.hasFree = true
	p.freeCount.Give()
	p.unlockIf()
}

/// Nframes returns the total number of frames the arena manages — the
/// constant half of the invariant "Σ(free) + Σ(allocated) = total".
func (p *Physmem_t) Nframes() int64 {
	return int64(len(p.arena)) / limits.PGSIZE
}

/// Freeframes returns the number of currently free frames.
func (p *Physmem_t) Freeframes() int64 {
	return p.freeCount.Read()
}
