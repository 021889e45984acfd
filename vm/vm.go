// Package vm builds and mutates per-process two-level page tables: a
// directory indexed by the top 10 bits of a virtual address, pointing at
// tables indexed by the next 10 bits, each leaf naming a 4 KiB frame.
//
// This mirrors xv6's vm.c rather than biscuit's own vm/as.go: biscuit
// builds a 4-level x86-64 page table with copy-on-write and demand
// paging, which depends on a forked Go runtime (TLB shootdown hooks,
// physical-to-virtual translation helpers) that does not exist in stock
// Go. The teaching kernel this module implements explicitly excludes
// demand paging, swapping and copy-on-write, so the simpler two-level
// design is both what the contract asks for and what is actually
// buildable hosted.
package vm

import (
	"encoding/binary"
	"io"

	"kernel/defs"
	"kernel/kpanic"
	"kernel/limits"
	"kernel/mem"
)

const (
	/// PTE_P marks a present entry.
	PTE_P uint32 = 1 << 0
	/// PTE_W marks a writable entry.
	PTE_W uint32 = 1 << 1
	/// PTE_U marks a user-accessible entry.
	PTE_U uint32 = 1 << 2

	pteAddrMask uint32 = 0xFFFFF000

	pdxShift = 22
	ptxShift = 12
	idxMask  = 0x3FF
)

func pdx(va uint32) int { return int((va >> pdxShift) & idxMask) }
func ptx(va uint32) int { return int((va >> ptxShift) & idxMask) }

func rounddown(v, b uint32) uint32 { return v - v%b }
func roundup(v, b uint32) uint32   { return rounddown(v+b-1, b) }

/// Entry is a reference to one page-table leaf or directory slot: the
/// frame that holds it plus the index within that frame's 1024 entries.
/// It is the Go stand-in for a raw pte_t* in the original kernel.
type Entry struct {
	phys  *mem.Physmem_t
	table mem.Pa_t
	idx   int
}

/// Get reads the raw 32-bit entry value.
func (e Entry) Get() uint32 {
	f := e.phys.Frame(e.table)
	return binary.LittleEndian.Uint32(f[e.idx*4:])
}

/// Set writes the raw 32-bit entry value.
func (e Entry) Set(v uint32) {
	f := e.phys.Frame(e.table)
	binary.LittleEndian.PutUint32(f[e.idx*4:], v)
}

/// Region describes one static kernel mapping installed by Setup_kvm:
/// a virtual range backed by a physical range with fixed permissions.
type Region struct {
	Va   uint32
	Size uint32
	Pa   mem.Pa_t
	Perm uint32
}

/// Manager builds and mutates page tables over a single physical
/// allocator. Kernbase is the first virtual address reserved for the
/// kernel's own linear mapping; Kmap is the static table of kernel
/// regions every address space maps identically, the invariant that
/// makes switching page tables inside the kernel safe.
type Manager struct {
	Phys     *mem.Physmem_t
	Kernbase uint32
	Kmap     []Region
}

/// Walk resolves the leaf entry for va in the page table rooted at dir.
/// If the table is missing and alloc is true, it allocates one page
/// frame, zeroes it, and installs it Present+Writable+User — the
/// directory's user bit is broad on purpose; per-leaf permissions
/// further restrict access.
func (m *Manager) Walk(dir mem.Pa_t, va uint32, alloc bool) (Entry, bool) {
	de := Entry{phys: m.Phys, table: dir, idx: pdx(va)}
	dv := de.Get()
	var table mem.Pa_t
	if dv&PTE_P != 0 {
		table = mem.Pa_t(dv & pteAddrMask)
	} else {
		if !alloc {
			return Entry{}, false
		}
		pa, ok := m.Phys.Alloc_zero_page()
		if !ok {
			return Entry{}, false
		}
		table = pa
		de.Set(uint32(pa)&pteAddrMask | PTE_P | PTE_W | PTE_U)
	}
	return Entry{phys: m.Phys, table: table, idx: ptx(va)}, true
}

/// Map_range installs leaf entries covering [va, va+size) -> [pa,
/// pa+size). It panics if any leaf in the range is already Present: the
/// contract forbids silent remapping.
func (m *Manager) Map_range(dir mem.Pa_t, va uint32, size uint32, pa mem.Pa_t, perm uint32) bool {
	start := rounddown(va, limits.PGSIZE)
	last := va + size - 1
	for a := start; ; a += limits.PGSIZE {
		e, ok := m.Walk(dir, a, true)
		if !ok {
			return false
		}
		if e.Get()&PTE_P != 0 {
			kpanic.Halt("vm: remap of present page at va=%#x", a)
		}
		off := a - start
		e.Set((uint32(pa)+off)&pteAddrMask | perm | PTE_P)
		if a >= rounddown(last, limits.PGSIZE) {
			break
		}
	}
	return true
}

/// Setup_kvm allocates a fresh directory and installs every region of
/// Kmap, the kernel mapping every process shares. It returns ok=false on
/// allocator exhaustion.
func (m *Manager) Setup_kvm() (mem.Pa_t, bool) {
	dir, ok := m.Phys.Alloc_zero_page()
	if !ok {
		return 0, false
	}
	for _, r := range m.Kmap {
		if !m.Map_range(dir, r.Va, r.Size, r.Pa, r.Perm) {
			m.freeTables(dir)
			m.Phys.Free_page(dir)
			return 0, false
		}
	}
	return dir, true
}

/// Init_uvm allocates one frame, maps virtual address 0 to it with
/// Writable+User permissions, and copies img (which must fit in one
/// page) into it. It is used once, for the very first process image.
func (m *Manager) Init_uvm(dir mem.Pa_t, img []byte) bool {
	if len(img) > limits.PGSIZE {
		kpanic.Halt("vm: init image larger than one page")
	}
	pa, ok := m.Phys.Alloc_zero_page()
	if !ok {
		return false
	}
	if !m.Map_range(dir, 0, limits.PGSIZE, pa, PTE_W|PTE_U) {
		m.Phys.Free_page(pa)
		return false
	}
	copy(m.Phys.Frame(pa), img)
	return true
}

/// Load_uvm reads size bytes starting at offset in src into the already
/// mapped pages covering [va, va+size), one page at a time, through the
/// kernel's alias of each frame's physical address.
func (m *Manager) Load_uvm(dir mem.Pa_t, va uint32, src io.ReaderAt, offset int64, size uint32) defs.Err_t {
	if va%limits.PGSIZE != 0 {
		kpanic.Halt("vm: load_uvm va not page aligned")
	}
	var done uint32
	for done < size {
		e, ok := m.Walk(dir, va+done, false)
		if !ok || e.Get()&PTE_P == 0 {
			kpanic.Halt("vm: load_uvm on unmapped page")
		}
		pa := mem.Pa_t(e.Get() & pteAddrMask)
		frame := m.Phys.Frame(pa)
		n := size - done
		if n > limits.PGSIZE {
			n = limits.PGSIZE
		}
		if _, err := src.ReadAt(frame[:n], offset+int64(done)); err != nil && err != io.EOF {
			return defs.EINVAL
		}
		done += n
	}
	return 0
}

/// Alloc_uvm grows the user region from old_sz to new_sz, one page at a
/// time. On any failure it frees every user page it mapped in this call,
/// clears their entries and returns ok=false, so the mapped user region
/// is as it was; page-table nodes that Walk installed during the call
/// stay in the directory, empty, until Free_vm. Growth above Kernbase is
/// rejected.
func (m *Manager) Alloc_uvm(dir mem.Pa_t, oldSz, newSz uint32) (uint32, bool) {
	if newSz < oldSz {
		return oldSz, true
	}
	if newSz > m.Kernbase {
		return 0, false
	}
	a := roundup(oldSz, limits.PGSIZE)
	var allocated []uint32
	for ; a < newSz; a += limits.PGSIZE {
		pa, ok := m.Phys.Alloc_zero_page()
		if !ok || !m.Map_range(dir, a, limits.PGSIZE, pa, PTE_W|PTE_U) {
			if ok {
				m.Phys.Free_page(pa)
			}
			for _, va := range allocated {
				e, _ := m.Walk(dir, va, false)
				pa := mem.Pa_t(e.Get() & pteAddrMask)
				m.Phys.Free_page(pa)
				e.Set(0)
			}
			return 0, false
		}
		allocated = append(allocated, a)
	}
	return newSz, true
}

/// Dealloc_uvm frees frames and clears entries for every page strictly
/// above new_sz, up to old_sz, returning new_sz.
func (m *Manager) Dealloc_uvm(dir mem.Pa_t, oldSz, newSz uint32) uint32 {
	if newSz >= oldSz {
		return oldSz
	}
	a := roundup(newSz, limits.PGSIZE)
	for ; a < oldSz; a += limits.PGSIZE {
		e, ok := m.Walk(dir, a, false)
		if !ok || e.Get()&PTE_P == 0 {
			continue
		}
		pa := mem.Pa_t(e.Get() & pteAddrMask)
		m.Phys.Free_page(pa)
		e.Set(0)
	}
	return newSz
}

/// Copy_uvm duplicates the user region [0, sz) into a fresh address
/// space: a full byte-for-byte copy, never copy-on-write.
func (m *Manager) Copy_uvm(dir mem.Pa_t, sz uint32) (mem.Pa_t, bool) {
	newDir, ok := m.Setup_kvm()
	if !ok {
		return 0, false
	}
	for a := uint32(0); a < sz; a += limits.PGSIZE {
		e, ok := m.Walk(dir, a, false)
		if !ok || e.Get()&PTE_P == 0 {
			kpanic.Halt("vm: copy_uvm found hole in user region")
		}
		srcPa := mem.Pa_t(e.Get() & pteAddrMask)
		perm := e.Get() &^ pteAddrMask
		dstPa, ok := m.Phys.Alloc_page()
		if !ok {
			m.freeUser(newDir, a)
			m.freeTables(newDir)
			m.Phys.Free_page(newDir)
			return 0, false
		}
		copy(m.Phys.Frame(dstPa), m.Phys.Frame(srcPa))
		if !m.Map_range(newDir, a, limits.PGSIZE, dstPa, perm&^PTE_P) {
			m.Phys.Free_page(dstPa)
			m.freeUser(newDir, a)
			m.freeTables(newDir)
			m.Phys.Free_page(newDir)
			return 0, false
		}
	}
	return newDir, true
}

func (m *Manager) freeUser(dir mem.Pa_t, upTo uint32) {
	m.Dealloc_uvm(dir, upTo, 0)
}

// freeTables frees every page-table frame reachable from dir's kernel
// and user region entries, but not dir itself.
func (m *Manager) freeTables(dir mem.Pa_t) {
	d := m.Phys.Frame(dir)
	for i := 0; i < 1024; i++ {
		dv := binary.LittleEndian.Uint32(d[i*4:])
		if dv&PTE_P != 0 {
			m.Phys.Free_page(mem.Pa_t(dv & pteAddrMask))
		}
	}
}

/// Free_vm deallocates every user page, then every page-table node, then
/// the directory frame itself.
func (m *Manager) Free_vm(dir mem.Pa_t, sz uint32) {
	m.Dealloc_uvm(dir, sz, 0)
	m.freeTables(dir)
	m.Phys.Free_page(dir)
}

/// Copy_out copies src into the user address space described by dir
/// starting at va, page by page, validating that each target page is
/// present and user-accessible before writing into its kernel alias.
func (m *Manager) Copy_out(dir mem.Pa_t, va uint32, src []byte) defs.Err_t {
	for len(src) > 0 {
		e, ok := m.Walk(dir, va, false)
		if !ok || e.Get()&PTE_P == 0 || e.Get()&PTE_U == 0 {
			return defs.EINVAL
		}
		pa := mem.Pa_t(e.Get() & pteAddrMask)
		frame := m.Phys.Frame(pa)
		off := va % limits.PGSIZE
		n := uint32(copy(frame[off:], src))
		src = src[n:]
		va += n
	}
	return 0
}
