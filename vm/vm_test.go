package vm

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"kernel/limits"
	"kernel/mem"
)

func freshManager(t *testing.T, frames int) *Manager {
	t.Helper()
	p := mem.MkPhysmem(0, frames*limits.PGSIZE)
	p.Phys_init1()
	p.Phys_init2()
	return &Manager{Phys: p, Kernbase: 0x80000000}
}

func TestSetupKvmSharesKernelRegion(t *testing.T) {
	m := freshManager(t, 32)
	kpa, ok := m.Phys.Alloc_zero_page()
	require.True(t, ok)
	m.Kmap = []Region{{Va: 0x80000000, Size: limits.PGSIZE, Pa: kpa, Perm: PTE_W}}

	d1, ok := m.Setup_kvm()
	require.True(t, ok)
	d2, ok := m.Setup_kvm()
	require.True(t, ok)

	e1, ok := m.Walk(d1, 0x80000000, false)
	require.True(t, ok)
	e2, ok := m.Walk(d2, 0x80000000, false)
	require.True(t, ok)
	require.Equal(t, e1.Get()&pteAddrMask, e2.Get()&pteAddrMask)
}

func TestMapRangePanicsOnRemap(t *testing.T) {
	m := freshManager(t, 16)
	dir, ok := m.Setup_kvm()
	require.True(t, ok)
	pa, ok := m.Phys.Alloc_page()
	require.True(t, ok)
	require.True(t, m.Map_range(dir, 0, limits.PGSIZE, pa, PTE_W|PTE_U))
	require.Panics(t, func() {
		m.Map_range(dir, 0, limits.PGSIZE, pa, PTE_W|PTE_U)
	})
}

func TestAllocUvmGrowsAndUnwindsOnFailure(t *testing.T) {
	m := freshManager(t, 4)
	dir, ok := m.Setup_kvm()
	require.True(t, ok)
	require.True(t, m.Init_uvm(dir, []byte("hi")))

	before := m.Phys.Freeframes()
	newSz, ok := m.Alloc_uvm(dir, limits.PGSIZE, 64*limits.PGSIZE)
	require.False(t, ok)
	require.Equal(t, uint32(0), newSz)
	require.Equal(t, before, m.Phys.Freeframes(), "failed alloc_uvm must not leak frames")
}

func TestCopyUvmDuplicatesContent(t *testing.T) {
	m := freshManager(t, 16)
	dir, ok := m.Setup_kvm()
	require.True(t, ok)
	img := make([]byte, 16)
	copy(img, []byte("hello world"))
	require.True(t, m.Init_uvm(dir, img))

	newDir, ok := m.Copy_uvm(dir, limits.PGSIZE)
	require.True(t, ok)

	e, ok := m.Walk(newDir, 0, false)
	require.True(t, ok)
	pa := e.Get() & pteAddrMask
	require.True(t, bytes.HasPrefix(m.Phys.Frame(mem.Pa_t(pa)), []byte("hello world")))

	// parent's page and child's page must be distinct frames (full copy,
	// not copy-on-write).
	orig, _ := m.Walk(dir, 0, false)
	require.NotEqual(t, orig.Get()&pteAddrMask, pa)
}

func TestDeallocUvmFreesFrames(t *testing.T) {
	m := freshManager(t, 8)
	dir, ok := m.Setup_kvm()
	require.True(t, ok)
	require.True(t, m.Init_uvm(dir, []byte("x")))
	sz, ok := m.Alloc_uvm(dir, limits.PGSIZE, 3*limits.PGSIZE)
	require.True(t, ok)

	before := m.Phys.Freeframes()
	got := m.Dealloc_uvm(dir, sz, limits.PGSIZE)
	require.Equal(t, uint32(limits.PGSIZE), got)
	require.Equal(t, before+2, m.Phys.Freeframes())
}

func TestCopyOutValidatesUserMapping(t *testing.T) {
	m := freshManager(t, 8)
	dir, ok := m.Setup_kvm()
	require.True(t, ok)
	require.True(t, m.Init_uvm(dir, make([]byte, 4)))

	require.EqualValues(t, 0, m.Copy_out(dir, 0, []byte("ab")))
	require.NotEqualValues(t, 0, m.Copy_out(dir, 5*limits.PGSIZE, []byte("ab")))
}
