// Package disk implements the single-outstanding-request PIO disk
// driver spec.md §4.5 describes, grounded on xv6 ide.c's
// idestart/ideintr/iderw trio. Real PIO moves bytes through in/out
// instructions on ports 0x1f0-0x1f7/0x3f6; hosted, there is no port
// space to address, so Backend_i stands in for the controller and a
// dedicated per-request goroutine (service) stands in for the
// interrupt line firing once that backend's I/O completes — the same
// substitution package proc documents for swtch, applied to the one
// other place this kernel would otherwise need real interrupt
// delivery.
package disk

import (
	"kernel/fs"
	"kernel/kpanic"
	"kernel/proc"
	"kernel/spinlock"
)

// SectorSize is the disk sector size in bytes; spec.md §6 fixes it at
// 512, equal to fs.BSIZE, so every block here is exactly one sector.
const SectorSize = 512

// PIO port/command/status constants from spec.md §6's external-interface
// table (xv6 ide.c's IDE_* defines). Documented for fidelity to the real
// hardware protocol this driver's state machine follows; FileBackend
// below performs the equivalent transfer through a regular file instead
// of these ports, since there is no port space to address hosted.
const (
	PortData    = 0x1f0
	PortSeccnt  = 0x1f2
	PortLBALow  = 0x1f3
	PortLBAMid  = 0x1f4
	PortLBAHigh = 0x1f5
	PortDrive   = 0x1f6
	PortStatus  = 0x1f7
	PortCommand = 0x1f7
	PortCtrl    = 0x3f6

	CmdRead     = 0x20
	CmdWrite    = 0x30
	CmdReadMul  = 0xc4
	CmdWriteMul = 0xc5

	StatusBusy  = 0x80
	StatusReady = 0x40
	StatusFault = 0x20
	StatusError = 0x01
)

// Backend_i abstracts the disk controller: read or write nsec sectors
// starting at lba. Implemented by FileBackend for a hosted test double.
type Backend_i interface {
	ReadSectors(lba, nsec int, out []byte) error
	WriteSectors(lba, nsec int, data []byte) error
	Close() error
}

// Driver_t is the single-queue PIO driver: one FIFO of outstanding
// buffer requests, a driver spinlock guarding it, and (since only
// drive 0 is ever assumed present per spec.md §4.5) a fixed notion of
// which devices are usable.
type Driver_t struct {
	lock *spinlock.Spinlock_t
	pt   *proc.Ptable_t

	queue, tail *fs.Buf_t

	backend   Backend_i
	havedisk1 bool
}

// MkDriver probes for a second drive — "Initialisation probes whether a
// second drive is present; only drive 0 is assumed to exist" — and
// binds backend as drive 0. There is no real second drive to probe for
// hosted, so havedisk1 is always false; the field and the Rw-time check
// against it exist anyway so the precondition in iderw's C source has a
// live Go analogue.
func MkDriver(pt *proc.Ptable_t, backend Backend_i) *Driver_t {
	return &Driver_t{
		lock:    spinlock.Mk("ide"),
		pt:      pt,
		backend: backend,
	}
}

// Rw implements spec.md §4.5's io_request + the blocking half of iderw:
// append b to the tail of the FIFO; if b is now the head, start
// service immediately; then sleep on b's address until the servicing
// goroutine (standing in for the interrupt handler) marks it Valid and
// clears Dirty.
func (d *Driver_t) Rw(ctx *fs.Ctx, b *fs.Buf_t) {
	if !b.Locked() {
		kpanic.Halt("disk.Rw: buffer not locked")
	}
	if b.Flags&(fs.BValid|fs.BDirty) == fs.BValid {
		kpanic.Halt("disk.Rw: nothing to do")
	}
	if b.Dev != 0 && !d.havedisk1 {
		kpanic.Halt("disk.Rw: drive 1 not present")
	}

	d.lock.Lock()
	b.Qnext = nil
	if d.queue == nil {
		d.queue = b
	} else {
		d.tail.Qnext = b
	}
	d.tail = b
	if d.queue == b {
		d.start(b)
	}
	for b.Flags&(fs.BValid|fs.BDirty) != fs.BValid {
		ctx.Pt.Sleep(ctx.Cpu, ctx.P, b, d.lock)
	}
	d.lock.Unlock()
}

// start programs the "controller" for b and, for a write, hands off the
// data immediately — idestart's outsl call. Must be called with d.lock
// held; launches the goroutine that performs the actual transfer and
// then delivers the simulated interrupt.
func (d *Driver_t) start(b *fs.Buf_t) {
	go d.service(b)
}

func (d *Driver_t) service(b *fs.Buf_t) {
	lba := b.Blockno * (fs.BSIZE / SectorSize)
	nsec := fs.BSIZE / SectorSize
	var err error
	if b.Flags&fs.BDirty != 0 {
		err = d.backend.WriteSectors(lba, nsec, b.Data[:])
	} else {
		err = d.backend.ReadSectors(lba, nsec, b.Data[:])
	}
	if err != nil {
		kpanic.Halt("disk: i/o error: %v", err)
	}
	d.intr(b)
}

// intr is the simulated interrupt handler: consult the head of the
// queue, record completion, wake whoever is waiting on it, then start
// the next queued request if any — ideintr's body exactly, minus the
// real insl/ports.
func (d *Driver_t) intr(b *fs.Buf_t) {
	d.lock.Lock()
	defer d.lock.Unlock()

	if d.queue != b {
		kpanic.Halt("disk: interrupt for non-head request")
	}
	d.queue = b.Qnext
	if d.queue == nil {
		d.tail = nil
	}
	b.Flags |= fs.BValid
	b.Flags &^= fs.BDirty
	d.pt.Wakeup(b)

	if d.queue != nil {
		d.start(d.queue)
	}
}
