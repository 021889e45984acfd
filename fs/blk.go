package fs

import (
	"kernel/kpanic"
	"kernel/limits"
	"kernel/sleeplock"
	"kernel/spinlock"
)

/// BSIZE is the filesystem block / disk sector-group size in bytes,
/// spec.md §6's 512-byte block.
const BSIZE = limits.BSIZE

/// Flags_t holds a buffer's Valid/Dirty state, xv6's B_VALID/B_DIRTY.
type Flags_t uint8

const (
	/// BValid marks that Data reflects the block's on-disk contents.
	BValid Flags_t = 1 << iota
	/// BDirty marks that Data has been modified and needs writing back.
	/// The buffer cache also treats Dirty as a pin: bget will never
	/// recycle a Dirty buffer, because the log may have modified it
	/// without yet committing.
	BDirty
)

/// Buf_t is one buffer-cache slot: a cached copy of one disk block plus
/// the bookkeeping bio.c, log.c and the disk driver share a single struct
/// for in xv6 (struct buf). Qnext belongs to the disk driver's FIFO
/// queue; everything else belongs to the cache.
type Buf_t struct {
	Dev     int
	Blockno int
	Flags   Flags_t
	Data    [BSIZE]byte

	Qnext *Buf_t /// disk driver's FIFO link; nil when not queued

	refcnt int
	lock   *sleeplock.Sleeplock_t

	prev, next *Buf_t /// LRU list links
}

/// Locked reports whether this buffer's per-buffer sleep lock is
/// currently held by anyone — the precondition write_block and log_write
/// both require.
func (b *Buf_t) Locked() bool { return b.lock.Holding() }

/// Disk_i is the disk driver's contract with the buffer cache: issue the
/// read or write io implied by b's current flags and block until it
/// completes. Implemented by package disk.
type Disk_i interface {
	Rw(ctx *Ctx, b *Buf_t)
}

/// Bcache_t is the fixed-size, NBUF-slot buffer cache: a circular
/// doubly-linked list headed by a sentinel, MRU at head.next, guarded by
/// one spinlock — spec.md §3's "Buffer" data model and §4.4's contract,
/// grounded on xv6 bio.c's bcache/binit/bget/bread/bwrite/brelse.
type Bcache_t struct {
	lock *spinlock.Spinlock_t
	head *Buf_t /// sentinel; never holds real block data
}

/// MkBcache allocates nbuf buffer slots threaded into the LRU ring.
func MkBcache(nbuf int) *Bcache_t {
	head := &Buf_t{}
	head.next, head.prev = head, head
	bc := &Bcache_t{lock: spinlock.Mk("bcache"), head: head}
	for i := 0; i < nbuf; i++ {
		b := &Buf_t{lock: sleeplock.Mk("buffer")}
		b.next = head.next
		b.prev = head
		head.next.prev = b
		head.next = b
	}
	return bc
}

// bget implements spec.md §4.4's bget contract: forward scan from MRU for
// a cache hit, else reverse (LRU-first) scan for a reclaimable victim
// (refcnt==0 and not Dirty), else panic. The sleep lock is always
// acquired after the cache spinlock is dropped, so holding it never nests
// under the cache lock.
func (bc *Bcache_t) bget(ctx *Ctx, dev, blockno int) *Buf_t {
	bc.lock.Lock()

	for b := bc.head.next; b != bc.head; b = b.next {
		if b.Dev == dev && b.Blockno == blockno {
			b.refcnt++
			bc.lock.Unlock()
			b.lock.Acquire(ctx.Pt, ctx.Cpu, ctx.P)
			return b
		}
	}

	for b := bc.head.prev; b != bc.head; b = b.prev {
		if b.refcnt == 0 && b.Flags&BDirty == 0 {
			b.Dev = dev
			b.Blockno = blockno
			b.Flags = 0
			b.refcnt = 1
			bc.lock.Unlock()
			b.lock.Acquire(ctx.Pt, ctx.Cpu, ctx.P)
			return b
		}
	}

	kpanic.Halt("bget: no buffers")
	panic("unreachable")
}

/// ReadBlock returns a buffer, sleep-lock held, whose Data reflects
/// block (dev, blockno)'s current disk contents — spec.md §4.4's
/// read_block: bget, then a driver read if the hit wasn't already Valid.
func (bc *Bcache_t) ReadBlock(ctx *Ctx, disk Disk_i, dev, blockno int) *Buf_t {
	b := bc.bget(ctx, dev, blockno)
	if b.Flags&BValid == 0 {
		disk.Rw(ctx, b)
	}
	return b
}

/// WriteBlock marks b Dirty and issues a synchronous write through the
/// disk driver. Callers must already hold b's sleep lock. Used only
/// outside of logged transactions — log_write is how logged writers mark
/// a block Dirty instead.
func (bc *Bcache_t) WriteBlock(ctx *Ctx, disk Disk_i, b *Buf_t) {
	if !b.Locked() {
		kpanic.Halt("write_block: buffer not locked")
	}
	b.Flags |= BDirty
	disk.Rw(ctx, b)
}

/// Release drops b's sleep lock and decrements its refcount; on
/// refcount==0 it moves b to the MRU position (head.next).
func (bc *Bcache_t) Release(ctx *Ctx, b *Buf_t) {
	if !b.Locked() {
		kpanic.Halt("release: buffer not locked")
	}
	b.lock.Release(ctx.Pt)

	bc.lock.Lock()
	b.refcnt--
	if b.refcnt == 0 {
		b.prev.next = b.next
		b.next.prev = b.prev
		b.next = bc.head.next
		b.prev = bc.head
		bc.head.next.prev = b
		bc.head.next = b
	}
	bc.lock.Unlock()
}
