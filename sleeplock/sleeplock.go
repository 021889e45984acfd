// Package sleeplock implements the kernel's long-term lock: one that may
// be held across a blocking call, unlike spinlock.Spinlock_t. It is built
// exactly the way spec.md §5 describes — "a spinlock-protected `locked`
// word plus sleep/wakeup on the sleep-lock address" — grounded on xv6's
// sleeplock.h/acquiresleep/releasesleep, which this package's Acquire and
// Release mirror one for one. Only processes may hold one (never an
// interrupt handler), and holding one across proc.Ptable_t.sched is
// permitted. Acquire itself waits for a taken lock by sleeping through
// proc.Ptable_t.Sleep.
package sleeplock

import "kernel/proc"
import "kernel/spinlock"

/// Sleeplock_t is a mutex that may be held while the holder sleeps. The
/// buffer cache uses one per buffer to serialize access to a block's data
/// across the (possibly blocking) disk I/O that fills it.
type Sleeplock_t struct {
	lk     *spinlock.Spinlock_t
	locked bool
	name   string
	holder string /// cosmetic: name of the last process to hold the lock
}

/// Mk returns a named, unheld sleep lock.
func Mk(name string) *Sleeplock_t {
	return &Sleeplock_t{lk: spinlock.Mk(name), name: name}
}

/// Acquire blocks the calling process (identified by pt/cpu/p, the same
/// triple every proc.Ptable_t suspension point takes) until the lock is
/// free, then takes it.
func (l *Sleeplock_t) Acquire(pt *proc.Ptable_t, cpu *proc.Cpu_t, p *proc.Proc_t) {
	l.lk.Lock()
	for l.locked {
		pt.Sleep(cpu, p, l, l.lk)
	}
	l.locked = true
	l.holder = p.Name
	l.lk.Unlock()
}

/// Release drops the lock and wakes anyone sleeping on it.
func (l *Sleeplock_t) Release(pt *proc.Ptable_t) {
	l.lk.Lock()
	l.locked = false
	l.holder = ""
	l.lk.Unlock()
	pt.Wakeup(l)
}

/// Holding reports whether the lock is currently held by anyone. Callers
/// that must assert "I hold this lock" (write_block's precondition) use
/// it as a sanity check, same as xv6's holdingsleep.
func (l *Sleeplock_t) Holding() bool {
	l.lk.Lock()
	defer l.lk.Unlock()
	return l.locked
}
