// Package proc implements the process table, kernel threads, and the
// fork/exit/wait/kill family of operations.
//
// biscuit ships no real implementation of this package (its own proc/
// directory is an empty module stub — the whole subsystem lives in the
// forked runtime instead), so this file is built fresh from xv6's
// proc.c, in biscuit's exported-identifier and doc-comment idiom.
//
// xv6's swtch(&old, new) is an assembly leaf that saves callee-saved
// registers and swaps stack pointer and instruction pointer. Go has no
// equivalent primitive and no access to one, so each kernel thread here
// is a persistent goroutine that blocks on a pair of unbuffered rendezvous
// channels instead of its own assembly stack: the scheduler signals
// Proc_t.runCh to dispatch it and waits on Proc_t.parkCh for it to give
// the CPU back. A goroutine blocked mid-call keeps its entire Go call
// stack suspended exactly where it left off, which is the same
// observable property swtch provides — "after swtch returns, the caller
// is running on the same kernel thread it started on."
package proc

import (
	"fmt"
	"strings"
	"sync"

	"kernel/accnt"
	"kernel/defs"
	"kernel/fd"
	"kernel/kpanic"
	"kernel/limits"
	"kernel/mem"
	"kernel/spinlock"
	"kernel/vm"
)

/// State_t is a process slot's lifecycle state.
type State_t int

const (
	Unused State_t = iota
	Embryo
	Sleeping
	Runnable
	Running
	Zombie
)

func (s State_t) String() string {
	switch s {
	case Unused:
		return "unused"
	case Embryo:
		return "embryo"
	case Sleeping:
		return "sleeping"
	case Runnable:
		return "runnable"
	case Running:
		return "running"
	case Zombie:
		return "zombie"
	default:
		return "?"
	}
}

/// TrapFrame_t is the complete saved user-mode register state captured
/// on kernel entry. Only the fields the core scheduler/VM contract
/// actually touches are modeled; the rest of a real trap frame belongs
/// to the trap-entry assembly this module does not carry.
type TrapFrame_t struct {
	Eip    uint32 /// saved instruction pointer
	Esp    uint32 /// saved stack pointer
	Eax    uint32 /// syscall/fork return value register
	Cs     uint32 /// code segment selector (ring)
	Eflags uint32 /// flags register
}

/// FL_IF marks interrupts enabled in Eflags.
const FL_IF = 1 << 9

/// Proc_t is one process table slot.
type Proc_t struct {
	State  State_t
	Pid    defs.Pid_t
	Sz     uint32   /// address-space size in bytes
	Pgdir  mem.Pa_t /// physical address of the top-level page directory
	KStack mem.Pa_t /// kernel stack frame

	Tf     *TrapFrame_t
	Parent *Proc_t

	Cwd string /// stand-in for a current-directory inode handle
	// out of scope: no directory layer in this kernel core

	Ofile [limits.NOFILE]*fd.Fd_t

	Killed bool
	Chan   any /// opaque sleep-channel identifier; nil when not sleeping
	Name   string

	ExitStatus int

	Accnt accnt.Accnt_t

	// supplemented alarm bookkeeping (see sysproc.c/trap.c): a pending
	// per-process timer alarm, consumed at trap exit by package trap.
	Alarmticks   int
	TickCounts   int
	Alarmhandler uintptr
	PendingAlarm bool

	runCh  chan struct{}
	parkCh chan struct{}
	// Body is the code that runs as this process once it is first
	// scheduled, standing in for "entering user mode for the first
	// time" in a hosted test. Real syscalls/traps are represented by
	// Body calling back into this package (Yield, Sleep, Exit, ...).
	Body func(pt *Ptable_t, cpu *Cpu_t, p *Proc_t)
}

/// Ptable_t is the fixed-size process table, guarded by one spinlock
/// that every state mutation and every sleep/wakeup pair holds.
type Ptable_t struct {
	lock *spinlock.Spinlock_t

	Proc     [limits.NPROC]Proc_t
	nextPid  defs.Pid_t
	initproc *Proc_t
	Ticks    int /// ticks since boot; also used as a sleep channel

	M *vm.Manager

	fsInitOnce sync.Once
	/// FsInit, if set, runs exactly once, the first time any process is
	/// ever scheduled — the hook fork_ret uses for filesystem/log
	/// initialisation that may itself sleep.
	FsInit func()
}

/// MkPtable constructs an empty process table bound to the given page
/// table manager.
func MkPtable(m *vm.Manager) *Ptable_t {
	return &Ptable_t{lock: spinlock.Mk("ptable"), M: m}
}

/// Lock acquires the process-table lock. Ptable_t satisfies the same
/// Locker shape a *spinlock.Spinlock_t does so it can be passed directly
/// to Sleep when a caller already holds it.
func (pt *Ptable_t) Lock() { pt.lock.Lock() }

/// Unlock releases the process-table lock.
func (pt *Ptable_t) Unlock() { pt.lock.Unlock() }

/// Cpu_t is one CPU's scheduler: its own context distinct from any
/// process, a current-process pointer, and the interrupt-enable nesting
/// counter xv6 calls pushcli/popcli — a property of the kernel thread
/// running on this CPU, saved and restored across Sched, not of the CPU
/// itself.
type Cpu_t struct {
	Id     int
	Ptbl   *Ptable_t
	Cur    *Proc_t
	Ncli   int
	Intena bool
}

/// MkCpu returns a scheduler context bound to pt.
func MkCpu(id int, pt *Ptable_t) *Cpu_t {
	return &Cpu_t{Id: id, Ptbl: pt}
}

/// Alloc_proc finds an Unused slot, marks it Embryo, assigns a pid, and
/// allocates its kernel stack frame and the rendezvous channels its
/// kernel thread will park on; Start launches that goroutine. On
/// stack-allocation failure it reverts the slot to Unused and returns
/// ok=false.
func (pt *Ptable_t) Alloc_proc() (*Proc_t, bool) {
	pt.lock.Lock()
	var p *Proc_t
	for i := range pt.Proc {
		if pt.Proc[i].State == Unused {
			p = &pt.Proc[i]
			break
		}
	}
	if p == nil {
		pt.lock.Unlock()
		return nil, false
	}
	p.State = Embryo
	pt.nextPid++
	p.Pid = pt.nextPid
	pt.lock.Unlock()

	kstack, ok := pt.M.Phys.Alloc_page()
	if !ok {
		pt.lock.Lock()
		*p = Proc_t{}
		pt.lock.Unlock()
		return nil, false
	}
	p.KStack = kstack
	p.runCh = make(chan struct{})
	p.parkCh = make(chan struct{})
	return p, true
}

// threadMain is the body of every process's kernel-thread goroutine. It
// blocks until its first dispatch, runs fork_ret's one-time filesystem
// initialisation hook, then falls through to whatever Body the caller
// supplied, the stand-in for "entering user mode." If Body returns
// without the process having reached Zombie, it exits with status 0.
func (pt *Ptable_t) threadMain(cpu *Cpu_t, p *Proc_t) {
	<-p.runCh
	pt.fsInitOnce.Do(func() {
		if pt.FsInit != nil {
			pt.FsInit()
		}
	})
	if p.Body != nil {
		p.Body(pt, cpu, p)
	}
	if p.State != Zombie {
		pt.Exit(cpu, p, 0)
	}
}

/// Start launches the kernel-thread goroutine for a slot returned by
/// Alloc_proc, bound to the CPU it will first run on. Separated from
/// Alloc_proc so callers can finish initialising Tf/Pgdir/Body before
/// the goroutine can possibly run (it cannot: the goroutine blocks on
/// runCh until the scheduler dispatches it, which requires State ==
/// Runnable, set only once setup is complete).
func (pt *Ptable_t) Start(cpu *Cpu_t, p *Proc_t) {
	go pt.threadMain(cpu, p)
}

/// User_init allocates the first process, installs a fresh kernel
/// address space, and maps one user page holding img. The returned
/// process is left in Embryo: callers finish configuring it (Body,
/// Alarmticks, ...) and then call MakeRunnable, so nothing can be
/// dispatched mid-setup. Called once, at boot.
func (pt *Ptable_t) User_init(cpu *Cpu_t, img []byte) *Proc_t {
	p, ok := pt.Alloc_proc()
	if !ok {
		kpanic.Halt("user_init: out of process slots")
	}
	dir, ok := pt.M.Setup_kvm()
	if !ok {
		kpanic.Halt("user_init: out of memory")
	}
	p.Pgdir = dir
	if !pt.M.Init_uvm(dir, img) {
		kpanic.Halt("user_init: out of memory")
	}
	p.Sz = limits.PGSIZE
	p.Tf = &TrapFrame_t{Cs: 0x1B, Eip: 0, Esp: limits.PGSIZE, Eflags: FL_IF}
	p.Cwd = "/"
	p.Name = "initproc"
	pt.Start(cpu, p)
	pt.initproc = p
	return p
}

/// MakeRunnable transitions an Embryo process to Runnable, the point
/// past which its kernel-thread goroutine may be dispatched and must no
/// longer be configured by anything but itself.
func (pt *Ptable_t) MakeRunnable(p *Proc_t) {
	pt.lock.Lock()
	p.State = Runnable
	pt.lock.Unlock()
}

/// Grow_proc grows (delta>0) or shrinks (delta<0) a process's address
/// space. On grow-failure the address space is left untouched and -1 is
/// returned.
func (pt *Ptable_t) Grow_proc(p *Proc_t, delta int) int {
	oldSz := p.Sz
	switch {
	case delta > 0:
		newSz, ok := pt.M.Alloc_uvm(p.Pgdir, oldSz, oldSz+uint32(delta))
		if !ok {
			return -1
		}
		p.Sz = newSz
	case delta < 0:
		shrink := uint32(-delta)
		if shrink > oldSz {
			shrink = oldSz
		}
		p.Sz = pt.M.Dealloc_uvm(p.Pgdir, oldSz, oldSz-shrink)
	}
	return int(p.Sz)
}

/// Fork allocates a child slot, duplicates the parent's address space
/// and open files, and arranges for the child to see 0 as fork's return
/// value. On any failure it frees what it acquired and returns ok=false.
func (pt *Ptable_t) Fork(cpu *Cpu_t, parent *Proc_t) (defs.Pid_t, bool) {
	child, ok := pt.Alloc_proc()
	if !ok {
		return 0, false
	}
	dir, ok := pt.M.Copy_uvm(parent.Pgdir, parent.Sz)
	if !ok {
		pt.M.Phys.Free_page(child.KStack)
		pt.lock.Lock()
		*child = Proc_t{}
		pt.lock.Unlock()
		return 0, false
	}
	child.Pgdir = dir
	child.Sz = parent.Sz
	if parent.Tf != nil {
		tf := *parent.Tf
		tf.Eax = 0
		child.Tf = &tf
	}
	for i, f := range parent.Ofile {
		if f != nil {
			nf, _ := fd.Copyfd(f)
			child.Ofile[i] = nf
		}
	}
	child.Cwd = parent.Cwd
	child.Parent = parent
	child.Name = parent.Name
	child.Body = parent.Body
	pt.Start(cpu, child)
	pt.MakeRunnable(child)
	return child.Pid, true
}

// wakeup1Locked wakes every Sleeping process waiting on channel. The
// caller must already hold pt.lock.
func (pt *Ptable_t) wakeup1Locked(channel any) {
	if channel == nil {
		return
	}
	for i := range pt.Proc {
		p := &pt.Proc[i]
		if p.State == Sleeping && p.Chan == channel {
			p.State = Runnable
		}
	}
}

/// Wakeup wakes every Sleeping process waiting on channel. No ordering
/// is promised among woken processes.
func (pt *Ptable_t) Wakeup(channel any) {
	pt.lock.Lock()
	pt.wakeup1Locked(channel)
	pt.lock.Unlock()
}

/// Exit closes every open file, wakes the parent, re-parents any
/// children to the initial process (waking it if a reparented child was
/// already Zombie), and transitions to Zombie. It never returns.
func (pt *Ptable_t) Exit(cpu *Cpu_t, p *Proc_t, status int) {
	for i := range p.Ofile {
		p.Ofile[i] = nil
	}

	pt.lock.Lock()
	pt.wakeup1Locked(p.Parent)
	for i := range pt.Proc {
		c := &pt.Proc[i]
		if c.Parent == p {
			c.Parent = pt.initproc
			if c.State == Zombie {
				pt.wakeup1Locked(pt.initproc)
			}
		}
	}
	p.State = Zombie
	p.ExitStatus = status
	pt.sched(cpu, p)
	kpanic.Halt("exit: zombie process resumed")
}

/// Wait scans for a Zombie child; if found, frees its kernel stack and
/// address space and returns its pid. If the caller has no children at
/// all it returns ok=false immediately; otherwise it sleeps on its own
/// address, woken by a child's Exit.
func (pt *Ptable_t) Wait(cpu *Cpu_t, p *Proc_t) (defs.Pid_t, bool) {
	pt.lock.Lock()
	for {
		haveKids := false
		for i := range pt.Proc {
			c := &pt.Proc[i]
			if c.Parent != p {
				continue
			}
			haveKids = true
			if c.State == Zombie {
				pid := c.Pid
				pt.lock.Unlock()
				pt.M.Phys.Free_page(c.KStack)
				pt.M.Free_vm(c.Pgdir, c.Sz)
				pt.lock.Lock()
				*c = Proc_t{}
				pt.lock.Unlock()
				return pid, true
			}
		}
		if !haveKids || p.Killed {
			pt.lock.Unlock()
			return 0, false
		}
		pt.sleepLocked(cpu, p, p)
	}
}

/// Kill marks pid's killed flag; if it is Sleeping it is promoted to
/// Runnable so it observes the flag on its next trap return. Actual
/// termination happens then, not here. A killed process sleeping on a
/// non-cancellable channel (e.g. disk I/O) is spuriously woken too and
/// simply re-sleeps if its condition is still unmet — xv6's behaviour,
/// preserved rather than fixed.
func (pt *Ptable_t) Kill(pid defs.Pid_t) bool {
	pt.lock.Lock()
	defer pt.lock.Unlock()
	for i := range pt.Proc {
		p := &pt.Proc[i]
		if p.Pid == pid && p.State != Unused {
			p.Killed = true
			if p.State == Sleeping {
				p.State = Runnable
			}
			return true
		}
	}
	return false
}

/// Dump lists every non-Unused slot without taking the table lock, so a
/// wedged machine can still be inspected. Fields may be read mid-update;
/// that race is the point.
func (pt *Ptable_t) Dump() string {
	var b strings.Builder
	for i := range pt.Proc {
		p := &pt.Proc[i]
		if p.State == Unused {
			continue
		}
		fmt.Fprintf(&b, "%d %s %s\n", p.Pid, p.State, p.Name)
	}
	return b.String()
}
