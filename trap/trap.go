// Package trap holds the trap dispatcher's policy: what happens on a
// timer interrupt, a device interrupt, or a syscall entry/exit, as
// distinct from the IDT/assembly machinery that would deliver a real
// trap on bare metal (out of scope here, same as the rest of this
// kernel's hosted translation). Grounded on xv6 trap.c's trap()
// function and sysproc.c's date/alarm syscalls; everything vector-table
// or segment-register related is left out per SPEC_FULL.md's scoping of
// this package to "core parts" only.
package trap

import (
	"time"

	"kernel/proc"
)

// RTCDate mirrors the CMOS real-time-clock date struct original_source's
// date(struct_ptr) syscall fills in: {year, month, day, hour, minute,
// second}, the supplemented feature spec.md §6 names only as "date" in
// its syscall surface.
type RTCDate struct {
	Second int
	Minute int
	Hour   int
	Day    int
	Month  int
	Year   int
}

// Date returns the current wall-clock date in RTCDate form — the policy
// half of the date syscall. A real kernel reads CMOS registers 0x00-0x09
// through port I/O and must retry against the update-in-progress bit;
// hosted, time.Now stands in for the clock chip the same way mem.Pa_t
// stands in for physical memory.
func Date() RTCDate {
	now := time.Now().UTC()
	return RTCDate{
		Second: now.Second(),
		Minute: now.Minute(),
		Hour:   now.Hour(),
		Day:    now.Day(),
		Month:  int(now.Month()),
		Year:   now.Year(),
	}
}

// IntrHandler is the shape of a device driver's interrupt-delivery
// entry point, letting HandleDeviceIRQ route to it without this package
// importing any specific driver — trap.c's per-vector switch,
// generalized to one case. No type in this tree implements it:
// disk.Driver_t's simulated interrupt is its unexported intr method.
type IntrHandler interface {
	Intr()
}

// HandleDeviceIRQ is the policy half of trap.c's device-interrupt cases
// (T_IRQ0+IRQ_IDE, +IRQ_KBD, +IRQ_COM1: call the driver's handler). The
// disk driver built in this tree delivers its own completion signal via
// goroutine rather than needing an externally pumped Intr() call, so
// nothing in this tree currently calls HandleDeviceIRQ; it exists so a
// driver modeled the traditional "call Intr() when the vector fires" way
// has a dispatch entry point to hang off of.
func HandleDeviceIRQ(h IntrHandler) {
	h.Intr()
}

// TimerTick is the trap dispatcher's policy for a timer interrupt
// delivered to cpu — spec.md §4.3's "Timer policy" and original_source
// trap.c's T_IRQ0+IRQ_TIMER case, reassembled from three things that
// live in three different places here:
//
//  1. proc.Ptable_t.TimerTick does the global-tick and per-process
//     alarm-tick bookkeeping under the table lock (already built).
//  2. this function consumes the PendingAlarm flag that bookkeeping set,
//     which is the trap-time check original_source performs as
//     tick_counts == alarmticks — redirecting the trap frame's saved
//     Eip to Alarmhandler, the same substitution for "return to user
//     mode runs the handler next" trap.c achieves by rewriting tf->eip.
//  3. it then yields the interrupted process, same as trap.c's
//     unconditional "if Running and this was a timer trap, yield()".
//
// Because step 3 parks the caller through proc.Ptable_t.Yield, TimerTick
// must be called on the interrupted process's own kernel-thread
// goroutine, as its trap-exit path.
func TimerTick(pt *proc.Ptable_t, cpu *proc.Cpu_t) {
	pt.TimerTick(cpu)

	pt.Lock()
	cur := cpu.Cur
	running := cur != nil && cur.State == proc.Running
	fire := cur != nil && cur.PendingAlarm
	if fire {
		cur.PendingAlarm = false
	}
	pt.Unlock()

	if fire {
		fireAlarm(cur)
	}
	if running {
		pt.Yield(cpu, cur)
	}
}

// fireAlarm redirects p's saved instruction pointer to its armed alarm
// handler, the way trap.c pushes the interrupted Eip and overwrites
// tf->eip so the handler runs on return to user mode. Processes that
// never called alarm() have Alarmhandler==0 and never reach here
// (PendingAlarm is only ever set alongside a nonzero Alarmticks).
func fireAlarm(p *proc.Proc_t) {
	if p.Tf == nil || p.Alarmhandler == 0 {
		return
	}
	p.Tf.Eip = uint32(p.Alarmhandler)
}

// HandleSyscall wraps a syscall body with the kill checks trap.c
// performs around every T_SYSCALL trap: a process already marked killed
// never runs its syscall, and a syscall that results in the process
// being killed (e.g. by a signal delivered mid-call) exits immediately
// on return instead of resuming user mode.
func HandleSyscall(pt *proc.Ptable_t, cpu *proc.Cpu_t, p *proc.Proc_t, body func()) {
	if p.Killed {
		pt.Exit(cpu, p, -1)
		return
	}
	body()
	if p.Killed {
		pt.Exit(cpu, p, -1)
	}
}
