package proc

import (
	"runtime"

	"kernel/kpanic"
	"kernel/spinlock"
)

// sched is the Go stand-in for xv6's swtch(&p->context, cpu->scheduler):
// it hands control from the calling process back to the scheduler loop
// dispatching it, and does not return until that loop dispatches this
// process again. The process-table lock must be held exactly once on
// entry, by the calling goroutine; sched releases it across the handoff
// and reacquires it before returning, matching the Sleep/Wakeup/Yield
// call sites that expect to still hold the lock afterward.
func (pt *Ptable_t) sched(cpu *Cpu_t, p *Proc_t) {
	if p.State == Running {
		kpanic.Halt("sched: process %d still marked running", p.Pid)
	}
	savedIntena := cpu.Intena
	pt.lock.Unlock()
	p.parkCh <- struct{}{}
	<-p.runCh
	pt.lock.Lock()
	cpu.Intena = savedIntena
}

/// Yield gives up the CPU for one scheduling round, without blocking on
/// anything: the calling process goes Runnable, not Sleeping.
func (pt *Ptable_t) Yield(cpu *Cpu_t, p *Proc_t) {
	pt.lock.Lock()
	p.State = Runnable
	pt.sched(cpu, p)
	pt.lock.Unlock()
}

// sleepLocked is Sleep's body for the case where the caller already
// holds pt.lock as the sleep's companion lock (Wait sleeping on its own
// address is the one call site).
func (pt *Ptable_t) sleepLocked(cpu *Cpu_t, p *Proc_t, channel any) {
	p.Chan = channel
	p.State = Sleeping
	pt.sched(cpu, p)
	p.Chan = nil
}

/// Sleep puts the calling process to sleep on channel, an opaque
/// identifier compared by value equality. lk is whatever lock currently
/// protects the condition the caller is about to wait on; it must be
/// held on entry. Unless lk is the process-table lock itself, Sleep
/// acquires the table lock first and releases lk before blocking, then
/// reverses that on the way back out, so the invariant "lk protects the
/// condition" holds continuously except for the window the process is
/// actually asleep.
func (pt *Ptable_t) Sleep(cpu *Cpu_t, p *Proc_t, channel any, lk *spinlock.Spinlock_t) {
	if lk != pt.lock {
		pt.lock.Lock()
		lk.Unlock()
	}
	pt.sleepLocked(cpu, p, channel)
	if lk != pt.lock {
		pt.lock.Unlock()
		lk.Lock()
	}
}

/// Lk returns the table's own spinlock, so a caller that already holds
/// it can pass it to Sleep as lk without a redundant acquire/release
/// pair.
func (pt *Ptable_t) Lk() *spinlock.Spinlock_t { return pt.lock }

/// Scheduler runs this CPU's dispatch loop forever, or until stop is
/// closed. Each pass acquires the table lock, round-robins looking for
/// a Runnable slot, and for each one found releases the lock across the
/// dispatch and reacquires it once the process parks again, before
/// moving to the next slot.
func (cpu *Cpu_t) Scheduler(stop <-chan struct{}) {
	pt := cpu.Ptbl
	for {
		select {
		case <-stop:
			return
		default:
		}
		pt.lock.Lock()
		ran := false
		for i := range pt.Proc {
			p := &pt.Proc[i]
			if p.State != Runnable {
				continue
			}
			cpu.Cur = p
			p.State = Running
			pt.lock.Unlock()

			p.runCh <- struct{}{}
			<-p.parkCh

			pt.lock.Lock()
			cpu.Cur = nil
			ran = true
		}
		pt.lock.Unlock()
		if !ran {
			runtime.Gosched()
		}
	}
}

/// TimerTick accounts one timer interrupt: advances the tick count,
/// wakes anything sleeping on it, and updates the running process's
/// pending alarm (a supplemented feature absent from the distilled
/// core: a process may ask to be notified after N ticks, consumed at
/// trap exit). Unlike real hardware, nothing here can force a
/// currently-running kernel thread's goroutine to give up the CPU
/// mid-stride — that goroutine must itself call Yield or Sleep to act
/// on Killed/PendingAlarm, the same way the rest of this package treats
/// every scheduling point as cooperative.
func (pt *Ptable_t) TimerTick(cpu *Cpu_t) {
	pt.lock.Lock()
	defer pt.lock.Unlock()
	pt.Ticks++
	pt.wakeup1Locked(&pt.Ticks)

	cur := cpu.Cur
	if cur == nil {
		return
	}
	if cur.Alarmticks > 0 {
		cur.TickCounts++
		if cur.TickCounts >= cur.Alarmticks {
			cur.TickCounts = 0
			cur.PendingAlarm = true
		}
	}
}
