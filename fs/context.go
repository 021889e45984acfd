package fs

import "kernel/proc"

// Ctx bundles the calling process identity every suspension point in this
// kernel core needs: proc.Ptable_t.Sleep and Yield key off a specific
// (table, cpu, process) triple, and Wakeup off the table, rather than an
// implicit "current process" the way xv6's myproc() does, since nothing
// here runs on real per-CPU hardware state. Every buffer-cache, log and disk-driver entry
// point that can block takes a *Ctx for that reason.
type Ctx struct {
	Pt  *proc.Ptable_t
	Cpu *proc.Cpu_t
	P   *proc.Proc_t
}
