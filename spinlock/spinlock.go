// Package spinlock implements the kernel's short-critical-section mutual
// exclusion primitive. On real iron a spinlock additionally disables
// interrupts on the holding CPU for the duration of the critical section;
// hosted on top of the Go scheduler there is no interrupt line to mask, so
// Spinlock_t is a thin, panic-on-misuse wrapper over sync.Mutex. It keeps
// no interrupt-enable nesting count: proc.Cpu_t has Ncli/Intena fields
// for that, but Lock and Unlock never update them.
package spinlock

import "sync"

/// Spinlock_t guards a short critical section. It must never be held
/// across a blocking call.
type Spinlock_t struct {
	mu   sync.Mutex
	name string
}

/// Mk returns a named spinlock. The name is cosmetic, used only in panic
/// diagnostics.
func Mk(name string) *Spinlock_t {
	return &Spinlock_t{name: name}
}

/// Lock acquires the spinlock, blocking until available.
func (l *Spinlock_t) Lock() {
	l.mu.Lock()
}

/// Unlock releases the spinlock. Unlocking a lock not held by the
/// caller is a programmer error, same as sync.Mutex.
func (l *Spinlock_t) Unlock() {
	l.mu.Unlock()
}

/// TryLock attempts to acquire the lock without blocking.
func (l *Spinlock_t) TryLock() bool {
	return l.mu.TryLock()
}

/// Name returns the lock's cosmetic name.
func (l *Spinlock_t) Name() string {
	return l.name
}
