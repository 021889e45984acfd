// Package kpanic halts the kernel on invariant violations.
package kpanic

import (
	"fmt"

	"kernel/caller"
)

/// Halt formats tag and args as a single-line diagnostic, appends the Go
/// call stack, and halts the kernel by calling the builtin panic. It never
/// returns.
func Halt(tag string, args ...any) {
	msg := tag
	if len(args) > 0 {
		msg = fmt.Sprintf(tag, args...)
	}
	trace := caller.Dump(2)
	panic(fmt.Sprintf("kernel panic: %s\n%s", msg, trace))
}
