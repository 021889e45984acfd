// Package caller prints Go call stacks for kernel diagnostics.
package caller

import (
	"fmt"
	"runtime"
)

// Dump formats the call stack starting at the given skip depth as a
// string suitable for a panic tag. It never panics itself.
func Dump(start int) string {
	i := start
	s := ""
	for {
		_, f, l, ok := runtime.Caller(i)
		if !ok {
			break
		}
		i++
		if s == "" {
			s = fmt.Sprintf("%s:%d", f, l)
		} else {
			s += fmt.Sprintf("\n\t<-%s:%d", f, l)
		}
	}
	return s
}
