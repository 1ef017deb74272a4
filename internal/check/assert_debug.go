//go:build debug

// Package check holds invariant assertions that only fire in builds tagged
// debug. Release builds compile them to no-ops.
package check

import "fmt"

// Assert panics when cond is false.
func Assert(cond bool, msg string) {
	if !cond {
		panic("invariant violated: " + msg)
	}
}

// Assertf is Assert with a formatted message.
func Assertf(cond bool, format string, args ...any) {
	if !cond {
		panic("invariant violated: " + fmt.Sprintf(format, args...))
	}
}
