//go:build !debug

// Package check holds invariant assertions that only fire in builds tagged
// debug. Release builds compile them to no-ops.
package check

func Assert(bool, string) {}

func Assertf(bool, string, ...any) {}
