//go:build debug

// Package check provides assertions that are compiled out of release builds.
package check

import "fmt"

// Assert panics with msg when cond is false. Active only with -tags debug.
func Assert(cond bool, msg string) {
	if !cond {
		panic("assertion failed: " + msg)
	}
}

// Assertf is Assert with a formatted message.
func Assertf(cond bool, format string, args ...any) {
	if !cond {
		panic("assertion failed: " + fmt.Sprintf(format, args...))
	}
}
