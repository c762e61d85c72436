//go:build !debug

// Package check provides assertions that are compiled out of release builds.
package check

// Assert is a no-op without -tags debug.
func Assert(_ bool, _ string) {}

// Assertf is a no-op without -tags debug.
func Assertf(_ bool, _ string, _ ...any) {}
