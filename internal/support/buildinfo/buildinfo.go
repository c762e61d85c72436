// Package buildinfo carries version metadata stamped at link time.
package buildinfo

// Set via -ldflags "-X runway/internal/support/buildinfo.Version=…".
var (
	Version = "dev"
	Commit  = "unknown"
)
