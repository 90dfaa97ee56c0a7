// Package version holds the build version, overridden via ldflags.
package version

var (
	Version = "dev"
	Commit  = "unknown"
)
