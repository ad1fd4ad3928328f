// Package version exposes build information served on /version.
package version

// Version is the release version, kept at the development default unless
// overridden at build time.
var Version = "0.0.0"

// GitCommit is the git commit hash, set via ldflags.
var GitCommit = "unknown"

// BuildDate is the build timestamp, set via ldflags.
var BuildDate = "unknown"
