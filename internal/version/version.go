// Package version holds the build identity reported by the /version
// endpoint of reminderd.
package version

// Version is the reminderd release version, stamped by the release
// workflow.
var Version = "0.0.0"

// GitCommit is the git commit hash, set at build time via ldflags.
var GitCommit = "unknown"

// BuildDate is the build timestamp, set at build time via ldflags.
var BuildDate = "unknown"
