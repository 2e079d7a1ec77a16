package version

import "fmt"

var (
	// Version is the semantic version of the binary. Overridden at build time.
	Version = "dev"
	// Commit is the git commit hash. Overridden at build time.
	Commit = "unknown"
	// BuildDate is the build timestamp. Overridden at build time.
	BuildDate = "unknown"
)

// String formats the build metadata for `dcabot version` and user agents.
func String() string {
	return fmt.Sprintf("dcabot %s (commit %s, built %s)", Version, Commit, BuildDate)
}

// UserAgent is sent on outbound HTTP requests when none is configured.
func UserAgent() string {
	return "dcabot/" + Version
}
