// Package version holds the version of this module. The value is set at
// build time with -ldflags "-X github.com/m-lab/speedcore/pkg/version.Version=...".
package version

// Version is the version of this module.
var Version = "v0.0.0-dev"
