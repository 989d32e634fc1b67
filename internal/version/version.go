// Package version holds the toolhub release version.
package version

// Version is overridden at build time with
// -ldflags "-X github.com/harun/toolhub/internal/version.Version=...".
var Version = "0.1.0"
