// Package version provides build-time version information injected via
// ldflags, and parsing and ordering of on-device agent version strings.
package version

// These variables are set at build time via -ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
)
