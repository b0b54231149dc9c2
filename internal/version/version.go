// Package version provides build-time version information.
package version

// Set via -ldflags at build time.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// String returns the version line printed by the CLI.
func String() string {
	return "conductor " + Version + " (" + Commit + ", built " + BuildDate + ")"
}
