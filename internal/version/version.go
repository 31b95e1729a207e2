// Package version carries build metadata stamped in with
// -ldflags "-X github.com/banshee-data/tcam/internal/version.Version=...".
package version

import "fmt"

var (
	Version   = "dev"
	GitSHA    = "unknown"
	BuildTime = "unknown"
)

// String formats the build for the startup log and debug page.
func String() string {
	return fmt.Sprintf("tcamd %s (%s, built %s)", Version, GitSHA, BuildTime)
}
