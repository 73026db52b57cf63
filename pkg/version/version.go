// Package version provides build version information.
// Version is set at build time via ldflags:
// go build -ldflags "-X github.com/Rorqualx/captcharelay-go/pkg/version.Version=1.0.0"
package version

import (
	"fmt"
	"runtime"
)

// Version is the application version, set at build time.
var Version = "dev"

// Commit is the source revision, set at build time.
var Commit = ""

// Name is the product name reported by the API and the daemon banner.
const Name = "captcharelay"

// Full returns the full version string.
func Full() string {
	if Commit == "" {
		return Version
	}
	return fmt.Sprintf("%s+%s", Version, Commit)
}

// UserAgent returns the User-Agent sent by relaywatch.
func UserAgent() string {
	return fmt.Sprintf("%s/%s", Name, Full())
}

// GoVersion returns the Go runtime version.
func GoVersion() string {
	return runtime.Version()
}
