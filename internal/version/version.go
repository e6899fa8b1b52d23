// Package version provides build-time version information.
//
// Variables are set at build time via ldflags:
//
//	go build -ldflags "-X github.com/lockerlink/livelink/internal/version.Version=0.4.0 \
//	                   -X github.com/lockerlink/livelink/internal/version.Commit=$(git rev-parse --short HEAD) \
//	                   -X github.com/lockerlink/livelink/internal/version.BuildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
package version

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// String returns a formatted version string.
func String() string {
	return Version + " (" + Commit + ") built " + BuildTime
}

// UserAgent is sent on REST and websocket requests.
func UserAgent() string {
	return "livelink/" + Version
}
