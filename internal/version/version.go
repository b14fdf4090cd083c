// Package version exposes build version metadata for TrakBridge: the
// semantic version, git commit, and build time, each normally injected at
// link time via -ldflags and falling back to "dev"/"unknown" for local,
// non-release builds.
package version

import "fmt"

// These are overridden at build time via:
//
//	go build -ldflags "-X github.com/trakbridge/trakbridge/internal/version.Version=1.4.0 \
//	  -X .../version.Commit=$(git rev-parse --short HEAD) \
//	  -X .../version.BuildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	Version   = "0.0.0-dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Info is the detailed build metadata surfaced by trakbridgectl version
// and server startup logging.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

// Get returns the current build's Info.
func Get() Info {
	return Info{Version: Version, Commit: Commit, BuildTime: BuildTime}
}

// String renders a one-line human-readable summary, e.g.
// "trakbridge 1.4.0 (commit a1b2c3d, built 2026-01-05T12:00:00Z)".
func (i Info) String() string {
	return fmt.Sprintf("trakbridge %s (commit %s, built %s)", i.Version, i.Commit, i.BuildTime)
}
