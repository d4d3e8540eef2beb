// Package version exposes build metadata stamped in with
// -ldflags "-X github.com/pscheid92/reviewpulse/internal/platform/version.Version=...".
package version

import "runtime"

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
}

func Get() Info {
	return Info{
		Version:   Version,
		Commit:    Commit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
	}
}

// UserAgent names a reviewpulse component in outbound requests, e.g. "reviewpulse-livefeed/v1.2.0".
func UserAgent(component string) string {
	return "reviewpulse-" + component + "/" + Version
}
