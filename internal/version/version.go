// Package version carries build metadata injected via -ldflags.
package version

var (
	Version = "v0.1.0"
	Commit  = "unknown"
	BuiltAt = "unknown"
)

// Build is the JSON-friendly form served by the health endpoint.
type Build struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	BuiltAt string `json:"builtAt"`
}

// Current returns the build metadata compiled into this binary.
func Current() Build {
	return Build{Version: Version, Commit: Commit, BuiltAt: BuiltAt}
}
