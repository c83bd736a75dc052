// Package buildinfo reports which scout build is running. Release builds
// stamp the values below with -ldflags; binaries built with plain
// `go install` fall back to the VCS data the Go toolchain embeds.
package buildinfo

import (
	"encoding/json"
	"net/http"
	"runtime"
	"runtime/debug"
)

// Stamped by the release build, for example:
//
//	-X github.com/otherjamesbrown/board-signal-scout/pkg/buildinfo.Version=v0.3.0
//	-X github.com/otherjamesbrown/board-signal-scout/pkg/buildinfo.Commit=1c2d3e4
//	-X github.com/otherjamesbrown/board-signal-scout/pkg/buildinfo.BuildTime=2026-03-01T09:00:00Z
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Info is what `scout version --output-json` and the worker's /version
// endpoint report.
type Info struct {
	ServiceName string `json:"service_name"`
	Version     string `json:"version"`
	Commit      string `json:"commit"`
	BuildTime   string `json:"build_time"`
	GoVersion   string `json:"go_version"`
	// Modified is set when an unstamped binary was built from a dirty tree.
	Modified bool `json:"modified,omitempty"`
}

// Get describes this binary under serviceName ("scout", "scout-worker").
func Get(serviceName string) Info {
	info := Info{
		ServiceName: serviceName,
		Version:     Version,
		Commit:      Commit,
		BuildTime:   BuildTime,
		GoVersion:   runtime.Version(),
	}
	if Commit == "unknown" {
		if bi, ok := debug.ReadBuildInfo(); ok {
			fillFromVCS(&info, bi)
		}
	}
	return info
}

// fillFromVCS copies the toolchain's vcs.* settings into unstamped fields.
func fillFromVCS(info *Info, bi *debug.BuildInfo) {
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if len(s.Value) > 7 {
				info.Commit = s.Value[:7]
			} else if s.Value != "" {
				info.Commit = s.Value
			}
		case "vcs.time":
			if info.BuildTime == "unknown" && s.Value != "" {
				info.BuildTime = s.Value
			}
		case "vcs.modified":
			info.Modified = s.Value == "true"
		}
	}
}

// String formats the build for `scout version`: "v0.3.0 (1c2d3e4, 2026-03-01T09:00:00Z)".
func String() string {
	info := Get("")
	s := info.Version + " (" + info.Commit + ", " + info.BuildTime + ")"
	if info.Modified {
		s += " modified"
	}
	return s
}

// UserAgent identifies scout to the model API.
func UserAgent() string {
	return "board-signal-scout/" + Version
}

// Handler serves Get(serviceName) as JSON.
func Handler(serviceName string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(Get(serviceName))
	}
}
