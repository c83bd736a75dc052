package buildinfo

import (
	"runtime"
	"runtime/debug"
	"testing"
)

func TestGet_ReturnsCorrectDefaults(t *testing.T) {
	info := Get("scout")

	if info.ServiceName != "scout" {
		t.Errorf("expected ServiceName='scout', got %q", info.ServiceName)
	}
	if info.Version != "dev" {
		t.Errorf("expected Version='dev', got %q", info.Version)
	}
	if info.Commit != "unknown" {
		t.Errorf("expected Commit='unknown', got %q", info.Commit)
	}
	if info.BuildTime != "unknown" {
		t.Errorf("expected BuildTime='unknown', got %q", info.BuildTime)
	}
	if info.GoVersion != runtime.Version() {
		t.Errorf("expected GoVersion=%q, got %q", runtime.Version(), info.GoVersion)
	}
}

func TestString_DefaultFormat(t *testing.T) {
	if got := String(); got != "dev (unknown, unknown)" {
		t.Errorf("String() = %q", got)
	}
}

func TestString_WithLdflags(t *testing.T) {
	oldVersion, oldCommit, oldTime := Version, Commit, BuildTime
	defer func() { Version, Commit, BuildTime = oldVersion, oldCommit, oldTime }()

	Version, Commit, BuildTime = "v0.3.0", "1c2d3e4", "2026-03-01T09:00:00Z"

	if got := String(); got != "v0.3.0 (1c2d3e4, 2026-03-01T09:00:00Z)" {
		t.Errorf("String() = %q", got)
	}
	if got := UserAgent(); got != "board-signal-scout/v0.3.0" {
		t.Errorf("UserAgent() = %q", got)
	}
}

func TestFillFromVCS(t *testing.T) {
	tests := []struct {
		name     string
		settings []debug.BuildSetting
		want     Info
	}{
		{
			name: "full revision is shortened",
			settings: []debug.BuildSetting{
				{Key: "vcs.revision", Value: "1c2d3e4f5a6b7c8d"},
				{Key: "vcs.time", Value: "2026-03-01T09:00:00Z"},
				{Key: "vcs.modified", Value: "true"},
			},
			want: Info{Commit: "1c2d3e4", BuildTime: "2026-03-01T09:00:00Z", Modified: true},
		},
		{
			name:     "no vcs data keeps defaults",
			settings: []debug.BuildSetting{{Key: "-compiler", Value: "gc"}},
			want:     Info{Commit: "unknown", BuildTime: "unknown"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := Info{Commit: "unknown", BuildTime: "unknown"}
			fillFromVCS(&info, &debug.BuildInfo{Settings: tt.settings})
			if info != tt.want {
				t.Errorf("fillFromVCS() = %+v, want %+v", info, tt.want)
			}
		})
	}
}
