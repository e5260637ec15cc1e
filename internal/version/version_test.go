package version

import (
	"runtime/debug"
	"testing"
)

func withBuildInfo(t *testing.T, info *debug.BuildInfo, ok bool) {
	t.Helper()
	prev := readBuildInfo
	readBuildInfo = func() (*debug.BuildInfo, bool) { return info, ok }
	t.Cleanup(func() { readBuildInfo = prev })
}

func withBuildVersion(t *testing.T, v string) {
	t.Helper()
	prev := buildVersion
	buildVersion = v
	t.Cleanup(func() { buildVersion = prev })
}

func TestCurrentPrefersLinkerVersion(t *testing.T) {
	withBuildVersion(t, "v1.4.0")
	withBuildInfo(t, &debug.BuildInfo{Main: debug.Module{Version: "v9.9.9"}}, true)
	if got := Current(); got != "v1.4.0" {
		t.Fatalf("Current()=%q", got)
	}
}

func TestCurrentUsesModuleVersion(t *testing.T) {
	withBuildVersion(t, "")
	withBuildInfo(t, &debug.BuildInfo{Main: debug.Module{Path: "example.com/qd", Version: "v0.3.1"}}, true)
	if got := Current(); got != "v0.3.1" {
		t.Fatalf("Current()=%q", got)
	}
	if got := Module(); got != "example.com/qd" {
		t.Fatalf("Module()=%q", got)
	}
}

func TestCurrentPseudoVersionFromVCS(t *testing.T) {
	withBuildVersion(t, "")
	withBuildInfo(t, &debug.BuildInfo{
		Main: debug.Module{Version: "(devel)"},
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "0123456789abcdef0123"},
			{Key: "vcs.time", Value: "2024-03-01T12:30:45Z"},
			{Key: "vcs.modified", Value: "true"},
		},
	}, true)
	want := "v0.0.0-20240301123045-0123456789ab+dirty"
	if got := Current(); got != want {
		t.Fatalf("Current()=%q want %q", got, want)
	}
	if got := Semver(); got != "v0.0.0" {
		t.Fatalf("Semver()=%q", got)
	}
}

func TestCurrentWithoutBuildInfo(t *testing.T) {
	withBuildVersion(t, "")
	withBuildInfo(t, nil, false)
	if got := Current(); got != "v0.0.0-unknown" {
		t.Fatalf("Current()=%q", got)
	}
	if got := Module(); got != defaultModule {
		t.Fatalf("Module()=%q", got)
	}
}

func TestSemverTrimsBuildMetadata(t *testing.T) {
	withBuildVersion(t, "1.2.3+build.7")
	if got := Semver(); got != "v1.2.3" {
		t.Fatalf("Semver()=%q", got)
	}
}
