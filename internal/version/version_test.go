package version

import (
	"runtime/debug"
	"strings"
	"testing"
)

func TestCurrentPrefersBuildVersion(t *testing.T) {
	orig := buildVersion
	defer func() { buildVersion = orig }()
	buildVersion = "v1.2.3"
	if got := Current(); got != "v1.2.3" {
		t.Fatalf("Current()=%q want v1.2.3", got)
	}
}

func TestCurrentFallback(t *testing.T) {
	orig := buildVersion
	defer func() { buildVersion = orig }()
	buildVersion = ""
	if got := Current(); !strings.HasPrefix(got, "v") {
		t.Fatalf("unexpected version %q", got)
	}
}

func TestPseudoFromBuildInfo(t *testing.T) {
	info := &debug.BuildInfo{Settings: []debug.BuildSetting{
		{Key: "vcs.revision", Value: "0123456789abcdef0123"},
		{Key: "vcs.time", Value: "2026-03-01T10:20:30Z"},
		{Key: "vcs.modified", Value: "true"},
	}}
	want := "v0.0.0-20260301102030-0123456789ab+dirty"
	if got := pseudoFromBuildInfo(info); got != want {
		t.Fatalf("pseudoFromBuildInfo()=%q want %q", got, want)
	}
	if got := pseudoFromBuildInfo(&debug.BuildInfo{}); got != "" {
		t.Fatalf("expected empty pseudo version, got %q", got)
	}
	if got := pseudoFromBuildInfo(nil); got != "" {
		t.Fatalf("expected empty pseudo version for nil, got %q", got)
	}
}

func TestUserAgent(t *testing.T) {
	orig := buildVersion
	defer func() { buildVersion = orig }()
	buildVersion = "v9.9.9"
	if got := UserAgent(); got != "lra-coordinator/v9.9.9" {
		t.Fatalf("UserAgent()=%q", got)
	}
}
