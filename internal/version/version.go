// Package version reports the build version of the coordinator binary.
package version

import (
	"runtime/debug"
	"strings"
	"sync"
	"time"
)

const (
	defaultModule  = "pkt.systems/lra"
	unknownVersion = "v0.0.0-unknown"
)

// buildVersion is set via -ldflags "-X pkt.systems/lra/internal/version.buildVersion=...".
var buildVersion = ""

var (
	infoOnce sync.Once
	info     *debug.BuildInfo
)

func buildInfo() *debug.BuildInfo {
	infoOnce.Do(func() {
		if bi, ok := debug.ReadBuildInfo(); ok {
			info = bi
		}
	})
	return info
}

// Current returns the linker-provided version, the module version, a VCS
// pseudo version, or v0.0.0-unknown, in that order.
func Current() string {
	if v := strings.TrimSpace(buildVersion); v != "" {
		return v
	}
	bi := buildInfo()
	if bi == nil {
		return unknownVersion
	}
	if v := strings.TrimSpace(bi.Main.Version); v != "" && v != "(devel)" {
		return v
	}
	if v := pseudoFromBuildInfo(bi); v != "" {
		return v
	}
	return unknownVersion
}

// Module returns the main module path.
func Module() string {
	if bi := buildInfo(); bi != nil {
		if path := strings.TrimSpace(bi.Main.Path); path != "" {
			return path
		}
	}
	return defaultModule
}

// UserAgent is sent on participant callbacks.
func UserAgent() string {
	return "lra-coordinator/" + Current()
}

func pseudoFromBuildInfo(bi *debug.BuildInfo) string {
	if bi == nil {
		return ""
	}
	vcs := make(map[string]string, 3)
	for _, s := range bi.Settings {
		if strings.HasPrefix(s.Key, "vcs.") {
			vcs[s.Key] = s.Value
		}
	}
	rev, stamp := vcs["vcs.revision"], vcs["vcs.time"]
	if rev == "" || stamp == "" {
		return ""
	}
	ts, err := time.Parse(time.RFC3339, stamp)
	if err != nil {
		return ""
	}
	if len(rev) > 12 {
		rev = rev[:12]
	}
	v := "v0.0.0-" + ts.UTC().Format("20060102150405") + "-" + rev
	if vcs["vcs.modified"] == "true" {
		v += "+dirty"
	}
	return v
}
