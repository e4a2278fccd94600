// Package buildinfo reports the ohmpub version. Release builds stamp the
// variables with -ldflags; plain "go install" builds fall back to the
// module version and VCS settings recorded by the Go toolchain.
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// These variables are set at build time via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

func init() {
	if bi, ok := debug.ReadBuildInfo(); ok {
		fillFromBuildInfo(bi)
	}
}

// fillFromBuildInfo replaces unstamped values with what the toolchain
// embedded in the binary.
func fillFromBuildInfo(bi *debug.BuildInfo) {
	if Version == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		Version = bi.Main.Version
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if GitCommit == "unknown" && len(s.Value) >= 7 {
				GitCommit = s.Value[:7]
			}
		case "vcs.time":
			if BuildTime == "unknown" {
				BuildTime = s.Value
			}
		}
	}
}

// Info returns the build info as a map.
func Info() map[string]string {
	return map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
	}
}

// String returns a one-line summary for logging.
func String() string {
	return fmt.Sprintf("ohmpub %s (%s) built %s", Version, GitCommit, BuildTime)
}
