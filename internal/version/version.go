// Package version reports build provenance for quiltd and quiltctl:
// ldflags-stamped git metadata alongside runtime/debug's own build info.
package version

import (
	"runtime/debug"

	"github.com/google/go-cmp/cmp"
)

var (
	// These are set via -ldflags during build.
	GitCommit string
	GitBranch string
	BuildTime string
)

// Info is everything known about the running binary's provenance.
type Info struct {
	GitCommit string           `json:"gitCommit,omitempty"`
	GitBranch string           `json:"gitBranch,omitempty"`
	BuildTime string           `json:"buildTime,omitempty"`
	BuildInfo *debug.BuildInfo `json:"buildInfo,omitempty"`
}

// Get returns the version information for the current process.
func Get() Info {
	info := Info{
		GitCommit: GitCommit,
		GitBranch: GitBranch,
		BuildTime: BuildTime,
	}
	if buildInfo, ok := debug.ReadBuildInfo(); ok {
		info.BuildInfo = buildInfo
	}
	return info
}

// Equal reports whether two Infos describe the same build.
func (v Info) Equal(other Info) bool {
	if v.BuildInfo != nil {
		if other.BuildInfo == nil {
			return false
		}
		if v.BuildInfo.Main.Path != other.BuildInfo.Main.Path ||
			!cmp.Equal(v.BuildInfo.Deps, other.BuildInfo.Deps) ||
			v.BuildInfo.GoVersion != other.BuildInfo.GoVersion {
			return false
		}
	}
	return v.GitCommit == other.GitCommit && v.GitBranch == other.GitBranch && v.BuildTime == other.BuildTime
}
