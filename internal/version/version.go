// Package version reports build metadata injected with -ldflags, for
// example:
//
//	-X shardfleet/internal/version.Version=1.4.0 -X shardfleet/internal/version.GitCommit=abc123
package version

import (
	"runtime/debug"
	"strconv"
	"strings"
)

var (
	Version   = "dev"
	Built     = ""
	GitCommit = ""
)

type Info struct {
	Version   string `json:"version"`
	Major     int    `json:"major"`
	Minor     int    `json:"minor"`
	Patch     int    `json:"patch"`
	Built     string `json:"built,omitempty"`
	GitCommit string `json:"git_commit,omitempty"`
	GoVersion string `json:"go_version,omitempty"`
}

// GetVersionInfo splits Version into its semver parts. Non-numeric parts and
// pre-release suffixes are ignored.
func GetVersionInfo() Info {
	info := Info{Version: Version, Built: Built, GitCommit: GitCommit}
	core, _, _ := strings.Cut(strings.TrimPrefix(Version, "v"), "-")
	parts := strings.SplitN(core, ".", 3)
	targets := []*int{&info.Major, &info.Minor, &info.Patch}
	for i, part := range parts {
		if parsed, err := strconv.Atoi(part); err == nil {
			*targets[i] = parsed
		}
	}
	if build, ok := debug.ReadBuildInfo(); ok {
		info.GoVersion = build.GoVersion
		if info.GitCommit == "" {
			for _, setting := range build.Settings {
				if setting.Key == "vcs.revision" {
					info.GitCommit = setting.Value
				}
			}
		}
	}
	return info
}

// String renders the version in one line.
func (i Info) String() string {
	line := "shardfleet " + i.Version
	if i.GitCommit != "" {
		commit := i.GitCommit
		if len(commit) > 12 {
			commit = commit[:12]
		}
		line += " (" + commit + ")"
	}
	if i.Built != "" {
		line += " built " + i.Built
	}
	return line
}
