package version

import (
	"runtime/debug"
)

var (
	Version = "1.0.0"
	Commit  = "unknown"
	Date    = "unknown"
)

// Info is the build identity reported by the version command and the API
// descriptor.
type Info struct {
	Version string
	Commit  string
	Date    string
	Dirty   bool
}

// Resolve returns the full version string. Release builds report Version as is;
// development builds append the short VCS revision recorded by the toolchain.
func Resolve() string {
	return Current().String()
}

func Current() Info {
	return resolve(Version, Commit, Date, debug.ReadBuildInfo)
}

func (i Info) String() string {
	if i.Commit == "" || i.Commit == "unknown" {
		return i.Version
	}
	suffix := shortRevision(i.Commit)
	if i.Dirty {
		suffix += "-dirty"
	}
	return i.Version + "-" + suffix
}

func resolve(base, commit, date string, readBuildInfo func() (*debug.BuildInfo, bool)) Info {
	if base == "" {
		base = "0.0.0"
	}
	info := Info{Version: base, Commit: commit, Date: date}

	// Linker-provided values win over build info.
	if commit != "" && commit != "unknown" {
		return info
	}

	build, ok := readBuildInfo()
	if !ok || build == nil {
		return info
	}

	for _, setting := range build.Settings {
		switch setting.Key {
		case "vcs.revision":
			info.Commit = setting.Value
		case "vcs.time":
			info.Date = setting.Value
		case "vcs.modified":
			info.Dirty = setting.Value == "true"
		}
	}
	return info
}

func shortRevision(rev string) string {
	if len(rev) > 7 {
		return rev[:7]
	}
	return rev
}
