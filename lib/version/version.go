// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Set with -ldflags -X at release build time.
var (
	GitCommit = "unknown"
	GitDirty  = "false"
	BuildTime = "unknown"
	Version   = "0.1.0-dev"
)

// stamp returns the commit, dirty flag, and build time: the -ldflags
// values when set, otherwise the VCS stamp go build embeds.
func stamp() (commit string, dirty bool, built string) {
	commit, dirty, built = GitCommit, GitDirty == "true", BuildTime
	if commit != "unknown" {
		return commit, dirty, built
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return commit, dirty, built
	}
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			commit = setting.Value
			if len(commit) > 12 {
				commit = commit[:12]
			}
		case "vcs.modified":
			dirty = setting.Value == "true"
		case "vcs.time":
			if built == "unknown" {
				built = setting.Value
			}
		}
	}
	return commit, dirty, built
}

// Info returns "VERSION (COMMIT[-dirty], BUILDTIME)".
func Info() string {
	commit, dirty, built := stamp()
	if dirty {
		commit += "-dirty"
	}
	return fmt.Sprintf("%s (%s, %s)", Version, commit, built)
}

// Full adds the Go toolchain and platform to Info.
func Full() string {
	return fmt.Sprintf("%s\n  Go: %s\n  Platform: %s/%s",
		Info(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// Binary returns the --version line for the named binary.
func Binary(name string) string {
	return name + " " + Info()
}
