// Package version provides the agent's version strings.
package version

import (
	_ "embed"
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

var (
	//go:embed VERSION
	baseVersion string

	// buildNumber is filled in at link time by passing -ldflags
	// "-X github.com/opeva/job-worker-agent/version.buildNumber=${CI_BUILD_NUMBER}"
	buildNumber = "x"
)

// Version returns the semantic version of the agent binary.
func Version() string {
	return strings.TrimSpace(baseVersion)
}

// BuildNumber returns the build number of the CI pipeline that built the
// agent, or "x" for local/dev builds.
func BuildNumber() string {
	return buildNumber
}

// commitInfo returns the commit hash and a ".dirty" suffix if the working
// tree had uncommitted changes at build time.
func commitInfo() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "x"
	}

	dirty := ".dirty"
	var commit string
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			commit = setting.Value
		case "vcs.modified":
			if setting.Value == "false" {
				dirty = ""
			}
		}
	}

	return commit + dirty
}

// FullVersion includes the build number and commit metadata alongside the
// semantic version.
func FullVersion() string {
	return fmt.Sprintf("%s+%s.%s", Version(), BuildNumber(), commitInfo())
}

// UserAgent returns a string suitable for the backend client's User-Agent
// header.
func UserAgent() string {
	return fmt.Sprintf(
		"opeva-worker-agent/%s.%s (%s; %s)",
		Version(),
		BuildNumber(),
		runtime.GOOS,
		runtime.GOARCH,
	)
}
