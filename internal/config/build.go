package config

import "fmt"

// Set at link time, e.g.
//
//	go build -ldflags "-X fedilogin/internal/config.version=1.2.3 \
//	    -X fedilogin/internal/config.commit=$(git rev-parse --short HEAD) \
//	    -X fedilogin/internal/config.buildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

// NewBuildInfo reads the linker-injected build metadata.
func NewBuildInfo() BuildInfo {
	return BuildInfo{
		Version:   version,
		Commit:    commit,
		BuildTime: buildTime,
	}
}

// UserAgent is the User-Agent sent to remote servers when
// UPSTREAM_USER_AGENT is unset: "<app>/<version>", with the commit appended
// for builds that carry one.
func (b BuildInfo) UserAgent(app string) string {
	v := b.Version
	if v == "" {
		v = "dev"
	}
	if b.Commit == "" || b.Commit == "none" {
		return fmt.Sprintf("%s/%s", app, v)
	}
	return fmt.Sprintf("%s/%s (+%s)", app, v, b.Commit)
}
