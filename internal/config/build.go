package config

// Set at link time:
//
//	go build -ldflags "-X github.com/Kre8ivTech/client-portal-sub003/internal/config.version=1.4.0 \
//	    -X github.com/Kre8ivTech/client-portal-sub003/internal/config.commit=$(git rev-parse --short HEAD)"
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

// NewBuildInfo returns the linker-injected build metadata.
func NewBuildInfo() BuildInfo {
	return BuildInfo{
		Version:   version,
		Commit:    commit,
		BuildTime: buildTime,
	}
}
