package config

// Build metadata set with -ldflags, for example:
//
//	go build -ldflags "-X provisioner/internal/config.version=1.4.0 \
//	    -X provisioner/internal/config.commit=$(git rev-parse --short HEAD)"
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
