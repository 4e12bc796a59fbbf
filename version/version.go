package version

var (
	// GitCommit is the current HEAD set using ldflags.
	GitCommit string

	// Version is the built softwares version.
	Version = DiscoverySemVer
)

func init() {
	if GitCommit != "" {
		Version += "-" + GitCommit
	}
}

// DiscoverySemVer is the semantic version of the discovery node software.
// Must be a string because scripts like dist.sh read this file.
const DiscoverySemVer = "0.1.0"
