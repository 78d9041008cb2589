package common

import (
	"github.com/ternarybob/banner"
)

// Version information (set via -ldflags during build)
var (
	Version   = "dev"
	Build     = "unknown"
	GitCommit = "unknown"
)

// GetVersion returns the current version string
func GetVersion() string {
	return Version
}

// GetBuild returns the build timestamp
func GetBuild() string {
	return Build
}

// GetGitCommit returns the git commit hash
func GetGitCommit() string {
	return GitCommit
}

// PrintBanner displays the application banner
func PrintBanner(version string) {
	banner.PrintSimple("PixCrawler", version)
}
