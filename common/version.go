package common

// Version is overridden at build time with -ldflags "-X github.com/ruteri/content-sync/common.Version=..."
var Version = "dev"

// PackageName prefixes exported metric names.
const PackageName = "contentsync"
