// Package version carries build-time identification for gotftp.
package version

// VERSION and Commit are set at build time via:
//
//	go build -ldflags "-X github.com/chronologos/gotftp/internal/version.VERSION=0.1.0 -X github.com/chronologos/gotftp/internal/version.Commit=abc123" ./cmd/gotftp
var (
	VERSION = "dev"
	Commit  = "dev"
)
