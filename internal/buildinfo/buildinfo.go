// Package buildinfo provides the identity of the running build.
//
// The identity is an opaque tag stamped at build time. Every instance started
// from the same binary reports the same tag, and the tag never changes for the
// lifetime of a process; it is only ever compared for equality.
package buildinfo

import (
	"runtime/debug"
	"strings"
)

// version is set at build time via -ldflags "-X hotswap/internal/buildinfo.version=...".
var version = "" //nolint:gochecknoglobals // ldflags requires package-level var

// fallback is reported when neither ldflags nor the module build info carry a version.
const fallback = "dev"

// String returns the current build identity.
func String() string {
	if v := strings.TrimSpace(version); v != "" {
		return v
	}
	if v := fromBuildInfo(); v != "" {
		return v
	}
	return fallback
}

// fromBuildInfo derives a tag from the embedded module version or, for
// development builds, from the VCS revision recorded by the toolchain.
func fromBuildInfo() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	if v := strings.TrimSpace(info.Main.Version); v != "" && v != "(devel)" {
		return v
	}
	var revision string
	var modified bool
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.modified":
			modified = s.Value == "true"
		}
	}
	if revision == "" {
		return ""
	}
	if len(revision) > 12 {
		revision = revision[:12]
	}
	if modified {
		revision += "+dirty"
	}
	return revision
}
