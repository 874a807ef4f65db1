// Package version reports the brainops build version.
package version

import "runtime/debug"

// Set with -ldflags "-X github.com/raold/second-brain-sub001/pkg/version.version=v1.2.3".
var version = ""

// GetVersion returns the linked version, else the module version from the
// build info, else "dev".
func GetVersion() string {
	if version != "" {
		return version
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return "dev"
}
