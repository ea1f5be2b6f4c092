// Copyright 2026 The Halcyon Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports build identification for --version output
// and enrollment liveness reports.
package version

import "runtime/debug"

// Version is the release version, overridden at build time via
// -ldflags "-X github.com/halcyon-fleet/halcyon/lib/version.Version=...".
var Version = "dev"

// Info returns a human-readable version string: the release version
// plus the VCS revision when the binary was built from a checkout.
func Info() string {
	info := Version
	build, ok := debug.ReadBuildInfo()
	if !ok {
		return info
	}
	for _, setting := range build.Settings {
		if setting.Key == "vcs.revision" && len(setting.Value) >= 12 {
			info += " (" + setting.Value[:12] + ")"
		}
	}
	return info
}
