// Copyright (c) Carabiner Systems, Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package version holds the build-time version identifiers, set via
// ldflags, and exposed through the CLI's version subcommand.
package version

import "fmt"

var (
	// Set via ldflags during build
	Version   = "development"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func String() string {
	return Version
}

func Long() string {
	return fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, BuildDate)
}
