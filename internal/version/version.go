/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package version provides build information.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Version is the current version of seqworker.
// This is set at build time via ldflags:
//
//	-X github.com/friendsincode/seqworker/internal/version.Version=X.Y.Z
var Version = "0.4.0"

// Commit is the VCS revision, filled from build info when not set via ldflags.
var Commit = ""

// Info describes the running binary.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	GoVersion string `json:"goVersion"`
	Platform  string `json:"platform"`
}

// Get returns build information for the running binary.
func Get() Info {
	info := Info{
		Version:   Version,
		Commit:    Commit,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
	if info.Commit == "" {
		info.Commit = vcsRevision()
	}
	return info
}

// String formats the info for the version command.
func (i Info) String() string {
	if i.Commit == "" {
		return fmt.Sprintf("seqworker %s (%s, %s)", i.Version, i.GoVersion, i.Platform)
	}
	return fmt.Sprintf("seqworker %s (%s, %s, %s)", i.Version, shortRevision(i.Commit), i.GoVersion, i.Platform)
}

// UserAgent is sent on outbound HTTP requests.
func UserAgent() string {
	return "seqworker/" + Version
}

func vcsRevision() string {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, s := range bi.Settings {
		if s.Key == "vcs.revision" {
			return s.Value
		}
	}
	return ""
}

func shortRevision(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}
