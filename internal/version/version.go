// Package version reports the build version, set by the linker:
//
//	go build -ldflags "-X github.com/effective-security/tokensign/internal/version.current=v1.2.3"
package version

import (
	"fmt"
	"runtime/debug"
	"strings"
)

var current = ""

// Info describes the version
type Info struct {
	Major, Minor, Patch int
	Commit              string
	raw                 string
}

// Current returns the version of the build
func Current() Info {
	raw := current
	if raw == "" {
		if bi, ok := debug.ReadBuildInfo(); ok && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
			raw = bi.Main.Version
		}
	}
	if raw == "" {
		raw = "v0.0.0"
	}
	return Parse(raw)
}

// Parse returns Info from "v1.2.3-commit" string
func Parse(raw string) Info {
	v := Info{raw: raw}
	s, commit, _ := strings.Cut(strings.TrimPrefix(raw, "v"), "-")
	v.Commit = commit
	_, _ = fmt.Sscanf(s, "%d.%d.%d", &v.Major, &v.Minor, &v.Patch)
	return v
}

// String returns the version as it was set
func (v Info) String() string {
	return v.raw
}
