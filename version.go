package main

import (
	"fmt"
	"strconv"
)

var (
	version   string = "0.1.0"
	gitSHA1   string = "unknown"
	gitDirty  string = "unknown"
	buildDate string = "unknown"
)

// Version renders the build information injected with -ldflags.
func Version() string {
	v := "evloop " + version
	if sha1Int, err := strconv.ParseUint(gitSHA1, 16, 64); err == nil && sha1Int != 0 {
		v = fmt.Sprintf("%s (git:%s", v, gitSHA1)
		if dirtyInt, err := strconv.ParseInt(gitDirty, 10, 64); err == nil && dirtyInt != 0 {
			v += "-dirty"
		}
		v += ")"
	}
	if buildDate != "unknown" {
		v += " built " + buildDate
	}
	return v
}
