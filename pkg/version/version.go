// Package version holds build information for SiteVault.
package version

import (
	"fmt"
	"strconv"
	"strings"
)

var (
	Version   = "0.9.0"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

type Info struct {
	Version   string
	GitCommit string
	BuildTime string
}

func Get() Info {
	return Info{
		Version:   Version,
		GitCommit: GitCommit,
		BuildTime: BuildTime,
	}
}

func (v Info) String() string {
	return fmt.Sprintf("Version: %s\nGitCommit: %s\nBuildTime: %s",
		v.Version, v.GitCommit, v.BuildTime)
}

// IsNewer reports whether other is a strictly newer release than current.
// Both are dotted numeric versions; non-numeric segments compare as zero and
// missing segments compare as zero, so "1.2" and "1.2.0" are equal.
func IsNewer(other, current string) bool {
	op := strings.Split(strings.TrimPrefix(other, "v"), ".")
	cp := strings.Split(strings.TrimPrefix(current, "v"), ".")

	n := len(op)
	if len(cp) > n {
		n = len(cp)
	}

	for i := 0; i < n; i++ {
		var ov, cv int
		if i < len(op) {
			ov, _ = strconv.Atoi(op[i])
		}
		if i < len(cp) {
			cv, _ = strconv.Atoi(cp[i])
		}
		if ov != cv {
			return ov > cv
		}
	}
	return false
}
