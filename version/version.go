// Package version resolves the program version once per process.
package version

import (
	"context"
	"os/exec"
	"runtime/debug"
	"strings"
	"sync"
	"time"
)

// Version is set at build time with
// -ldflags "-X github.com/m4xw311/loopy/version.Version=v1.2.3".
var Version = ""

const Unknown = "unknown"

// Resolver computes the version on first use and caches it. Sources are
// tried in order: the build-time value, `git describe`, module build info.
type Resolver struct {
	once    sync.Once
	value   string
	sources []func() string
}

func NewResolver() *Resolver {
	return &Resolver{
		sources: []func() string{
			func() string { return Version },
			gitDescribe,
			buildInfo,
		},
	}
}

// String returns the resolved version, never empty.
func (r *Resolver) String() string {
	r.once.Do(func() {
		r.value = Unknown
		for _, src := range r.sources {
			if v := strings.TrimSpace(src()); v != "" {
				r.value = v
				return
			}
		}
	})
	return r.value
}

func gitDescribe() string {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, "git", "describe", "--tags", "--always", "--dirty").Output()
	if err != nil {
		return ""
	}
	return string(out)
}

func buildInfo() string {
	info, ok := debug.ReadBuildInfo()
	if !ok || info.Main.Version == "" || info.Main.Version == "(devel)" {
		return ""
	}
	return info.Main.Version
}
