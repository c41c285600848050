package modes

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/host"
)

// MachineInfo describes the host the assistant runs on. It backs the
// _machine fragment and is recomputed on every load.
func MachineInfo() string {
	cwd, err := os.Getwd()
	if err != nil {
		cwd = "unknown"
	}
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "unknown"
	}

	var b strings.Builder
	b.WriteString("Here is useful information about the environment you are running in:\n<env>\n")
	fmt.Fprintf(&b, "Working directory: %s\n", cwd)
	fmt.Fprintf(&b, "Platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Fprintf(&b, "OS Version: %s\n", osVersion())
	fmt.Fprintf(&b, "Shell: %s\n", shell)
	fmt.Fprintf(&b, "Today's date: %s\n", time.Now().Format("2006-01-02"))
	b.WriteString("</env>")
	return b.String()
}

func osVersion() string {
	info, err := host.Info()
	if err != nil {
		return runtime.GOOS
	}
	if info.PlatformVersion != "" {
		return fmt.Sprintf("%s %s", info.Platform, info.PlatformVersion)
	}
	if info.Platform != "" {
		return info.Platform
	}
	return info.OS
}
