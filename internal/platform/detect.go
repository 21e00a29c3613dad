package platform

import (
	"context"
	"fmt"
	"runtime"
	"strings"

	"github.com/shirou/gopsutil/v4/host"
)

// RealDetector queries the running host.
type RealDetector struct{}

// NewDetector creates a detector for the running host.
func NewDetector() Detector {
	return RealDetector{}
}

// Detect takes OS and architecture from the Go runtime and the distribution,
// kernel and host name from gopsutil. Scripts still get a usable table when
// gopsutil fails; only cancellation is an error.
func (RealDetector) Detect(ctx context.Context) (*Info, error) {
	info := &Info{
		OS:      runtime.GOOS,
		Arch:    canonicalArch(runtime.GOARCH),
		ArchRaw: runtime.GOARCH,
	}

	hi, err := host.InfoWithContext(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("platform detection cancelled: %w", ctx.Err())
		}
		return info, nil
	}

	info.Hostname = hi.Hostname
	info.Kernel = hi.KernelVersion
	info.Version = lowerTrim(hi.PlatformVersion)
	if info.IsLinux() {
		if info.Platform = lowerTrim(hi.Platform); info.Platform != "" {
			info.Family = distroFamily(hi.PlatformFamily)
		}
	}
	return info, nil
}

// canonicalArch maps uname and vendor spellings onto GOARCH names so repository
// archive names can use one spelling. Unknown values pass through.
func canonicalArch(arch string) string {
	switch a := strings.ToLower(strings.TrimSpace(arch)); a {
	case "x86_64", "x64", "amd64":
		return "amd64"
	case "aarch64", "arm64", "armv8":
		return "arm64"
	case "i386", "i686", "x86", "386":
		return "386"
	case "armv7l", "armv7", "armhf", "arm":
		return "arm"
	default:
		return arch
	}
}

// distroFamily maps gopsutil's platform family onto the Family constants.
func distroFamily(family string) string {
	switch lowerTrim(family) {
	case "debian", "ubuntu":
		return FamilyDebian
	case "rhel", "centos", "rocky", "almalinux":
		return FamilyRHEL
	case "fedora":
		return FamilyFedora
	case "suse", "opensuse":
		return FamilySUSE
	case "arch", "manjaro":
		return FamilyArch
	case "alpine":
		return FamilyAlpine
	case "gentoo":
		return FamilyGentoo
	default:
		return FamilyUnknown
	}
}

func lowerTrim(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
