// Package platform describes the host an installer runs on.
//
// Detect fills an Info from runtime and gopsutil data. InjectPlatformTable exposes it
// to Lua configuration and component scripts as a read-only table. Host provides the
// pre-flight probes the install engine needs: free space on the target volume and
// the list of running product processes.
package platform

import "context"

// Linux distribution families.
const (
	FamilyDebian  = "debian"
	FamilyRHEL    = "rhel"
	FamilyFedora  = "fedora"
	FamilySUSE    = "suse"
	FamilyArch    = "arch"
	FamilyAlpine  = "alpine"
	FamilyGentoo  = "gentoo"
	FamilyUnknown = "unknown"
)

// Info describes the host.
type Info struct {
	OS       string // runtime.GOOS
	Arch     string // GOARCH spelling; unknown values unchanged
	ArchRaw  string
	Platform string // distro ID on Linux, e.g. "ubuntu"
	Family   string
	Version  string // distro or OS version
	Kernel   string
	Hostname string
}

// IsLinux reports whether the host runs Linux.
func (i *Info) IsLinux() bool { return i.OS == "linux" }

// IsMacOS reports whether the host runs macOS.
func (i *Info) IsMacOS() bool { return i.OS == "darwin" }

// IsWindows reports whether the host runs Windows.
func (i *Info) IsWindows() bool { return i.OS == "windows" }

// InFamily reports whether the host is a Linux distribution of the given family.
func (i *Info) InFamily(family string) bool {
	return i.IsLinux() && i.Family == family
}

// Triple renders "os-arch", the form used for platform-specific archive names.
func (i *Info) Triple() string {
	return i.OS + "-" + i.Arch
}

// Detector detects host information.
type Detector interface {
	Detect(ctx context.Context) (*Info, error)
}

// Static is a Detector returning fixed information.
type Static Info

// Detect returns a copy of s.
func (s Static) Detect(ctx context.Context) (*Info, error) {
	info := Info(s)
	return &info, nil
}
