// Package sysinfo describes the host a node runs on, for the status command.
package sysinfo

import (
	"net"
	"os"
	"runtime"
	"strings"
)

// Version is the muti-shell version, set at build time via ldflags.
// Example: go build -ldflags="-X github.com/postalsys/muti-shell/internal/sysinfo.Version=1.0.0"
var Version = "dev"

// maxAddresses caps the addresses reported in Info.
const maxAddresses = 10

// Info is a snapshot of the local host.
type Info struct {
	Hostname  string   `json:"hostname"`
	OS        string   `json:"os"`
	Arch      string   `json:"arch"`
	PID       int      `json:"pid"`
	Version   string   `json:"version"`
	Addresses []string `json:"addresses,omitempty"`
}

// Collect gathers local system information.
func Collect() Info {
	hostname, _ := os.Hostname()

	return Info{
		Hostname:  hostname,
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		PID:       os.Getpid(),
		Version:   Version,
		Addresses: LocalIPs(),
	}
}

// Platform returns "os/arch".
func (i Info) Platform() string {
	return i.OS + "/" + i.Arch
}

// AddressList joins the addresses for display, or returns "-".
func (i Info) AddressList() string {
	if len(i.Addresses) == 0 {
		return "-"
	}
	return strings.Join(i.Addresses, ", ")
}

// LocalIPs returns non-loopback IPv4 addresses.
func LocalIPs() []string {
	var ips []string

	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ips
	}

	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}

		if ipNet.IP.IsLoopback() {
			continue
		}

		if ipv4 := ipNet.IP.To4(); ipv4 != nil {
			ips = append(ips, ipv4.String())
		}
	}

	if len(ips) > maxAddresses {
		ips = ips[:maxAddresses]
	}

	return ips
}
