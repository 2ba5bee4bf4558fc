// Package affinity discovers which RDMA device, port, NUMA node and CPUs sit
// behind a local IP address by reading sysfs. The result is a placement hint
// for completion workers; nothing depends on it being available.
package affinity

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
)

const (
	netClassPath  = "/sys/class/net"
	ibClassPath   = "/sys/class/infiniband"
	nodeClassPath = "/sys/devices/system/node"
)

// ErrNoInterface is returned when no local interface carries the address.
var ErrNoInterface = errors.New("affinity: no interface owns the address")

// Interface is a network interface with its addresses.
type Interface struct {
	Name string
	IPs  []net.IP
}

// InterfaceLister enumerates the local network interfaces.
type InterfaceLister func() ([]Interface, error)

// SystemInterfaces lists the interfaces of the running host.
func SystemInterfaces() ([]Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("failed to list interfaces: %w", err)
	}
	out := make([]Interface, 0, len(ifaces))
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		entry := Interface{Name: iface.Name}
		for _, addr := range addrs {
			if ipNet, ok := addr.(*net.IPNet); ok {
				entry.IPs = append(entry.IPs, ipNet.IP)
			}
		}
		out = append(out, entry)
	}
	return out, nil
}

// Hint describes the placement of the RDMA device behind an address.
// Fields that could not be discovered keep their zero value, except
// NUMANode which is -1.
type Hint struct {
	Interface string
	IBDevice  string
	Port      int
	NUMANode  int
	CPUs      []int
}

// CPUFor returns the CPU that worker i should run on, or -1 when no CPU
// list is known. Workers are spread round-robin over the local CPUs.
func (h *Hint) CPUFor(i int) int {
	if h == nil || len(h.CPUs) == 0 {
		return -1
	}
	return h.CPUs[i%len(h.CPUs)]
}

// Discoverer reads placement information from a sysfs tree.
type Discoverer struct {
	fs         afero.Fs
	interfaces InterfaceLister
}

// NewDiscoverer creates a Discoverer over fs. A nil lister uses
// SystemInterfaces.
func NewDiscoverer(fs afero.Fs, lister InterfaceLister) *Discoverer {
	if lister == nil {
		lister = SystemInterfaces
	}
	return &Discoverer{fs: fs, interfaces: lister}
}

// Discover resolves the hint for ip. Only a missing interface is an error;
// missing sysfs attributes leave the corresponding fields unset.
func (d *Discoverer) Discover(ip net.IP) (*Hint, error) {
	ifName, err := d.interfaceFor(ip)
	if err != nil {
		return nil, err
	}

	hint := &Hint{Interface: ifName, NUMANode: -1}
	hint.Port = d.port(ifName)
	hint.IBDevice = d.ibDevice(ifName)

	if node, err := d.readInt(filepath.Join(netClassPath, ifName, "device", "numa_node")); err == nil && node >= 0 {
		hint.NUMANode = node
		raw, err := afero.ReadFile(d.fs, filepath.Join(nodeClassPath, fmt.Sprintf("node%d", node), "cpulist"))
		if err == nil {
			cpus, err := ParseCPUList(strings.TrimSpace(string(raw)))
			if err != nil {
				log.Warn().Err(err).Int("numa_node", node).Msg("Failed to parse NUMA cpulist")
			} else {
				hint.CPUs = cpus
			}
		}
	}

	log.Debug().
		Str("ip", ip.String()).
		Str("interface", hint.Interface).
		Str("device", hint.IBDevice).
		Int("port", hint.Port).
		Int("numa_node", hint.NUMANode).
		Ints("cpus", hint.CPUs).
		Msg("Discovered RDMA device affinity")
	return hint, nil
}

func (d *Discoverer) interfaceFor(ip net.IP) (string, error) {
	ifaces, err := d.interfaces()
	if err != nil {
		return "", err
	}
	for _, iface := range ifaces {
		for _, addr := range iface.IPs {
			if addr.Equal(ip) {
				return iface.Name, nil
			}
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNoInterface, ip)
}

// port derives the 1-based RDMA port from the netdev's dev_id and dev_port.
func (d *Discoverer) port(ifName string) int {
	devID, _ := d.readInt(filepath.Join(netClassPath, ifName, "dev_id"))
	devPort, _ := d.readInt(filepath.Join(netClassPath, ifName, "dev_port"))
	return max(devID, devPort) + 1
}

// ibDevice finds the RDMA device whose PCI resource table matches the
// netdev's.
func (d *Discoverer) ibDevice(ifName string) string {
	want, err := afero.ReadFile(d.fs, filepath.Join(netClassPath, ifName, "device", "resource"))
	if err != nil {
		return ""
	}
	entries, err := afero.ReadDir(d.fs, ibClassPath)
	if err != nil {
		return ""
	}
	for _, entry := range entries {
		got, err := afero.ReadFile(d.fs, filepath.Join(ibClassPath, entry.Name(), "device", "resource"))
		if err == nil && bytes.Equal(got, want) {
			return entry.Name()
		}
	}
	return ""
}

func (d *Discoverer) readInt(path string) (int, error) {
	raw, err := afero.ReadFile(d.fs, path)
	if err != nil {
		return 0, err
	}
	// dev_id is hexadecimal ("0x0"), the other attributes are decimal
	v, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 0, 32)
	if err != nil {
		return 0, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return int(v), nil
}

// ParseCPUList parses the kernel cpulist format, e.g. "0-3,8,10-11".
func ParseCPUList(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	var cpus []int
	for _, part := range strings.Split(s, ",") {
		lo, hi, isRange := strings.Cut(part, "-")
		first, err := strconv.Atoi(lo)
		if err != nil {
			return nil, fmt.Errorf("invalid cpu %q in list %q", lo, s)
		}
		last := first
		if isRange {
			last, err = strconv.Atoi(hi)
			if err != nil {
				return nil, fmt.Errorf("invalid cpu %q in list %q", hi, s)
			}
		}
		if first < 0 || last < first {
			return nil, fmt.Errorf("invalid cpu range %q in list %q", part, s)
		}
		for cpu := first; cpu <= last; cpu++ {
			cpus = append(cpus, cpu)
		}
	}
	return cpus, nil
}
