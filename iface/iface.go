// Package iface provides the single external collaborator spec §1 leaves
// out of scope: picking the outbound network interface. The contract is
// "return the IPv4 address of a multicast-capable interface, or loopback
// on failure" (spec §9). The teacher's own interface-selection code
// (beacon/beacon.go) walks net.Interfaces() and net.ParseCIDR on the
// chosen interface's first address; this package keeps that approach but
// narrows it to the single documented contract as an injectable func type,
// rather than the teacher's /proc/net/route-adjacent, multi-protocol walk.
package iface

import "net"

// Loopback is returned when no multicast-capable interface can be found.
const Loopback = "127.0.0.1"

// Selector returns the IPv4 address of a multicast-capable interface to
// bind and join on, or Loopback on failure. Engine callers treat this as an
// opaque helper (spec §1); tests substitute a fixed-return Selector.
type Selector func() (net.IP, error)

// Default walks the host's network interfaces and returns the first IPv4
// address belonging to an interface that is up, not a loopback, and
// supports multicast.
func Default() (net.IP, error) {
	ifs, err := net.Interfaces()
	if err != nil {
		return net.ParseIP(Loopback), err
	}

	for _, intf := range ifs {
		if intf.Flags&net.FlagUp == 0 {
			continue
		}
		if intf.Flags&net.FlagLoopback != 0 {
			continue
		}
		if intf.Flags&net.FlagMulticast == 0 {
			continue
		}

		addrs, err := intf.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipnet.IP.To4()
			if ip4 != nil {
				return ip4, nil
			}
		}
	}

	return net.ParseIP(Loopback), nil
}

// ByName returns a Selector that resolves a named interface's first IPv4
// address, falling back to Loopback if the interface cannot be used.
func ByName(name string) Selector {
	return func() (net.IP, error) {
		intf, err := net.InterfaceByName(name)
		if err != nil {
			return net.ParseIP(Loopback), err
		}
		addrs, err := intf.Addrs()
		if err != nil {
			return net.ParseIP(Loopback), err
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			if ip4 := ipnet.IP.To4(); ip4 != nil {
				return ip4, nil
			}
		}
		return net.ParseIP(Loopback), nil
	}
}
