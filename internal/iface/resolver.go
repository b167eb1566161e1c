// Package iface resolves a network interface name to the IPv4 address
// used to bind sockets on that interface.
package iface

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/malbeclabs/igmprelay/internal/ierrors"
)

// Resolve looks up the named interface and returns its first IPv4
// address. Interfaces with multiple IPv4 addresses use the first one
// reported by the kernel; there is no secondary-address policy.
func Resolve(name string) (netip.Addr, error) {
	ifi, err := net.InterfaceByName(name)
	if err != nil {
		return netip.Addr{}, &ierrors.NetworkError{
			Operation: "resolve interface",
			Err:       err,
			Details:   fmt.Sprintf("interface %q not found", name),
		}
	}

	addrs, err := ifi.Addrs()
	if err != nil {
		return netip.Addr{}, &ierrors.NetworkError{
			Operation: "list interface addresses",
			Err:       err,
			Details:   fmt.Sprintf("interface %q", name),
		}
	}

	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		v4 := ipnet.IP.To4()
		if v4 == nil {
			continue
		}
		return netip.AddrFrom4([4]byte(v4)), nil
	}

	return netip.Addr{}, &ierrors.ValidationError{
		Field:   "interface",
		Value:   name,
		Message: "no IPv4 address found on interface",
	}
}
