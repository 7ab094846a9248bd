// Package identity resolves the local node's routable IP address from a
// configured network interface (C1 in the design).
package identity

import (
	"fmt"
	"net"
)

// Resolver resolves the local node's IPv4 address on a given interface.
// It is injected rather than hardcoded so tests can fake it without
// depending on the host's actual network interfaces (spec.md §9, Open
// Question: "the spec treats local-IP resolution as an injected
// function").
type Resolver interface {
	LocalIP(iface string) (string, error)
}

// NetResolver is the production Resolver, backed by the host's network
// interfaces.
type NetResolver struct{}

// LocalIP returns the first IPv4 address assigned to iface.
func (NetResolver) LocalIP(iface string) (string, error) {
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		return "", fmt.Errorf("looking up interface %q: %w", iface, err)
	}

	addrs, err := ifi.Addrs()
	if err != nil {
		return "", fmt.Errorf("listing addresses on interface %q: %w", iface, err)
	}

	for _, addr := range addrs {
		var ip net.IP
		switch v := addr.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		}
		if ip == nil {
			continue
		}
		if v4 := ip.To4(); v4 != nil {
			return v4.String(), nil
		}
	}

	return "", fmt.Errorf("interface %q has no IPv4 address", iface)
}
