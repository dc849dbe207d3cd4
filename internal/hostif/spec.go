package hostif

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"slices"

	"github.com/die-net/tunnelkit/internal/session"
)

var (
	ErrUnsupported = errors.New("hostif: virtual interfaces are not supported on this platform")
	ErrInvalidSpec = errors.New("hostif: invalid interface spec")
	ErrDetached    = errors.New("hostif: descriptor already detached")
)

const (
	minMTU = 576
	maxMTU = 65535
)

func validateSpec(spec session.InterfaceSpec) error {
	if !spec.Prefix.IsValid() {
		return fmt.Errorf("%w: address %v", ErrInvalidSpec, spec.Prefix)
	}
	if spec.MTU < minMTU || spec.MTU > maxMTU {
		return fmt.Errorf("%w: mtu %d", ErrInvalidSpec, spec.MTU)
	}
	for _, r := range spec.Routes {
		if !r.IsValid() {
			return fmt.Errorf("%w: route %v", ErrInvalidSpec, r)
		}
	}
	return nil
}

// installRoutes returns the prefixes to route through the interface. A
// default route is installed as its two halves so it wins over the host's
// default route without replacing it.
func installRoutes(routes []netip.Prefix) []netip.Prefix {
	out := make([]netip.Prefix, 0, len(routes))
	for _, r := range routes {
		r = r.Masked()
		if r.Bits() != 0 {
			out = append(out, r)
			continue
		}
		if r.Addr().Is4() {
			out = append(out, netip.MustParsePrefix("0.0.0.0/1"), netip.MustParsePrefix("128.0.0.0/1"))
		} else {
			out = append(out, netip.MustParsePrefix("::/1"), netip.MustParsePrefix("8000::/1"))
		}
	}
	return out
}

// bypassTargets returns the addresses, deduplicated and in order, that one of
// the tunnel routes would capture.
func bypassTargets(addrs []netip.Addr, tunnel []netip.Prefix) []netip.Addr {
	var out []netip.Addr
	for _, a := range addrs {
		a = a.Unmap()
		if slices.Contains(out, a) {
			continue
		}
		if slices.ContainsFunc(tunnel, func(p netip.Prefix) bool { return p.Contains(a) }) {
			out = append(out, a)
		}
	}
	return out
}

func ipNet(p netip.Prefix) *net.IPNet {
	return &net.IPNet{
		IP:   p.Addr().AsSlice(),
		Mask: net.CIDRMask(p.Bits(), p.Addr().BitLen()),
	}
}
