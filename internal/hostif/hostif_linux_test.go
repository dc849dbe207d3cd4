//go:build linux

package hostif

import (
	"errors"
	"net/netip"
	"os"
	"testing"
	"time"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/die-net/tunnelkit/internal/session"
)

func TestAcquireDetachRelease(t *testing.T) {
	if os.Geteuid() != 0 {
		t.Skip("creating a TUN device requires root")
	}
	if _, err := os.Stat("/dev/net/tun"); err != nil {
		t.Skip("no /dev/net/tun")
	}

	p := NewProvider(nil)
	iface, err := p.Acquire(t.Context(), session.InterfaceSpec{
		Name:   "tktest0",
		Prefix: netip.MustParsePrefix("10.199.0.2/32"),
		MTU:    1280,
		Routes: []netip.Prefix{netip.MustParsePrefix("10.199.1.0/24")},
	})
	if err != nil {
		t.Fatal(err)
	}
	if iface.Name() != "tktest0" {
		t.Fatalf("got name %q", iface.Name())
	}

	fd, err := iface.DetachDescriptor()
	if err != nil {
		t.Fatal(err)
	}
	defer unix.Close(fd)

	if _, err := iface.DetachDescriptor(); !errors.Is(err, ErrDetached) {
		t.Fatalf("second detach: got %v", err)
	}
	if err := iface.Release(); err != nil {
		t.Fatalf("release after detach: %v", err)
	}

	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if err != nil {
		t.Fatal(err)
	}
	if flags&unix.O_NONBLOCK == 0 {
		t.Fatal("detached descriptor is blocking")
	}
}

func TestAcquireBypassRoutes(t *testing.T) {
	if os.Geteuid() != 0 {
		t.Skip("creating a TUN device requires root")
	}
	if _, err := os.Stat("/dev/net/tun"); err != nil {
		t.Skip("no /dev/net/tun")
	}
	endpoint := netip.MustParseAddr("203.0.113.9")
	if _, err := netlink.RouteGet(endpoint.AsSlice()); err != nil {
		t.Skipf("no host route to %s: %v", endpoint, err)
	}

	iface, err := NewProvider(nil).Acquire(t.Context(), session.InterfaceSpec{
		Name:        "tktest1",
		Prefix:      netip.MustParsePrefix("10.199.2.2/32"),
		MTU:         1280,
		Routes:      []netip.Prefix{netip.MustParsePrefix("203.0.113.0/24")},
		BypassHosts: []string{endpoint.String()},
	})
	if err != nil {
		t.Fatal(err)
	}
	link, err := netlink.LinkByName("tktest1")
	if err != nil {
		t.Fatal(err)
	}

	via, err := netlink.RouteGet(endpoint.AsSlice())
	if err != nil || len(via) == 0 {
		t.Fatalf("route to endpoint: %v %v", via, err)
	}
	if via[0].LinkIndex == link.Attrs().Index {
		t.Fatal("endpoint is routed into the tunnel")
	}

	if err := iface.Release(); err != nil {
		t.Fatal(err)
	}

	host := ipNet(netip.PrefixFrom(endpoint, 32))
	deadline := time.Now().Add(5 * time.Second)
	for {
		routes, err := netlink.RouteListFiltered(netlink.FAMILY_V4, &netlink.Route{Dst: host}, netlink.RT_FILTER_DST)
		if err != nil {
			t.Fatal(err)
		}
		if len(routes) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("bypass route left behind: %v", routes)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestAcquireInvalidSpec(t *testing.T) {
	t.Parallel()

	_, err := NewProvider(nil).Acquire(t.Context(), session.InterfaceSpec{MTU: 1280})
	if !errors.Is(err, ErrInvalidSpec) {
		t.Fatalf("got %v", err)
	}
}
