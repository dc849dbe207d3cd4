//go:build linux

package hostif

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/songgao/water"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/die-net/tunnelkit/internal/session"
)

// Provider creates Linux TUN interfaces. It needs CAP_NET_ADMIN.
type Provider struct {
	log logrus.FieldLogger
}

func NewProvider(log logrus.FieldLogger) *Provider {
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	return &Provider{log: log}
}

func (p *Provider) Acquire(ctx context.Context, spec session.InterfaceSpec) (session.Interface, error) {
	if err := validateSpec(spec); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cfg := water.Config{DeviceType: water.TUN}
	cfg.Name = spec.Name
	ifce, err := water.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("create tun: %w", err)
	}

	log := p.log.WithField("interface", ifce.Name())
	if err := configure(ctx, ifce.Name(), spec, log); err != nil {
		_ = ifce.Close()
		return nil, err
	}

	if len(spec.DNSServers) > 0 {
		log.WithField("dns", spec.DNSServers).Warn("DNS servers are not applied on this platform")
	}
	if len(spec.ExcludedApps) > 0 {
		log.WithField("exclude_apps", spec.ExcludedApps).Warn("per-application exclusion is not supported on this platform")
	}
	log.WithField("address", spec.Prefix.String()).Info("tun interface up")

	return &tunInterface{ifce: ifce, name: ifce.Name()}, nil
}

func configure(ctx context.Context, name string, spec session.InterfaceSpec, log logrus.FieldLogger) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("link %s: %w", name, err)
	}
	tunnel := installRoutes(spec.Routes)

	// Looked up before the tunnel routes exist, so they resolve to the
	// host's own gateway.
	bypass, err := addBypassRoutes(ctx, spec.BypassHosts, tunnel)
	if err != nil {
		return err
	}
	if err := removeWithLink(link.Attrs().Index, bypass, log); err != nil {
		deleteRoutes(bypass, log)
		return fmt.Errorf("watch %s: %w", name, err)
	}

	if err := netlink.LinkSetMTU(link, spec.MTU); err != nil {
		return fmt.Errorf("set mtu on %s: %w", name, err)
	}
	if err := netlink.AddrReplace(link, &netlink.Addr{IPNet: ipNet(spec.Prefix)}); err != nil {
		return fmt.Errorf("set address on %s: %w", name, err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("link up %s: %w", name, err)
	}
	for _, r := range tunnel {
		rt := &netlink.Route{LinkIndex: link.Attrs().Index, Dst: ipNet(r)}
		if err := netlink.RouteReplace(rt); err != nil {
			return fmt.Errorf("route %s via %s: %w", r, name, err)
		}
	}
	return nil
}

// addBypassRoutes pins a host route, through whatever path the host uses
// today, for every address of hosts that the tunnel routes would capture.
func addBypassRoutes(ctx context.Context, hosts []string, tunnel []netip.Prefix) ([]netlink.Route, error) {
	if len(tunnel) == 0 {
		return nil, nil
	}

	var addrs []netip.Addr
	for _, h := range hosts {
		if h == "" {
			continue
		}
		ips, err := net.DefaultResolver.LookupNetIP(ctx, "ip", h)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", h, err)
		}
		addrs = append(addrs, ips...)
	}

	var added []netlink.Route
	for _, a := range bypassTargets(addrs, tunnel) {
		via, err := netlink.RouteGet(a.AsSlice())
		if err == nil && len(via) == 0 {
			err = errors.New("no route")
		}
		if err != nil {
			deleteRoutes(added, nil)
			return nil, fmt.Errorf("route to %s: %w", a, err)
		}
		rt := netlink.Route{
			LinkIndex: via[0].LinkIndex,
			Gw:        via[0].Gw,
			Dst:       ipNet(netip.PrefixFrom(a, a.BitLen())),
		}
		if err := netlink.RouteReplace(&rt); err != nil {
			deleteRoutes(added, nil)
			return nil, fmt.Errorf("bypass route for %s: %w", a, err)
		}
		added = append(added, rt)
	}
	return added, nil
}

// removeWithLink deletes routes once the link with the given index goes
// away, which happens when the last TUN descriptor is closed.
func removeWithLink(index int, routes []netlink.Route, log logrus.FieldLogger) error {
	if len(routes) == 0 {
		return nil
	}

	updates := make(chan netlink.LinkUpdate)
	done := make(chan struct{})
	if err := netlink.LinkSubscribe(updates, done); err != nil {
		return err
	}

	go func() {
		defer func() {
			close(done)
			for range updates {
			}
		}()
		for u := range updates {
			if u.Header.Type == unix.RTM_DELLINK && u.Attrs().Index == index {
				deleteRoutes(routes, log)
				return
			}
		}
	}()
	return nil
}

func deleteRoutes(routes []netlink.Route, log logrus.FieldLogger) {
	for i := range routes {
		if err := netlink.RouteDel(&routes[i]); err != nil && !errors.Is(err, unix.ESRCH) && log != nil {
			log.WithError(err).WithField("route", routes[i].Dst.String()).Warn("removing bypass route")
		}
	}
}

type tunInterface struct {
	name string

	mu   sync.Mutex
	ifce *water.Interface // nil once detached or released
}

func (t *tunInterface) Name() string { return t.name }

// DetachDescriptor duplicates the TUN descriptor, in non-blocking mode, and
// closes water's copy. The device lives as long as the returned descriptor.
func (t *tunInterface) DetachDescriptor() (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ifce == nil {
		return -1, ErrDetached
	}
	f, ok := t.ifce.ReadWriteCloser.(*os.File)
	if !ok {
		return -1, fmt.Errorf("tun %s: unexpected handle type %T", t.name, t.ifce.ReadWriteCloser)
	}

	rc, err := f.SyscallConn()
	if err != nil {
		return -1, err
	}
	fd := -1
	var dupErr error
	if err := rc.Control(func(s uintptr) {
		fd, dupErr = unix.FcntlInt(s, unix.F_DUPFD_CLOEXEC, 0)
	}); err != nil {
		return -1, err
	}
	if dupErr != nil {
		return -1, fmt.Errorf("dup tun %s: %w", t.name, dupErr)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("tun %s: %w", t.name, err)
	}

	_ = t.ifce.Close()
	t.ifce = nil
	return fd, nil
}

func (t *tunInterface) Release() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ifce == nil {
		return nil
	}
	err := t.ifce.Close()
	t.ifce = nil
	return err
}
