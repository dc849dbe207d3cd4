package hostif

import (
	"errors"
	"net/netip"
	"reflect"
	"testing"

	"github.com/die-net/tunnelkit/internal/session"
)

func TestValidateSpec(t *testing.T) {
	t.Parallel()

	good := session.InterfaceSpec{
		Prefix: netip.MustParsePrefix("10.0.0.2/32"),
		MTU:    1280,
		Routes: []netip.Prefix{netip.MustParsePrefix("0.0.0.0/0")},
	}

	tests := []struct {
		name   string
		mutate func(*session.InterfaceSpec)
		ok     bool
	}{
		{name: "valid", mutate: func(*session.InterfaceSpec) {}, ok: true},
		{name: "no address", mutate: func(s *session.InterfaceSpec) { s.Prefix = netip.Prefix{} }},
		{name: "mtu too small", mutate: func(s *session.InterfaceSpec) { s.MTU = 100 }},
		{name: "mtu too large", mutate: func(s *session.InterfaceSpec) { s.MTU = 70000 }},
		{name: "bad route", mutate: func(s *session.InterfaceSpec) { s.Routes = append(s.Routes, netip.Prefix{}) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := good
			s.Routes = append([]netip.Prefix(nil), good.Routes...)
			tt.mutate(&s)
			err := validateSpec(s)
			if tt.ok && err != nil {
				t.Fatal(err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidSpec) {
				t.Fatalf("got %v, want ErrInvalidSpec", err)
			}
		})
	}
}

func TestInstallRoutes(t *testing.T) {
	t.Parallel()

	got := installRoutes([]netip.Prefix{
		netip.MustParsePrefix("0.0.0.0/0"),
		netip.MustParsePrefix("192.168.1.7/24"),
		netip.MustParsePrefix("::/0"),
	})
	want := []netip.Prefix{
		netip.MustParsePrefix("0.0.0.0/1"),
		netip.MustParsePrefix("128.0.0.0/1"),
		netip.MustParsePrefix("192.168.1.0/24"),
		netip.MustParsePrefix("::/1"),
		netip.MustParsePrefix("8000::/1"),
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestIPNet(t *testing.T) {
	t.Parallel()

	n := ipNet(netip.MustParsePrefix("10.0.0.2/24"))
	if n.String() != "10.0.0.2/24" {
		t.Fatalf("got %s", n)
	}
	if ones, bits := n.Mask.Size(); ones != 24 || bits != 32 {
		t.Fatalf("got mask %d/%d", ones, bits)
	}
}

func TestBypassTargets(t *testing.T) {
	t.Parallel()

	tunnel := installRoutes([]netip.Prefix{
		netip.MustParsePrefix("0.0.0.0/0"),
		netip.MustParsePrefix("2001:db8::/32"),
	})

	tests := []struct {
		name  string
		addrs []string
		want  []string
	}{
		{name: "endpoint under default route", addrs: []string{"172.104.55.236"}, want: []string{"172.104.55.236"}},
		{name: "mapped and duplicate", addrs: []string{"::ffff:172.104.55.236", "172.104.55.236"}, want: []string{"172.104.55.236"}},
		{name: "ipv6 inside and outside", addrs: []string{"2001:db8::1", "2001:db9::1"}, want: []string{"2001:db8::1"}},
		{name: "none", addrs: nil, want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var addrs []netip.Addr
			for _, a := range tt.addrs {
				addrs = append(addrs, netip.MustParseAddr(a))
			}
			var want []netip.Addr
			for _, a := range tt.want {
				want = append(want, netip.MustParseAddr(a))
			}
			if got := bypassTargets(addrs, tunnel); !reflect.DeepEqual(got, want) {
				t.Fatalf("got %v want %v", got, want)
			}
		})
	}

	if got := bypassTargets([]netip.Addr{netip.MustParseAddr("10.1.2.3")}, installRoutes([]netip.Prefix{netip.MustParsePrefix("192.168.0.0/16")})); got != nil {
		t.Fatalf("split tunnel should not bypass %v", got)
	}
}
