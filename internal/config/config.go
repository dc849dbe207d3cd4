package config

import (
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"strings"
	"unicode"

	"github.com/die-net/tunnelkit/internal/socks5"
)

const (
	// DefaultMTU leaves room for SOCKS5 and UDP encapsulation on a 1500 byte
	// path so relayed packets are not fragmented.
	DefaultMTU = 1280

	// DefaultKeepaliveSeconds is used when a config file omits
	// persistent_keepalive.
	DefaultKeepaliveSeconds = 25

	minMTU = 576
	maxMTU = 65535
)

var (
	// ErrMissingField is matched by every *MissingFieldError.
	ErrMissingField = errors.New("missing field")

	// ErrInvalidField reports a field that is present but unusable.
	ErrInvalidField = errors.New("invalid field")
)

// MissingFieldError names a required TunnelConfig field that is empty.
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return "missing field: " + e.Field
}

func (e *MissingFieldError) Is(target error) bool {
	return target == ErrMissingField
}

// TunnelConfig is the declarative description of one tunnel session.
//
// A TunnelConfig is a value: callers must not mutate the slices of a config
// that has been handed to a session. Clone returns an independent copy.
type TunnelConfig struct {
	// SessionName is used as the virtual interface name hint. Optional.
	SessionName string

	LocalAddress netip.Addr
	PrefixLength int
	MTU          int

	DNSServers     []netip.Addr
	RoutedPrefixes []netip.Prefix
	ExcludedApps   []string

	// PrivateKey and PeerPublicKey are standard base64, as written in
	// WireGuard style config files.
	PrivateKey    string
	PeerPublicKey string

	EndpointHost     string
	EndpointPort     uint16
	KeepaliveSeconds int

	// ProxyAddress is the host:port of a downstream SOCKS5 proxy. Empty
	// means the engine talks to the endpoint directly.
	ProxyAddress string
	ProxyAuth    socks5.Auth
}

// Clone returns a deep copy of c.
func (c TunnelConfig) Clone() TunnelConfig {
	c.DNSServers = slices.Clone(c.DNSServers)
	c.RoutedPrefixes = slices.Clone(c.RoutedPrefixes)
	c.ExcludedApps = slices.Clone(c.ExcludedApps)
	return c
}

// LocalPrefix returns the interface address with its prefix length.
func (c TunnelConfig) LocalPrefix() netip.Prefix {
	return netip.PrefixFrom(c.LocalAddress, c.PrefixLength)
}

// PrimaryPrefix returns the first routed prefix, which is the one announced
// to the engine as the peer's allowed range.
func (c TunnelConfig) PrimaryPrefix() (netip.Prefix, bool) {
	if len(c.RoutedPrefixes) == 0 {
		return netip.Prefix{}, false
	}
	return c.RoutedPrefixes[0], true
}

// HasProxy reports whether the engine should relay through a SOCKS5 proxy.
func (c TunnelConfig) HasProxy() bool {
	return c.ProxyAddress != ""
}

// Validate checks every field needed to start a session: the interface
// fields as well as those consumed by Build.
func (c TunnelConfig) Validate() error {
	if !c.LocalAddress.IsValid() {
		return &MissingFieldError{Field: "address"}
	}
	if c.PrefixLength < 0 || c.PrefixLength > c.LocalAddress.BitLen() {
		return fmt.Errorf("%w: address prefix length %d", ErrInvalidField, c.PrefixLength)
	}
	if c.MTU < minMTU || c.MTU > maxMTU {
		return fmt.Errorf("%w: mtu %d not in [%d, %d]", ErrInvalidField, c.MTU, minMTU, maxMTU)
	}
	for _, d := range c.DNSServers {
		if !d.IsValid() {
			return fmt.Errorf("%w: dns server", ErrInvalidField)
		}
	}
	for _, p := range c.RoutedPrefixes {
		if !p.IsValid() {
			return fmt.Errorf("%w: route", ErrInvalidField)
		}
	}
	return c.validateEngine()
}

// validateEngine checks only the fields that end up in the engine
// configuration text.
func (c TunnelConfig) validateEngine() error {
	switch {
	case strings.TrimSpace(c.PrivateKey) == "":
		return &MissingFieldError{Field: "private_key"}
	case strings.TrimSpace(c.PeerPublicKey) == "":
		return &MissingFieldError{Field: "peer_public_key"}
	case strings.TrimSpace(c.EndpointHost) == "":
		return &MissingFieldError{Field: "endpoint host"}
	case c.EndpointPort == 0:
		return &MissingFieldError{Field: "endpoint port"}
	}
	primary, ok := c.PrimaryPrefix()
	if !ok {
		return &MissingFieldError{Field: "routes"}
	}
	if !primary.IsValid() {
		return fmt.Errorf("%w: primary route", ErrInvalidField)
	}
	if strings.IndexFunc(strings.TrimSpace(c.EndpointHost), unicode.IsSpace) >= 0 {
		return fmt.Errorf("%w: endpoint host %q", ErrInvalidField, c.EndpointHost)
	}
	if c.KeepaliveSeconds < 0 {
		return fmt.Errorf("%w: persistent_keepalive %d", ErrInvalidField, c.KeepaliveSeconds)
	}
	return nil
}
