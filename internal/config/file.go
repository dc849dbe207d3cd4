package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Format identifies a config file syntax.
type Format string

const (
	FormatTOML Format = "toml"
	FormatYAML Format = "yaml"
)

// FormatFromPath picks a Format from a file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return FormatTOML, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("unsupported config file extension %q (want .toml, .yaml or .yml)", filepath.Ext(path))
	}
}

// fileConfig is the on-disk shape shared by the TOML and YAML formats.
type fileConfig struct {
	SessionName         string   `toml:"session_name" yaml:"session_name"`
	Address             string   `toml:"address" yaml:"address"`
	MTU                 int      `toml:"mtu" yaml:"mtu"`
	DNS                 []string `toml:"dns" yaml:"dns"`
	Routes              []string `toml:"routes" yaml:"routes"`
	ExcludeApps         []string `toml:"exclude_apps" yaml:"exclude_apps"`
	PrivateKey          string   `toml:"private_key" yaml:"private_key"`
	PeerPublicKey       string   `toml:"peer_public_key" yaml:"peer_public_key"`
	Endpoint            string   `toml:"endpoint" yaml:"endpoint"`
	PersistentKeepalive *int     `toml:"persistent_keepalive" yaml:"persistent_keepalive"`
	Proxy               string   `toml:"proxy" yaml:"proxy"`
}

// Load reads and validates the tunnel config at path.
func Load(path string) (TunnelConfig, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return TunnelConfig{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return TunnelConfig{}, fmt.Errorf("read config: %w", err)
	}
	c, err := Parse(data, format)
	if err != nil {
		return TunnelConfig{}, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Parse decodes data in the given format and validates the result. Unknown
// keys are rejected.
func Parse(data []byte, format Format) (TunnelConfig, error) {
	var fc fileConfig

	switch format {
	case FormatTOML:
		md, err := toml.Decode(string(data), &fc)
		if err != nil {
			return TunnelConfig{}, fmt.Errorf("decode toml: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return TunnelConfig{}, fmt.Errorf("decode toml: unknown key %q", undecoded[0].String())
		}
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&fc); err != nil && !errors.Is(err, io.EOF) {
			return TunnelConfig{}, fmt.Errorf("decode yaml: %w", err)
		}
	default:
		return TunnelConfig{}, fmt.Errorf("unsupported config format %q", format)
	}

	c, err := fc.tunnelConfig()
	if err != nil {
		return TunnelConfig{}, err
	}
	if err := c.Validate(); err != nil {
		return TunnelConfig{}, err
	}
	return c, nil
}

func (fc *fileConfig) tunnelConfig() (TunnelConfig, error) {
	c := TunnelConfig{
		SessionName:      strings.TrimSpace(fc.SessionName),
		MTU:              fc.MTU,
		ExcludedApps:     fc.ExcludeApps,
		PrivateKey:       fc.PrivateKey,
		PeerPublicKey:    fc.PeerPublicKey,
		KeepaliveSeconds: DefaultKeepaliveSeconds,
	}
	if c.MTU == 0 {
		c.MTU = DefaultMTU
	}
	if fc.PersistentKeepalive != nil {
		c.KeepaliveSeconds = *fc.PersistentKeepalive
	}

	if fc.Address != "" {
		p, err := parsePrefixOrAddr(fc.Address)
		if err != nil {
			return TunnelConfig{}, fmt.Errorf("%w: address: %w", ErrInvalidField, err)
		}
		c.LocalAddress = p.Addr()
		c.PrefixLength = p.Bits()
	}

	for _, s := range fc.DNS {
		a, err := netip.ParseAddr(strings.TrimSpace(s))
		if err != nil {
			return TunnelConfig{}, fmt.Errorf("%w: dns: %w", ErrInvalidField, err)
		}
		c.DNSServers = append(c.DNSServers, a)
	}

	for _, s := range fc.Routes {
		p, err := parsePrefixOrAddr(s)
		if err != nil {
			return TunnelConfig{}, fmt.Errorf("%w: routes: %w", ErrInvalidField, err)
		}
		c.RoutedPrefixes = append(c.RoutedPrefixes, p)
	}

	if fc.Endpoint != "" {
		host, port, err := net.SplitHostPort(strings.TrimSpace(fc.Endpoint))
		if err != nil {
			return TunnelConfig{}, fmt.Errorf("%w: endpoint: %w", ErrInvalidField, err)
		}
		n, err := strconv.ParseUint(port, 10, 16)
		if err != nil {
			return TunnelConfig{}, fmt.Errorf("%w: endpoint port: %w", ErrInvalidField, err)
		}
		c.EndpointHost = host
		c.EndpointPort = uint16(n)
	}

	addr, auth, err := ParseProxy(strings.TrimSpace(fc.Proxy))
	if err != nil {
		return TunnelConfig{}, fmt.Errorf("%w: proxy: %w", ErrInvalidField, err)
	}
	c.ProxyAddress = addr
	c.ProxyAuth = auth

	return c, nil
}

// parsePrefixOrAddr accepts "addr/bits" or a bare address, which is treated
// as a single-host prefix.
func parsePrefixOrAddr(s string) (netip.Prefix, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "/") {
		return netip.ParsePrefix(s)
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(a, a.BitLen()), nil
}
