package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/die-net/tunnelkit/internal/socks5"
)

const defaultSOCKS5Port = "1080"

// ParseProxy parses a downstream proxy reference.
//
// Supported forms:
//   - "" (no proxy)
//   - host:port
//   - socks5://[user:pass@]host[:port]
//
// For the URL form, port 1080 is applied if the host is missing a port.
func ParseProxy(s string) (address string, auth socks5.Auth, err error) {
	if s == "" {
		return "", socks5.Auth{}, nil
	}

	if !strings.Contains(s, "://") {
		host, port, err := net.SplitHostPort(s)
		if err != nil {
			return "", socks5.Auth{}, fmt.Errorf("invalid proxy %q: %w", s, err)
		}
		if host == "" || port == "" {
			return "", socks5.Auth{}, fmt.Errorf("invalid proxy %q: missing host or port", s)
		}
		return net.JoinHostPort(host, port), socks5.Auth{}, nil
	}

	u, err := url.Parse(s)
	if err != nil {
		return "", socks5.Auth{}, fmt.Errorf("invalid proxy url: %w", err)
	}

	switch strings.ToLower(u.Scheme) {
	case "socks5", "socks5h":
	default:
		return "", socks5.Auth{}, fmt.Errorf("invalid proxy url scheme: %q", u.Scheme)
	}
	if u.Path != "" && u.Path != "/" {
		return "", socks5.Auth{}, errors.New("invalid proxy url: path should be empty")
	}

	host := u.Hostname()
	if host == "" {
		return "", socks5.Auth{}, errors.New("invalid proxy url: missing host")
	}
	port := u.Port()
	if port == "" {
		port = defaultSOCKS5Port
	}

	if u.User != nil {
		auth.Username = u.User.Username()
		auth.Password, _ = u.User.Password()
	}
	return net.JoinHostPort(host, port), auth, nil
}
