package dialer

import (
	"context"
	"fmt"
	"net"
)

type directDialer struct {
	nd net.Dialer
}

// NewDirectDialer returns a Dialer that connects straight to the target.
// TCP connections get cfg.KeepAlive and have Nagle disabled, since SOCKS5
// handshakes are small request/reply exchanges.
func NewDirectDialer(cfg Config) Dialer {
	return &directDialer{nd: net.Dialer{Timeout: cfg.DialTimeout, KeepAliveConfig: cfg.KeepAlive}}
}

func (d *directDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	conn, err := d.nd.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("dial %s %s: %w", network, address, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return conn, nil
}
