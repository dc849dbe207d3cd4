package wgengine

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"
	"time"

	txsocks5 "github.com/txthinking/socks5"
	"golang.zx2c4.com/wireguard/conn"
	"golang.zx2c4.com/wireguard/device"

	"github.com/die-net/tunnelkit/internal/dialer"
	"github.com/die-net/tunnelkit/internal/socks5"
)

const (
	// maxDatagramHeader is the largest SOCKS5 UDP request header: a domain
	// name address of 255 bytes.
	maxDatagramHeader = 4 + 1 + 255 + 2
	maxUDPPayload     = 65535

	defaultHandshakeTimeout = 10 * time.Second
)

var errNoRelay = errors.New("socks5: server did not report a relay address")

// socks5Bind is a conn.Bind that sends every datagram through a SOCKS5 UDP
// ASSOCIATE relay. The association lives as long as its TCP control
// connection; losing that connection closes the bind's socket, which stops
// the device's receive loop.
type socks5Bind struct {
	proxy   string
	auth    socks5.Auth
	dialer  dialer.Dialer
	timeout time.Duration
	log     *device.Logger
	std     conn.Bind
	pool    *datagramPool

	mu    sync.Mutex
	assoc *association
}

type association struct {
	ctrl  net.Conn
	udp   *net.UDPConn
	relay netip.AddrPort

	closeOnce sync.Once
}

func (a *association) close() {
	a.closeOnce.Do(func() {
		_ = a.ctrl.Close()
		_ = a.udp.Close()
	})
}

func newSOCKS5Bind(proxy string, auth socks5.Auth, d dialer.Dialer, log *device.Logger) *socks5Bind {
	return &socks5Bind{
		proxy:   proxy,
		auth:    auth,
		dialer:  d,
		timeout: defaultHandshakeTimeout,
		log:     log,
		std:     conn.NewDefaultBind(),
		pool:    newDatagramPool(),
	}
}

func (b *socks5Bind) Open(port uint16) ([]conn.ReceiveFunc, uint16, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.assoc != nil {
		return nil, 0, conn.ErrBindAlreadyOpen
	}

	a, err := b.associate(port)
	if err != nil {
		return nil, 0, err
	}
	b.assoc = a
	b.log.Verbosef("socks5: relay %s via %s", a.relay, b.proxy)

	go b.monitor(a)

	actual := uint16(a.udp.LocalAddr().(*net.UDPAddr).Port)
	return []conn.ReceiveFunc{b.receiveFunc(a)}, actual, nil
}

func (b *socks5Bind) associate(port uint16) (*association, error) {
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()

	ctrl, err := b.dialer.DialContext(ctx, "tcp", b.proxy)
	if err != nil {
		return nil, err
	}

	_ = ctrl.SetDeadline(time.Now().Add(b.timeout))
	if _, err := socks5.ClientNegotiate(ctrl, b.auth); err != nil {
		_ = ctrl.Close()
		return nil, fmt.Errorf("socks5 %s: %w", b.proxy, err)
	}
	relay, err := socks5.ClientUDPAssociate(ctrl)
	if err != nil {
		_ = ctrl.Close()
		return nil, fmt.Errorf("socks5 %s: %w", b.proxy, err)
	}
	_ = ctrl.SetDeadline(time.Time{})

	if !relay.IsValid() {
		_ = ctrl.Close()
		return nil, fmt.Errorf("socks5 %s: %w", b.proxy, errNoRelay)
	}
	// 0.0.0.0 means "the address you reached me on".
	if relay.Addr().IsUnspecified() {
		if ta, ok := ctrl.RemoteAddr().(*net.TCPAddr); ok {
			relay = netip.AddrPortFrom(ta.AddrPort().Addr(), relay.Port())
		}
	}
	relay = netip.AddrPortFrom(relay.Addr().Unmap(), relay.Port())

	udp, err := net.ListenUDP("udp", &net.UDPAddr{Port: int(port)})
	if err != nil {
		_ = ctrl.Close()
		return nil, fmt.Errorf("listen udp: %w", err)
	}

	return &association{ctrl: ctrl, udp: udp, relay: relay}, nil
}

// monitor waits for the proxy to drop the control connection.
func (b *socks5Bind) monitor(a *association) {
	_, _ = io.Copy(io.Discard, a.ctrl)

	b.mu.Lock()
	current := b.assoc == a
	b.mu.Unlock()
	if current {
		b.log.Errorf("socks5: control connection to %s lost", b.proxy)
	}
	a.close()
}

func (b *socks5Bind) receiveFunc(a *association) conn.ReceiveFunc {
	return func(packets [][]byte, sizes []int, eps []conn.Endpoint) (int, error) {
		bp := b.pool.get()
		defer b.pool.put(bp)
		buf := *bp

		for {
			n, _, err := a.udp.ReadFromUDPAddrPort(buf)
			if err != nil {
				return 0, err
			}

			d, err := txsocks5.NewDatagramFromBytes(buf[:n])
			if err != nil || d.Frag != 0 {
				continue
			}
			ep, err := b.std.ParseEndpoint(d.Address())
			if err != nil {
				continue
			}

			sizes[0] = copy(packets[0], d.Data)
			eps[0] = ep
			return 1, nil
		}
	}
}

func (b *socks5Bind) Close() error {
	b.mu.Lock()
	a := b.assoc
	b.assoc = nil
	b.mu.Unlock()

	if a != nil {
		a.close()
	}
	return nil
}

func (b *socks5Bind) SetMark(uint32) error { return nil }

func (b *socks5Bind) Send(bufs [][]byte, ep conn.Endpoint) error {
	b.mu.Lock()
	a := b.assoc
	b.mu.Unlock()
	if a == nil {
		return net.ErrClosed
	}

	dst, err := netip.ParseAddrPort(ep.DstToString())
	if err != nil {
		return err
	}
	header := datagramHeader(dst)

	bp := b.pool.get()
	defer b.pool.put(bp)
	buf := *bp

	for _, p := range bufs {
		if len(header)+len(p) > len(buf) {
			return fmt.Errorf("socks5: datagram of %d bytes too large", len(p))
		}
		n := copy(buf, header)
		n += copy(buf[n:], p)
		if _, err := a.udp.WriteToUDPAddrPort(buf[:n], a.relay); err != nil {
			return err
		}
	}
	return nil
}

func (b *socks5Bind) ParseEndpoint(s string) (conn.Endpoint, error) {
	return b.std.ParseEndpoint(s)
}

func (b *socks5Bind) BatchSize() int { return 1 }

// datagramHeader is the SOCKS5 UDP request header addressed to dst.
func datagramHeader(dst netip.AddrPort) []byte {
	port := binary.BigEndian.AppendUint16(nil, dst.Port())

	addr := dst.Addr().Unmap()
	if addr.Is4() {
		a4 := addr.As4()
		return txsocks5.NewDatagram(txsocks5.ATYPIPv4, a4[:], port, nil).Bytes()
	}
	a16 := addr.As16()
	return txsocks5.NewDatagram(txsocks5.ATYPIPv6, a16[:], port, nil).Bytes()
}
