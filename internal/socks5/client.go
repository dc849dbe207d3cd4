package socks5

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"

	txsocks5 "github.com/txthinking/socks5"
)

var (
	ErrNotSOCKS5           = errors.New("socks5: not a SOCKS5 server")
	ErrAuthRequired        = errors.New("socks5: server requires authentication")
	ErrUnsupportedMethod   = errors.New("socks5: server selected an unsupported method")
	ErrAuthFailed          = errors.New("socks5: authentication failed")
	ErrCommandNotSupported = errors.New("socks5: command not supported")
)

// Auth configures optional username/password authentication for SOCKS5
// negotiation.
type Auth struct {
	Username string
	Password string
}

// ServerError is a non-success status in a SOCKS5 command reply.
type ServerError struct {
	Status byte
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("socks5: server replied %s (0x%02x)", StatusText(e.Status), e.Status)
}

// Is reports command-not-supported replies as ErrCommandNotSupported.
func (e *ServerError) Is(target error) bool {
	return target == ErrCommandNotSupported && e.Status == txsocks5.RepCommandNotSupported
}

// ClientNegotiate performs method selection on conn and, if the server picks
// username/password, the RFC 1929 sub-negotiation. Without credentials only
// "no authentication" is offered. It returns the method the server selected,
// which is meaningful even when err is non-nil.
func ClientNegotiate(conn net.Conn, auth Auth) (byte, error) {
	methods := []byte{txsocks5.MethodNone}
	if auth.Username != "" {
		methods = append(methods, txsocks5.MethodUsernamePassword)
	}

	if _, err := txsocks5.NewNegotiationRequest(methods).WriteTo(conn); err != nil {
		return 0, fmt.Errorf("write negotiation: %w", err)
	}

	var rep [2]byte
	if _, err := readReply(conn, rep[:]); err != nil {
		return 0, fmt.Errorf("read negotiation: %w", err)
	}
	if rep[0] != txsocks5.Ver {
		return rep[1], fmt.Errorf("%w: version byte 0x%02x", ErrNotSOCKS5, rep[0])
	}

	method := rep[1]
	switch {
	case method == txsocks5.MethodNone:
		return method, nil
	case method == txsocks5.MethodUnsupportAll:
		return method, ErrAuthRequired
	case method == txsocks5.MethodUsernamePassword && auth.Username != "":
		return method, userPassNegotiate(conn, auth)
	default:
		return method, fmt.Errorf("%w: 0x%02x", ErrUnsupportedMethod, method)
	}
}

func userPassNegotiate(conn net.Conn, auth Auth) error {
	if _, err := txsocks5.NewUserPassNegotiationRequest([]byte(auth.Username), []byte(auth.Password)).WriteTo(conn); err != nil {
		return fmt.Errorf("write userpass: %w", err)
	}

	var rep [2]byte
	if _, err := readReply(conn, rep[:]); err != nil {
		if errors.Is(err, ErrNotSOCKS5) {
			// Servers commonly hang up on bad credentials.
			return fmt.Errorf("%w: %w", ErrAuthFailed, err)
		}
		return fmt.Errorf("read userpass: %w", err)
	}
	if rep[1] != txsocks5.UserPassStatusSuccess {
		return fmt.Errorf("%w: status 0x%02x", ErrAuthFailed, rep[1])
	}
	return nil
}

// ClientUDPAssociate sends UDP ASSOCIATE with an unspecified IPv4 client
// address and returns the relay endpoint the server reports. A successful
// reply shorter than 10 bytes yields the zero AddrPort. An IPv6 relay is
// returned when the reply says so and carries all 22 bytes; otherwise bytes
// 4..7 are the IPv4 address and 8..9 the port.
func ClientUDPAssociate(conn net.Conn) (netip.AddrPort, error) {
	req := txsocks5.NewRequest(txsocks5.CmdUDP, txsocks5.ATYPIPv4, []byte{0x00, 0x00, 0x00, 0x00}, []byte{0x00, 0x00})
	if _, err := req.WriteTo(conn); err != nil {
		return netip.AddrPort{}, fmt.Errorf("write udp associate: %w", err)
	}

	var buf [22]byte
	n, err := readReply(conn, buf[:])
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("read udp associate: %w", err)
	}
	if status := buf[1]; status != txsocks5.RepSuccess {
		return netip.AddrPort{}, &ServerError{Status: status}
	}

	switch {
	case n >= 22 && buf[3] == txsocks5.ATYPIPv6:
		return netip.AddrPortFrom(netip.AddrFrom16([16]byte(buf[4:20])), binary.BigEndian.Uint16(buf[20:22])), nil
	case n >= 10:
		return netip.AddrPortFrom(netip.AddrFrom4([4]byte(buf[4:8])), binary.BigEndian.Uint16(buf[8:10])), nil
	default:
		return netip.AddrPort{}, nil
	}
}

// readReply makes a single read into b and returns whatever arrived. A reply
// is one server write, so nothing more is waited for. Fewer than 2 bytes, or
// a connection that ends first, is treated as a non-SOCKS5 peer.
func readReply(conn net.Conn, b []byte) (int, error) {
	n, err := conn.Read(b)
	if n >= 2 {
		return n, nil
	}
	if err == nil || isShortRead(err) {
		return n, fmt.Errorf("%w: short reply (%d bytes)", ErrNotSOCKS5, n)
	}
	return n, err
}

func isShortRead(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

// StatusText describes a SOCKS5 reply code as RFC 1928 names it.
func StatusText(status byte) string {
	switch status {
	case 0x00:
		return "succeeded"
	case 0x01:
		return "general SOCKS server failure"
	case 0x02:
		return "connection not allowed by ruleset"
	case 0x03:
		return "network unreachable"
	case 0x04:
		return "host unreachable"
	case 0x05:
		return "connection refused"
	case 0x06:
		return "TTL expired"
	case 0x07:
		return "command not supported"
	case 0x08:
		return "address type not supported"
	default:
		return fmt.Sprintf("unknown reply code 0x%02x", status)
	}
}
