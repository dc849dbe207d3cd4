package testutil

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"

	txsocks5 "github.com/txthinking/socks5"
)

// FakeSOCKS5Config controls the behavior of StartFakeSOCKS5.
type FakeSOCKS5Config struct {
	// Username and Password, if set, require RFC 1929 authentication.
	Username string
	Password string

	// RejectUDP answers UDP ASSOCIATE with "command not supported".
	RejectUDP bool

	// UnspecifiedRelay reports the relay as 0.0.0.0, as many servers do to
	// mean "the address you connected to".
	UnspecifiedRelay bool

	// Reply computes the payload sent back for each relayed datagram. The
	// default echoes the payload. A nil result sends nothing back.
	Reply func(dst string, payload []byte) []byte
}

// StartFakeSOCKS5 runs a minimal SOCKS5 proxy that only implements UDP
// ASSOCIATE. Each association gets its own loopback UDP relay that lives
// until the client closes the control connection.
func StartFakeSOCKS5(t *testing.T, ctx context.Context, cfg FakeSOCKS5Config) net.Listener {
	t.Helper()

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	t.Cleanup(func() {
		_ = ln.Close()
		wg.Wait()
	})
	context.AfterFunc(ctx, func() {
		_ = ln.Close()
	})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer c.Close()
				stop := context.AfterFunc(ctx, func() {
					_ = c.Close()
				})
				defer stop()
				serveFakeSOCKS5(c, cfg)
			}()
		}
	}()

	return ln
}

func serveFakeSOCKS5(c net.Conn, cfg FakeSOCKS5Config) {
	if _, err := txsocks5.NewNegotiationRequestFrom(c); err != nil {
		return
	}

	if cfg.Username != "" {
		if _, err := txsocks5.NewNegotiationReply(txsocks5.MethodUsernamePassword).WriteTo(c); err != nil {
			return
		}
		urq, err := txsocks5.NewUserPassNegotiationRequestFrom(c)
		if err != nil {
			return
		}
		if string(urq.Uname) != cfg.Username || string(urq.Passwd) != cfg.Password {
			_, _ = txsocks5.NewUserPassNegotiationReply(txsocks5.UserPassStatusFailure).WriteTo(c)
			return
		}
		if _, err := txsocks5.NewUserPassNegotiationReply(txsocks5.UserPassStatusSuccess).WriteTo(c); err != nil {
			return
		}
	} else if _, err := txsocks5.NewNegotiationReply(txsocks5.MethodNone).WriteTo(c); err != nil {
		return
	}

	req, err := txsocks5.NewRequestFrom(c)
	if err != nil {
		return
	}
	if req.Cmd != txsocks5.CmdUDP || cfg.RejectUDP {
		_, _ = txsocks5.NewReply(txsocks5.RepCommandNotSupported, txsocks5.ATYPIPv4, []byte{0x00, 0x00, 0x00, 0x00}, []byte{0x00, 0x00}).WriteTo(c)
		return
	}

	uc, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		_, _ = txsocks5.NewReply(txsocks5.RepServerFailure, txsocks5.ATYPIPv4, []byte{0x00, 0x00, 0x00, 0x00}, []byte{0x00, 0x00}).WriteTo(c)
		return
	}
	defer uc.Close()

	la := uc.LocalAddr().(*net.UDPAddr)
	ip := []byte(la.IP.To4())
	if cfg.UnspecifiedRelay {
		ip = []byte{0x00, 0x00, 0x00, 0x00}
	}
	port := []byte{byte(la.Port >> 8), byte(la.Port)}
	if _, err := txsocks5.NewReply(txsocks5.RepSuccess, txsocks5.ATYPIPv4, ip, port).WriteTo(c); err != nil {
		return
	}

	reply := cfg.Reply
	if reply == nil {
		reply = func(_ string, payload []byte) []byte { return payload }
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		relayFakeSOCKS5(uc, reply)
	}()

	// The association lives as long as the control connection.
	_, _ = io.Copy(io.Discard, c)
	_ = uc.Close()
	<-done
}

func relayFakeSOCKS5(uc *net.UDPConn, reply func(dst string, payload []byte) []byte) {
	buf := make([]byte, 65535)
	for {
		n, from, err := uc.ReadFromUDP(buf)
		if err != nil {
			return
		}
		d, err := txsocks5.NewDatagramFromBytes(append([]byte(nil), buf[:n]...))
		if err != nil {
			continue
		}
		out := *d
		out.Data = reply(d.Address(), d.Data)
		if out.Data == nil {
			continue
		}
		if _, err := uc.WriteToUDP(out.Bytes(), from); err != nil {
			return
		}
	}
}
