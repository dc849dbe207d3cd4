package socks5

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/die-net/tunnelkit/internal/dialer"
	"github.com/die-net/tunnelkit/internal/worker"
)

const (
	DefaultConnectTimeout = 5 * time.Second
	DefaultReadTimeout    = 5 * time.Second
)

// Failure classifies why a probe did not find UDP support.
type Failure int

const (
	FailureNone Failure = iota
	FailureNotSOCKS5
	FailureAuthRequired
	FailureUnsupportedMethod
	FailureCommandNotSupported
	FailureOtherServerError
	FailureNetworkError
	FailureAuthFailed
)

func (f Failure) String() string {
	switch f {
	case FailureNone:
		return "none"
	case FailureNotSOCKS5:
		return "not socks5"
	case FailureAuthRequired:
		return "auth required"
	case FailureUnsupportedMethod:
		return "unsupported method"
	case FailureCommandNotSupported:
		return "command not supported"
	case FailureOtherServerError:
		return "server error"
	case FailureNetworkError:
		return "network error"
	case FailureAuthFailed:
		return "auth failed"
	default:
		return "Failure(" + strconv.Itoa(int(f)) + ")"
	}
}

// ProbeResult is the outcome of one probe.
type ProbeResult struct {
	SupportsUDP bool
	// Relay is the zero AddrPort unless the server reported a relay.
	Relay   netip.AddrPort
	Failure Failure

	// Method is the method the server selected, if it got that far.
	Method byte
	// Status is the raw UDP ASSOCIATE reply code, if one was read.
	Status byte
	// Err is the underlying cause of a failure, for diagnostics.
	Err error
}

func (r ProbeResult) String() string {
	switch r.Failure {
	case FailureNone:
		if r.Relay.IsValid() {
			return "UDP ASSOCIATE supported, relay " + r.Relay.String()
		}
		return "UDP ASSOCIATE supported, no relay address reported"
	case FailureNotSOCKS5:
		return "not a SOCKS5 server"
	case FailureAuthRequired:
		return "server requires authentication (no acceptable methods)"
	case FailureUnsupportedMethod:
		return fmt.Sprintf("server selected unsupported method 0x%02x", r.Method)
	case FailureAuthFailed:
		return "username/password rejected"
	case FailureCommandNotSupported:
		return "UDP ASSOCIATE not supported (0x07): enable UDP relaying on the proxy"
	case FailureOtherServerError:
		return fmt.Sprintf("UDP ASSOCIATE failed: %s (0x%02x)", StatusText(r.Status), r.Status)
	case FailureNetworkError:
		if r.Err != nil {
			return "network error: " + r.Err.Error()
		}
		return "network error"
	default:
		return r.Failure.String()
	}
}

type ProbeConfig struct {
	ConnectTimeout time.Duration
	// ReadTimeout bounds each reply read.
	ReadTimeout time.Duration
	KeepAlive   net.KeepAliveConfig
	Auth        Auth
}

// Prober checks whether SOCKS5 proxies support UDP ASSOCIATE. A Prober holds
// no per-probe state and may be used concurrently.
type Prober struct {
	cfg    ProbeConfig
	dialer dialer.Dialer
	log    logrus.FieldLogger
}

// NewProber returns a Prober. Zero timeouts take the package defaults and a
// nil log discards output.
func NewProber(cfg ProbeConfig, log logrus.FieldLogger) *Prober {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}

	return &Prober{
		cfg:    cfg,
		dialer: dialer.NewDirectDialer(dialer.Config{DialTimeout: cfg.ConnectTimeout, KeepAlive: cfg.KeepAlive}),
		log:    log,
	}
}

// Probe connects to host:port, negotiates and sends UDP ASSOCIATE, and
// classifies the answer. It never sends datagrams. The connection is closed
// before Probe returns.
func (p *Prober) Probe(ctx context.Context, host string, port int) ProbeResult {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	log := p.log.WithField("proxy", addr)

	res := p.probe(ctx, addr, log)

	entry := log.WithField("result", res.Failure.String())
	if res.Err != nil {
		entry = entry.WithError(res.Err)
	}
	if res.Failure == FailureNone {
		entry.Info(res.String())
	} else {
		entry.Warn(res.String())
	}

	return res
}

func (p *Prober) probe(ctx context.Context, addr string, log logrus.FieldLogger) (res ProbeResult) {
	log.Debug("connecting")
	conn, err := p.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return ProbeResult{Failure: FailureNetworkError, Err: err}
	}
	defer conn.Close()

	// A cancelled ctx unblocks any pending read.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	tc := &tapConn{Conn: conn}

	_ = conn.SetReadDeadline(time.Now().Add(p.cfg.ReadTimeout))
	method, err := ClientNegotiate(tc, p.cfg.Auth)
	log.WithField("reply", tc.drain()).Debug("negotiation reply")
	res.Method = method
	if err != nil {
		res.Failure, res.Err = classify(err), err
		return res
	}

	_ = conn.SetReadDeadline(time.Now().Add(p.cfg.ReadTimeout))
	relay, err := ClientUDPAssociate(tc)
	log.WithField("reply", tc.drain()).Debug("udp associate reply")
	if err != nil {
		var se *ServerError
		if errors.As(err, &se) {
			res.Status = se.Status
		}
		res.Failure, res.Err = classify(err), err
		return res
	}

	res.SupportsUDP = true
	res.Relay = relay
	return res
}

func classify(err error) Failure {
	var se *ServerError
	switch {
	case errors.Is(err, ErrNotSOCKS5):
		return FailureNotSOCKS5
	case errors.Is(err, ErrAuthRequired):
		return FailureAuthRequired
	case errors.Is(err, ErrAuthFailed):
		return FailureAuthFailed
	case errors.Is(err, ErrUnsupportedMethod):
		return FailureUnsupportedMethod
	case errors.Is(err, ErrCommandNotSupported):
		return FailureCommandNotSupported
	case errors.As(err, &se):
		return FailureOtherServerError
	default:
		return FailureNetworkError
	}
}

// ProbeAsync runs Probe on a worker goroutine.
func (p *Prober) ProbeAsync(ctx context.Context, host string, port int) *worker.Task[ProbeResult] {
	return worker.Go(ctx, func(ctx context.Context) (ProbeResult, error) {
		return p.Probe(ctx, host, port), nil
	})
}

// tapConn records what is read through it so replies can be logged.
type tapConn struct {
	net.Conn
	buf bytes.Buffer
}

func (c *tapConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	c.buf.Write(b[:n])
	return n, err
}

func (c *tapConn) drain() string {
	s := hex.EncodeToString(c.buf.Bytes())
	c.buf.Reset()
	return s
}
