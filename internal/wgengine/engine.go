package wgengine

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/sirupsen/logrus"
	"golang.zx2c4.com/wireguard/conn"
	"golang.zx2c4.com/wireguard/device"

	"github.com/die-net/tunnelkit/internal/config"
	"github.com/die-net/tunnelkit/internal/dialer"
	"github.com/die-net/tunnelkit/internal/session"
)

type Config struct {
	Log logrus.FieldLogger
	// ProxyTimeout bounds the SOCKS5 connect and handshake.
	ProxyTimeout time.Duration
	// ProxyKeepAlive is applied to the SOCKS5 control connection.
	ProxyKeepAlive net.KeepAliveConfig
}

// Engine starts WireGuard devices. It implements session.Engine.
type Engine struct {
	log     logrus.FieldLogger
	timeout time.Duration
	dialer  dialer.Dialer
}

func New(cfg Config) *Engine {
	log := cfg.Log
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	if cfg.ProxyTimeout <= 0 {
		cfg.ProxyTimeout = defaultHandshakeTimeout
	}

	return &Engine{
		log:     log,
		timeout: cfg.ProxyTimeout,
		dialer:  dialer.NewDirectDialer(dialer.Config{DialTimeout: cfg.ProxyTimeout, KeepAlive: cfg.ProxyKeepAlive}),
	}
}

// ReleasesDescriptorOnError is true: a failed Start has already closed the
// descriptor through the device.
func (e *Engine) ReleasesDescriptorOnError() bool { return true }

// Start wraps fd as the device's TUN, applies engineConfig over the UAPI
// and brings the device up, which opens the bind. On any error the device,
// and with it fd, is closed.
func (e *Engine) Start(ctx context.Context, fd int, engineConfig, proxyAddress string, params session.StartParams) (session.EngineSession, error) {
	mtu := params.MTU
	if mtu <= 0 {
		mtu = config.DefaultMTU
	}
	tdev, err := newFDDevice(fd, params.InterfaceName, mtu)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		_ = tdev.Close()
		return nil, err
	}

	log := e.log.WithField("interface", params.InterfaceName)
	logger := newLogger(log, params.LogLevel)

	var bind conn.Bind
	if proxyAddress != "" {
		log.WithField("proxy", proxyAddress).Info("relaying through SOCKS5 proxy")
		sb := newSOCKS5Bind(proxyAddress, params.ProxyAuth, e.dialer, logger)
		sb.timeout = e.timeout
		bind = sb
	} else {
		log.Info("connecting directly")
		bind = conn.NewDefaultBind()
	}

	dev := device.NewDevice(tdev, bind, logger)
	if err := dev.IpcSet(engineConfig); err != nil {
		dev.Close()
		return nil, fmt.Errorf("apply engine config: %w", err)
	}
	if err := dev.Up(); err != nil {
		dev.Close()
		return nil, fmt.Errorf("device up: %w", err)
	}

	return &Session{dev: dev}, nil
}

// Session is a running device.
type Session struct {
	dev *device.Device
}

// Stop closes the device, its bind and the TUN descriptor.
func (s *Session) Stop() error {
	s.dev.Close()
	return nil
}

// Done is closed when the device has shut down, whether through Stop or
// because its TUN failed.
func (s *Session) Done() <-chan struct{} {
	return s.dev.Wait()
}
