package session

import (
	"context"
	"errors"
	"net/netip"

	"github.com/die-net/tunnelkit/internal/socks5"
)

var (
	ErrAlreadyRunning       = errors.New("session: already running")
	ErrInterfaceAcquisition = errors.New("session: interface acquisition failed")
	ErrConfiguration        = errors.New("session: configuration error")
	ErrEngineStart          = errors.New("session: engine start failed")
)

// InterfaceSpec describes the virtual interface a session needs.
type InterfaceSpec struct {
	// Name is a hint; providers may pick another name.
	Name         string
	Prefix       netip.Prefix
	MTU          int
	DNSServers   []netip.Addr
	Routes       []netip.Prefix
	ExcludedApps []string
	// BypassHosts are the hosts the engine itself talks to: the peer
	// endpoint and the SOCKS5 proxy. Their traffic must keep using the
	// host's own routes even when Routes would capture it.
	BypassHosts []string
}

// InterfaceProvider allocates virtual interfaces from the host OS.
type InterfaceProvider interface {
	Acquire(ctx context.Context, spec InterfaceSpec) (Interface, error)
}

// Interface is an acquired virtual interface.
type Interface interface {
	Name() string

	// DetachDescriptor hands the packet descriptor to the caller, who owns
	// it from then on. The Interface must not be used for I/O afterwards and
	// Release becomes a no-op.
	DetachDescriptor() (int, error)

	// Release gives the interface back to the host.
	Release() error
}

// StartParams are the engine arguments that are not part of the engine
// configuration text.
type StartParams struct {
	InterfaceName string
	MTU           int
	ProxyAuth     socks5.Auth
	// LogLevel is the engine's verbosity: 0 silent, 1 errors, 2 verbose.
	LogLevel int
}

// Engine runs the encrypted tunnel over a packet descriptor.
type Engine interface {
	// Start takes ownership of fd on success. proxyAddress is empty when
	// the engine should reach the peer directly.
	Start(ctx context.Context, fd int, engineConfig, proxyAddress string, params StartParams) (EngineSession, error)

	// ReleasesDescriptorOnError reports whether Start closes fd itself when
	// it fails. If false, the caller still owns fd after a failed Start.
	ReleasesDescriptorOnError() bool
}

// EngineSession is a running tunnel.
type EngineSession interface {
	Stop() error
	// Done is closed once the tunnel has shut down for any reason.
	Done() <-chan struct{}
}
