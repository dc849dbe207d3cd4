package session

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/die-net/tunnelkit/internal/config"
	"github.com/die-net/tunnelkit/internal/worker"
)

type Config struct {
	Provider InterfaceProvider
	Engine   Engine
	// Log receives status lines. Nil discards them.
	Log logrus.FieldLogger
	// EngineLogLevel is passed to the engine as StartParams.LogLevel.
	EngineLogLevel int
}

// Controller runs at most one tunnel session at a time.
//
// A Start issued while the controller is not Idle, including while another
// Start is in flight, fails at once with ErrAlreadyRunning. A Stop issued
// while Start is in flight waits for it and then tears down whatever Start
// produced. Neither can interrupt a blocking engine call.
type Controller struct {
	provider InterfaceProvider
	engine   Engine
	log      logrus.FieldLogger
	logLevel int
	closeFD  func(int) error

	state atomic.Int32

	mu sync.Mutex // guards state transitions, starting, iface and sess
	// starting is closed when the in-flight Start finishes. Only that
	// Start touches iface and sess while it is non-nil.
	starting chan struct{}
	iface    Interface
	sess     EngineSession
}

func NewController(cfg Config) *Controller {
	log := cfg.Log
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}

	return &Controller{
		provider: cfg.Provider,
		engine:   cfg.Engine,
		log:      log,
		logLevel: cfg.EngineLogLevel,
		closeFD:  closeDescriptor,
	}
}

// State returns the current state without waiting for an in-flight Start
// or Stop.
func (c *Controller) State() State {
	return State(c.state.Load())
}

func (c *Controller) setState(s State) {
	old := State(c.state.Swap(int32(s)))
	if old != s {
		c.log.WithField("state", s.String()).Debugf("session %s -> %s", old, s)
	}
}

// Start brings up a session for cfg. It fails with an error wrapping
// ErrAlreadyRunning unless the controller is Idle. Any other failure wraps
// ErrInterfaceAcquisition, ErrConfiguration or ErrEngineStart together with
// the cause, and leaves the controller Idle with nothing allocated.
func (c *Controller) Start(ctx context.Context, cfg config.TunnelConfig) error {
	c.mu.Lock()
	if s := c.State(); s != Idle {
		c.mu.Unlock()
		return fmt.Errorf("%w: state %s", ErrAlreadyRunning, s)
	}
	done := make(chan struct{})
	c.starting = done
	c.setState(Starting)
	c.mu.Unlock()

	// Also runs if the provider or engine panics.
	defer func() {
		c.mu.Lock()
		if c.sess == nil {
			c.releaseInterface()
			c.setState(Idle)
		} else {
			c.setState(Running)
		}
		c.starting = nil
		c.mu.Unlock()
		close(done)
	}()

	if err := c.start(ctx, cfg.Clone()); err != nil {
		c.log.WithError(err).Error("session start failed")
		return err
	}

	c.log.WithField("state", Running.String()).Info("session started")
	return nil
}

func (c *Controller) start(ctx context.Context, cfg config.TunnelConfig) error {
	spec := InterfaceSpec{
		Name:         cfg.SessionName,
		Prefix:       cfg.LocalPrefix(),
		MTU:          cfg.MTU,
		DNSServers:   cfg.DNSServers,
		Routes:       cfg.RoutedPrefixes,
		ExcludedApps: cfg.ExcludedApps,
		BypassHosts:  bypassHosts(cfg),
	}
	iface, err := c.provider.Acquire(ctx, spec)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInterfaceAcquisition, err)
	}
	c.iface = iface
	log := c.log.WithField("interface", iface.Name())
	log.Info("interface acquired")

	engineConfig, err := config.Build(cfg)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConfiguration, err)
	}

	fd, err := iface.DetachDescriptor()
	if err != nil {
		return fmt.Errorf("%w: detach descriptor: %w", ErrInterfaceAcquisition, err)
	}
	// The descriptor now belongs to us, and to the engine once Start is
	// called; the interface handle is spent.
	c.iface = nil

	params := StartParams{
		InterfaceName: iface.Name(),
		MTU:           cfg.MTU,
		ProxyAuth:     cfg.ProxyAuth,
		LogLevel:      c.logLevel,
	}
	sess, err := c.engine.Start(ctx, fd, engineConfig, cfg.ProxyAddress, params)
	if err != nil {
		if !c.engine.ReleasesDescriptorOnError() {
			if cerr := c.closeFD(fd); cerr != nil {
				log.WithError(cerr).Warn("closing descriptor after engine failure")
			}
		}
		return fmt.Errorf("%w: %w", ErrEngineStart, err)
	}
	c.sess = sess

	return nil
}

// bypassHosts lists the hosts the engine dials directly.
func bypassHosts(cfg config.TunnelConfig) []string {
	hosts := []string{strings.TrimSpace(cfg.EndpointHost)}
	if cfg.HasProxy() {
		if host, _, err := net.SplitHostPort(cfg.ProxyAddress); err == nil && host != hosts[0] {
			hosts = append(hosts, host)
		}
	}
	return hosts
}

// StartAsync runs Start on a worker goroutine.
func (c *Controller) StartAsync(ctx context.Context, cfg config.TunnelConfig) *worker.Task[struct{}] {
	return worker.Go(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.Start(ctx, cfg)
	})
}

// Done returns a channel that is closed when the running session ends,
// whether through Stop or because the engine exited on its own. It returns
// nil, which blocks forever, unless the controller is Running.
func (c *Controller) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.starting != nil || c.sess == nil {
		return nil
	}
	return c.sess.Done()
}

// Stop tears down the current session, if any. It is idempotent, never
// fails, and logs rather than returns teardown errors.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for c.starting != nil {
		done := c.starting
		c.mu.Unlock()
		<-done
		c.mu.Lock()
	}

	prev := c.State()
	if prev == Idle {
		return
	}
	c.setState(Stopping)

	if c.sess != nil {
		c.stopEngine(c.sess)
		c.sess = nil
	}
	c.releaseInterface()

	c.setState(Idle)
	c.log.WithField("state", Idle.String()).Info("session stopped")
}

func (c *Controller) stopEngine(sess EngineSession) {
	defer func() {
		if r := recover(); r != nil {
			c.log.WithField("state", Stopping.String()).Errorf("engine stop panicked: %v", r)
		}
	}()

	if err := sess.Stop(); err != nil {
		c.log.WithField("state", Stopping.String()).WithError(err).Warn("engine stop failed")
	}
}

func (c *Controller) releaseInterface() {
	if c.iface == nil {
		return
	}
	iface := c.iface
	c.iface = nil

	defer func() {
		if r := recover(); r != nil {
			c.log.Errorf("interface release panicked: %v", r)
		}
	}()
	if err := iface.Release(); err != nil {
		c.log.WithError(err).WithField("interface", iface.Name()).Warn("releasing interface")
	}
}
