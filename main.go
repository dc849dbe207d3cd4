package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // Intentionally exposed on debug port.
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/tunnelkit/internal/config"
	"github.com/die-net/tunnelkit/internal/hostif"
	"github.com/die-net/tunnelkit/internal/session"
	"github.com/die-net/tunnelkit/internal/socks5"
	"github.com/die-net/tunnelkit/internal/wgengine"
	"github.com/die-net/tunnelkit/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var (
	errProbeFailed  = errors.New("one or more proxies cannot relay UDP")
	errEngineExited = errors.New("tunnel engine exited")
)

func run() error {
	var (
		configPath = pflag.String("config", "", "Tunnel config file (.toml, .yaml or .yml). Empty disables the tunnel.")
		probes     = pflag.StringArray("probe", nil, "Probe a SOCKS5 proxy for UDP ASSOCIATE support: host:port or socks5://[user:pass@]host[:port]. Repeatable.")
		proxy      = pflag.String("proxy", "", "Override the config file's SOCKS5 proxy: host:port or socks5://[user:pass@]host[:port]")

		probeTimeout     = pflag.Duration("probe-timeout", socks5.DefaultConnectTimeout, "Timeout for the probe's TCP connect")
		readTimeout      = pflag.Duration("read-timeout", socks5.DefaultReadTimeout, "Timeout for each SOCKS5 reply")
		probeBeforeStart = pflag.Bool("probe-before-start", false, "Probe the configured proxy before starting the tunnel and warn if it cannot relay UDP")
		tcpKeepAlive     = pflag.String("tcp-keepalive", "15:15:3", "TCP keepalive for SOCKS5 connections: on|off|keepidle:keepintvl:keepcnt")
		engineLogLevel   = pflag.String("engine-log-level", "error", "Tunnel engine logging: silent|error|verbose")
		debugListen      = pflag.String("debug-listen", "", "Debug HTTP listen address exposing /debug/pprof (e.g. 127.0.0.1:6060). Empty disables.")
		verbose          = pflag.Bool("verbose", false, "Enable debug logging")
		logFormat        = pflag.String("log-format", "text", "Log format: text|json")
	)

	pflag.CommandLine.SortFlags = false
	pflag.Parse()

	log, err := newLogger(*verbose, *logFormat)
	if err != nil {
		return fmt.Errorf("invalid --log-format: %w", err)
	}

	ka, err := parseTCPKeepAlive(*tcpKeepAlive)
	if err != nil {
		return fmt.Errorf("invalid --tcp-keepalive: %w", err)
	}

	engineLevel, err := parseEngineLogLevel(*engineLogLevel)
	if err != nil {
		return fmt.Errorf("invalid --engine-log-level: %w", err)
	}

	if *configPath == "" && len(*probes) == 0 {
		return errors.New("nothing to do (set --config and/or --probe)")
	}

	var cfg config.TunnelConfig
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
		if err != nil {
			return err
		}
		if *proxy != "" {
			cfg.ProxyAddress, cfg.ProxyAuth, err = config.ParseProxy(*proxy)
			if err != nil {
				return fmt.Errorf("invalid --proxy: %w", err)
			}
		}
	}

	probeCfg := socks5.ProbeConfig{
		ConnectTimeout: *probeTimeout,
		ReadTimeout:    *readTimeout,
		KeepAlive:      ka,
	}

	g, ctx := errgroup.WithContext(context.Background())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *debugListen != "" {
		debugSrv := &http.Server{Handler: http.DefaultServeMux} //nolint:gosec // Not concerned about timeouts on debug port.
		lc := net.ListenConfig{KeepAliveConfig: ka}
		debugLn, err := lc.Listen(ctx, "tcp", *debugListen)
		if err != nil {
			return fmt.Errorf("debug listen: %w", err)
		}
		context.AfterFunc(ctx, func() {
			_ = debugSrv.Close()
			_ = debugLn.Close()
		})

		g.Go(func() error {
			if err := debugSrv.Serve(debugLn); err != nil {
				return fmt.Errorf("debug serve: %w", err)
			}
			return nil
		})
		log.Infof("debug listening on %s", *debugListen)
	}

	var probeErr error
	if len(*probes) > 0 {
		if !runProbes(ctx, log, probeCfg, *probes) {
			probeErr = errProbeFailed
		}
	}

	if *configPath == "" {
		stop()
	} else {
		if *probeBeforeStart {
			probeConfigured(ctx, log, probeCfg, cfg)
		}

		ctrl := session.NewController(session.Config{
			Provider: hostif.NewProvider(log),
			Engine: wgengine.New(wgengine.Config{
				Log:            log.WithField("component", "engine"),
				ProxyTimeout:   *probeTimeout,
				ProxyKeepAlive: ka,
			}),
			Log:            log.WithField("component", "session"),
			EngineLogLevel: engineLevel,
		})

		g.Go(func() error {
			return runSession(ctx, ctrl, cfg)
		})
	}

	err = g.Wait()
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}

	log.Info("shutting down")
	if err != nil {
		return err
	}
	return probeErr
}

// runSession starts the tunnel and keeps it up until ctx is done or the
// engine exits on its own.
func runSession(ctx context.Context, ctrl *session.Controller, cfg config.TunnelConfig) error {
	// Stop waits out a start that is still in flight.
	defer ctrl.Stop()

	if _, err := ctrl.StartAsync(ctx, cfg).Wait(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}

	select {
	case <-ctx.Done():
		return nil
	case <-ctrl.Done():
		return errEngineExited
	}
}

// runProbes probes every target concurrently and prints one line per
// target. It reports whether all of them support UDP ASSOCIATE.
func runProbes(ctx context.Context, log logrus.FieldLogger, cfg socks5.ProbeConfig, targets []string) bool {
	lines := make([]string, len(targets))
	tasks := make([]*worker.Task[socks5.ProbeResult], len(targets))
	for i, target := range targets {
		host, port, auth, err := parseProbeTarget(target)
		if err != nil {
			lines[i] = fmt.Sprintf("%s: %v", target, err)
			continue
		}
		pc := cfg
		pc.Auth = auth
		lines[i] = net.JoinHostPort(host, strconv.Itoa(port))
		tasks[i] = socks5.NewProber(pc, log).ProbeAsync(ctx, host, port)
	}

	all := true
	for i, task := range tasks {
		if task == nil {
			all = false
			fmt.Println(lines[i])
			continue
		}
		res, err := task.Wait(context.Background())
		if err != nil {
			res = socks5.ProbeResult{Failure: socks5.FailureNetworkError, Err: err}
		}
		fmt.Printf("%s: %s\n", lines[i], res)
		all = all && res.SupportsUDP
	}
	return all
}

// probeConfigured probes the tunnel's own proxy, if it has one, and warns
// when the tunnel would not be able to relay through it.
func probeConfigured(ctx context.Context, log logrus.FieldLogger, cfg socks5.ProbeConfig, tc config.TunnelConfig) {
	if !tc.HasProxy() {
		return
	}
	host, port, err := splitHostPort(tc.ProxyAddress)
	if err != nil {
		log.WithError(err).Warn("cannot probe proxy")
		return
	}

	cfg.Auth = tc.ProxyAuth
	res, err := socks5.NewProber(cfg, log).ProbeAsync(ctx, host, port).Wait(context.Background())
	if err != nil {
		log.WithError(err).Warn("cannot probe proxy")
		return
	}
	if !res.SupportsUDP {
		log.WithField("proxy", tc.ProxyAddress).Warnf("proxy cannot relay UDP, the tunnel will not pass traffic: %s", res)
	}
}

func parseProbeTarget(s string) (host string, port int, auth socks5.Auth, err error) {
	addr, auth, err := config.ParseProxy(s)
	if err != nil {
		return "", 0, socks5.Auth{}, err
	}
	if addr == "" {
		return "", 0, socks5.Auth{}, errors.New("empty probe target")
	}
	host, port, err = splitHostPort(addr)
	return host, port, auth, err
}

func splitHostPort(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port %q", portStr)
	}
	return host, port, nil
}

func newLogger(verbose bool, format string) (*logrus.Logger, error) {
	log := logrus.New()
	log.SetOutput(os.Stderr)

	switch strings.ToLower(strings.TrimSpace(format)) {
	case "text":
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("unknown format %q", format)
	}

	if verbose {
		log.SetLevel(logrus.DebugLevel)
	}
	return log, nil
}

// parseEngineLogLevel maps a name to the engine's numeric verbosity.
func parseEngineLogLevel(s string) (int, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "silent":
		return 0, nil
	case "error":
		return 1, nil
	case "verbose":
		return 2, nil
	default:
		return 0, fmt.Errorf("expected silent|error|verbose, got %q", s)
	}
}

func parseTCPKeepAlive(s string) (net.KeepAliveConfig, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	switch s {
	case "":
		return net.KeepAliveConfig{}, errors.New("empty")
	case "on":
		return net.KeepAliveConfig{Enable: true}, nil
	case "off":
		return net.KeepAliveConfig{Enable: false}, nil
	}

	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return net.KeepAliveConfig{}, errors.New("expected on|off|keepidle:keepintvl:keepcnt")
	}
	keepIdle, err := parsePositive(parts[0])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepidle: %w", err)
	}
	keepIntvl, err := parsePositive(parts[1])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepintvl: %w", err)
	}
	keepCnt, err := parsePositive(parts[2])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepcnt: %w", err)
	}

	return net.KeepAliveConfig{
		Enable:   true,
		Idle:     time.Duration(keepIdle) * time.Second,
		Interval: time.Duration(keepIntvl) * time.Second,
		Count:    keepCnt,
	}, nil
}

func parsePositive(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be > 0")
	}
	return n, nil
}
