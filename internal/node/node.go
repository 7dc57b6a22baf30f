// ABOUTME: Node wires every edge-agent component together and owns their lifecycle
// ABOUTME: Serves HTTP (optionally h2c or tailnet), gRPC health, and the background loops

package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/agent-edge/internal/a2a"
	"github.com/2389/agent-edge/internal/broadcast"
	"github.com/2389/agent-edge/internal/config"
	"github.com/2389/agent-edge/internal/coordinator"
	"github.com/2389/agent-edge/internal/dedupe"
	"github.com/2389/agent-edge/internal/heartbeat"
	"github.com/2389/agent-edge/internal/history"
	"github.com/2389/agent-edge/internal/ledger"
	"github.com/2389/agent-edge/internal/metrics"
	"github.com/2389/agent-edge/internal/pipeline"
	"github.com/2389/agent-edge/internal/reasoner"
	"github.com/2389/agent-edge/internal/registry"
	"github.com/2389/agent-edge/internal/sensor"
	"github.com/2389/agent-edge/internal/telemetry"
	"github.com/2389/agent-edge/internal/transport"
)

// PeerHealthService is the gRPC health service name that tracks the primary peer.
const PeerHealthService = "agent_edge.peer"

const (
	// monitorInterval paces exchange sweeps and peer status updates.
	monitorInterval = 5 * time.Second

	// dedupeSweepInterval paces expiry of remembered message ids.
	dedupeSweepInterval = time.Minute

	shutdownTimeout = 5 * time.Second
)

// Option customizes a Node at construction.
type Option func(*options)

type options struct {
	source   sensor.Source
	reasoner reasoner.Reasoner
	version  string
}

// WithSource supplies the sensor source instead of opening the configured one.
func WithSource(src sensor.Source) Option {
	return func(o *options) { o.source = src }
}

// WithReasoner supplies the reasoner instead of building one from config.
func WithReasoner(r reasoner.Reasoner) Option {
	return func(o *options) { o.reasoner = r }
}

// WithVersion sets the version reported to MCP servers and telemetry.
func WithVersion(v string) Option {
	return func(o *options) { o.version = v }
}

// Node is one running edge agent.
type Node struct {
	config *config.Config
	logger *slog.Logger
	tracer trace.Tracer
	opts   options

	issuer      *a2a.Issuer
	metrics     *metrics.Metrics
	hub         *broadcast.Hub
	ledger      ledger.Ledger
	window      *history.Window
	registry    *registry.Registry
	client      *transport.Client
	peerHTTP    *http.Client
	pipeline    *pipeline.Pipeline
	coordinator *coordinator.Coordinator
	heartbeat   *heartbeat.Loop
	seen        *dedupe.Window
	reasoner    reasoner.Reasoner
	source      sensor.Source

	httpServer   *http.Server
	grpcServer   *grpc.Server
	healthServer *health.Server
	tsnetServer  *tsnet.Server

	// background tracks handler work that outlives its request.
	background sync.WaitGroup
	// polling tracks the sensor poll loop, which writes to the ledger.
	polling    sync.WaitGroup
	closeOnce  sync.Once
}

// New builds a Node from cfg. Nothing listens or polls until Run.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Node, error) {
	if logger == nil {
		logger = slog.Default()
	}
	o := options{version: "dev"}
	for _, opt := range opts {
		opt(&o)
	}

	n := &Node{
		config: cfg,
		logger: logger.With("component", "node", "agent_id", cfg.Agent.ID),
		tracer: telemetry.Tracer("agent-edge/node"),
		opts:   o,
		issuer: a2a.NewIssuer(cfg.Agent.ID),
		seen:   dedupe.NewWindow(dedupe.DefaultTTL, dedupe.DefaultMaxEntries),
		source: o.source,
	}

	if cfg.Metrics.Enabled {
		n.metrics = metrics.New()
	}
	n.hub = broadcast.NewHub(n.metrics, logger)

	led, err := ledger.Open(cfg.Ledger, logger)
	if err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}
	n.ledger = led

	if err := n.setupPeerHTTP(); err != nil {
		_ = led.Close()
		return nil, err
	}

	n.window = history.New(history.CapacityFor(cfg.History.WindowHours, cfg.Sensor.PollInterval))
	n.registry = registry.New(n.peerHTTP, logger).WithProbeTimeout(cfg.Peer.ProbeTimeout)
	n.client = transport.NewClient(transport.Config{
		Timeout:    cfg.Transport.Timeout,
		MaxRetries: cfg.Transport.MaxRetries,
		BaseDelay:  cfg.Transport.BaseDelay,
	}, n.peerHTTP, n.metrics, logger)

	n.reasoner = o.reasoner
	if n.reasoner == nil && cfg.Reasoner.Enabled {
		n.reasoner = reasoner.NewOllama(reasoner.Config{
			BaseURL:   cfg.Reasoner.URL,
			Model:     cfg.Reasoner.Model,
			Timeout:   cfg.Reasoner.Timeout,
			MaxTokens: cfg.Reasoner.MaxTokens,
		}, nil, logger)
	}

	n.coordinator = coordinator.New(cfg.Coordinator.Timeout, coordinator.Deps{
		Issuer:   n.issuer,
		Sender:   n.client,
		Peers:    n.registry,
		History:  n.window,
		Reasoner: n.reasoner,
		Ledger:   n.ledger,
		Hub:      n.hub,
		Metrics:  n.metrics,
	}, logger)

	n.pipeline = pipeline.New(pipeline.Config{
		Thresholds:  cfg.Thresholds,
		Location:    cfg.Agent.Location,
		WindowHours: cfg.History.WindowHours,
		Interval:    cfg.Sensor.PollInterval,
	}, pipeline.Deps{
		Issuer:   n.issuer,
		Sender:   n.client,
		Peers:    n.registry,
		Ledger:   n.ledger,
		Window:   n.window,
		Analysis: n.coordinator,
		Hub:      n.hub,
		Metrics:  n.metrics,
	}, logger)

	n.heartbeat = heartbeat.New(n.issuer, n.client, n.registry, cfg.Heartbeat.Interval, logger)
	n.heartbeat.SetRediscover(func(ctx context.Context) {
		n.registry.Discover(ctx, cfg.Peer.URL)
	})

	var handler http.Handler = n.routes()
	if cfg.Server.H2C {
		handler = h2c.NewHandler(handler, &http2.Server{})
	}
	n.httpServer = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	n.healthServer = health.NewServer()
	if cfg.Server.GRPCAddr != "" {
		n.grpcServer = grpc.NewServer(
			grpc.KeepaliveParams(keepalive.ServerParameters{
				Time:    15 * time.Second,
				Timeout: 5 * time.Second,
			}),
			grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
				MinTime:             5 * time.Second,
				PermitWithoutStream: true,
			}),
		)
		healthpb.RegisterHealthServer(n.grpcServer, n.healthServer)
	}

	return n, nil
}

// setupPeerHTTP picks the HTTP client for peer traffic: the tailnet when
// tailscale is enabled, prior-knowledge h2c when requested, plain otherwise.
func (n *Node) setupPeerHTTP() error {
	tsCfg := n.config.Tailscale
	switch {
	case tsCfg.Enabled:
		stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
		if err != nil {
			return err
		}
		authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
		if err != nil {
			return err
		}
		n.tsnetServer = &tsnet.Server{
			Hostname:  tsCfg.Hostname,
			Dir:       stateDir,
			Ephemeral: tsCfg.Ephemeral,
			AuthKey:   authKey,
		}
		n.peerHTTP = n.tsnetServer.HTTPClient()
	case n.config.Transport.H2C:
		n.peerHTTP = transport.NewH2CClient()
	default:
		n.peerHTTP = &http.Client{}
	}
	return nil
}

// Handler returns the HTTP handler, for tests and embedding.
func (n *Node) Handler() http.Handler {
	return n.httpServer.Handler
}

// Card returns the agent card served from /health.
func (n *Node) Card() *a2a.AgentCard {
	card := a2a.NewAgentCard(
		n.config.Agent.ID,
		n.config.Agent.AdvertiseHost,
		n.config.Server.Port,
		n.config.Agent.Capabilities,
		n.config.Reasoner.Model,
	)
	if n.heartbeat.Stats().ConsecutiveFailures >= degradedAfterFailures {
		card.Status = a2a.StatusDegraded
	}
	return card
}

// degradedAfterFailures is how many missed heartbeats mark this agent degraded.
const degradedAfterFailures = 3

// Run starts listeners and background loops and blocks until ctx is
// cancelled or a server fails. Shutdown runs before Run returns.
func (n *Node) Run(ctx context.Context) error {
	httpLn, grpcLn, err := n.setupListeners(ctx)
	if err != nil {
		n.closeResources()
		return err
	}

	if n.source == nil {
		src, err := openSource(ctx, n.config.Sensor, n.opts.version, n.logger)
		if err != nil {
			_ = httpLn.Close()
			if grpcLn != nil {
				_ = grpcLn.Close()
			}
			n.closeResources()
			return err
		}
		n.source = src
	}

	n.restoreHistory(ctx)
	n.checkReasoner(ctx)
	n.healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	n.healthServer.SetServingStatus(PeerHealthService, healthpb.HealthCheckResponse_NOT_SERVING)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		n.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := n.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})
	if grpcLn != nil {
		g.Go(func() error {
			n.logger.Info("gRPC server listening", "addr", grpcLn.Addr().String())
			if err := n.grpcServer.Serve(grpcLn); err != nil {
				return fmt.Errorf("gRPC server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		if _, ok := n.registry.Discover(gctx, n.config.Peer.URL); !ok {
			n.logger.Info("peer not reachable yet, will retry on heartbeat", "peer_url", n.config.Peer.URL)
		}
		return nil
	})
	g.Go(func() error { return n.heartbeat.Run(gctx) })
	g.Go(func() error { return n.monitor(gctx) })
	g.Go(func() error {
		n.seen.Run(gctx, dedupeSweepInterval)
		return nil
	})
	if n.source != nil {
		n.polling.Add(1)
		g.Go(func() error {
			defer n.polling.Done()
			return n.pipeline.Run(gctx, n.source, n.config.Sensor.PollInterval)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			n.logger.Info("context canceled, initiating shutdown")
		}
		return n.gracefulShutdown()
	})

	return g.Wait()
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
// grpcLn is nil when no gRPC address is configured.
func (n *Node) setupListeners(ctx context.Context) (httpLn, grpcLn net.Listener, err error) {
	if n.tsnetServer != nil {
		return n.setupTailscaleListeners(ctx)
	}
	return n.setupTCPListeners()
}

func (n *Node) setupTCPListeners() (httpLn, grpcLn net.Listener, err error) {
	n.logger.Info("starting agent",
		"role", n.config.Agent.Role,
		"http_addr", n.config.ListenAddr(),
		"grpc_addr", n.config.Server.GRPCAddr,
	)

	httpLn, err = net.Listen("tcp", n.config.ListenAddr())
	if err != nil {
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	if n.grpcServer == nil {
		return httpLn, nil, nil
	}

	grpcLn, err = net.Listen("tcp", n.config.Server.GRPCAddr)
	if err != nil {
		_ = httpLn.Close()
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}
	return httpLn, grpcLn, nil
}

func (n *Node) setupTailscaleListeners(ctx context.Context) (httpLn, grpcLn net.Listener, err error) {
	tsCfg := n.config.Tailscale
	if err := os.MkdirAll(n.tsnetServer.Dir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	n.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", n.tsnetServer.Dir, "ephemeral", tsCfg.Ephemeral)
	status, err := n.tsnetServer.Up(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	n.logTailscaleStatus(tsCfg.Hostname, status)

	httpLn, err = n.tsnetServer.Listen("tcp", ":"+strconv.Itoa(n.config.Server.Port))
	if err != nil {
		return nil, nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	if n.grpcServer == nil {
		return httpLn, nil, nil
	}

	_, port, err := net.SplitHostPort(n.config.Server.GRPCAddr)
	if err != nil {
		_ = httpLn.Close()
		return nil, nil, fmt.Errorf("parsing server.grpc_addr: %w", err)
	}
	grpcLn, err = n.tsnetServer.Listen("tcp", ":"+port)
	if err != nil {
		_ = httpLn.Close()
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}
	return httpLn, grpcLn, nil
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "edge-agent", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the configured key or TS_AUTHKEY.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

func (n *Node) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		n.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	n.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// restoreHistory refills the window from ledger readings inside window_hours.
func (n *Node) restoreHistory(ctx context.Context) {
	if !n.config.RestoreHistory() {
		return
	}
	window := time.Duration(n.config.History.WindowHours * float64(time.Hour))
	records, err := n.ledger.ReadRecent(ctx, window)
	if err != nil {
		n.logger.Warn("failed to read ledger for history restore", "error", err)
		return
	}
	samples := history.SamplesFromRecords(records, ledger.EventSensorObservation, ledger.EventSensorReading)
	restored := n.window.Restore(samples)
	n.metrics.SetWindowSize(n.window.Len())
	if restored > 0 {
		n.logger.Info("restored history window from ledger", "samples", restored)
	}
}

// checkReasoner warns early when the model server is missing.
func (n *Node) checkReasoner(ctx context.Context) {
	pinger, ok := n.reasoner.(interface{ Ping(context.Context) error })
	if !ok {
		return
	}
	if err := pinger.Ping(ctx); err != nil {
		n.logger.Warn("reasoner not ready, falling back to rule-based answers", "error", err)
	}
}

// monitor sweeps timed-out exchanges and publishes peer status until ctx ends.
func (n *Node) monitor(ctx context.Context) error {
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			n.monitorTick(now)
		}
	}
}

func (n *Node) monitorTick(now time.Time) {
	if timedOut := n.coordinator.Sweep(now); timedOut > 0 {
		n.logger.Info("analysis exchanges timed out", "count", timedOut)
	}

	online := n.peerOnline()
	n.metrics.SetPeerOnline(online)
	n.metrics.SetWindowSize(n.window.Len())

	status := healthpb.HealthCheckResponse_NOT_SERVING
	if online {
		status = healthpb.HealthCheckResponse_SERVING
	}
	n.healthServer.SetServingStatus(PeerHealthService, status)
}

func (n *Node) peerOnline() bool {
	peer, ok := n.registry.Primary()
	return ok && n.registry.IsOnline(peer.AgentID, n.config.Peer.StaleAfter)
}

// spawn runs fn detached from the request that triggered it. Shutdown waits for it.
func (n *Node) spawn(ctx context.Context, fn func(ctx context.Context)) {
	ctx = context.WithoutCancel(ctx)
	n.background.Go(func() { fn(ctx) })
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
func (n *Node) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return n.Shutdown(ctx)
}

func (n *Node) shutdownGRPCServer(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		n.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		n.grpcServer.Stop()
	}
}

func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops servers, waits for in-flight work, then closes resources.
func (n *Node) Shutdown(ctx context.Context) error {
	n.logger.Info("shutting down agent")

	var errs []error
	n.healthServer.Shutdown()
	// Closing the hub ends every stream handler so HTTP shutdown can drain.
	n.hub.Close()
	errs = appendCloseError(errs, "HTTP shutdown", n.httpServer.Shutdown(ctx))
	if n.grpcServer != nil {
		n.shutdownGRPCServer(ctx)
	}

	done := make(chan struct{})
	go func() {
		// The poll loop can still be mid-Process and may trigger an exchange.
		n.polling.Wait()
		n.background.Wait()
		n.coordinator.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		n.logger.Warn("in-flight exchanges still running at shutdown")
	}

	errs = append(errs, n.closeResources()...)
	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// closeResources releases everything New and Run opened. Safe to call twice.
func (n *Node) closeResources() []error {
	var errs []error
	n.closeOnce.Do(func() {
		n.hub.Close()
		if n.source != nil {
			errs = appendCloseError(errs, "sensor close", n.source.Close())
		}
		if n.tsnetServer != nil {
			errs = appendCloseError(errs, "tailscale shutdown", n.tsnetServer.Close())
		}
		errs = appendCloseError(errs, "ledger close", n.ledger.Close())
	})
	return errs
}
