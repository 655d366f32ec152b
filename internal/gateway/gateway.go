// ABOUTME: Gateway orchestrator that wires the store, messaging core and HTTP surface
// ABOUTME: Manages listeners (TCP or Tailscale), the redis relay and graceful shutdown

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/coven-chat/internal/auth"
	"github.com/2389/coven-chat/internal/config"
	"github.com/2389/coven-chat/internal/conversation"
	"github.com/2389/coven-chat/internal/dedupe"
	"github.com/2389/coven-chat/internal/metrics"
	"github.com/2389/coven-chat/internal/relay"
	"github.com/2389/coven-chat/internal/store"
)

// Gateway owns every coven-chat server component.
type Gateway struct {
	config       *config.Config
	store        store.Store
	conversation *conversation.Service
	broadcaster  *conversation.EventBroadcaster
	verifier     *auth.JWTVerifier
	metrics      *metrics.Metrics
	httpServer   *http.Server
	tsnetServer  *tsnet.Server
	logger       *slog.Logger

	// relay is nil unless redis is enabled
	relay     *relay.RedisRelay
	relayStop context.CancelFunc
	relayDone chan struct{}

	// dedupe suppresses websocket send retries by clientMsgId
	dedupe *dedupe.Cache

	connsMu sync.Mutex
	conns   map[string]*wsConn

	shutdownOnce sync.Once
	shutdownErr  error
}

// initStore selects the backend: ":memory:" keeps everything in process,
// anything else is a SQLite file. COVEN_CHAT_DB_PATH overrides the config.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("COVEN_CHAT_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	if dbPath == ":memory:" {
		return store.NewMemoryStore(), nil
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return nil, fmt.Errorf("creating JWT verifier: %w", err)
	}

	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	gw := &Gateway{
		config:   cfg,
		store:    s,
		verifier: verifier,
		metrics:  m,
		logger:   logger.With("component", "gateway"),
		dedupe:   dedupe.New(cfg.Delivery.DedupeTTL, cfg.Delivery.DedupeSize),
		conns:    make(map[string]*wsConn),
	}

	opts := conversation.BroadcasterOptions{
		SubscriberBuffer: cfg.Delivery.SubscriberBuffer,
		QueueSize:        cfg.Delivery.QueueSize,
		Metrics:          m,
		Logger:           logger,
	}
	if cfg.Redis.Enabled {
		r, err := relay.NewRedisRelay(context.Background(), relay.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.ChannelPrefix,
			Logger:   logger,
		})
		if err != nil {
			_ = s.Close()
			gw.dedupe.Close()
			return nil, fmt.Errorf("creating redis relay: %w", err)
		}
		gw.relay = r
		opts.Relay = r
		logger.Info("redis relay enabled", "addr", cfg.Redis.Addr, "instance_id", r.InstanceID())
	}

	gw.broadcaster = conversation.NewEventBroadcaster(opts)
	gw.conversation = conversation.New(s, gw.broadcaster, m, logger)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// routes builds the HTTP mux. Health and metrics are public; everything
// else requires a bearer token.
func (g *Gateway) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)
	if g.metrics != nil {
		mux.Handle("GET "+g.config.Metrics.Path, g.metrics.Handler())
	}

	authMiddleware := auth.HTTPAuthMiddleware(g.store, g.verifier, g.logger)
	api := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, authMiddleware(h))
	}

	api("POST /api/messages", g.handleSendMessage)
	api("GET /api/conversations", g.handleListConversations)
	api("POST /api/conversations/direct", g.handleResolveDirect)
	api("POST /api/conversations/group", g.handleCreateGroup)
	api("GET /api/conversations/{id}/messages", g.handleHistory)
	api("POST /api/conversations/{id}/read", g.handleMarkRead)
	api("GET /api/conversations/{id}/unread", g.handleUnreadCount)
	api("GET /api/me", g.handleMe)
	api("GET /ws", g.handleWebSocket)

	return mux
}

// Handler exposes the HTTP handler, mainly for tests.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// Store returns the gateway's store.
func (g *Gateway) Store() store.Store {
	return g.store
}

// Verifier returns the token verifier, which can also mint tokens.
func (g *Gateway) Verifier() *auth.JWTVerifier {
	return g.verifier
}

// setupTCPListener creates a standard TCP listener for HTTP.
func (g *Gateway) setupTCPListener() (net.Listener, error) {
	g.logger.Info("starting gateway", "http_addr", g.config.Server.HTTPAddr)

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// setupListener creates the listener based on configuration (Tailscale or TCP).
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled",
				"http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListener(ctx)
	}
	return g.setupTCPListener()
}

// startRelay subscribes to other instances' events until Shutdown.
func (g *Gateway) startRelay(ctx context.Context) {
	if g.relay == nil {
		return
	}

	relayCtx, cancel := context.WithCancel(ctx)
	g.relayStop = cancel
	g.relayDone = make(chan struct{})

	go func() {
		defer close(g.relayDone)
		if err := g.relay.Run(relayCtx, g.broadcaster.DeliverRemote); err != nil {
			g.logger.Error("relay stopped", "error", err)
		}
	}()
}

// Run starts the HTTP server and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	g.startRelay(ctx)

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// The Run context is already canceled at this point.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
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
	return filepath.Join(homeDir, ".local", "share", "coven-chat", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
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

// setupTailscaleListener joins the tailnet and listens on :80, :443 with
// tailnet certificates, or a public Funnel.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	switch {
	case tsCfg.Funnel:
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale funnel: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
		return g.createTailscaleTLSListener()
	default:
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// createTailscaleTLSListener creates a TLS listener using Tailscale's auto-provisioned certs.
func (g *Gateway) createTailscaleTLSListener() (net.Listener, error) {
	g.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown gracefully stops the server and releases resources. Websocket
// connections are hijacked, so they are closed explicitly. Only the first
// call does any work.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		g.shutdownErr = g.shutdown(ctx)
	})
	return g.shutdownErr
}

func (g *Gateway) shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.closeConnections()

	if g.relay != nil {
		if g.relayStop != nil {
			g.relayStop()
			<-g.relayDone
		}
		errs = appendCloseError(errs, "relay close", g.relay.Close())
	}

	g.broadcaster.Close()
	g.dedupe.Close()

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}
