package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mark3labs/signet"
	"github.com/mark3labs/signet/approval"
	"github.com/mark3labs/signet/avax"
	"github.com/mark3labs/signet/btc"
	"github.com/mark3labs/signet/config"
	"github.com/mark3labs/signet/dispatch"
	"github.com/mark3labs/signet/evm"
	"github.com/mark3labs/signet/fees"
	httpsignet "github.com/mark3labs/signet/http"
	chirouter "github.com/mark3labs/signet/http/chi"
	ginrouter "github.com/mark3labs/signet/http/gin"
	"github.com/mark3labs/signet/mcp"
	"github.com/mark3labs/signet/metrics"
	"github.com/mark3labs/signet/signers/mnemonic"
	"github.com/mark3labs/signet/signers/seedless"
	"github.com/mark3labs/signet/store"
	"github.com/mark3labs/signet/svm"
	"github.com/mark3labs/signet/tracker"
)

const shutdownTimeout = 10 * time.Second

// daemon is the assembled server.
type daemon struct {
	cfg        *config.Config
	logger     *slog.Logger
	store      store.Store
	metrics    *metrics.Metrics
	tracker    *tracker.Tracker
	controller *approval.Controller
	events     *httpsignet.Broadcaster
	closers    []func() error
}

func newDaemon(ctx context.Context, cfg *config.Config, logger *slog.Logger, mfa seedless.MFAPrompter) (*daemon, error) {
	d := &daemon{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.New(prometheus.NewRegistry()),
		events:  httpsignet.NewBroadcaster(httpsignet.WithBroadcastLogger(logger)),
	}

	if cfg.Redis.Addr != "" {
		rs, err := store.ConnectRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB,
			store.WithNamespace(cfg.Redis.Namespace))
		if err != nil {
			return nil, err
		}
		d.store = rs
		d.closers = append(d.closers, rs.Close)
	} else {
		logger.Warn("no redis configured, approvals and bridge transfers will not survive a restart")
		d.store = store.NewMemory()
	}

	backends, err := buildBackends(cfg.Wallet, logger, mfa)
	if err != nil {
		d.Close()
		return nil, err
	}

	h, err := buildHandlers(ctx, cfg.Chains, logger)
	if err != nil {
		d.Close()
		return nil, err
	}

	trackerOpts := []tracker.Option{
		tracker.WithStore(d.store),
		tracker.WithPollInterval(cfg.Bridge.PollInterval),
		tracker.WithLogger(logger),
		tracker.WithMetrics(d.metrics),
	}
	trackerOpts = append(trackerOpts, h.statusProviders()...)
	d.tracker, err = tracker.New(cfg.Bridge.Tracker(), trackerOpts...)
	if err != nil {
		d.Close()
		return nil, err
	}
	d.tracker.OnComplete(func(ev tracker.Event) {
		if ev.Err != nil {
			logger.Warn("bridge transfer failed", "hash", ev.Tx.SourceTxHash, "error", ev.Err)
			return
		}
		logger.Info("bridge transfer confirmed", "hash", ev.Tx.SourceTxHash,
			"amount", ev.Tx.Amount.String(), "symbol", ev.Tx.Symbol)
	})

	dispatchOpts := []dispatch.Option{
		dispatch.WithEVM(h.evm),
		dispatch.WithBitcoin(h.btc),
		dispatch.WithAvalanche(h.avax),
		dispatch.WithSolana(h.svm),
		dispatch.WithBridgeSink(d.tracker),
		dispatch.WithLogger(logger),
		dispatch.WithMetrics(d.metrics),
	}
	for i, b := range backends {
		dispatchOpts = append(dispatchOpts, dispatch.WithBackend(b, i == 0))
	}
	dispatcher, err := dispatch.New(dispatchOpts...)
	if err != nil {
		d.Close()
		return nil, err
	}

	registry := approval.NewRegistry(
		approval.WithStore(d.store),
		approval.WithRegistryLogger(logger),
	)
	d.controller, err = approval.NewController(registry, dispatcher,
		approval.WithFeeEstimator(h.estimator(logger)),
		approval.WithPresenter(d.events),
		approval.WithTimeout(cfg.Approval.Timeout),
		approval.WithFeeTimeout(cfg.Approval.FeeTimeout),
		approval.WithLogger(logger),
		approval.WithMetrics(d.metrics),
		approval.WithShutdownHook(d.tracker.StopAll),
	)
	if err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

// buildBackends returns the configured wallet backends, default first.
func buildBackends(w config.WalletConfig, logger *slog.Logger, mfa seedless.MFAPrompter) ([]signet.Backend, error) {
	var backends []signet.Backend

	switch {
	case w.Mnemonic != "":
		b, err := mnemonic.New(mnemonic.WithMnemonic(w.Mnemonic), mnemonic.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("mnemonic backend: %w", err)
		}
		backends = append(backends, b)
	case w.Keystore != "":
		b, err := mnemonic.New(mnemonic.WithKeystore(w.Keystore, w.Password), mnemonic.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("keystore backend: %w", err)
		}
		backends = append(backends, b)
	}

	if w.Seedless.Enabled() {
		baseURL := w.Seedless.URL
		if baseURL == "" {
			baseURL = seedless.DefaultBaseURL
		}
		u, err := url.Parse(baseURL)
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("seedless: invalid url %q", baseURL)
		}
		auth, err := seedless.NewAuth(w.Seedless.KeyName, w.Seedless.KeySecret, u.Host)
		if err != nil {
			return nil, fmt.Errorf("seedless auth: %w", err)
		}
		opts := []seedless.Option{seedless.WithBaseURL(baseURL), seedless.WithLogger(logger)}
		if mfa != nil {
			opts = append(opts, seedless.WithMFA(mfa))
		}
		b, err := seedless.New(auth, opts...)
		if err != nil {
			return nil, err
		}
		backends = append(backends, b)
	}

	if len(backends) == 0 {
		return nil, errors.New("no signing backend configured")
	}
	return backends, nil
}

// handlers holds the per-VM handlers and the endpoints dialled for them.
type handlers struct {
	evm  *evm.Handler
	btc  *btc.Handler
	avax *avax.Handler
	svm  *svm.Handler
	info avax.Caller
}

func buildHandlers(ctx context.Context, endpoints []config.Endpoint, logger *slog.Logger) (*handlers, error) {
	evmOpts := []evm.HandlerOption{evm.WithLogger(logger)}
	btcOpts := []btc.HandlerOption{btc.WithLogger(logger)}
	avaxOpts := []avax.HandlerOption{avax.WithLogger(logger)}
	svmOpts := []svm.HandlerOption{svm.WithLogger(logger)}
	info := make(avax.Clients)

	for _, e := range endpoints {
		chain := e.ChainID()
		switch chain.VM() {
		case signet.VMEVM:
			evmOpts = append(evmOpts, evm.WithRPC(chain, e.URL))
			if e.Avax != "" {
				avaxOpts = append(avaxOpts, avax.WithRPC(chain, e.Avax))
			}
		case signet.VMBitcoin:
			btcOpts = append(btcOpts, btc.WithNode(chain, nodeConfig(e)))
		case signet.VMAVM, signet.VMPVM:
			avaxOpts = append(avaxOpts, avax.WithRPC(chain, e.URL))
		case signet.VMSolana:
			svmOpts = append(svmOpts, svm.WithRPC(chain, e.URL))
		}
		if e.Info != "" && len(info) == 0 {
			if err := info.Dial(ctx, chain, e.Info); err != nil {
				return nil, err
			}
		}
	}

	var (
		h   handlers
		err error
	)
	if h.evm, err = evm.NewHandler(evmOpts...); err != nil {
		return nil, err
	}
	if h.btc, err = btc.NewHandler(btcOpts...); err != nil {
		return nil, err
	}
	if h.avax, err = avax.NewHandler(avaxOpts...); err != nil {
		return nil, err
	}
	if h.svm, err = svm.NewHandler(svmOpts...); err != nil {
		return nil, err
	}
	for _, c := range info {
		h.info = c
	}
	return &h, nil
}

// nodeConfig accepts "host:port" or an http(s) URL for a bitcoind endpoint.
func nodeConfig(e config.Endpoint) btc.NodeConfig {
	cfg := btc.NodeConfig{Host: e.URL, User: e.User, Pass: e.Pass}
	if u, err := url.Parse(e.URL); err == nil && u.Host != "" {
		cfg.Host = u.Host
		cfg.TLS = u.Scheme == "https"
	}
	return cfg
}

func (h *handlers) estimator(logger *slog.Logger) *fees.Estimator {
	opts := []fees.Option{
		fees.WithProvider(signet.VMEVM, evm.NewFeeProvider(h.evm.Clients())),
		fees.WithProvider(signet.VMBitcoin, btc.NewFeeProvider(h.btc.Clients())),
		fees.WithProvider(signet.VMSolana, svm.NewFeeProvider(h.svm.Clients())),
		fees.WithLogger(logger),
	}
	if h.info != nil {
		p := avax.NewFeeProvider(h.info)
		opts = append(opts, fees.WithProvider(signet.VMAVM, p), fees.WithProvider(signet.VMPVM, p))
	}
	return fees.NewEstimator(opts...)
}

// statusProviders registers a confirmation source for every dialled chain.
// C-Chain atomic endpoints are skipped: the EVM client covers that chain.
func (h *handlers) statusProviders() []tracker.Option {
	var opts []tracker.Option
	for chain, c := range h.evm.Clients() {
		opts = append(opts, tracker.WithProvider(chain, evm.NewStatusProvider(c)))
	}
	for chain, c := range h.btc.Clients() {
		opts = append(opts, tracker.WithProvider(chain, btc.NewStatusProvider(c)))
	}
	for chain, c := range h.svm.Clients() {
		opts = append(opts, tracker.WithProvider(chain, svm.NewStatusProvider(c)))
	}
	for chain, c := range h.avax.Clients() {
		vm := chain.VM()
		if vm != signet.VMAVM && vm != signet.VMPVM {
			continue
		}
		p, err := avax.NewStatusProvider(c, vm)
		if err != nil {
			continue
		}
		opts = append(opts, tracker.WithProvider(chain, p))
	}
	return opts
}

// mcpHandler returns the MCP endpoint behind the bearer token check, or nil
// when MCP is disabled.
func (d *daemon) mcpHandler() http.Handler {
	if !d.cfg.Server.MCP.Enabled {
		return nil
	}
	s := mcp.NewServer(d.controller, &mcp.Config{
		Name:         "signetd",
		AllowApprove: d.cfg.Server.MCP.AllowApprove,
		Logger:       d.logger,
	})
	return chirouter.RequireToken(d.cfg.Server.Token)(s.Handler())
}

// Handler returns the HTTP handler for the configured router, with the
// metrics endpoint mounted outside the token check.
func (d *daemon) Handler() http.Handler {
	metricsPath := d.cfg.Server.MetricsPath
	mcpPath := d.cfg.Server.MCP.Path
	mcpHandler := d.mcpHandler()

	if d.cfg.Server.Router == "gin" {
		gin.SetMode(gin.ReleaseMode)
		engine := gin.New()
		engine.Use(gin.Recovery())
		ginrouter.Mount(engine, d.controller, &ginrouter.Config{
			Token:  d.cfg.Server.Token,
			Events: d.events,
			Logger: d.logger,
		})
		if metricsPath != "" {
			engine.GET(metricsPath, gin.WrapH(d.metrics.Handler()))
		}
		if mcpHandler != nil {
			engine.Any(mcpPath, gin.WrapH(mcpHandler))
		}
		return engine
	}

	r := chirouter.NewRouter(d.controller, &chirouter.Config{
		Token:  d.cfg.Server.Token,
		Events: d.events,
		Logger: d.logger,
	})
	if metricsPath != "" {
		r.Handle(metricsPath, d.metrics.Handler())
	}
	if mcpHandler != nil {
		r.Handle(mcpPath, mcpHandler)
	}
	return r
}

// Serve recovers persisted state, then serves until ctx is done. Pending
// approvals are terminated before in-flight HTTP requests are cut off.
func (d *daemon) Serve(ctx context.Context) error {
	if n, err := d.controller.Recover(ctx); err != nil {
		d.logger.Warn("failed to recover approvals", "error", err)
	} else if n > 0 {
		d.logger.Info("terminated orphaned approvals", "count", n)
	}
	if n, err := d.tracker.Resume(ctx); err != nil {
		d.logger.Warn("failed to resume bridge tracking", "error", err)
	} else if n > 0 {
		d.logger.Info("resumed bridge tracking", "count", n)
	}

	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()

	srv := &http.Server{
		Addr:              d.cfg.Server.Listen,
		Handler:           d.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}

	errCh := make(chan error, 1)
	go func() {
		d.logger.Info("approval server listening", "addr", srv.Addr, "router", d.cfg.Server.Router)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		d.controller.Shutdown("server stopped")
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	d.logger.Info("shutting down")
	d.controller.Shutdown("daemon stopping")
	cancelBase()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// Close releases the store connection.
func (d *daemon) Close() {
	for _, c := range d.closers {
		if err := c(); err != nil {
			d.logger.Warn("close failed", "error", err)
		}
	}
	d.closers = nil
}
