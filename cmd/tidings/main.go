package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/migadu/tidings/chains"
	"github.com/migadu/tidings/config"
	"github.com/migadu/tidings/db"
	"github.com/migadu/tidings/engine"
	"github.com/migadu/tidings/handlers"
	"github.com/migadu/tidings/logger"
	"github.com/migadu/tidings/mlist"
	"github.com/migadu/tidings/moderator"
	"github.com/migadu/tidings/notify"
	"github.com/migadu/tidings/pending"
	"github.com/migadu/tidings/pipelines"
	"github.com/migadu/tidings/pkg/errors"
	"github.com/migadu/tidings/pkg/health"
	"github.com/migadu/tidings/pkg/metrics"
	"github.com/migadu/tidings/queue"
	"github.com/migadu/tidings/rules"
	"github.com/migadu/tidings/runner"
	"github.com/migadu/tidings/server/adminapi"
	"github.com/migadu/tidings/server/cleaner"
	"github.com/migadu/tidings/server/lmtp"
	"github.com/migadu/tidings/templates"
	"github.com/migadu/tidings/workflow"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// serverManager tracks running servers for coordinated shutdown
type serverManager struct {
	wg sync.WaitGroup
}

func (sm *serverManager) Add()  { sm.wg.Add(1) }
func (sm *serverManager) Done() { sm.wg.Done() }
func (sm *serverManager) Wait() { sm.wg.Wait() }

// serverDependencies holds the shared services the listeners and runners use.
type serverDependencies struct {
	config        config.Config
	hostname      string
	store         *db.Store
	queues        *queue.Set
	lists         *mlist.Manager
	catalog       *templates.Catalog
	notifier      *notify.Notifier
	pendings      *pending.Registry
	registry      *engine.Registry
	workflows     *workflow.Manager
	moderator     *moderator.Moderator
	collector     *metrics.Collector
	health        *health.HealthIntegration
	cleanupWorker *cleaner.CleanupWorker
	runners       []*runner.Runner
	serverManager *serverManager
}

func main() {
	os.Exit(run())
}

func run() int {
	errorHandler := errors.NewErrorHandler()
	cfg := config.NewDefaultConfig()

	showVersion := flag.Bool("version", false, "Show version information and exit")
	flag.BoolVar(showVersion, "v", false, "Show version information and exit")
	configPath := flag.String("config", "config.toml", "Path to TOML configuration file")
	flag.Parse()

	if *showVersion {
		fmt.Printf("tidings version %s (commit: %s, built at: %s)\n", version, commit, date)
		return 0
	}

	if err := config.LoadConfigFromFile(*configPath, &cfg); err != nil {
		if !os.IsNotExist(err) || *configPath != "config.toml" {
			fmt.Fprintf(os.Stderr, "TIDINGS: %v\n", err)
			return 1
		}
	}

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "TIDINGS: Warning initializing logger: %v\n", err)
	}
	if logFile != nil {
		defer func(f *os.File) {
			if err := f.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "TIDINGS: Error closing log file %s: %v\n", f.Name(), err)
			}
		}(logFile)
	}

	logger.Infof("tidings starting (version %s, commit: %s, built: %s)", version, commit, date)
	logger.Info("Configuration loaded", "path", *configPath, "lists", len(cfg.Lists))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signalChan
		logger.Info("Received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	deps, err := initializeServices(ctx, cfg)
	if err != nil {
		logger.Error("Failed to initialize services", "error", err)
		return 1
	}
	defer deps.store.Close()

	errChan := startServers(ctx, deps)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-errChan:
				errorHandler.FatalError("server", err)
			}
		}
	}()

	exitCode := 0
	select {
	case <-ctx.Done():
	case se := <-errorHandler.Errors():
		logger.Error("Shutting down after fatal error", "error", se)
		exitCode = 1
		cancel()
	}

	logger.Info("Waiting for all servers to stop gracefully...")
	for _, r := range deps.runners {
		r.Stop()
	}
	deps.cleanupWorker.Stop()
	deps.collector.Stop()
	deps.health.Stop()

	done := make(chan struct{})
	go func() {
		deps.serverManager.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("All servers stopped")
	case <-time.After(10 * time.Second):
		logger.Warn("Server shutdown timeout reached after 10 seconds")
	}
	return exitCode
}

// initializeServices opens the database and queues and builds the
// processing registry and the services on top of it.
func initializeServices(ctx context.Context, cfg config.Config) (_ *serverDependencies, err error) {
	deps := &serverDependencies{
		config:        cfg,
		hostname:      cfg.Site.Hostname,
		serverManager: &serverManager{},
	}
	if deps.hostname == "" {
		deps.hostname, _ = os.Hostname()
	}

	if deps.lists, err = mlist.NewManager(cfg.Lists); err != nil {
		return nil, fmt.Errorf("lists: %w", err)
	}
	if deps.store, err = db.Open(ctx, cfg.Database); err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}
	defer func() {
		if err != nil {
			deps.store.Close()
		}
	}()
	if deps.queues, err = queue.NewSet(cfg.Queue); err != nil {
		return nil, fmt.Errorf("queues: %w", err)
	}
	if deps.catalog, err = templates.Load(cfg.Templates.Path); err != nil {
		return nil, fmt.Errorf("templates: %w", err)
	}
	if deps.pendings, err = pending.New(deps.store, cfg.Pending); err != nil {
		return nil, fmt.Errorf("pending: %w", err)
	}
	holdLifetime, err := cfg.Pending.GetModeratorRequestLife()
	if err != nil {
		return nil, fmt.Errorf("pending.moderator_request_life: %w", err)
	}

	deps.notifier = notify.New(deps.catalog, deps.queues, deps.store, deps.hostname, cfg.Site.SiteOwner)

	deps.registry = engine.NewRegistry(cfg.Chains.GetMaxHops())
	rules.Register(deps.registry, rules.Deps{
		Roster:          deps.store,
		SiteBans:        cfg.Site.BannedAddrs,
		CommandMaxLines: cfg.Site.GetCommandMaxLines(),
	})
	chains.Register(deps.registry, chains.Deps{
		Held:         deps.store,
		Pendings:     deps.pendings,
		Notifier:     deps.notifier,
		HoldLifetime: holdLifetime,
		Site:         cfg.Chains,
	})
	handlers.Register(deps.registry, handlers.Deps{
		Store:     deps.store,
		Queues:    deps.queues,
		Catalog:   deps.catalog,
		Hostname:  deps.hostname,
		SiteOwner: cfg.Site.SiteOwner,
		Version:   version,
	})
	pipelines.Register(deps.registry)

	deps.workflows = workflow.NewManager(deps.lists, deps.pendings, deps.store, deps.store, deps.notifier)
	deps.moderator = moderator.New(deps.store, deps.pendings, deps.queues, deps.notifier)

	deps.health = health.NewHealthIntegration()
	deps.health.RegisterDatabaseCheck(deps.store.DB())
	deps.health.RegisterQueueCheck(deps.queues, cfg.Queue.MaxFailed)

	if deps.runners, err = buildRunners(ctx, deps); err != nil {
		return nil, err
	}

	evictInterval, err := cfg.Pending.GetEvictInterval()
	if err != nil {
		return nil, fmt.Errorf("pending.evict_interval: %w", err)
	}
	deps.cleanupWorker = cleaner.New(deps.pendings, deps.pendings, evictInterval)
	deps.collector = metrics.NewCollector(deps.store, deps.queues, 0)
	return deps, nil
}

func startServers(ctx context.Context, deps *serverDependencies) chan error {
	errChan := make(chan error, 1)
	cfg := deps.config

	for _, r := range deps.runners {
		if err := r.Start(ctx); err != nil {
			errChan <- err
			return errChan
		}
	}
	deps.cleanupWorker.Start(ctx)
	go deps.collector.Start(ctx)
	deps.health.Start(ctx)

	if cfg.LMTP.Start {
		go startLMTPServer(ctx, deps, errChan)
	}
	if cfg.AdminAPI.Start {
		go startAdminAPI(ctx, deps, errChan)
	}
	if cfg.Metrics.Enabled {
		go startMetricsServer(ctx, deps, errChan)
	}
	return errChan
}

func startLMTPServer(ctx context.Context, deps *serverDependencies, errChan chan error) {
	deps.serverManager.Add()
	defer deps.serverManager.Done()

	cfg := deps.config.LMTP
	maxMessageSize, err := config.ParseSize(cfg.MaxMessageSize)
	if err != nil {
		logger.Warn("LMTP: Invalid max_message_size, using default (25MB)", "error", err)
		maxMessageSize = 25 * 1024 * 1024
	}
	hostname := cfg.Hostname
	if hostname == "" {
		hostname = deps.hostname
	}

	lmtpServer, err := lmtp.New(ctx, hostname, cfg.Addr, deps.lists, deps.queues, lmtp.Options{
		MaxMessageSize: maxMessageSize,
	})
	if err != nil {
		errChan <- fmt.Errorf("failed to create LMTP server: %w", err)
		return
	}

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down LMTP server")
		if err := lmtpServer.Close(); err != nil {
			logger.Warn("Error closing LMTP server", "error", err)
		}
	}()

	lmtpServer.Start(errChan)
}

func startAdminAPI(ctx context.Context, deps *serverDependencies, errChan chan error) {
	deps.serverManager.Add()
	defer deps.serverManager.Done()

	cfg := deps.config.AdminAPI
	adminapi.Start(ctx, adminapi.ServerOptions{
		Addr:         cfg.Addr,
		APIKey:       cfg.APIKey,
		AllowedHosts: cfg.AllowedHosts,
		Lists:        deps.lists,
		Roster:       deps.store,
		Workflows:    deps.workflows,
		Pendings:     deps.pendings,
		Moderation:   deps.moderator,
		Queues:       deps.queues,
		Health:       deps.health,
	}, errChan)
}

func startMetricsServer(ctx context.Context, deps *serverDependencies, errChan chan error) {
	deps.serverManager.Add()
	defer deps.serverManager.Done()

	cfg := deps.config.Metrics
	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down metrics server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Error shutting down metrics server", "error", err)
		}
	}()

	logger.Info("Metrics server listening", "addr", cfg.Addr, "path", path)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		errChan <- fmt.Errorf("metrics server failed: %w", err)
	}
}
