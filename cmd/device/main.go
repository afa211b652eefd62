package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/c.mueller/offline-sync/internal/api"
	"github.com/c.mueller/offline-sync/internal/cluster"
	"github.com/c.mueller/offline-sync/internal/config"
	"github.com/c.mueller/offline-sync/internal/database"
	"github.com/c.mueller/offline-sync/internal/engine"
	"github.com/c.mueller/offline-sync/internal/models"
	"github.com/c.mueller/offline-sync/internal/remote"
	"github.com/c.mueller/offline-sync/internal/retry"
	"github.com/c.mueller/offline-sync/internal/worker"
)

// slogWriter adapts slog to io.Writer interface for standard log package
type slogWriter struct {
	logger *slog.Logger
}

func (w *slogWriter) Write(p []byte) (n int, err error) {
	w.logger.Info(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

func main() {
	// Command line flags
	configFlag := flag.String("config", "", "Path to configuration file (YAML)")
	portFlag := flag.String("port", "", "HTTP server port (overrides config)")
	dbPathFlag := flag.String("db", "", "Local database file path (overrides config)")
	nodeNameFlag := flag.String("node-name", "", "Node name, also the device id (overrides config)")
	serfAddrFlag := flag.String("serf-addr", "", "Serf bind address (overrides config)")
	seedsFlag := flag.String("seeds", "", "Comma separated serf seed addresses (overrides config)")
	remoteFlag := flag.String("remote-url", "", "Store URL when running without cluster discovery (overrides config)")
	flag.Parse()

	var cfg *config.Config
	var err error

	// Load config file if provided
	if *configFlag != "" {
		log.Printf("Loading configuration from %s", *configFlag)
		cfg, err = config.LoadConfig(*configFlag)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	} else {
		cfg = config.Default()
		cfg.Node.Name = "device-1"
		cfg.Node.Serf.BindAddr = "0.0.0.0:7947"
		cfg.Node.HTTP.Port = 8081
		cfg.Node.Database.Path = "./device.db"
	}

	// Override with command line flags
	if *portFlag != "" {
		port, err := strconv.Atoi(*portFlag)
		if err != nil {
			log.Fatalf("Invalid port: %v", err)
		}
		cfg.Node.HTTP.Port = port
	}
	if *dbPathFlag != "" {
		cfg.Node.Database.Path = *dbPathFlag
	}
	if *nodeNameFlag != "" {
		cfg.Node.Name = *nodeNameFlag
	}
	if *serfAddrFlag != "" {
		cfg.Node.Serf.BindAddr = *serfAddrFlag
	}
	if *seedsFlag != "" {
		cfg.Cluster.Seeds = strings.Split(*seedsFlag, ",")
	}
	if *remoteFlag != "" {
		cfg.Remote.URL = *remoteFlag
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Setup logger with configured level
	logger, logCloser := config.NewLogger(cfg)
	defer logCloser.Close()
	slog.SetDefault(logger)
	log.SetFlags(0)
	log.SetOutput(&slogWriter{logger: logger})

	slog.Info("Starting offline-sync device", "log_level", cfg.LogLevel, "node", cfg.Node.Name)

	// Initialize local durable store
	log.Printf("Initializing local store at %s", cfg.Node.Database.Path)
	var dbOpts []database.Option
	if cfg.Node.Database.QuotaBytes > 0 {
		log.Printf("Local store quota: %s", humanize.Bytes(uint64(cfg.Node.Database.QuotaBytes)))
		dbOpts = append(dbOpts, database.WithQuota(cfg.Node.Database.QuotaBytes))
	}
	db, err := database.New(cfg.Node.Database.Path, dbOpts...)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.Close()

	store := remote.NewHTTPStore(cfg.Remote.URL, cfg.Sync.RemoteTimeout)

	// Connectivity comes from cluster membership when seeds are configured,
	// otherwise from the static remote URL.
	var clusterInstance *cluster.Cluster
	var connectivity engine.Connectivity
	var identity engine.Identity
	var apiCluster api.Cluster

	if len(cfg.Cluster.Seeds) > 0 {
		log.Printf("Initializing cluster (node: %s, serf: %s)", cfg.Node.Name, cfg.Node.Serf.BindAddr)
		clusterInstance, err = cluster.New(cluster.Options{
			NodeName:      cfg.Node.Name,
			BindAddr:      cfg.Node.Serf.BindAddr,
			AdvertiseAddr: cfg.Node.Serf.AdvertiseAddr,
			Role:          cluster.RoleDevice,
			HTTPURL:       cfg.HTTPURL(),
			EncryptKey:    []byte(cfg.Cluster.EncryptKey),
		})
		if err != nil {
			log.Fatalf("Failed to initialize cluster: %v", err)
		}
		defer clusterInstance.Stop()

		clusterInstance.OnStoreURL(store.SetBaseURL)
		connectivity = clusterInstance
		identity = clusterInstance
		apiCluster = clusterInstance
	} else {
		log.Printf("No seeds configured, using static store %q", cfg.Remote.URL)
		static := cluster.NewStatic(cfg.Node.Name, cfg.Remote.URL != "")
		connectivity = static
		identity = static
	}

	// Initialize sync engine
	syncEngine, err := engine.New(engine.Deps{
		Remote:       store,
		Local:        db,
		Connectivity: connectivity,
		Identity:     identity,
		Logger:       logger,
	}, engine.Config{
		QueueKey:         cfg.Sync.QueueKey,
		Retry:            retry.Policy{MaxRetries: cfg.Sync.MaxRetries, Backoff: cfg.Sync.Backoff},
		BreakerThreshold: cfg.Sync.BreakerThreshold,
		BreakerCooldown:  cfg.Sync.BreakerCooldown,
		RemoteTimeout:    cfg.Sync.RemoteTimeout,
	})
	if err != nil {
		log.Fatalf("Failed to initialize sync engine: %v", err)
	}
	defer syncEngine.Close()

	if clusterInstance != nil {
		syncEngine.Subscribe(func(ev models.StatusEvent) {
			if err := clusterInstance.BroadcastStatus(ev); err != nil {
				log.Printf("[WARN] Failed to broadcast status: %v", err)
			}
		})
		clusterInstance.SetQueueStatus(func() cluster.QueueDepth {
			return cluster.QueueDepth{
				Pending: syncEngine.PendingCount(),
				Breaker: string(syncEngine.Breaker().State),
			}
		})

		// Start cluster
		joinTimeout := time.Duration(cfg.Cluster.JoinTimeout) * time.Second
		if err := clusterInstance.Start(cfg.Cluster.Seeds, joinTimeout); err != nil {
			log.Fatalf("Failed to start cluster: %v", err)
		}
	}

	syncEngine.Start()

	// Start background flusher
	flusher := worker.New(syncEngine, cfg.Sync.FlushInterval)
	flusher.Start()
	defer flusher.Stop()

	// Create Chi router
	router := chi.NewMux()

	// Create Huma API
	humaAPI := humachi.New(router, huma.DefaultConfig("Offline Sync Device API", "1.0.0"))

	apiServer := api.NewDeviceServer(syncEngine, apiCluster)
	apiServer.RegisterRoutes(humaAPI)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	// Create HTTP server. No write timeout: /events streams until the
	// request context, derived from gctx, ends at shutdown.
	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Node.HTTP.Port),
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
		BaseContext: func(net.Listener) context.Context { return gctx },
	}

	g.Go(func() error {
		log.Printf("Starting HTTP server on port %d", cfg.Node.HTTP.Port)
		log.Printf("API documentation available at http://localhost:%d/docs", cfg.Node.HTTP.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		// Wait for interrupt signal (or a server failure) to shut down
		<-gctx.Done()
		log.Println("Shutting down device...")

		// Stop producing passes before tearing down their dependencies
		flusher.Stop()
		syncEngine.Close()

		if clusterInstance != nil {
			if err := clusterInstance.Stop(); err != nil {
				log.Printf("Error stopping cluster: %v", err)
			}
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Printf("Exiting with error: %v", err)
		os.Exit(1)
	}

	log.Printf("Device exited with %d item(s) pending", syncEngine.PendingCount())
}
