package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/c.mueller/offline-sync/internal/api"
	"github.com/c.mueller/offline-sync/internal/cluster"
	"github.com/c.mueller/offline-sync/internal/config"
	"github.com/c.mueller/offline-sync/internal/database"
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
	dbPathFlag := flag.String("db", "", "Database file path (overrides config)")
	nodeNameFlag := flag.String("node-name", "", "Node name (overrides config)")
	serfAddrFlag := flag.String("serf-addr", "", "Serf bind address (overrides config)")
	seedsFlag := flag.String("seeds", "", "Comma separated serf seed addresses (overrides config)")
	httpURLFlag := flag.String("advertise-url", "", "URL devices use to reach this store (overrides config)")
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
		cfg.Node.Name = "store-1"
		cfg.Node.Database.Path = "./store.db"
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
	if *httpURLFlag != "" {
		cfg.Node.HTTP.AdvertiseURL = *httpURLFlag
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

	slog.Info("Starting offline-sync store", "log_level", cfg.LogLevel, "node", cfg.Node.Name)

	// Initialize database
	log.Printf("Initializing database at %s", cfg.Node.Database.Path)
	db, err := database.New(cfg.Node.Database.Path)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.Close()

	// Initialize cluster
	log.Printf("Initializing cluster (node: %s, serf: %s)", cfg.Node.Name, cfg.Node.Serf.BindAddr)
	clusterInstance, err := cluster.New(cluster.Options{
		NodeName:      cfg.Node.Name,
		BindAddr:      cfg.Node.Serf.BindAddr,
		AdvertiseAddr: cfg.Node.Serf.AdvertiseAddr,
		Role:          cluster.RoleStore,
		HTTPURL:       cfg.HTTPURL(),
		EncryptKey:    []byte(cfg.Cluster.EncryptKey),
	})
	if err != nil {
		log.Fatalf("Failed to initialize cluster: %v", err)
	}
	defer clusterInstance.Stop()

	// Start cluster
	joinTimeout := time.Duration(cfg.Cluster.JoinTimeout) * time.Second
	if err := clusterInstance.Start(cfg.Cluster.Seeds, joinTimeout); err != nil {
		log.Fatalf("Failed to start cluster: %v", err)
	}

	// Create Chi router
	router := chi.NewMux()

	// Create Huma API
	humaAPI := humachi.New(router, huma.DefaultConfig("Offline Sync Store API", "1.0.0"))

	// Register routes with cluster support
	apiServer := api.NewStoreServer(db, clusterInstance)
	apiServer.RegisterRoutes(humaAPI)

	// Create HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Node.HTTP.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Printf("Starting HTTP server on port %d (advertised as %s)", cfg.Node.HTTP.Port, cfg.HTTPURL())
		log.Printf("API documentation available at http://localhost:%d/docs", cfg.Node.HTTP.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		// Wait for interrupt signal (or a server failure) to shut down
		<-gctx.Done()
		log.Println("Shutting down server...")

		// Gracefully shutdown cluster first
		if err := clusterInstance.Stop(); err != nil {
			log.Printf("Error stopping cluster: %v", err)
		}

		// Then shutdown HTTP server
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

	log.Println("Server exited")
}
