// Command gv50ingest runs the fleet TCP ingestion server, the admin API,
// and the Prometheus metrics endpoint from a single process.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/protei/gv50ingest/internal/logger"
	"github.com/protei/gv50ingest/pkg/adminapi"
	"github.com/protei/gv50ingest/pkg/adminapi/auth"
	"github.com/protei/gv50ingest/pkg/config"
	"github.com/protei/gv50ingest/pkg/dispatch"
	"github.com/protei/gv50ingest/pkg/fleet"
	"github.com/protei/gv50ingest/pkg/health"
	"github.com/protei/gv50ingest/pkg/metrics"
	"github.com/protei/gv50ingest/pkg/notify"
	"github.com/protei/gv50ingest/pkg/server"
	"github.com/protei/gv50ingest/pkg/storage"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(logger.Config{
		Path:       cfg.Logging.Path,
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	log := logger.Get().WithComponent("main")
	log.Info("starting gv50ingest", "version", cfg.Application.Version)

	store, err := storage.Open(storage.Config{
		URI:          cfg.Storage.URI,
		Database:     cfg.Storage.Database,
		MaxOpenConns: cfg.Storage.MaxOpenConns,
		MaxIdleConns: cfg.Storage.MaxIdleConns,
	})
	if err != nil {
		log.Fatal("failed to open storage", err)
		os.Exit(1)
	}
	defer store.Close()

	notifier := notify.New(notify.Config{
		Enabled:        cfg.Notify.Enabled,
		ProjectID:      cfg.Notify.ProjectID,
		AccessToken:    os.Getenv("GV50INGEST_FCM_ACCESS_TOKEN"),
		DefaultTopic:   cfg.Notify.DefaultTopic,
		RequestTimeout: time.Duration(cfg.Notify.RequestTimeoutS) * time.Second,
	})

	met := metrics.New()
	if cfg.Metrics.Enabled {
		met.Serve(cfg.Metrics.ListenAddr)
		log.Info("metrics endpoint listening", "addr", cfg.Metrics.ListenAddr)
	}

	registry := fleet.New(time.Duration(cfg.Server.ConnectionTimeoutS) * time.Second)
	registry.OnEvict = func() { met.ConnectionsEvicted.Inc() }

	dispatcher := dispatch.New(dispatch.Config{
		Password:       cfg.Device.Password,
		PrimaryIP:      cfg.Migration.PrimaryServerIP,
		PrimaryPort:    cfg.Migration.PrimaryServerPort,
		BackupIP:       cfg.Migration.BackupServerIP,
		BackupPort:     cfg.Migration.BackupServerPort,
		InFlightWindow: time.Duration(cfg.Server.CommandInFlightS) * time.Second,
	})

	healthCheck := health.New(&health.Config{
		Enabled:       true,
		CheckInterval: 30 * time.Second,
	})

	srv := server.New(cfg.Server, cfg.Battery, server.Deps{
		Store:      store,
		Notifier:   notifier,
		Dispatcher: dispatcher,
		Registry:   registry,
		Metrics:    met,
		Health:     healthCheck,
	})

	var admin *adminapi.Server
	if cfg.Admin.Enabled {
		authSvc := auth.NewService(auth.Config{
			JWTSecret: cfg.Admin.JWTSecret,
			TokenTTL:  time.Duration(cfg.Admin.TokenTTLMinutes) * time.Minute,
		})
		seedAdminUser(authSvc)

		admin = adminapi.New(adminapi.Config{
			Addr:     cfg.Admin.ListenAddr,
			Auth:     authSvc,
			Store:    store,
			Registry: registry,
		})
		admin.Start()
		log.Info("admin API listening", "addr", cfg.Admin.ListenAddr)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("received shutdown signal", "signal", sig.String())
		cancel()
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe(ctx)
	}()

	if err := <-errCh; err != nil {
		log.Error("ingestion server stopped with error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownGraceS)*time.Second)
	defer shutdownCancel()

	if admin != nil {
		if err := admin.Shutdown(shutdownCtx); err != nil {
			log.Warn("admin API shutdown error", "error", err.Error())
		}
	}
	if err := met.Shutdown(shutdownCtx); err != nil {
		log.Warn("metrics shutdown error", "error", err.Error())
	}

	log.Info("gv50ingest stopped")
}

// seedAdminUser registers the bootstrap operator account from environment
// variables so a fresh deployment has at least one way in. The account is
// held in memory only; the admin API has no route for adding or changing
// accounts.
func seedAdminUser(authSvc *auth.Service) {
	username := os.Getenv("GV50INGEST_ADMIN_USER")
	passwordHash := os.Getenv("GV50INGEST_ADMIN_PASSWORD_HASH")
	if username == "" || passwordHash == "" {
		return
	}
	authSvc.RegisterUser(username, passwordHash)
}
