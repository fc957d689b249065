package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/wb-go/wbf/config"
	"github.com/wb-go/wbf/dbpg"
	"github.com/wb-go/wbf/zlog"

	"volunteerhub/cmd/buildcfg"
	"volunteerhub/internal/api/api"
	"volunteerhub/internal/changefeed"
	"volunteerhub/internal/dashboard"
	"volunteerhub/internal/identity"
	"volunteerhub/internal/mailer"
	"volunteerhub/internal/metrics"
	"volunteerhub/internal/notify"
	"volunteerhub/internal/querycache"
	"volunteerhub/internal/rabbit"
	"volunteerhub/internal/repo"
	"volunteerhub/internal/service"
	"volunteerhub/internal/session"
)

// feedBroker adapts the rabbit client to the change-feed contract.
type feedBroker struct {
	rmq *rabbit.Client
}

func (b feedBroker) Subscribe(name string, keys []string, handler func([]byte) error) (changefeed.Channel, error) {
	return b.rmq.Subscribe(name, keys, handler)
}

// identityBroker adapts the rabbit client to the identity provider.
type identityBroker struct {
	rmq *rabbit.Client
}

func (b identityBroker) Publish(key string, msg []byte) error {
	return b.rmq.Publish(key, msg)
}

func (b identityBroker) Subscribe(name string, keys []string, handler func([]byte) error) (identity.Channel, error) {
	return b.rmq.Subscribe(name, keys, handler)
}

func main() {
	zlog.Init()
	log := zlog.Logger

	cfg := config.New()
	if err := cfg.Load("config.yaml", "", "'"); err != nil {
		log.Fatal().Msgf("failed to load configuration: %v", err)
	}
	serverCfg := buildcfg.BuildServerConfig(cfg, &log)
	port := serverCfg.Port

	masterDSN, slaveDSNs, poolOptions, err := buildcfg.BuildDBConfig(cfg, &log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build DB config")
	}
	db, err := dbpg.New(masterDSN, slaveDSNs, poolOptions)
	if err != nil {
		log.Fatal().Msgf("failed to connect to DB: %v", err)
	}
	if err := db.Master.Ping(); err != nil {
		log.Fatal().Msgf("DB ping failed: %v", err)
	}
	log.Info().Msg("Database connected successfully")

	repository, err := repo.NewRepository(db, &log)
	if err != nil {
		log.Fatal().Msgf("failed to initialize repository: %v", err)
	}
	cwd, err := os.Getwd()
	if err != nil {
		log.Fatal().Err(err).Msg("cannot get working directory")
	}
	migrationPath := filepath.Join(cwd, "migrations/postgres")
	if err := repository.MigrateUp(migrationPath); err != nil {
		log.Fatal().Err(err).Msg("migration failed")
	}
	log.Info().Msg("Migrations applied successfully")

	rabbitCfg, err := buildcfg.BuildRabbitConfig(cfg, &log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load RabbitMQ config")
	}
	rmq, err := rabbit.NewClient(rabbitCfg.URL)
	if err != nil {
		log.Fatal().Msgf("Failed to connect to RabbitMQ: %v", err)
	}
	defer rmq.Close()

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)
	cache := querycache.New(&log, collector)

	janitor := cron.New()
	if _, err := janitor.AddFunc("@every 5m", func() { cache.Sweep() }); err != nil {
		log.Fatal().Err(err).Msg("failed to schedule cache janitor")
	}
	janitor.Start()
	defer janitor.Stop()

	authCfg, err := buildcfg.BuildAuthConfig(cfg, &log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load auth config")
	}
	provider := identity.NewProvider(repository, identityBroker{rmq}, &log, identity.Config{
		Secret:    authCfg.Secret,
		TokenTTL:  authCfg.TokenTTL,
		TokenPath: authCfg.TokenPath,
	})
	if err := provider.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start identity provider")
	}

	routes := service.NewRouteTracker(session.RouteLogin)
	notifier := notify.NewLogNotifier(&log)
	store := session.NewStore(provider, repository, routes, notifier, &log, collector)

	workerCtx, cancelWorkers := context.WithCancel(context.Background())

	go store.Run(workerCtx)
	store.Restore(workerCtx)

	dashboards := dashboard.NewManager(cache, repository, feedBroker{rmq}, &log, collector)

	mailCfg := buildcfg.BuildMailConfig(cfg, &log)
	var mail *mailer.Mailer
	if mailCfg.Enabled {
		mail = mailer.New(mailCfg.Host, mailCfg.Port, mailCfg.From, mailCfg.Password, &log)
	}

	serviceInstance := service.NewService(store, repository, dashboards, rmq, routes, mail, &log)
	app := api.NewRouters(&api.Routers{Service: serviceInstance, Auth: provider, Gatherer: registry})

	serverErrChan := make(chan error, 1)
	go func() {
		log.Info().Msgf("Starting server on %s", port)
		if err := app.Run(":" + port); err != nil {
			serverErrChan <- fmt.Errorf("failed to start server: %w", err)
		}
	}()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-signalChan:
		log.Info().Msgf("Received signal %s. Initiating shutdown...", sig)
	case err := <-serverErrChan:
		log.Error().Msgf("Server error: %v", err)
	}

	cancelWorkers()
	dashboards.CloseAll()
	provider.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if closer, ok := interface{}(app).(interface{ Close(context.Context) error }); ok {
		if err := closer.Close(shutdownCtx); err != nil {
			log.Error().Msgf("Error shutting down server: %v", err)
		}
	}

	log.Info().Msg("Shutdown complete")
}
