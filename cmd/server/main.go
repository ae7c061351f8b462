// Command server runs the sessionmesh control plane: the REST API,
// websocket event streams, the agent registry sweeper and the cross-node
// event relay.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/sessionmesh/sessionmesh/pkg/agents"
	"github.com/sessionmesh/sessionmesh/pkg/api"
	"github.com/sessionmesh/sessionmesh/pkg/cache"
	"github.com/sessionmesh/sessionmesh/pkg/config"
	"github.com/sessionmesh/sessionmesh/pkg/coordination"
	"github.com/sessionmesh/sessionmesh/pkg/database"
	"github.com/sessionmesh/sessionmesh/pkg/events"
	"github.com/sessionmesh/sessionmesh/pkg/locks"
	"github.com/sessionmesh/sessionmesh/pkg/observability"
	"github.com/sessionmesh/sessionmesh/pkg/repository"
	"github.com/sessionmesh/sessionmesh/pkg/services"
	"github.com/sessionmesh/sessionmesh/pkg/tasks"
)

func main() {
	configFile := flag.String("config", "", "optional config file path")
	skipMigrate := flag.Bool("skip-migrate", false, "do not run schema migrations on boot")
	flag.Parse()

	logger := observability.NewStandardLogger("sessionmesh")

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Fatal("Failed to load configuration", map[string]interface{}{"error": err.Error()})
	}
	if sl, ok := logger.(*observability.StandardLogger); ok {
		logger = sl.WithLevel(observability.LogLevel(cfg.Logging.Level))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := observability.NewPrometheusMetricsClient(nil, "sessionmesh")
	defer metrics.Close()

	db, err := database.New(ctx, database.Config{
		DSN:          cfg.Database.DSN(),
		MaxOpenConns: cfg.Database.MaxConns,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to connect to database", map[string]interface{}{"error": err.Error()})
	}
	defer db.Close()

	if !*skipMigrate {
		if err := db.Migrate(); err != nil {
			logger.Fatal("Failed to apply migrations", map[string]interface{}{"error": err.Error()})
		}
	}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr()})
	defer redisClient.Close()
	coord := coordination.NewClient(redisClient, logger)
	if err := coord.Ping(ctx); err != nil {
		logger.Fatal("Failed to reach coordination store", map[string]interface{}{"error": err.Error()})
	}

	bus := events.NewBus(coord, logger, metrics)
	go bus.RunRelayAll(ctx)

	sessionRepo := repository.NewSessionRepository(db.DB(), cache.NewRedisCache(redisClient, "sessions"), logger)
	taskRepo := repository.NewTaskRepository(db.DB(), logger)
	agentRepo := repository.NewAgentRepository(db.DB(), logger)
	tenantRepo := repository.NewTenantRepository(db.DB(), logger)

	registry := agents.NewRegistry(agentRepo, bus, logger, metrics, agents.RegistryConfig{})
	go registry.RunSweeper(ctx)

	estimator := tasks.NewEstimator()
	decomposer := tasks.NewDecomposer(estimator, logger)
	router := agents.NewRouter(registry, logger, metrics)

	orchestrator := services.NewOrchestrator(services.OrchestratorConfig{
		Sessions:   sessionRepo,
		Tasks:      taskRepo,
		Tenants:    tenantRepo,
		Locks:      locks.NewManager(coord, logger, metrics),
		Meter:      services.NewTokenMeter(coord),
		Bus:        bus,
		Registry:   registry,
		Router:     router,
		Reserver:   agents.NewReserver(coord, logger, metrics),
		Dispatcher: agents.NewDispatcher(logger, metrics),
		Estimator:  estimator,
		Decomposer: decomposer,
		Logger:     logger,
		Metrics:    metrics,
	})

	taskManager := services.NewTaskManager(taskRepo, sessionRepo, estimator, decomposer, bus, logger, metrics)

	server := api.NewServer(api.ServerConfig{
		API:      cfg.API,
		Sessions: orchestrator,
		Agents:   registry,
		Router:   router,
		Tasks:    taskManager,
		Bus:      bus,
		DB:       db,
		Coord:    coord,
		Logger:   logger,
		Metrics:  metrics,
		Registry: metrics,
	})

	if err := server.Run(ctx); err != nil && err != http.ErrServerClosed {
		logger.Fatal("Server exited", map[string]interface{}{"error": err.Error()})
	}
	logger.Info("Server stopped", nil)
}
