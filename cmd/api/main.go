package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	httptransport "github.com/kyeliu99/PFlow/internal/api/http"
	"github.com/kyeliu99/PFlow/internal/api/http/handlers"
	"github.com/kyeliu99/PFlow/internal/auth"
	"github.com/kyeliu99/PFlow/internal/callback"
	"github.com/kyeliu99/PFlow/internal/config"
	"github.com/kyeliu99/PFlow/internal/engine"
	"github.com/kyeliu99/PFlow/internal/events"
	"github.com/kyeliu99/PFlow/internal/observability"
	"github.com/kyeliu99/PFlow/internal/persistence"
	"github.com/kyeliu99/PFlow/internal/repository"
	"github.com/kyeliu99/PFlow/internal/service"
	"github.com/kyeliu99/PFlow/internal/worker"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("service stopped with error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	metrics := observability.NewMetrics()

	pg, err := persistence.NewPostgres(ctx, cfg.Postgres, logger)
	if err != nil {
		return err
	}
	defer pg.Close()

	ticketRepo := repository.NewMemoryTicketRepository()
	if pg.Enabled() {
		if cfg.Postgres.RunMigrations {
			if err := persistence.RunMigrations(ctx, pg.PoolHandle(), cfg.Postgres.MigrationsDir, logger); err != nil {
				return err
			}
		}
		ticketRepo = repository.NewTicketRepository(pg.PoolHandle())
	}

	redis := persistence.NewRedis(cfg.Redis, logger)
	defer redis.Close()

	backend, err := newEngine(ctx, cfg.Engine, logger)
	if err != nil {
		return err
	}
	retrying := engine.NewRetryingClient(backend, engine.RetryPolicyFromConfig(cfg.Engine), logger, metrics)

	dispatcher := events.NewInMemoryDispatcher()
	var publisher events.Publisher
	if cfg.Events.RabbitURL != "" {
		rabbit, err := events.NewRabbitPublisher(cfg.Events.RabbitURL, cfg.Events.TicketExchange)
		if err != nil {
			return err
		}
		defer rabbit.Close() //nolint:errcheck
		publisher = rabbit
		logger.Info("publishing ticket events", zap.String("exchange", cfg.Events.TicketExchange))
	}
	worker.StartNotificationWorker(service.NewNotificationService(dispatcher, logger, publisher), logger)

	ticketService := service.NewTicketService(service.TicketDependencies{
		TicketRepo: ticketRepo,
		Engine:     retrying,
		Dispatcher: dispatcher,
		Logger:     logger,
		Metrics:    metrics,
	})
	receiver := callback.NewReceiver(ticketService, logger, metrics)

	var tokens *auth.TokenManager
	if cfg.Callback.Secret != "" {
		tokens = auth.NewTokenManager(cfg.Callback.Secret, cfg.Callback.Issuer, 0)
	} else {
		logger.Warn("CALLBACK_SECRET not provided; engine callbacks are not authenticated")
	}

	app := fiber.New(fiber.Config{
		AppName:               cfg.App.Name,
		DisableStartupMessage: true,
	})
	httptransport.RegisterMiddlewares(app, logger, metrics, cfg.App.RequestTimeout())
	httptransport.RegisterRoutes(app, httptransport.RouteConfig{
		Health:       handlers.NewHealthHandler(cfg.App.Name, cfg.App.Version, pg, redis),
		Tickets:      handlers.NewTicketsHandler(ticketService),
		Callbacks:    handlers.NewCallbacksHandler(receiver, logger),
		CallbackAuth: auth.NewCallbackMiddleware(tokens),
		Metrics:      metrics,
	})

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("http server listening", zap.String("addr", cfg.App.Addr()))
		return app.Listen(cfg.App.Addr())
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		return app.ShutdownWithTimeout(shutdownTimeout)
	})

	g.Go(func() error {
		return worker.NewExternalTaskWorker(cfg.Worker, backend, ticketService, receiver, logger).Run(ctx)
	})
	if interval := cfg.Worker.ReconcileInterval(); interval > 0 {
		g.Go(func() error {
			return worker.NewReconciler(ticketService, retrying, receiver, interval, logger).Run(ctx)
		})
	}
	if redis.Enabled() {
		g.Go(func() error {
			return callback.NewRedisSubscriber(redis.Client, cfg.Callback.RedisChannel, receiver, logger).Run(ctx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// engineBackend is an engine that also serves external tasks.
type engineBackend interface {
	engine.Client
	engine.TaskSource
}

// newEngine selects the Camunda client when ENGINE_URL is set and the
// in-process engine otherwise.
func newEngine(ctx context.Context, cfg config.EngineConfig, logger *zap.Logger) (engineBackend, error) {
	if cfg.BaseURL == "" {
		logger.Warn("ENGINE_URL not provided; using in-process engine")
		return engine.NewMemoryClient(), nil
	}

	client := engine.NewCamundaClient(cfg)
	if cfg.DeployOnStart {
		if err := client.DeployProcess(ctx, engine.TicketApprovalProcessName, engine.TicketApprovalBPMN); err != nil {
			return nil, err
		}
		logger.Info("deployed approval process", zap.String("process_key", cfg.ProcessKey))
	}
	logger.Info("using camunda engine", zap.String("url", cfg.BaseURL))
	return client, nil
}
