package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"order-reconciler/config"
	"order-reconciler/internal/api"
	"order-reconciler/internal/broker"
	"order-reconciler/internal/gateway"
	"order-reconciler/internal/memstore"
	"order-reconciler/internal/models"
	"order-reconciler/internal/redisclient"
	"order-reconciler/internal/scheduler"
	"order-reconciler/internal/service"
	"order-reconciler/internal/store"
	"order-reconciler/internal/util"
	"order-reconciler/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// demoCatalog is loaded in development so the chat flow works out of the box
var demoCatalog = []struct {
	product   models.Product
	available int
}{
	{models.Product{SKU: "bread", Name: "Bread", Price: 100}, 200},
	{models.Product{SKU: "milk", Name: "Milk 500ml", Price: 75}, 200},
	{models.Product{SKU: "sugar", Name: "Sugar 1kg", Price: 180}, 100},
	{models.Product{SKU: "flour", Name: "Maize flour 2kg", Price: 210}, 100},
}

type orderBackend interface {
	service.OrderStore
	service.ProductRepository
}

type correlationIndex interface {
	service.CorrelationIndex
	scheduler.Pruneable
}

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env, cfg.Server.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting order reconciler")

	tp, err := util.InitTracer(util.ServiceName, cfg.Observ.JaegerEndpoint)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Printf("Error shutting down tracer: %v", err)
		}
	}()

	ctx := context.Background()
	checks := map[string]api.ReadinessCheck{}

	// Order store and catalog
	var orders orderBackend
	if cfg.Database.URL != "" {
		db, err := store.NewStore(cfg.Database.URL)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer db.Close()

		if cfg.Database.Migrate {
			if err := db.Migrate(ctx); err != nil {
				log.Fatalf("Failed to migrate database: %v", err)
			}
		}
		if cfg.Server.Env != "production" {
			for _, item := range demoCatalog {
				p := item.product
				if err := db.UpsertProduct(ctx, &p, item.available); err != nil {
					logger.Warn("Failed to seed product", zap.String("sku", p.SKU), zap.Error(err))
				}
			}
		}

		orders = db
		checks["postgres"] = db.Ping
		logger.Info("Database connected")
	} else {
		catalog := memstore.NewCatalog()
		for _, item := range demoCatalog {
			catalog.AddProduct(item.product.SKU, item.product.Name, item.product.Price, item.available)
		}
		orders = struct {
			*memstore.Orders
			*memstore.Catalog
		}{memstore.NewOrders(), catalog}
		logger.Warn("DATABASE_URL not set, orders are kept in memory")
	}

	// Correlation index, request cache and stock cache
	var (
		index    correlationIndex
		requests service.RequestCache
		stock    service.StockCache
		locker   scheduler.Locker
	)
	if cfg.Redis.Addr != "" {
		redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer redisClient.Close()

		index = redisclient.NewCorrelationIndex(redisClient)
		requests = redisclient.NewRequestCache(redisClient)
		stock = redisClient
		locker = redisclient.NewLocker(redisClient)
		checks["redis"] = redisClient.Ping
		logger.Info("Redis connected")
	} else {
		index = memstore.NewIndex()
		requests = memstore.NewRequestCache()
		logger.Warn("REDIS_ADDR not set, correlation index is kept in memory")
	}

	inventoryClient := service.NewInventoryClient(orders, stock)
	if err := inventoryClient.SyncInventoryToRedis(ctx); err != nil {
		logger.Warn("Failed to sync inventory to Redis", zap.Error(err))
	}

	// Kafka topics are optional
	var (
		eventPublisher *broker.EventPublisher
		producers      []*broker.Producer
	)
	if len(cfg.Kafka.Brokers) > 0 {
		events := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrderEvents)
		notifications := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicNotifications)
		callbacks := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicCallbacks)
		producers = append(producers, events, notifications, callbacks)
		eventPublisher = broker.NewEventPublisher(events, notifications, callbacks)
		logger.Info("Kafka producers initialized", zap.Strings("brokers", cfg.Kafka.Brokers))
	}
	defer func() {
		for _, p := range producers {
			p.Close()
		}
	}()

	simGateway := gateway.NewSimulatedGateway(gateway.SimulatedConfig{
		Provider:              cfg.Gateway.Provider,
		CallbackDelay:         cfg.Gateway.CallbackDelay,
		SuccessRate:           cfg.Gateway.SuccessRate,
		InitiationFailureRate: cfg.Gateway.InitiationFailureRate,
		AutoCallback:          cfg.Gateway.AutoCallback,
	}, nil)
	defer simGateway.Close()

	deps := service.Dependencies{
		Store:    orders,
		Index:    index,
		Gateway:  simGateway,
		Catalog:  inventoryClient,
		Requests: requests,
	}
	if eventPublisher != nil {
		deps.Notifier = eventPublisher
		deps.Publisher = eventPublisher
	}

	reconciler := service.NewReconciler(deps, service.ReconcilerConfig{
		GracePeriod:        cfg.Reconciler.GracePeriod,
		InitiationTimeout:  cfg.Reconciler.InitiationTimeout,
		InitiationAttempts: cfg.Reconciler.InitiationAttempts,
		InitiationBackoff:  cfg.Reconciler.InitiationBackoff,
		IdempotencyTTL:     cfg.Reconciler.IdempotencyTTL,
		Currency:           cfg.Reconciler.Currency,
	})

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	// Callback ingestion: Kafka topic when available, in-process queue otherwise
	processor := worker.NewCallbackProcessor(reconciler, cfg.Callbacks.MaxAttempts, cfg.Callbacks.Backoff)
	var (
		sink           gateway.CallbackSink
		callbackWorker *worker.CallbackWorker
		dispatcher     *worker.Dispatcher
	)
	if eventPublisher != nil {
		consumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicCallbacks, cfg.Kafka.ConsumerGroup).
			WithRetry(cfg.Callbacks.RedeliveryLimit, cfg.Callbacks.RedeliveryBackoff)
		callbackWorker = worker.NewCallbackWorker(consumer, processor)
		go func() {
			if err := callbackWorker.Start(workerCtx); err != nil {
				logger.Error("Callback worker error", zap.Error(err))
			}
		}()
		sink = eventPublisher
	} else {
		dispatcher = worker.NewDispatcher(processor, cfg.Callbacks.Workers, cfg.Callbacks.Buffer).
			WithRedelivery(cfg.Callbacks.RedeliveryLimit, cfg.Callbacks.RedeliveryBackoff)
		dispatcher.Start(workerCtx)
		sink = dispatcher
	}
	simGateway.SetSink(sink)

	// Payment timeouts
	var stopScheduler func()
	switch cfg.Scheduler.Backend {
	case "lmstfy":
		lmstfy := scheduler.NewLmstfyScheduler(scheduler.LmstfyConfig{
			Host:      cfg.Scheduler.LmstfyHost,
			Port:      cfg.Scheduler.LmstfyPort,
			Namespace: cfg.Scheduler.LmstfyNamespace,
			Token:     cfg.Scheduler.LmstfyToken,
			Queue:     cfg.Scheduler.LmstfyQueue,
		}, reconciler)
		lmstfy.Start(workerCtx)
		reconciler.SetScheduler(lmstfy)
		stopScheduler = lmstfy.Stop
	default:
		timers := scheduler.NewTimerScheduler(reconciler, 10*time.Second)
		reconciler.SetScheduler(timers)
		stopScheduler = timers.Stop
	}

	if n, err := reconciler.RecoverPending(ctx); err != nil {
		logger.Error("Failed to recover pending payment timeouts", zap.Error(err))
	} else if n > 0 {
		logger.Info("Re-armed payment timeouts", zap.Int("count", n))
	}

	pruner := scheduler.NewPruner(index, locker, cfg.Scheduler.RefRetention)
	if err := pruner.Start(cfg.Scheduler.PruneSchedule); err != nil {
		log.Fatalf("Failed to start index pruner: %v", err)
	}

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(reconciler, sink, checks)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	pruner.Stop()
	simGateway.Close()

	// drain accepted callbacks while the worker context is still live
	if dispatcher != nil {
		dispatcher.Stop()
	}
	if callbackWorker != nil {
		callbackWorker.Stop()
	}
	workerCancel()
	stopScheduler()

	logger.Info("Server exited")
}
