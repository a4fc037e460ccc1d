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

	"storefront-service/config"
	"storefront-service/internal/aftersales"
	"storefront-service/internal/api"
	"storefront-service/internal/broker"
	"storefront-service/internal/memstore"
	"storefront-service/internal/redisclient"
	"storefront-service/internal/repository"
	"storefront-service/internal/service"
	"storefront-service/internal/store"
	"storefront-service/internal/util"
	"storefront-service/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting storefront service")

	tp, err := util.InitTracer("storefront-service", cfg.Observ.JaegerEndpoint)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Warn("Error shutting down tracer", zap.Error(err))
		}
	}()

	ctx := context.Background()
	checks := map[string]api.Pinger{}

	var db repository.Store
	switch cfg.Database.Driver {
	case "memory":
		mem := memstore.New()
		if cfg.Database.SeedFile != "" {
			f, err := os.Open(cfg.Database.SeedFile)
			if err != nil {
				logger.Fatal("Failed to open seed file", zap.Error(err))
			}
			n, err := mem.LoadSeed(f)
			f.Close()
			if err != nil {
				logger.Fatal("Failed to load seed file", zap.Error(err))
			}
			logger.Info("Catalog seeded", zap.Int("variants", n))
		}
		db = mem
		logger.Warn("Using in-memory store; data is lost on restart")
	case "postgres":
		pg, err := store.NewStore(cfg.Database.URL)
		if err != nil {
			logger.Fatal("Failed to connect to database", zap.Error(err))
		}
		defer pg.Close()
		if cfg.Database.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				logger.Fatal("Failed to migrate database", zap.Error(err))
			}
		}
		db = pg
		checks["postgres"] = pg
		logger.Info("Database connected")
	default:
		logger.Fatal("Unknown store driver", zap.String("driver", cfg.Database.Driver))
	}

	// locker and cache stay untyped nil without Redis
	var (
		locker service.Locker
		cache  service.StockCache
		dedupe worker.Deduper
	)
	if cfg.Redis.Enabled {
		redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer redisClient.Close()
		locker, cache, dedupe = redisClient, redisClient, redisClient
		checks["redis"] = redisClient
		logger.Info("Redis connected")
	}

	var carts, tickets, refunds broker.Publisher
	if cfg.Kafka.Enabled {
		cartProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicCartEvents)
		defer cartProducer.Close()
		ticketProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicTicketEvents)
		defer ticketProducer.Close()
		refundProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicRefundRequests)
		defer refundProducer.Close()
		carts, tickets, refunds = cartProducer, ticketProducer, refundProducer
		logger.Info("Kafka producers initialized", zap.Strings("brokers", cfg.Kafka.Brokers))
	} else {
		carts = broker.NewLogPublisher(cfg.Kafka.TopicCartEvents)
		tickets = broker.NewLogPublisher(cfg.Kafka.TopicTicketEvents)
		refunds = broker.NewLogPublisher(cfg.Kafka.TopicRefundRequests)
		logger.Warn("Kafka disabled; events are only logged")
	}
	eventPublisher := broker.NewEventPublisher(carts, tickets, refunds)

	policy, err := aftersales.NewPolicy(
		cfg.Business.ReturnWindowDays,
		cfg.Business.EvidenceRequiredTypes,
		cfg.Business.AllowPartialRefunds,
	)
	if err != nil {
		logger.Fatal("Invalid refund policy configuration", zap.Error(err))
	}

	ledger := service.NewStockLedger(db, cache)
	orderBridge := service.NewOrderBridge(db, eventPublisher)
	cartService := service.NewCartService(db, ledger, orderBridge, locker, eventPublisher, cfg.Business.CheckoutTimeout)
	refundService := service.NewRefundService(eventPublisher)
	ticketService := service.NewTicketService(db, orderBridge, refundService, eventPublisher, policy)

	if err := ledger.SyncAll(ctx); err != nil {
		logger.Warn("Failed to sync stock to Redis", zap.Error(err))
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	reaper := worker.NewCartReaper(cartService, locker,
		cfg.Business.CartAbandonAfter,
		cfg.Business.ReaperInterval,
		cfg.Business.ReaperBatchSize)
	go func() {
		if err := reaper.Start(workerCtx); err != nil && err != context.Canceled {
			logger.Error("Cart reaper error", zap.Error(err))
		}
	}()

	var refundWorker *worker.RefundWorker
	if cfg.Kafka.Enabled {
		refundConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicRefundResults, cfg.Kafka.ConsumerGroup)
		refundWorker = worker.NewRefundWorker(refundConsumer, ticketService, dedupe)
		go func() {
			if err := refundWorker.Start(workerCtx); err != nil && err != context.Canceled {
				logger.Error("Refund worker error", zap.Error(err))
			}
		}()
	}

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(cartService, ledger, ticketService, orderBridge, checks)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	if refundWorker != nil {
		if err := refundWorker.Stop(); err != nil {
			logger.Warn("Error stopping refund worker", zap.Error(err))
		}
	}

	logger.Info("Server exited")
}
