package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kyungseok/charter-payment-saga/common/idempotency"
	"github.com/kyungseok/charter-payment-saga/common/lock"
	"github.com/kyungseok/charter-payment-saga/common/logger"
	"github.com/kyungseok/charter-payment-saga/common/messaging"
	"github.com/kyungseok/charter-payment-saga/services/payment/internal/config"
	"github.com/kyungseok/charter-payment-saga/services/payment/internal/gateway"
	"github.com/kyungseok/charter-payment-saga/services/payment/internal/handler"
	"github.com/kyungseok/charter-payment-saga/services/payment/internal/repository"
	"github.com/kyungseok/charter-payment-saga/services/payment/internal/service"
	"github.com/kyungseok/charter-payment-saga/services/payment/internal/worker"
)

func main() {
	// Config 로드
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Logger 초기화
	log, err := logger.NewLogger(cfg.ServiceName, cfg.Development)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("service stopped with error", zap.Error(err))
	}
	log.Info("server stopped")
}

func run(ctx context.Context, cfg config.Config, log *zap.Logger) error {
	// 저장소 초기화
	store, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	// 잠금 / 멱등성 저장소 초기화
	var (
		locker    lock.Locker
		dedup     idempotency.Store
		idemStore idempotency.Store
	)
	if cfg.RedisEnabled {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()

		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		log.Info("connected to redis")

		locker = lock.NewRedisLocker(redisClient, cfg.ServiceName+":lock", cfg.LockTTL)
		dedup = idempotency.NewRedisStore(redisClient, cfg.ServiceName+":webhook")
		idemStore = idempotency.NewRedisStore(redisClient, cfg.ServiceName)
	} else {
		log.Warn("redis disabled, using in-process locks and dedup (single instance only)")
		locker = lock.NewLocalLocker()
		dedup = idempotency.NewMemoryStore(cfg.WebhookDedupSize)
		idemStore = idempotency.NewMemoryStore(cfg.WebhookDedupSize)
	}

	// 이벤트 발행자 초기화
	var publisher messaging.Publisher
	if cfg.KafkaEnabled {
		kafkaPublisher, err := messaging.NewKafkaPublisher(cfg.KafkaBrokers, log)
		if err != nil {
			return fmt.Errorf("failed to create kafka publisher: %w", err)
		}
		publisher = kafkaPublisher
		log.Info("kafka publisher initialized")
	} else {
		publisher = messaging.NewLogPublisher(log)
	}
	defer publisher.Close()

	// 결제 대행사
	gw := gateway.NewStripeGateway(gateway.StripeConfig{
		SecretKey:     cfg.StripeSecretKey,
		WebhookSecret: cfg.StripeWebhookSecret,
		Timeout:       cfg.GatewayTimeout,
	}, nil, log)

	// Service 초기화
	engine := service.NewReconciliationService(store, store, gw, locker, service.ReconciliationConfig{
		Retry:            cfg.Retry(),
		StaleAfter:       cfg.ReconcileStaleAfter,
		SweepLimit:       cfg.ReconcileBatchSize,
		OperationTimeout: cfg.OperationTimeout,
	}, log)
	bookingService := service.NewBookingService(store, log)
	webhookService := service.NewWebhookService(engine, gw, dedup, cfg.WebhookDedupTTL, log)

	httpHandler := handler.NewHTTPHandler(bookingService, engine, webhookService, log)
	server := &http.Server{
		Addr:              ":" + cfg.ServicePort,
		Handler:           httpHandler.Router(cfg.CORSAllowedOrigins),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	// Kafka Consumer 초기화
	if cfg.KafkaEnabled {
		consumer, err := messaging.NewKafkaConsumer(cfg.KafkaBrokers, cfg.ConsumerGroup, log)
		if err != nil {
			return fmt.Errorf("failed to create kafka consumer: %w", err)
		}
		defer consumer.Close()

		eventHandler := handler.NewEventHandler(engine, idemStore, cfg.Retry(), log)
		if err := consumer.Subscribe(gctx, handler.SubscribedTopics, eventHandler.HandleMessage); err != nil {
			return fmt.Errorf("failed to subscribe to topics: %w", err)
		}
		log.Info("subscribed to kafka topics", zap.Strings("topics", handler.SubscribedTopics))
	}

	// 워커 시작
	outboxWorker := worker.NewOutboxWorker(store, publisher, log, cfg.OutboxInterval)
	reconcileWorker := worker.NewReconcileWorker(engine, log, cfg.ReconcileInterval)
	g.Go(func() error {
		outboxWorker.Start(gctx)
		return nil
	})
	g.Go(func() error {
		reconcileWorker.Start(gctx)
		return nil
	})

	// HTTP Server 시작
	g.Go(func() error {
		log.Info("http server starting", zap.String("port", cfg.ServicePort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})

	// Graceful Shutdown
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("server forced to shutdown", zap.Error(err))
		}
		return nil
	})

	return g.Wait()
}

// openStore 설정된 드라이버로 저장소 연결
func openStore(ctx context.Context, cfg config.Config, log *zap.Logger) (repository.Store, func(), error) {
	if cfg.StoreDriver == config.StoreDriverMemory {
		log.Warn("using in-memory store, data is lost on restart")
		return repository.NewMemoryStore(), func() {}, nil
	}

	// PostgreSQL 연결
	db, err := sql.Open("postgres", cfg.DBDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}
	log.Info("connected to database")

	return repository.NewPostgresStore(db), func() { db.Close() }, nil
}
