package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/kyungseok/charter-payment-saga/common/errors"
	"github.com/kyungseok/charter-payment-saga/common/retry"
)

// 저장소 드라이버
const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

// Config 결제 정합성 서비스 설정
type Config struct {
	ServiceName string `envconfig:"SERVICE_NAME" default:"payment-service"`
	ServicePort string `envconfig:"SERVICE_PORT" default:"8002"`
	Development bool   `envconfig:"DEVELOPMENT" default:"false"`

	StoreDriver string `envconfig:"STORE_DRIVER" default:"postgres"`
	DBDSN       string `envconfig:"DB_DSN"`

	RedisEnabled bool          `envconfig:"REDIS_ENABLED" default:"false"`
	RedisAddr    string        `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	LockTTL      time.Duration `envconfig:"LOCK_TTL" default:"30s"`

	KafkaEnabled  bool     `envconfig:"KAFKA_ENABLED" default:"false"`
	KafkaBrokers  []string `envconfig:"KAFKA_BROKERS" default:"localhost:9093"`
	ConsumerGroup string   `envconfig:"KAFKA_CONSUMER_GROUP" default:"payment-service-group"`

	StripeSecretKey     string        `envconfig:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret string        `envconfig:"STRIPE_WEBHOOK_SECRET"`
	GatewayTimeout      time.Duration `envconfig:"GATEWAY_TIMEOUT" default:"10s"`
	OperationTimeout    time.Duration `envconfig:"OPERATION_TIMEOUT" default:"30s"`

	WebhookDedupTTL  time.Duration `envconfig:"WEBHOOK_DEDUP_TTL" default:"72h"`
	WebhookDedupSize int           `envconfig:"WEBHOOK_DEDUP_SIZE" default:"10000"`

	RetryMaxAttempts     int           `envconfig:"RETRY_MAX_ATTEMPTS" default:"5"`
	RetryInitialInterval time.Duration `envconfig:"RETRY_INITIAL_INTERVAL" default:"50ms"`
	RetryMaxInterval     time.Duration `envconfig:"RETRY_MAX_INTERVAL" default:"2s"`

	ReconcileInterval   time.Duration `envconfig:"RECONCILE_INTERVAL" default:"1m"`
	ReconcileStaleAfter time.Duration `envconfig:"RECONCILE_STALE_AFTER" default:"15m"`
	ReconcileBatchSize  int           `envconfig:"RECONCILE_BATCH_SIZE" default:"100"`
	OutboxInterval      time.Duration `envconfig:"OUTBOX_INTERVAL" default:"1s"`

	CORSAllowedOrigins []string `envconfig:"CORS_ALLOWED_ORIGINS" default:"http://localhost:3000"`
}

// Load .env(있으면)와 환경 변수에서 설정 로드
func Load(envFiles ...string) (Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, file := range envFiles {
		if _, err := os.Stat(file); err != nil {
			continue
		}
		// 이미 설정된 환경 변수는 덮어쓰지 않는다
		if err := godotenv.Load(file); err != nil {
			return Config{}, errors.Wrap(errors.ErrCodeValidation, "failed to load "+file, err)
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, errors.Wrap(errors.ErrCodeValidation, "invalid environment configuration", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate 설정 조합 검증
func (c Config) Validate() error {
	switch c.StoreDriver {
	case StoreDriverPostgres:
		if c.DBDSN == "" {
			return errors.New(errors.ErrCodeValidation, "DB_DSN is required for the postgres store")
		}
	case StoreDriverMemory:
	default:
		return errors.Newf(errors.ErrCodeValidation, "unknown STORE_DRIVER %q", c.StoreDriver)
	}

	if c.StripeWebhookSecret == "" {
		return errors.New(errors.ErrCodeValidation, "STRIPE_WEBHOOK_SECRET is required")
	}
	if c.KafkaEnabled && len(c.KafkaBrokers) == 0 {
		return errors.New(errors.ErrCodeValidation, "KAFKA_BROKERS is required when kafka is enabled")
	}
	if c.RetryMaxAttempts < 1 {
		return errors.New(errors.ErrCodeValidation, "RETRY_MAX_ATTEMPTS must be at least 1")
	}
	if c.ReconcileInterval <= 0 || c.OutboxInterval <= 0 {
		return errors.New(errors.ErrCodeValidation, "worker intervals must be positive")
	}
	return nil
}

// Retry 엔진 재시도 설정
func (c Config) Retry() retry.Config {
	cfg := retry.DefaultConfig()
	cfg.MaxAttempts = c.RetryMaxAttempts
	cfg.InitialInterval = c.RetryInitialInterval
	cfg.MaxInterval = c.RetryMaxInterval
	cfg.MaxElapsedTime = 30 * time.Second
	return cfg
}
