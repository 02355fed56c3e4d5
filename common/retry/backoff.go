package retry

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Config 재시도 설정
type Config struct {
	MaxAttempts        int
	InitialInterval    time.Duration
	MaxInterval        time.Duration
	BackoffCoefficient float64
	MaxElapsedTime     time.Duration
	// ShouldRetry 재시도 대상 에러 판별 (nil이면 모든 에러 재시도)
	ShouldRetry func(error) bool
}

// DefaultConfig 기본 재시도 설정
func DefaultConfig() Config {
	return Config{
		MaxAttempts:        5,
		InitialInterval:    time.Second,
		MaxInterval:        time.Minute,
		BackoffCoefficient: 2.0,
		MaxElapsedTime:     time.Minute * 5,
	}
}

// WithPredicate 재시도 조건을 바꾼 설정 복사본 반환
func (c Config) WithPredicate(fn func(error) bool) Config {
	c.ShouldRetry = fn
	return c
}

func (c Config) retryable(err error) bool {
	if c.ShouldRetry == nil {
		return true
	}
	return c.ShouldRetry(err)
}

// Do 재시도 실행
func Do(ctx context.Context, config Config, logger *zap.Logger, fn func() error) error {
	_, err := DoWithResult(ctx, config, logger, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// DoWithResult 재시도 실행 (결과 반환)
//
// 재시도 대상이 아닌 에러는 래핑 없이 그대로 반환한다.
func DoWithResult[T any](ctx context.Context, config Config, logger *zap.Logger, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	interval := config.InitialInterval
	startTime := time.Now()

	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		// 컨텍스트 취소 확인
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}

		// 최대 경과 시간 확인
		if config.MaxElapsedTime > 0 && lastErr != nil && time.Since(startTime) > config.MaxElapsedTime {
			return zero, fmt.Errorf("max elapsed time exceeded: %w", lastErr)
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}

		if !config.retryable(err) {
			return result, err
		}

		lastErr = err
		logger.Warn("retry attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("maxAttempts", config.MaxAttempts),
			zap.Error(err))

		// 마지막 시도이면 재시도 안함
		if attempt == config.MaxAttempts {
			break
		}

		// 백오프 대기
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(interval):
		}

		// 다음 인터벌 계산 (exponential backoff)
		interval = time.Duration(float64(interval) * config.BackoffCoefficient)
		if config.MaxInterval > 0 && interval > config.MaxInterval {
			interval = config.MaxInterval
		}
	}

	return zero, fmt.Errorf("max attempts reached: %w", lastErr)
}
