package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/kyungseok/charter-payment-saga/common/messaging"
	"github.com/kyungseok/charter-payment-saga/services/payment/internal/repository"
	"go.uber.org/zap"
)

const defaultOutboxBatch = 100

// OutboxWorker Outbox 패턴 워커
type OutboxWorker struct {
	outboxRepo repository.OutboxRepository
	publisher  messaging.Publisher
	logger     *zap.Logger
	interval   time.Duration
	batchSize  int
}

// NewOutboxWorker Outbox 워커 생성
func NewOutboxWorker(
	outboxRepo repository.OutboxRepository,
	publisher messaging.Publisher,
	logger *zap.Logger,
	interval time.Duration,
) *OutboxWorker {
	return &OutboxWorker{
		outboxRepo: outboxRepo,
		publisher:  publisher,
		logger:     logger,
		interval:   interval,
		batchSize:  defaultOutboxBatch,
	}
}

// Start 워커 시작 (ctx 취소 시 반환)
func (w *OutboxWorker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("outbox worker started", zap.Duration("interval", w.interval))

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("outbox worker stopped")
			return
		case <-ticker.C:
			if _, err := w.ProcessOnce(ctx); err != nil {
				w.logger.Error("failed to process outbox events", zap.Error(err))
			}
		}
	}
}

// ProcessOnce 대기 중인 이벤트를 한 번 발행하고 발행한 개수를 반환
//
// 같은 예약의 이벤트가 발행에 실패하면 순서를 지키기 위해 그 예약의 나머지 이벤트는 다음 주기로 미룬다.
func (w *OutboxWorker) ProcessOnce(ctx context.Context) (int, error) {
	events, err := w.outboxRepo.FindPending(ctx, w.batchSize)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}

	w.logger.Debug("processing outbox events", zap.Int("count", len(events)))

	blocked := make(map[string]struct{})
	sent := 0
	for _, event := range events {
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}
		key := partitionKey(event)
		if _, ok := blocked[key]; ok {
			continue
		}

		if err := w.publisher.Publish(ctx, event.EventType, key, event.Payload); err != nil {
			blocked[key] = struct{}{}
			w.logger.Error("failed to publish event",
				zap.Int64("outboxId", event.ID),
				zap.String("eventType", event.EventType),
				zap.String("key", key),
				zap.Error(err))
			continue
		}

		// 전송 완료 표시 (실패 시 다음 주기에 재발행되며 소비자가 eventId로 중복 제거)
		if err := w.outboxRepo.MarkSent(ctx, event.ID); err != nil {
			blocked[key] = struct{}{}
			w.logger.Error("failed to mark event as sent",
				zap.Int64("outboxId", event.ID),
				zap.Error(err))
			continue
		}
		sent++
	}

	return sent, nil
}

// partitionKey 예약 ID 기준 파티셔닝 키
func partitionKey(event *repository.OutboxEvent) string {
	var payload struct {
		BookingID string `json:"bookingId"`
	}
	if err := json.Unmarshal(event.Payload, &payload); err == nil && payload.BookingID != "" {
		return payload.BookingID
	}
	return event.AggregateID
}
