package handler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/kyungseok/charter-payment-saga/common/errors"
	"github.com/kyungseok/charter-payment-saga/common/events"
	"github.com/kyungseok/charter-payment-saga/common/idempotency"
	"github.com/kyungseok/charter-payment-saga/common/messaging"
	"github.com/kyungseok/charter-payment-saga/common/retry"
	"github.com/kyungseok/charter-payment-saga/services/payment/internal/domain"
	"go.uber.org/zap"
)

// SubscribedTopics 결제 서비스가 구독하는 토픽
var SubscribedTopics = []string{string(events.EventCharterCompleted)}

// BookingCompleter 운항 완료 처리
type BookingCompleter interface {
	CompleteBooking(ctx context.Context, bookingID string) (domain.Booking, error)
}

// EventHandler 이벤트 핸들러
type EventHandler struct {
	completer BookingCompleter
	idemStore idempotency.Store
	retry     retry.Config
	ttl       time.Duration
	logger    *zap.Logger
}

// NewEventHandler 이벤트 핸들러 생성
func NewEventHandler(
	completer BookingCompleter,
	idemStore idempotency.Store,
	retryConfig retry.Config,
	logger *zap.Logger,
) *EventHandler {
	return &EventHandler{
		completer: completer,
		idemStore: idemStore,
		retry:     retryConfig.WithPredicate(errors.IsRetryable),
		ttl:       24 * time.Hour,
		logger:    logger,
	}
}

// HandleMessage 메시지 처리
func (h *EventHandler) HandleMessage(ctx context.Context, msg *messaging.Message) error {
	switch events.EventType(msg.Topic) {
	case events.EventCharterCompleted:
		return h.handleCharterCompleted(ctx, msg)
	default:
		h.logger.Warn("unknown event type", zap.String("topic", msg.Topic))
		return nil
	}
}

func (h *EventHandler) handleCharterCompleted(ctx context.Context, msg *messaging.Message) error {
	var evt events.CharterCompletedEvent
	if err := json.Unmarshal(msg.Value, &evt); err != nil {
		h.logger.Error("malformed charter completion event", zap.Int64("offset", msg.Offset), zap.Error(err))
		return errors.Wrap(errors.ErrCodeSerializationError, "failed to decode charter completion event", err)
	}

	// 멱등성 체크 (조회 실패 시 처리 진행, 완료된 예약은 그대로 반환됨)
	processed, err := h.idemStore.IsProcessed(ctx, evt.EventID)
	if err != nil {
		h.logger.Warn("failed to check event idempotency",
			zap.String("eventId", evt.EventID),
			zap.String("bookingId", evt.BookingID),
			zap.Error(err))
	}
	if processed {
		h.logger.Info("event already processed", zap.String("eventId", evt.EventID))
		return nil
	}

	err = retry.Do(ctx, h.retry, h.logger, func() error {
		_, err := h.completer.CompleteBooking(ctx, evt.BookingID)
		return err
	})
	if err != nil {
		if errors.IsBusinessError(err) {
			// 재처리해도 결과가 같으므로 기록만 남기고 소비한다
			h.logger.Error("charter completion could not be applied",
				zap.String("eventId", evt.EventID),
				zap.String("bookingId", evt.BookingID),
				zap.Error(err))
			h.markProcessed(ctx, evt.EventID)
			return nil
		}
		return err
	}

	h.logger.Info("charter completion applied",
		zap.String("eventId", evt.EventID),
		zap.String("bookingId", evt.BookingID))
	h.markProcessed(ctx, evt.EventID)
	return nil
}

// markProcessed 처리 완료 표시
func (h *EventHandler) markProcessed(ctx context.Context, eventID string) {
	if _, err := h.idemStore.Reserve(ctx, eventID, h.ttl); err != nil {
		h.logger.Warn("failed to mark event processed", zap.String("eventId", eventID), zap.Error(err))
	}
}
