package service

import (
	"context"
	"strings"
	"time"

	"github.com/kyungseok/charter-payment-saga/common/errors"
	"github.com/kyungseok/charter-payment-saga/common/idempotency"
	"github.com/kyungseok/charter-payment-saga/services/payment/internal/domain"
	"github.com/kyungseok/charter-payment-saga/services/payment/internal/gateway"
	"go.uber.org/zap"
)

// WebhookOutcome 웹훅 처리 결과
type WebhookOutcome string

const (
	WebhookApplied   WebhookOutcome = "applied"
	WebhookDuplicate WebhookOutcome = "duplicate"
	WebhookIgnored   WebhookOutcome = "ignored"
	WebhookRejected  WebhookOutcome = "rejected"
)

// WebhookResult 웹훅 처리 결과 (모든 결과는 대행사에 200으로 응답)
type WebhookResult struct {
	EventID   string
	EventType string
	Outcome   WebhookOutcome
	Payment   *domain.Payment
}

// WebhookService 결제 대행사 웹훅 수신
type WebhookService struct {
	engine   *ReconciliationService
	gateway  gateway.Gateway
	dedup    idempotency.Store
	dedupTTL time.Duration
	logger   *zap.Logger
}

// NewWebhookService 웹훅 서비스 생성
func NewWebhookService(
	engine *ReconciliationService,
	gw gateway.Gateway,
	dedup idempotency.Store,
	dedupTTL time.Duration,
	logger *zap.Logger,
) *WebhookService {
	if dedupTTL <= 0 {
		dedupTTL = 72 * time.Hour
	}
	return &WebhookService{
		engine:   engine,
		gateway:  gw,
		dedup:    dedup,
		dedupTTL: dedupTTL,
		logger:   logger,
	}
}

func webhookKey(eventID string) string {
	return "webhook:" + eventID
}

// HandleWebhookEvent 서명 검증 후 이벤트를 엔진에 반영
//
// 서명이 틀리면 아무것도 처리하지 않는다. 재시도 가능한 에러면 이벤트 키를 풀어
// 대행사의 재전송이 다시 처리되게 한다.
func (s *WebhookService) HandleWebhookEvent(ctx context.Context, payload []byte, signature string) (WebhookResult, error) {
	evt, err := s.gateway.VerifyAndParseEvent(payload, signature)
	if err != nil {
		s.logger.Warn("webhook rejected", zap.Error(err))
		return WebhookResult{}, err
	}

	result := WebhookResult{EventID: evt.ID, EventType: evt.Type}
	fields := []zap.Field{
		zap.String("eventId", evt.ID),
		zap.String("eventType", evt.Type),
		zap.String("intentReference", evt.Reference),
	}

	reserved, err := s.dedup.Reserve(ctx, webhookKey(evt.ID), s.dedupTTL)
	if err != nil {
		return result, errors.Wrap(errors.ErrCodeDatabaseError, "failed to reserve webhook event", err)
	}
	if !reserved {
		s.logger.Info("duplicate webhook event acknowledged", fields...)
		result.Outcome = WebhookDuplicate
		return result, nil
	}

	target, handled := gateway.MapEventType(*evt)
	if !handled || evt.Reference == "" {
		s.logger.Info("unhandled webhook event acknowledged", fields...)
		result.Outcome = WebhookIgnored
		return result, nil
	}

	payment, outcome, err := s.apply(ctx, evt, target, fields)
	if err != nil {
		if !errors.IsBusinessError(err) {
			if rerr := s.dedup.Release(ctx, webhookKey(evt.ID)); rerr != nil {
				s.logger.Error("failed to release webhook event key", append(fields, zap.Error(rerr))...)
			}
			s.logger.Warn("webhook event failed, awaiting redelivery", append(fields, zap.Error(err))...)
			return result, err
		}
		// 재전송해도 결과가 같은 비즈니스 에러는 수신 확인 후 기록만 남긴다
		s.logger.Error("webhook event could not be applied", append(fields, zap.Error(err))...)
		outcome = WebhookRejected
	}

	result.Outcome = outcome
	if payment.ID != "" {
		result.Payment = &payment
	}
	return result, nil
}

func (s *WebhookService) apply(ctx context.Context, evt *gateway.Event, target domain.PaymentStatus, fields []zap.Field) (domain.Payment, WebhookOutcome, error) {
	payment, err := s.engine.GetPayment(ctx, evt.Reference)
	if errors.Is(err, errors.ErrCodeUnknownPaymentReference) {
		if evt.BookingID == "" {
			s.logger.Warn("webhook for unknown intent without booking metadata acknowledged", fields...)
			return domain.Payment{}, WebhookIgnored, nil
		}

		payment, err = s.engine.AdoptIntent(ctx, evt.BookingID, intentFromEvent(evt), SourceWebhook)
		if err != nil {
			if errors.IsBusinessError(err) {
				s.logger.Warn("webhook intent not adopted", append(fields,
					zap.String("bookingId", evt.BookingID), zap.Error(err))...)
				return domain.Payment{}, WebhookIgnored, nil
			}
			return domain.Payment{}, "", err
		}
	} else if err != nil {
		return domain.Payment{}, "", err
	}

	if payment.Amount != evt.Amount || !strings.EqualFold(payment.Currency, evt.Currency) {
		s.logger.Error("webhook amount does not match payment, not applied", append(fields,
			zap.String("bookingId", payment.BookingID),
			zap.Int64("paymentAmount", payment.Amount),
			zap.String("paymentCurrency", payment.Currency),
			zap.Int64("eventAmount", evt.Amount),
			zap.String("eventCurrency", evt.Currency))...)
		return payment, WebhookRejected, nil
	}

	updated, err := s.engine.ApplyGatewayStatus(ctx, evt.Reference, StatusUpdate{
		Status:         target,
		Source:         SourceWebhook,
		EventID:        evt.ID,
		FailureCode:    evt.FailureCode,
		FailureMessage: evt.FailureMessage,
		ReceiptURL:     evt.ReceiptURL,
	})
	if err != nil {
		return updated, "", err
	}
	return updated, WebhookApplied, nil
}

func intentFromEvent(evt *gateway.Event) gateway.Intent {
	return gateway.Intent{
		Reference:      evt.Reference,
		Amount:         evt.Amount,
		Currency:       evt.Currency,
		Status:         evt.Status,
		BookingID:      evt.BookingID,
		AttemptKey:     evt.AttemptKey,
		ReceiptURL:     evt.ReceiptURL,
		FailureCode:    evt.FailureCode,
		FailureMessage: evt.FailureMessage,
	}
}
