package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/kyungseok/charter-payment-saga/common/errors"
	"github.com/kyungseok/charter-payment-saga/common/events"
	"github.com/kyungseok/charter-payment-saga/services/payment/internal/domain"
)

// Outbox 이벤트 상태
const (
	OutboxStatusPending = "PENDING"
	OutboxStatusSent    = "SENT"
)

// OutboxEvent Outbox 이벤트
type OutboxEvent struct {
	ID            int64
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       json.RawMessage
	Status        string
	CreatedAt     time.Time
	SentAt        *time.Time
}

// NewOutboxEvent 도메인 이벤트를 Outbox 레코드로 변환
func NewOutboxEvent(aggregateType, aggregateID string, eventType events.EventType, event interface{}, now time.Time) (*OutboxEvent, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeSerializationError, "failed to marshal event", err)
	}
	return &OutboxEvent{
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     string(eventType),
		Payload:       payload,
		Status:        OutboxStatusPending,
		CreatedAt:     now,
	}, nil
}

// BookingStore 예약 저장소 인터페이스
//
// Save 계열은 expectedVersion이 현재 버전과 다르면 VERSION_CONFLICT를 반환한다.
// 전달된 outbox 이벤트는 레코드 쓰기와 같은 트랜잭션으로 저장된다.
type BookingStore interface {
	GetBooking(ctx context.Context, id string) (domain.Booking, error)
	CreateBooking(ctx context.Context, booking domain.Booking) (domain.Booking, error)
	SaveBooking(ctx context.Context, booking domain.Booking, expectedVersion int64, outbox ...*OutboxEvent) (domain.Booking, error)
	// ListBookingsAwaitingIntent 인텐트 생성 결과가 확인되지 않은 채 olderThan 이전에 멈춘 예약
	ListBookingsAwaitingIntent(ctx context.Context, olderThan time.Time, limit int) ([]domain.Booking, error)
	// ListBookingsOutOfSync 활성 결제 상태와 예약 상태가 어긋난 예약 (두 쓰기 사이 중단 복구용)
	ListBookingsOutOfSync(ctx context.Context, limit int) ([]domain.Booking, error)
}

// PaymentStore 결제 저장소 인터페이스
type PaymentStore interface {
	GetPaymentByReference(ctx context.Context, ref string) (domain.Payment, error)
	CreatePayment(ctx context.Context, payment domain.Payment, outbox ...*OutboxEvent) (domain.Payment, error)
	SavePayment(ctx context.Context, payment domain.Payment, expectedVersion int64, outbox ...*OutboxEvent) (domain.Payment, error)
	ListPaymentsByBooking(ctx context.Context, bookingID string) ([]domain.Payment, error)
	// ListUnsettledPayments olderThan 이전부터 Pending/Processing에 머문 활성 결제 (최근 갱신순)
	ListUnsettledPayments(ctx context.Context, olderThan time.Time, limit int) ([]domain.Payment, error)
}

// OutboxRepository Outbox 레포지토리 인터페이스
type OutboxRepository interface {
	FindPending(ctx context.Context, limit int) ([]*OutboxEvent, error)
	MarkSent(ctx context.Context, id int64) error
}

// Store 문서 저장소 전체
type Store interface {
	BookingStore
	PaymentStore
	OutboxRepository
}

func versionConflict(kind, id string, expected int64) error {
	return errors.Newf(errors.ErrCodeVersionConflict, "%s %s was modified concurrently (expected version %d)", kind, id, expected)
}

func bookingNotFound(id string) error {
	return errors.Newf(errors.ErrCodeBookingNotFound, "booking not found: %s", id)
}

func paymentNotFound(ref string) error {
	return errors.Newf(errors.ErrCodeUnknownPaymentReference, "payment not found for reference: %s", ref)
}

func isOutOfSync(booking domain.Booking, payment domain.Payment) bool {
	_, change := domain.BookingTargetFor(booking.Status, payment.Status)
	return change
}
