package events

import (
	"time"

	"github.com/google/uuid"
)

// EventType 이벤트 타입 정의
type EventType string

const (
	// Booking Events
	EventBookingConfirmed EventType = "booking.confirmed.v1"
	EventBookingCancelled EventType = "booking.cancelled.v1"
	EventBookingCompleted EventType = "booking.completed.v1"

	// Payment Events
	EventPaymentCompleted  EventType = "payment.completed.v1"
	EventPaymentAuthorized EventType = "payment.authorized.v1"
	EventPaymentFailed     EventType = "payment.failed.v1"
	EventPaymentCancelled  EventType = "payment.cancelled.v1"
	EventPaymentRefunded   EventType = "payment.refunded.v1"

	// Charter Events (외부 운항 관리 시스템에서 수신)
	EventCharterCompleted EventType = "charter.completed.v1"
)

// BaseEvent 모든 이벤트의 기본 구조
type BaseEvent struct {
	EventID       string    `json:"eventId"`
	EventType     EventType `json:"eventType"`
	SchemaVersion int       `json:"schemaVersion"`
	OccurredAt    time.Time `json:"occurredAt"`
	CorrelationID string    `json:"correlationId"` // 예약 ID 사용
}

// NewBaseEvent 새 이벤트 헤더 생성
func NewBaseEvent(eventType EventType, correlationID string, now time.Time) BaseEvent {
	return BaseEvent{
		EventID:       uuid.New().String(),
		EventType:     eventType,
		SchemaVersion: 1,
		OccurredAt:    now,
		CorrelationID: correlationID,
	}
}

// BookingConfirmedEvent 예약 확정 이벤트
type BookingConfirmedEvent struct {
	BaseEvent
	BookingID        string `json:"bookingId"`
	ResourceID       string `json:"resourceId"`
	CustomerID       string `json:"customerId"`
	ConfirmationCode string `json:"confirmationCode"`
	PaymentReference string `json:"paymentReference"`
}

// BookingCancelledEvent 예약 취소 이벤트
type BookingCancelledEvent struct {
	BaseEvent
	BookingID        string `json:"bookingId"`
	PaymentReference string `json:"paymentReference,omitempty"`
	Reason           string `json:"reason"`
}

// BookingCompletedEvent 예약 완료 이벤트
type BookingCompletedEvent struct {
	BaseEvent
	BookingID string `json:"bookingId"`
}

// PaymentStatusChangedEvent 결제 상태 변경 이벤트 (completed/authorized/failed/cancelled/refunded 공통)
type PaymentStatusChangedEvent struct {
	BaseEvent
	BookingID        string `json:"bookingId"`
	PaymentID        string `json:"paymentId"`
	PaymentReference string `json:"paymentReference"`
	Amount           int64  `json:"amount"`
	Currency         string `json:"currency"`
	From             string `json:"from"`
	To               string `json:"to"`
	Reason           string `json:"reason,omitempty"`
}

// CharterCompletedEvent 운항 완료 이벤트
type CharterCompletedEvent struct {
	BaseEvent
	BookingID  string    `json:"bookingId"`
	ResourceID string    `json:"resourceId"`
	FinishedAt time.Time `json:"finishedAt"`
}
