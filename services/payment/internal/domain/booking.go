package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kyungseok/charter-payment-saga/common/errors"
)

// Booking 요트 예약 도메인 모델
//
// 결제는 라이브 객체가 아니라 외부 참조 문자열로만 가리킨다.
type Booking struct {
	ID                string
	ResourceID        string
	CustomerID        string
	StartsAt          time.Time
	EndsAt            time.Time
	Status            BookingStatus
	TotalAmount       int64
	Currency          string
	PaymentReference  string
	PendingAttemptKey string
	PendingAttemptAt  *time.Time
	ConfirmationCode  string
	Version           int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// NewBookingParams 예약 생성 파라미터
type NewBookingParams struct {
	ResourceID  string
	CustomerID  string
	StartsAt    time.Time
	EndsAt      time.Time
	TotalAmount int64
	Currency    string
}

// NewBooking Pending 상태의 새 예약 생성
func NewBooking(p NewBookingParams, now time.Time) (Booking, error) {
	if p.ResourceID == "" {
		return Booking{}, errors.New(errors.ErrCodeValidation, "resource id is required")
	}
	if p.CustomerID == "" {
		return Booking{}, errors.New(errors.ErrCodeValidation, "customer id is required")
	}
	if !p.EndsAt.After(p.StartsAt) {
		return Booking{}, errors.New(errors.ErrCodeValidation, "booking window must end after it starts")
	}
	currency := NormalizeCurrency(p.Currency)
	if err := ValidateAmount(p.TotalAmount, currency); err != nil {
		return Booking{}, err
	}

	return Booking{
		ID:          uuid.New().String(),
		ResourceID:  p.ResourceID,
		CustomerID:  p.CustomerID,
		StartsAt:    p.StartsAt.UTC(),
		EndsAt:      p.EndsAt.UTC(),
		Status:      BookingStatusPending,
		TotalAmount: p.TotalAmount,
		Currency:    currency,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// WithStatus 상태 전이된 새 레코드 반환
func (b Booking) WithStatus(to BookingStatus, now time.Time) (Booking, error) {
	next, err := TransitionBooking(b.Status, to)
	if err != nil {
		return b, err
	}
	b.Status = next
	b.UpdatedAt = now
	return b, nil
}

// Confirmed 확정 상태로 전이, 확인 코드가 없으면 부여
func (b Booking) Confirmed(now time.Time) (Booking, error) {
	next, err := b.WithStatus(BookingStatusConfirmed, now)
	if err != nil {
		return b, err
	}
	if next.ConfirmationCode == "" {
		next.ConfirmationCode = NewConfirmationCode()
	}
	return next, nil
}

// WithPaymentReference 활성 결제 참조 교체, 대기 중이던 시도 키는 정리
func (b Booking) WithPaymentReference(ref string, now time.Time) Booking {
	b.PaymentReference = ref
	b.PendingAttemptKey = ""
	b.PendingAttemptAt = nil
	b.UpdatedAt = now
	return b
}

// WithPendingAttempt 결과 미확인 인텐트 생성 시도 기록
func (b Booking) WithPendingAttempt(key string, now time.Time) Booking {
	b.PendingAttemptKey = key
	if key == "" {
		b.PendingAttemptAt = nil
	} else {
		at := now
		b.PendingAttemptAt = &at
	}
	b.UpdatedAt = now
	return b
}

// IsCancellable 취소 가능 여부
func (b Booking) IsCancellable() bool {
	return b.Status.IsCancellable()
}

// NewConfirmationCode 예약 확인 코드 생성 (예: CH-1A2B3C4D)
func NewConfirmationCode() string {
	raw := strings.ReplaceAll(uuid.New().String(), "-", "")
	return "CH-" + strings.ToUpper(raw[:8])
}
