package domain

import (
	"fmt"
	"strings"

	"github.com/kyungseok/charter-payment-saga/common/errors"
)

// BookingStatus 예약 상태
type BookingStatus string

const (
	BookingStatusPending   BookingStatus = "PENDING"
	BookingStatusConfirmed BookingStatus = "CONFIRMED"
	BookingStatusCancelled BookingStatus = "CANCELLED"
	BookingStatusCompleted BookingStatus = "COMPLETED"
)

// PaymentStatus 결제 상태
type PaymentStatus string

const (
	PaymentStatusNotStarted        PaymentStatus = "NOT_STARTED"
	PaymentStatusPending           PaymentStatus = "PENDING"
	PaymentStatusProcessing        PaymentStatus = "PROCESSING"
	PaymentStatusAuthorized        PaymentStatus = "AUTHORIZED"
	PaymentStatusCompleted         PaymentStatus = "COMPLETED"
	PaymentStatusPartiallyRefunded PaymentStatus = "PARTIALLY_REFUNDED"
	PaymentStatusRefunded          PaymentStatus = "REFUNDED"
	PaymentStatusFailed            PaymentStatus = "FAILED"
	PaymentStatusCancelled         PaymentStatus = "CANCELLED"
)

var bookingTransitions = map[BookingStatus][]BookingStatus{
	BookingStatusPending: {
		BookingStatusConfirmed,
		BookingStatusCancelled,
	},
	BookingStatusConfirmed: {
		BookingStatusCompleted,
		BookingStatusCancelled,
	},
}

var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentStatusNotStarted: {
		PaymentStatusPending,
		PaymentStatusCancelled,
	},
	PaymentStatusPending: {
		PaymentStatusProcessing,
		PaymentStatusAuthorized,
		PaymentStatusCompleted,
		PaymentStatusFailed,
		PaymentStatusCancelled,
	},
	PaymentStatusProcessing: {
		PaymentStatusAuthorized,
		PaymentStatusCompleted,
		PaymentStatusFailed,
		PaymentStatusCancelled,
	},
	PaymentStatusAuthorized: {
		PaymentStatusCompleted,
		PaymentStatusFailed,
		PaymentStatusCancelled,
	},
	PaymentStatusCompleted: {
		PaymentStatusPartiallyRefunded,
		PaymentStatusRefunded,
	},
	PaymentStatusPartiallyRefunded: {
		PaymentStatusPartiallyRefunded,
		PaymentStatusRefunded,
	},
}

// paymentRank 결제 생애주기상 순서 (같은 순위의 종결 상태끼리는 서로 덮어쓰지 않음)
var paymentRank = map[PaymentStatus]int{
	PaymentStatusNotStarted:        0,
	PaymentStatusPending:           1,
	PaymentStatusProcessing:        2,
	PaymentStatusAuthorized:        3,
	PaymentStatusCompleted:         4,
	PaymentStatusFailed:            4,
	PaymentStatusCancelled:         4,
	PaymentStatusPartiallyRefunded: 5,
	PaymentStatusRefunded:          6,
}

func canTransition[S comparable](table map[S][]S, from, to S) bool {
	for _, allowed := range table[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

func invalidTransition(kind string, from, to interface{}) *errors.DomainError {
	return errors.Newf(errors.ErrCodeInvalidTransition, "illegal %s transition %v -> %v", kind, from, to)
}

// CanTransitionBooking 예약 상태 전이 가능 여부
func CanTransitionBooking(from, to BookingStatus) bool {
	return canTransition(bookingTransitions, from, to)
}

// TransitionBooking 예약 상태 전이 (불가하면 INVALID_TRANSITION)
func TransitionBooking(from, to BookingStatus) (BookingStatus, error) {
	if !CanTransitionBooking(from, to) {
		return from, invalidTransition("booking", from, to)
	}
	return to, nil
}

// CanTransitionPayment 결제 상태 전이 가능 여부
func CanTransitionPayment(from, to PaymentStatus) bool {
	return canTransition(paymentTransitions, from, to)
}

// TransitionPayment 결제 상태 전이 (불가하면 INVALID_TRANSITION)
func TransitionPayment(from, to PaymentStatus) (PaymentStatus, error) {
	if !CanTransitionPayment(from, to) {
		return from, invalidTransition("payment", from, to)
	}
	return to, nil
}

// IsTerminal 예약 종결 여부
func (s BookingStatus) IsTerminal() bool {
	return len(bookingTransitions[s]) == 0
}

// IsCancellable 취소 가능한 예약 상태인지
func (s BookingStatus) IsCancellable() bool {
	return CanTransitionBooking(s, BookingStatusCancelled)
}

// IsValid 정의된 상태값인지
func (s BookingStatus) IsValid() bool {
	switch s {
	case BookingStatusPending, BookingStatusConfirmed, BookingStatusCancelled, BookingStatusCompleted:
		return true
	}
	return false
}

// IsValid 정의된 상태값인지
func (s PaymentStatus) IsValid() bool {
	_, ok := paymentRank[s]
	return ok
}

// IsTerminal 더 이상 진행할 수 없는 결제 상태 (환불은 Completed 이후 별도 전이)
func (s PaymentStatus) IsTerminal() bool {
	switch s {
	case PaymentStatusCompleted, PaymentStatusPartiallyRefunded, PaymentStatusRefunded,
		PaymentStatusFailed, PaymentStatusCancelled:
		return true
	}
	return false
}

// IsSettled 승인 요청을 다시 보낼 필요가 없는 상태
func (s PaymentStatus) IsSettled() bool {
	return s == PaymentStatusAuthorized || s.IsTerminal()
}

// IsActive 예약에 걸린 진행 중 결제인지
func (s PaymentStatus) IsActive() bool {
	switch s {
	case PaymentStatusNotStarted, PaymentStatusPending, PaymentStatusProcessing:
		return true
	}
	return false
}

// IsCaptured 대금이 확보된 상태 (예약 확정 조건)
func (s PaymentStatus) IsCaptured() bool {
	return s == PaymentStatusAuthorized || s == PaymentStatusCompleted
}

// Rank 생애주기 순위
func (s PaymentStatus) Rank() int {
	return paymentRank[s]
}

// IsStaleFor target이 현재 상태보다 앞서지 않는 늦게 도착한 보고인지
//
// 허용되지 않은 전이 중 이 조건에 해당하면 에러가 아니라 무시 대상이다.
func (s PaymentStatus) IsStaleFor(target PaymentStatus) bool {
	if s == target {
		return true
	}
	if CanTransitionPayment(s, target) {
		return false
	}
	return s.IsTerminal() || target.Rank() <= s.Rank()
}

// ParseBookingStatus 문자열을 예약 상태로 변환
func ParseBookingStatus(v string) (BookingStatus, error) {
	s := BookingStatus(strings.ToUpper(strings.TrimSpace(v)))
	if !s.IsValid() {
		return "", errors.New(errors.ErrCodeValidation, fmt.Sprintf("unknown booking status %q", v))
	}
	return s, nil
}

// ParsePaymentStatus 문자열을 결제 상태로 변환
func ParsePaymentStatus(v string) (PaymentStatus, error) {
	s := PaymentStatus(strings.ToUpper(strings.TrimSpace(v)))
	if !s.IsValid() {
		return "", errors.New(errors.ErrCodeValidation, fmt.Sprintf("unknown payment status %q", v))
	}
	return s, nil
}
