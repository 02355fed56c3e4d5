package domain

import (
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kyungseok/charter-payment-saga/common/errors"
)

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

// Payment 결제 도메인 모델
//
// 값 타입으로 다룬다. 변경 메서드는 항상 새 값을 반환하고 원본은 건드리지 않는다.
type Payment struct {
	ID                string
	BookingID         string
	PayerID           string
	Amount            int64 // 최소 화폐 단위
	Currency          string
	PaymentMethod     string
	Status            PaymentStatus
	ExternalReference string
	ClientSecret      string
	AttemptKey        string
	ReceiptURL        string
	FailureCode       string
	FailureMessage    string
	SupersededAt      *time.Time
	Version           int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// NewPaymentParams 결제 생성 파라미터
type NewPaymentParams struct {
	BookingID         string
	PayerID           string
	Amount            int64
	Currency          string
	ExternalReference string
	ClientSecret      string
	AttemptKey        string
	Status            PaymentStatus
}

// ValidateAmount 금액/통화 검증
func ValidateAmount(amount int64, currency string) error {
	if amount <= 0 {
		return errors.New(errors.ErrCodeValidation, "amount must be positive")
	}
	if !currencyPattern.MatchString(currency) {
		return errors.Newf(errors.ErrCodeValidation, "currency %q is not an ISO-4217 code", currency)
	}
	return nil
}

// NormalizeCurrency 통화 코드 정규화
func NormalizeCurrency(currency string) string {
	return strings.ToUpper(strings.TrimSpace(currency))
}

// NewPayment 새 결제 레코드 생성
func NewPayment(p NewPaymentParams, now time.Time) (Payment, error) {
	currency := NormalizeCurrency(p.Currency)
	if err := ValidateAmount(p.Amount, currency); err != nil {
		return Payment{}, err
	}
	if p.BookingID == "" {
		return Payment{}, errors.New(errors.ErrCodeValidation, "booking id is required")
	}
	if p.ExternalReference == "" {
		return Payment{}, errors.New(errors.ErrCodeValidation, "external reference is required")
	}

	status := p.Status
	if status == "" {
		status = PaymentStatusPending
	}
	if status != PaymentStatusNotStarted && status != PaymentStatusPending {
		return Payment{}, errors.Newf(errors.ErrCodeInvalidTransition, "payment cannot start in %s", status)
	}

	return Payment{
		ID:                uuid.New().String(),
		BookingID:         p.BookingID,
		PayerID:           p.PayerID,
		Amount:            p.Amount,
		Currency:          currency,
		Status:            status,
		ExternalReference: p.ExternalReference,
		ClientSecret:      p.ClientSecret,
		AttemptKey:        p.AttemptKey,
		CreatedAt:         now,
		UpdatedAt:         now,
	}, nil
}

// WithStatus 상태 전이된 새 레코드 반환
func (p Payment) WithStatus(to PaymentStatus, now time.Time) (Payment, error) {
	next, err := TransitionPayment(p.Status, to)
	if err != nil {
		return p, err
	}
	p.Status = next
	p.UpdatedAt = now
	return p, nil
}

// WithFailure 실패 사유 기록
func (p Payment) WithFailure(code, message string, now time.Time) Payment {
	p.FailureCode = code
	p.FailureMessage = message
	p.UpdatedAt = now
	return p
}

// WithPaymentMethod 결제 수단 기록
func (p Payment) WithPaymentMethod(method string, now time.Time) Payment {
	p.PaymentMethod = method
	p.UpdatedAt = now
	return p
}

// WithReceipt 영수증 URL 기록
func (p Payment) WithReceipt(url string, now time.Time) Payment {
	p.ReceiptURL = url
	p.UpdatedAt = now
	return p
}

// Superseded 새 시도로 대체됨 표시 (감사용으로 레코드는 남김)
func (p Payment) Superseded(now time.Time) Payment {
	if p.SupersededAt == nil {
		at := now
		p.SupersededAt = &at
		p.UpdatedAt = now
	}
	return p
}

// IsSuperseded 대체 여부
func (p Payment) IsSuperseded() bool {
	return p.SupersededAt != nil
}
