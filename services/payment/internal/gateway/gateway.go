package gateway

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/kyungseok/charter-payment-saga/common/errors"
	"github.com/kyungseok/charter-payment-saga/services/payment/internal/domain"
)

// IntentStatus 결제 대행사의 인텐트 상태 어휘
type IntentStatus string

const (
	IntentStatusRequiresPaymentMethod IntentStatus = "requires_payment_method"
	IntentStatusRequiresConfirmation  IntentStatus = "requires_confirmation"
	IntentStatusRequiresAction        IntentStatus = "requires_action"
	IntentStatusProcessing            IntentStatus = "processing"
	IntentStatusRequiresCapture       IntentStatus = "requires_capture"
	IntentStatusSucceeded             IntentStatus = "succeeded"
	IntentStatusCanceled              IntentStatus = "canceled"
)

// 처리하는 웹훅 이벤트 타입
const (
	EventIntentSucceeded        = "payment_intent.succeeded"
	EventIntentAmountCapturable = "payment_intent.amount_capturable_updated"
	EventIntentProcessing       = "payment_intent.processing"
	EventIntentRequiresAction   = "payment_intent.requires_action"
	EventIntentPaymentFailed    = "payment_intent.payment_failed"
	EventIntentCanceled         = "payment_intent.canceled"
	EventChargeRefunded         = "charge.refunded"
)

// CodeUnexpectedState 인텐트가 이미 다른 상태로 넘어가 요청을 처리할 수 없다는 거절 코드
const CodeUnexpectedState = "payment_intent_unexpected_state"

// CreateIntentRequest 인텐트 생성 요청
type CreateIntentRequest struct {
	BookingID   string
	CustomerID  string
	Amount      int64
	Currency    string
	AttemptKey  string // 대행사 멱등성 키로도 사용
	Description string
}

// Intent 대행사 측 결제 인텐트 스냅샷
type Intent struct {
	Reference      string
	ClientSecret   string
	Amount         int64
	Currency       string
	Status         IntentStatus
	BookingID      string
	AttemptKey     string
	PaymentMethod  string
	ReceiptURL     string
	FailureCode    string
	FailureMessage string
}

// PaymentStatus 인텐트 상태를 결제 상태로 변환
func (i Intent) PaymentStatus() domain.PaymentStatus {
	return MapIntentStatus(i.Status, i.FailureCode != "" || i.FailureMessage != "")
}

// Event 검증된 웹훅 이벤트
type Event struct {
	ID             string
	Type           string
	Reference      string
	Amount         int64
	AmountRefunded int64
	Currency       string
	Status         IntentStatus
	BookingID      string
	AttemptKey     string
	FailureCode    string
	FailureMessage string
	ReceiptURL     string
}

// Gateway 결제 대행사 포트
//
// 모든 호출은 네트워크 호출이다. 응답이 없다고 실패로 간주하지 않는다.
type Gateway interface {
	CreateIntent(ctx context.Context, req CreateIntentRequest) (*Intent, error)
	ConfirmIntent(ctx context.Context, ref, paymentMethodRef string) (*Intent, error)
	CancelIntent(ctx context.Context, ref string) (*Intent, error)
	RetrieveIntent(ctx context.Context, ref string) (*Intent, error)
	// FindIntentByAttempt 결과를 모르는 생성 시도를 시도 키로 찾는다 (없으면 UNKNOWN_PAYMENT_REFERENCE)
	FindIntentByAttempt(ctx context.Context, bookingID, attemptKey string) (*Intent, error)
	VerifyAndParseEvent(payload []byte, signature string) (*Event, error)
}

// MapIntentStatus 인텐트 상태 -> 결제 상태
//
// requires_payment_method는 결제 시도가 실패한 뒤라면 Failed, 아니면 아직 시작 전(Pending)이다.
func MapIntentStatus(status IntentStatus, failed bool) domain.PaymentStatus {
	switch status {
	case IntentStatusSucceeded:
		return domain.PaymentStatusCompleted
	case IntentStatusRequiresCapture:
		return domain.PaymentStatusAuthorized
	case IntentStatusProcessing, IntentStatusRequiresAction:
		return domain.PaymentStatusProcessing
	case IntentStatusCanceled:
		return domain.PaymentStatusCancelled
	case IntentStatusRequiresPaymentMethod:
		if failed {
			return domain.PaymentStatusFailed
		}
		return domain.PaymentStatusPending
	default:
		return domain.PaymentStatusPending
	}
}

// MapEventType 웹훅 이벤트가 가리키는 결제 상태 (처리하지 않는 타입이면 false)
func MapEventType(evt Event) (domain.PaymentStatus, bool) {
	switch evt.Type {
	case EventIntentSucceeded:
		return domain.PaymentStatusCompleted, true
	case EventIntentAmountCapturable:
		return domain.PaymentStatusAuthorized, true
	case EventIntentProcessing, EventIntentRequiresAction:
		return domain.PaymentStatusProcessing, true
	case EventIntentPaymentFailed:
		return domain.PaymentStatusFailed, true
	case EventIntentCanceled:
		return domain.PaymentStatusCancelled, true
	case EventChargeRefunded:
		if evt.AmountRefunded > 0 && evt.AmountRefunded < evt.Amount {
			return domain.PaymentStatusPartiallyRefunded, true
		}
		return domain.PaymentStatusRefunded, true
	}
	return "", false
}

// Rejection 대행사가 거절한 사유
type Rejection struct {
	Code       string
	Message    string
	HTTPStatus int
}

func (r *Rejection) Error() string {
	if r.Code == "" {
		return r.Message
	}
	return fmt.Sprintf("%s: %s", r.Code, r.Message)
}

// NewRejectedError GATEWAY_REJECTED 에러 생성
func NewRejectedError(op string, rejection *Rejection) error {
	return errors.Wrap(errors.ErrCodeGatewayRejected, fmt.Sprintf("%s rejected: %s", op, rejection.Message), rejection)
}

// NewTransientError GATEWAY_TRANSIENT 에러 생성
func NewTransientError(op string, cause error) error {
	return errors.Wrap(errors.ErrCodeGatewayTransient, op+" did not complete", cause)
}

// RejectionOf 에러 체인에서 거절 사유 추출
func RejectionOf(err error) (*Rejection, bool) {
	var rejection *Rejection
	if stderrors.As(err, &rejection) {
		return rejection, true
	}
	return nil, false
}
