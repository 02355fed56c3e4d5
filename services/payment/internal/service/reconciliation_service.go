package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kyungseok/charter-payment-saga/common/errors"
	"github.com/kyungseok/charter-payment-saga/common/events"
	"github.com/kyungseok/charter-payment-saga/common/lock"
	"github.com/kyungseok/charter-payment-saga/common/retry"
	"github.com/kyungseok/charter-payment-saga/services/payment/internal/domain"
	"github.com/kyungseok/charter-payment-saga/services/payment/internal/gateway"
	"github.com/kyungseok/charter-payment-saga/services/payment/internal/repository"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// 상태 변경 출처
const (
	SourceCreate  = "create"
	SourceConfirm = "confirm"
	SourceCancel  = "cancel"
	SourceWebhook = "webhook"
	SourceSweep   = "sweep"
)

// failureOutcomeUnknown 승인 결과를 모르는 시도에 남기는 코드
const failureOutcomeUnknown = "outcome_unknown"

// ReconciliationConfig 정합성 엔진 설정
type ReconciliationConfig struct {
	Retry      retry.Config
	StaleAfter time.Duration
	SweepLimit int
	// OperationTimeout 여러 호출자가 공유하는 승인/취소/생성 작업의 상한
	OperationTimeout time.Duration
	Now              func() time.Time
}

// CreateIntentCommand 결제 인텐트 생성 커맨드
type CreateIntentCommand struct {
	BookingID string
	Amount    int64
	Currency  string
}

// IntentResult 결제 인텐트 생성 결과
type IntentResult struct {
	Reference    string
	ClientSecret string
	Payment      domain.Payment
}

// StatusUpdate 대행사가 보고한 결제 상태
type StatusUpdate struct {
	Status         domain.PaymentStatus
	Source         string
	EventID        string
	FailureCode    string
	FailureMessage string
	PaymentMethod  string
	ReceiptURL     string
}

func updateFromIntent(intent gateway.Intent, source string) StatusUpdate {
	return StatusUpdate{
		Status:         intent.PaymentStatus(),
		Source:         source,
		FailureCode:    intent.FailureCode,
		FailureMessage: intent.FailureMessage,
		PaymentMethod:  intent.PaymentMethod,
		ReceiptURL:     intent.ReceiptURL,
	}
}

// ReconciliationService 예약/결제 상태 정합성 엔진
//
// 예약과 결제 상태를 바꾸는 유일한 주체다. 읽기-판단-쓰기 구간은 예약 ID 잠금 안에서
// 버전 조건부로 저장하고, 대행사 호출 동안에는 잠금을 잡지 않는다.
type ReconciliationService struct {
	bookings      repository.BookingStore
	payments      repository.PaymentStore
	gateway       gateway.Gateway
	locker        lock.Locker
	conflictRetry retry.Config
	gatewayRetry  retry.Config
	staleAfter    time.Duration
	sweepLimit    int
	opTimeout     time.Duration
	now           func() time.Time
	logger        *zap.Logger
	flight        singleflight.Group
}

// NewReconciliationService 정합성 엔진 생성
func NewReconciliationService(
	bookings repository.BookingStore,
	payments repository.PaymentStore,
	gw gateway.Gateway,
	locker lock.Locker,
	cfg ReconciliationConfig,
	logger *zap.Logger,
) *ReconciliationService {
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 15 * time.Minute
	}
	if cfg.SweepLimit <= 0 {
		cfg.SweepLimit = 100
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = 30 * time.Second
	}

	return &ReconciliationService{
		bookings:      bookings,
		payments:      payments,
		gateway:       gw,
		locker:        locker,
		conflictRetry: cfg.Retry.WithPredicate(isVersionConflict),
		gatewayRetry:  cfg.Retry.WithPredicate(isGatewayTransient),
		staleAfter:    cfg.StaleAfter,
		sweepLimit:    cfg.SweepLimit,
		opTimeout:     cfg.OperationTimeout,
		now:           now,
		logger:        logger,
	}
}

func isVersionConflict(err error) bool {
	return errors.Is(err, errors.ErrCodeVersionConflict)
}

func isGatewayTransient(err error) bool {
	return errors.Is(err, errors.ErrCodeGatewayTransient)
}

func bookingLockKey(bookingID string) string {
	return "booking:" + bookingID
}

// shared 같은 키의 동시 호출을 하나의 작업으로 묶는다
//
// 작업은 첫 호출자의 취소와 무관하게 opTimeout 안에서 끝까지 진행되고, 각 호출자는 자기 ctx가 끝나면 먼저 빠져나간다.
func (s *ReconciliationService) shared(ctx context.Context, key string, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	ch := s.flight.DoChan(key, func() (interface{}, error) {
		opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opTimeout)
		defer cancel()
		return fn(opCtx)
	})
	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *ReconciliationService) withBookingLock(ctx context.Context, bookingID string, fn func() error) error {
	unlock, err := s.locker.Lock(ctx, bookingLockKey(bookingID))
	if err != nil {
		return errors.Wrap(errors.ErrCodeVersionConflict, "booking is busy: "+bookingID, err)
	}
	defer unlock()
	return fn()
}

// guarded 예약 잠금 안에서 fn 실행, 버전 충돌이면 처음부터 다시 시도
func guarded[T any](ctx context.Context, s *ReconciliationService, bookingID string, fn func() (T, error)) (T, error) {
	return retry.DoWithResult(ctx, s.conflictRetry, s.logger, func() (T, error) {
		var result T
		err := s.withBookingLock(ctx, bookingID, func() error {
			var err error
			result, err = fn()
			return err
		})
		return result, err
	})
}

func (s *ReconciliationService) retrieveIntent(ctx context.Context, ref string) (*gateway.Intent, error) {
	return retry.DoWithResult(ctx, s.gatewayRetry, s.logger, func() (*gateway.Intent, error) {
		return s.gateway.RetrieveIntent(ctx, ref)
	})
}

// GetPayment 외부 참조로 결제 조회
func (s *ReconciliationService) GetPayment(ctx context.Context, ref string) (domain.Payment, error) {
	if ref == "" {
		return domain.Payment{}, errors.New(errors.ErrCodeValidation, "intent reference is required")
	}
	return s.payments.GetPaymentByReference(ctx, ref)
}

// GetBookingPayments 예약의 결제 시도 이력
func (s *ReconciliationService) GetBookingPayments(ctx context.Context, bookingID string) ([]domain.Payment, error) {
	if _, err := s.bookings.GetBooking(ctx, bookingID); err != nil {
		return nil, err
	}
	return s.payments.ListPaymentsByBooking(ctx, bookingID)
}

// CreatePaymentIntent 예약에 대한 결제 인텐트 생성
//
// 진행 중인 인텐트가 있으면 새로 만들지 않고 그대로 돌려준다.
func (s *ReconciliationService) CreatePaymentIntent(ctx context.Context, cmd CreateIntentCommand) (*IntentResult, error) {
	currency := domain.NormalizeCurrency(cmd.Currency)
	if cmd.BookingID == "" {
		return nil, errors.New(errors.ErrCodeValidation, "booking id is required")
	}
	if err := domain.ValidateAmount(cmd.Amount, currency); err != nil {
		return nil, err
	}

	key := fmt.Sprintf("create:%s:%d:%s", cmd.BookingID, cmd.Amount, currency)
	v, err := s.shared(ctx, key, func(ctx context.Context) (interface{}, error) {
		return s.createPaymentIntent(ctx, cmd.BookingID, cmd.Amount, currency)
	})
	if err != nil {
		return nil, err
	}
	return v.(*IntentResult), nil
}

type intentPlan struct {
	booking    domain.Booking
	attemptKey string
	existing   *domain.Payment
}

func (s *ReconciliationService) createPaymentIntent(ctx context.Context, bookingID string, amount int64, currency string) (*IntentResult, error) {
	plan, err := guarded(ctx, s, bookingID, func() (intentPlan, error) {
		return s.planIntent(ctx, bookingID, amount, currency)
	})
	if err != nil {
		return nil, err
	}

	if plan.existing != nil {
		s.logger.Info("reusing active payment intent",
			zap.String("bookingId", bookingID),
			zap.String("intentReference", plan.existing.ExternalReference),
			zap.String("status", string(plan.existing.Status)))
		return s.existingIntentResult(ctx, *plan.existing)
	}

	req := gateway.CreateIntentRequest{
		BookingID:   bookingID,
		CustomerID:  plan.booking.CustomerID,
		Amount:      amount,
		Currency:    currency,
		AttemptKey:  plan.attemptKey,
		Description: "Charter booking " + bookingID,
	}
	intent, err := retry.DoWithResult(ctx, s.gatewayRetry, s.logger, func() (*gateway.Intent, error) {
		return s.gateway.CreateIntent(ctx, req)
	})
	if err != nil {
		if errors.Is(err, errors.ErrCodeGatewayRejected) {
			s.clearAttempt(ctx, bookingID, plan.attemptKey)
		} else {
			s.logger.Warn("payment intent creation outcome unknown, attempt kept for reconciliation",
				zap.String("bookingId", bookingID),
				zap.String("attemptKey", plan.attemptKey),
				zap.Error(err))
		}
		return nil, err
	}

	payment, err := s.attachIntent(ctx, bookingID, *intent)
	if err != nil {
		if errors.Is(err, errors.ErrCodeInvalidTransition) {
			s.closeIntent(ctx, bookingID, intent.Reference, closeReasonOrphaned)
		}
		return nil, err
	}

	secret := intent.ClientSecret
	if secret == "" {
		secret = payment.ClientSecret
	}
	return &IntentResult{
		Reference:    intent.Reference,
		ClientSecret: secret,
		Payment:      payment,
	}, nil
}

func (s *ReconciliationService) planIntent(ctx context.Context, bookingID string, amount int64, currency string) (intentPlan, error) {
	booking, err := s.bookings.GetBooking(ctx, bookingID)
	if err != nil {
		return intentPlan{}, err
	}
	if booking.Status != domain.BookingStatusPending {
		return intentPlan{}, errors.Newf(errors.ErrCodeInvalidTransition,
			"booking %s is %s, payment can only start for a pending booking", bookingID, booking.Status)
	}
	if booking.TotalAmount != amount || booking.Currency != currency {
		return intentPlan{}, errors.Newf(errors.ErrCodeValidation,
			"amount %d %s does not match booking total %d %s", amount, currency, booking.TotalAmount, booking.Currency)
	}

	if booking.PaymentReference != "" {
		current, err := s.payments.GetPaymentByReference(ctx, booking.PaymentReference)
		if err != nil {
			return intentPlan{}, err
		}
		if current.Status.IsActive() && !current.IsSuperseded() {
			return intentPlan{booking: booking, existing: &current}, nil
		}
		if current.Status.IsCaptured() {
			return intentPlan{}, errors.Newf(errors.ErrCodeInvalidTransition,
				"booking %s already has captured payment %s", bookingID, current.ExternalReference)
		}
	}

	// 결과를 모르는 이전 시도가 있으면 같은 키로 다시 요청해 대행사가 중복 생성하지 않게 한다
	if booking.PendingAttemptKey != "" {
		return intentPlan{booking: booking, attemptKey: booking.PendingAttemptKey}, nil
	}

	key := uuid.New().String()
	saved, err := s.bookings.SaveBooking(ctx, booking.WithPendingAttempt(key, s.now()), booking.Version)
	if err != nil {
		return intentPlan{}, err
	}
	return intentPlan{booking: saved, attemptKey: key}, nil
}

func (s *ReconciliationService) existingIntentResult(ctx context.Context, payment domain.Payment) (*IntentResult, error) {
	secret := payment.ClientSecret
	if secret == "" {
		intent, err := s.retrieveIntent(ctx, payment.ExternalReference)
		if err != nil {
			return nil, err
		}
		secret = intent.ClientSecret
	}
	return &IntentResult{
		Reference:    payment.ExternalReference,
		ClientSecret: secret,
		Payment:      payment,
	}, nil
}

// clearAttempt 거절된 생성 시도 키 정리
func (s *ReconciliationService) clearAttempt(ctx context.Context, bookingID, attemptKey string) {
	_, err := guarded(ctx, s, bookingID, func() (domain.Booking, error) {
		booking, err := s.bookings.GetBooking(ctx, bookingID)
		if err != nil {
			return booking, err
		}
		if booking.PendingAttemptKey != attemptKey {
			return booking, nil
		}
		return s.bookings.SaveBooking(ctx, booking.WithPendingAttempt("", s.now()), booking.Version)
	})
	if err != nil {
		s.logger.Error("failed to clear rejected intent attempt",
			zap.String("bookingId", bookingID),
			zap.String("attemptKey", attemptKey),
			zap.Error(err))
	}
}

// 대행사에서 인텐트를 닫는 사유
const (
	closeReasonOrphaned   = "orphaned"
	closeReasonDeclined   = "declined"
	closeReasonSuperseded = "superseded"
)

// closeIntent 더 이상 예약 결제로 쓰지 않을 인텐트를 대행사에서 취소 (실패해도 진행)
//
// 남은 client secret으로 결제가 완료되지 않게 한다. 이미 닫힌 인텐트는 그대로 두고,
// 그 사이 대금이 확보된 경우는 수동 환불 대상으로 에러 로그를 남긴다.
func (s *ReconciliationService) closeIntent(ctx context.Context, bookingID, ref, reason string) {
	fields := []zap.Field{
		zap.String("bookingId", bookingID),
		zap.String("intentReference", ref),
		zap.String("reason", reason),
	}

	_, err := s.gateway.CancelIntent(ctx, ref)
	if err == nil {
		s.logger.Info("payment intent closed at gateway", fields...)
		return
	}
	if rejection, ok := gateway.RejectionOf(err); ok && rejection.Code == gateway.CodeUnexpectedState {
		if intent, rerr := s.retrieveIntent(ctx, ref); rerr == nil {
			switch intent.Status {
			case gateway.IntentStatusCanceled:
				return
			case gateway.IntentStatusSucceeded:
				s.logger.Error("closed payment intent captured funds, manual refund required", fields...)
				return
			}
		}
	}
	s.logger.Error("failed to close payment intent at gateway", append(fields, zap.Error(err))...)
}

// AdoptIntent 저장소에 없는 인텐트를 예약의 활성 결제로 등록
//
// 예약이 Pending이고 활성 결제가 없거나, 인텐트가 예약에 남은 시도 키로 만들어진 경우에만 받아들인다.
func (s *ReconciliationService) AdoptIntent(ctx context.Context, bookingID string, intent gateway.Intent, source string) (domain.Payment, error) {
	payment, err := s.attachIntent(ctx, bookingID, intent)
	if err != nil {
		return payment, err
	}

	target := intent.PaymentStatus()
	if target == payment.Status || payment.Status.IsStaleFor(target) {
		return payment, nil
	}
	return s.ApplyGatewayStatus(ctx, intent.Reference, updateFromIntent(intent, source))
}

func (s *ReconciliationService) attachIntent(ctx context.Context, bookingID string, intent gateway.Intent) (domain.Payment, error) {
	var replaced string
	payment, err := guarded(ctx, s, bookingID, func() (domain.Payment, error) {
		replaced = ""
		booking, err := s.bookings.GetBooking(ctx, bookingID)
		if err != nil {
			return domain.Payment{}, err
		}
		if booking.PaymentReference == intent.Reference {
			return s.payments.GetPaymentByReference(ctx, intent.Reference)
		}
		if booking.Status != domain.BookingStatusPending {
			return domain.Payment{}, errors.Newf(errors.ErrCodeInvalidTransition,
				"booking %s is %s, cannot attach intent %s", bookingID, booking.Status, intent.Reference)
		}
		if intent.Amount != booking.TotalAmount || !strings.EqualFold(intent.Currency, booking.Currency) {
			return domain.Payment{}, errors.Newf(errors.ErrCodeValidation,
				"intent %s amount %d %s does not match booking total %d %s",
				intent.Reference, intent.Amount, intent.Currency, booking.TotalAmount, booking.Currency)
		}

		ownAttempt := intent.AttemptKey != "" && intent.AttemptKey == booking.PendingAttemptKey
		if !ownAttempt && booking.PendingAttemptKey != "" {
			return domain.Payment{}, errors.Newf(errors.ErrCodeInvalidTransition,
				"booking %s is waiting on attempt %s, not intent %s", bookingID, booking.PendingAttemptKey, intent.Reference)
		}

		var previous *domain.Payment
		if booking.PaymentReference != "" {
			current, err := s.payments.GetPaymentByReference(ctx, booking.PaymentReference)
			if err != nil {
				return domain.Payment{}, err
			}
			if current.Status.IsActive() && !ownAttempt {
				return domain.Payment{}, errors.Newf(errors.ErrCodeInvalidTransition,
					"booking %s already has active payment %s", bookingID, current.ExternalReference)
			}
			previous = &current
		}

		now := s.now()
		payment, err := domain.NewPayment(domain.NewPaymentParams{
			BookingID:         bookingID,
			PayerID:           booking.CustomerID,
			Amount:            intent.Amount,
			Currency:          intent.Currency,
			ExternalReference: intent.Reference,
			ClientSecret:      intent.ClientSecret,
			AttemptKey:        intent.AttemptKey,
			Status:            domain.PaymentStatusPending,
		}, now)
		if err != nil {
			return domain.Payment{}, err
		}

		created, err := s.payments.CreatePayment(ctx, payment)
		if errors.Is(err, errors.ErrCodeDuplicateRequest) {
			created, err = s.payments.GetPaymentByReference(ctx, intent.Reference)
		}
		if err != nil {
			return domain.Payment{}, err
		}

		if previous != nil && !previous.IsSuperseded() {
			if _, err := s.payments.SavePayment(ctx, previous.Superseded(now), previous.Version); err != nil {
				return domain.Payment{}, err
			}
			if previous.Status != domain.PaymentStatusCancelled {
				replaced = previous.ExternalReference
			}
		}

		if _, err := s.bookings.SaveBooking(ctx, booking.WithPaymentReference(intent.Reference, now), booking.Version); err != nil {
			return domain.Payment{}, err
		}

		s.logger.Info("payment intent attached to booking",
			zap.String("bookingId", bookingID),
			zap.String("intentReference", intent.Reference),
			zap.Bool("replacesPrevious", previous != nil))
		return created, nil
	})
	if err != nil {
		return payment, err
	}
	if replaced != "" {
		s.closeIntent(ctx, bookingID, replaced, closeReasonSuperseded)
	}
	return payment, nil
}

// ConfirmPayment 결제 승인
//
// 이미 승인 이후 상태이거나 처리 중이면 대행사를 호출하지 않고 현재 레코드를 돌려준다.
func (s *ReconciliationService) ConfirmPayment(ctx context.Context, ref, paymentMethodRef string) (domain.Payment, error) {
	if ref == "" {
		return domain.Payment{}, errors.New(errors.ErrCodeValidation, "intent reference is required")
	}

	v, err := s.shared(ctx, "confirm:"+ref, func(ctx context.Context) (interface{}, error) {
		return s.confirmPayment(ctx, ref, paymentMethodRef)
	})
	payment, _ := v.(domain.Payment)
	return payment, err
}

func (s *ReconciliationService) confirmPayment(ctx context.Context, ref, paymentMethodRef string) (domain.Payment, error) {
	current, err := s.payments.GetPaymentByReference(ctx, ref)
	if err != nil {
		return domain.Payment{}, err
	}

	claimed := false
	payment, err := guarded(ctx, s, current.BookingID, func() (domain.Payment, error) {
		claimed = false
		p, err := s.payments.GetPaymentByReference(ctx, ref)
		if err != nil {
			return domain.Payment{}, err
		}
		if p.Status.IsSettled() || p.Status == domain.PaymentStatusProcessing {
			return p, nil
		}
		if p.IsSuperseded() {
			return p, errors.Newf(errors.ErrCodeInvalidTransition, "payment %s was replaced by a newer attempt", ref)
		}

		booking, err := s.bookings.GetBooking(ctx, p.BookingID)
		if err != nil {
			return p, err
		}
		if booking.Status != domain.BookingStatusPending {
			return p, errors.Newf(errors.ErrCodeInvalidTransition,
				"booking %s is %s, cannot confirm payment %s", booking.ID, booking.Status, ref)
		}

		now := s.now()
		next, err := p.WithStatus(domain.PaymentStatusProcessing, now)
		if err != nil {
			return p, err
		}
		if paymentMethodRef != "" {
			next = next.WithPaymentMethod(paymentMethodRef, now)
		}
		saved, err := s.payments.SavePayment(ctx, next, p.Version)
		if err != nil {
			return p, err
		}
		claimed = true
		return saved, nil
	})
	if err != nil {
		return payment, err
	}
	if !claimed {
		s.logger.Info("confirm skipped, payment already settled or in flight",
			zap.String("bookingId", payment.BookingID),
			zap.String("intentReference", ref),
			zap.String("status", string(payment.Status)))
		return payment, nil
	}

	intent, err := s.gateway.ConfirmIntent(ctx, ref, paymentMethodRef)
	if err != nil {
		return s.handleConfirmFailure(ctx, payment, err)
	}
	return s.ApplyGatewayStatus(ctx, ref, updateFromIntent(*intent, SourceConfirm))
}

func (s *ReconciliationService) handleConfirmFailure(ctx context.Context, payment domain.Payment, cause error) (domain.Payment, error) {
	ref := payment.ExternalReference

	if rejection, ok := gateway.RejectionOf(cause); ok {
		if rejection.Code == gateway.CodeUnexpectedState {
			// 다른 경로로 이미 진행된 인텐트: 실제 상태를 반영
			if intent, err := s.retrieveIntent(ctx, ref); err == nil {
				updated, err := s.ApplyGatewayStatus(ctx, ref, updateFromIntent(*intent, SourceConfirm))
				if err == nil && updated.Status == domain.PaymentStatusFailed {
					s.closeIntent(ctx, payment.BookingID, ref, closeReasonDeclined)
				}
				if err != nil || updated.Status == domain.PaymentStatusFailed {
					return updated, cause
				}
				return updated, nil
			}
		}

		failed, err := s.ApplyGatewayStatus(ctx, ref, StatusUpdate{
			Status:         domain.PaymentStatusFailed,
			Source:         SourceConfirm,
			FailureCode:    rejection.Code,
			FailureMessage: rejection.Message,
		})
		if err != nil {
			return failed, err
		}
		// 거절된 인텐트는 client secret으로 다시 결제될 수 있으므로 닫는다
		s.closeIntent(ctx, payment.BookingID, ref, closeReasonDeclined)
		return failed, cause
	}

	s.logger.Warn("confirm outcome unknown, payment left processing",
		zap.String("bookingId", payment.BookingID),
		zap.String("intentReference", ref),
		zap.Error(cause))

	recorded, err := guarded(ctx, s, payment.BookingID, func() (domain.Payment, error) {
		p, err := s.payments.GetPaymentByReference(ctx, ref)
		if err != nil || p.Status != domain.PaymentStatusProcessing {
			return p, err
		}
		return s.payments.SavePayment(ctx, p.WithFailure(failureOutcomeUnknown, cause.Error(), s.now()), p.Version)
	})
	if err != nil {
		s.logger.Error("failed to record confirm attempt", zap.String("intentReference", ref), zap.Error(err))
		return payment, cause
	}
	return recorded, cause
}

func cannotCancel(status domain.PaymentStatus) bool {
	switch status {
	case domain.PaymentStatusCompleted, domain.PaymentStatusPartiallyRefunded, domain.PaymentStatusRefunded:
		return true
	}
	return false
}

func cannotCancelError(ref string, status domain.PaymentStatus) error {
	return errors.Newf(errors.ErrCodeCannotCancelCompletedPayment, "payment %s is %s and cannot be cancelled", ref, status)
}

// CancelPayment 결제 취소 (성공 시 예약도 취소)
func (s *ReconciliationService) CancelPayment(ctx context.Context, ref string) (domain.Payment, error) {
	if ref == "" {
		return domain.Payment{}, errors.New(errors.ErrCodeValidation, "intent reference is required")
	}

	v, err := s.shared(ctx, "cancel:"+ref, func(ctx context.Context) (interface{}, error) {
		return s.cancelPayment(ctx, ref)
	})
	payment, _ := v.(domain.Payment)
	return payment, err
}

func (s *ReconciliationService) cancelPayment(ctx context.Context, ref string) (domain.Payment, error) {
	p, err := s.payments.GetPaymentByReference(ctx, ref)
	if err != nil {
		return domain.Payment{}, err
	}
	if cannotCancel(p.Status) {
		return p, cannotCancelError(ref, p.Status)
	}
	if p.Status == domain.PaymentStatusFailed || p.Status == domain.PaymentStatusCancelled {
		return p, nil
	}

	intent, err := s.gateway.CancelIntent(ctx, ref)
	if err == nil {
		return s.ApplyGatewayStatus(ctx, ref, updateFromIntent(*intent, SourceCancel))
	}
	if !errors.Is(err, errors.ErrCodeGatewayRejected) {
		return p, err
	}

	// 취소가 거절되면 대행사의 실제 상태를 반영한다
	actual, rerr := s.retrieveIntent(ctx, ref)
	if rerr != nil {
		return p, err
	}
	updated, aerr := s.ApplyGatewayStatus(ctx, ref, updateFromIntent(*actual, SourceCancel))
	if aerr != nil {
		return updated, aerr
	}
	switch {
	case cannotCancel(updated.Status):
		return updated, cannotCancelError(ref, updated.Status)
	case updated.Status == domain.PaymentStatusCancelled, updated.Status == domain.PaymentStatusFailed:
		return updated, nil
	}
	return updated, err
}

// ApplyGatewayStatus 대행사가 보고한 상태를 결제와 예약에 반영
//
// 같은 상태나 늦게 도착한 이전 상태는 에러 없이 무시한다. 결제를 먼저 저장하고 예약을 따라가게 한다.
func (s *ReconciliationService) ApplyGatewayStatus(ctx context.Context, ref string, update StatusUpdate) (domain.Payment, error) {
	if !update.Status.IsValid() {
		return domain.Payment{}, errors.Newf(errors.ErrCodeValidation, "unknown payment status %q", update.Status)
	}

	current, err := s.payments.GetPaymentByReference(ctx, ref)
	if err != nil {
		return domain.Payment{}, err
	}

	return guarded(ctx, s, current.BookingID, func() (domain.Payment, error) {
		p, err := s.payments.GetPaymentByReference(ctx, ref)
		if err != nil {
			return domain.Payment{}, err
		}

		switch {
		case p.Status == update.Status:
			s.logger.Info("gateway status already applied",
				zap.String("bookingId", p.BookingID),
				zap.String("intentReference", ref),
				zap.String("status", string(p.Status)),
				zap.String("source", update.Source),
				zap.String("eventId", update.EventID))
		case p.Status.IsStaleFor(update.Status):
			s.logStale(p, update)
		default:
			next, err := s.nextPayment(p, update)
			if err != nil {
				s.logger.Warn("gateway status rejected by transition table",
					zap.String("bookingId", p.BookingID),
					zap.String("intentReference", ref),
					zap.String("from", string(p.Status)),
					zap.String("to", string(update.Status)),
					zap.String("source", update.Source))
				return p, err
			}

			outbox, err := paymentOutbox(next, p.Status, update, s.now())
			if err != nil {
				return p, err
			}
			saved, err := s.payments.SavePayment(ctx, next, p.Version, outbox...)
			if err != nil {
				return p, err
			}

			s.logger.Info("payment status changed",
				zap.String("bookingId", p.BookingID),
				zap.String("intentReference", ref),
				zap.String("from", string(p.Status)),
				zap.String("to", string(saved.Status)),
				zap.String("source", update.Source),
				zap.String("eventId", update.EventID))
			p = saved
		}

		if err := s.syncBookingLocked(ctx, p); err != nil {
			return p, err
		}
		return p, nil
	})
}

func (s *ReconciliationService) nextPayment(p domain.Payment, update StatusUpdate) (domain.Payment, error) {
	now := s.now()
	next, err := p.WithStatus(update.Status, now)
	if err != nil {
		return p, err
	}

	if update.Status == domain.PaymentStatusFailed {
		next = next.WithFailure(update.FailureCode, update.FailureMessage, now)
	} else if next.FailureCode != "" || next.FailureMessage != "" {
		next = next.WithFailure("", "", now)
	}
	if update.PaymentMethod != "" && next.PaymentMethod == "" {
		next = next.WithPaymentMethod(update.PaymentMethod, now)
	}
	if update.ReceiptURL != "" {
		next = next.WithReceipt(update.ReceiptURL, now)
	}
	return next, nil
}

func (s *ReconciliationService) logStale(p domain.Payment, update StatusUpdate) {
	fields := []zap.Field{
		zap.String("bookingId", p.BookingID),
		zap.String("intentReference", p.ExternalReference),
		zap.String("from", string(p.Status)),
		zap.String("to", string(update.Status)),
		zap.String("source", update.Source),
		zap.String("eventId", update.EventID),
	}

	// 닫힌 결제에 대한 매입 보고는 수동 확인이 필요하다
	closed := p.Status == domain.PaymentStatusFailed || p.Status == domain.PaymentStatusCancelled
	if closed && update.Status.IsCaptured() {
		s.logger.Error("gateway reports capture on a closed payment, manual review required", fields...)
		return
	}
	s.logger.Info("stale gateway status ignored", fields...)
}

// syncBookingLocked 결제 상태에 맞춰 예약 상태 갱신 (잠금 안에서 호출)
func (s *ReconciliationService) syncBookingLocked(ctx context.Context, p domain.Payment) error {
	booking, err := s.bookings.GetBooking(ctx, p.BookingID)
	if err != nil {
		return err
	}
	if booking.PaymentReference != p.ExternalReference || p.IsSuperseded() {
		if p.Status.IsCaptured() {
			s.logger.Error("captured payment is not the booking's active payment",
				zap.String("bookingId", booking.ID),
				zap.String("intentReference", p.ExternalReference),
				zap.String("activeReference", booking.PaymentReference))
		}
		return nil
	}

	target, change := domain.BookingTargetFor(booking.Status, p.Status)
	if !change {
		return nil
	}

	now := s.now()
	var (
		next domain.Booking
		evt  interface{}
	)
	switch target {
	case domain.BookingStatusConfirmed:
		next, err = booking.Confirmed(now)
		evt = events.BookingConfirmedEvent{
			BaseEvent:        events.NewBaseEvent(events.EventBookingConfirmed, booking.ID, now),
			BookingID:        booking.ID,
			ResourceID:       booking.ResourceID,
			CustomerID:       booking.CustomerID,
			ConfirmationCode: next.ConfirmationCode,
			PaymentReference: p.ExternalReference,
		}
	case domain.BookingStatusCancelled:
		next, err = booking.WithStatus(domain.BookingStatusCancelled, now)
		evt = events.BookingCancelledEvent{
			BaseEvent:        events.NewBaseEvent(events.EventBookingCancelled, booking.ID, now),
			BookingID:        booking.ID,
			PaymentReference: p.ExternalReference,
			Reason:           "payment " + strings.ToLower(string(p.Status)),
		}
	default:
		next, err = booking.WithStatus(target, now)
	}
	if err != nil {
		return err
	}

	var outbox []*repository.OutboxEvent
	if evt != nil {
		eventType := events.EventBookingConfirmed
		if target == domain.BookingStatusCancelled {
			eventType = events.EventBookingCancelled
		}
		out, err := repository.NewOutboxEvent("booking", booking.ID, eventType, evt, now)
		if err != nil {
			return err
		}
		outbox = append(outbox, out)
	}

	if _, err := s.bookings.SaveBooking(ctx, next, booking.Version, outbox...); err != nil {
		return err
	}

	s.logger.Info("booking status changed",
		zap.String("bookingId", booking.ID),
		zap.String("intentReference", p.ExternalReference),
		zap.String("from", string(booking.Status)),
		zap.String("to", string(next.Status)))
	return nil
}

func paymentEventType(status domain.PaymentStatus) (events.EventType, bool) {
	switch status {
	case domain.PaymentStatusCompleted:
		return events.EventPaymentCompleted, true
	case domain.PaymentStatusAuthorized:
		return events.EventPaymentAuthorized, true
	case domain.PaymentStatusFailed:
		return events.EventPaymentFailed, true
	case domain.PaymentStatusCancelled:
		return events.EventPaymentCancelled, true
	case domain.PaymentStatusRefunded, domain.PaymentStatusPartiallyRefunded:
		return events.EventPaymentRefunded, true
	}
	return "", false
}

func paymentOutbox(p domain.Payment, from domain.PaymentStatus, update StatusUpdate, now time.Time) ([]*repository.OutboxEvent, error) {
	eventType, ok := paymentEventType(p.Status)
	if !ok {
		return nil, nil
	}

	evt := events.PaymentStatusChangedEvent{
		BaseEvent:        events.NewBaseEvent(eventType, p.BookingID, now),
		BookingID:        p.BookingID,
		PaymentID:        p.ID,
		PaymentReference: p.ExternalReference,
		Amount:           p.Amount,
		Currency:         p.Currency,
		From:             string(from),
		To:               string(p.Status),
		Reason:           p.FailureMessage,
	}
	out, err := repository.NewOutboxEvent("payment", p.ID, eventType, evt, now)
	if err != nil {
		return nil, err
	}
	return []*repository.OutboxEvent{out}, nil
}

// SyncBooking 활성 결제 상태에 맞춰 예약을 복구
func (s *ReconciliationService) SyncBooking(ctx context.Context, bookingID string) (domain.Booking, error) {
	return guarded(ctx, s, bookingID, func() (domain.Booking, error) {
		booking, err := s.bookings.GetBooking(ctx, bookingID)
		if err != nil || booking.PaymentReference == "" {
			return booking, err
		}
		p, err := s.payments.GetPaymentByReference(ctx, booking.PaymentReference)
		if err != nil {
			return booking, err
		}
		if err := s.syncBookingLocked(ctx, p); err != nil {
			return booking, err
		}
		return s.bookings.GetBooking(ctx, bookingID)
	})
}

// CompleteBooking 운항을 마친 예약을 완료 처리
//
// 확정된 예약이고 대금이 매입된 경우에만 가능하다.
func (s *ReconciliationService) CompleteBooking(ctx context.Context, bookingID string) (domain.Booking, error) {
	if bookingID == "" {
		return domain.Booking{}, errors.New(errors.ErrCodeValidation, "booking id is required")
	}

	return guarded(ctx, s, bookingID, func() (domain.Booking, error) {
		booking, err := s.bookings.GetBooking(ctx, bookingID)
		if err != nil {
			return booking, err
		}
		if booking.Status == domain.BookingStatusCompleted {
			return booking, nil
		}
		if booking.Status != domain.BookingStatusConfirmed || booking.PaymentReference == "" {
			return booking, errors.Newf(errors.ErrCodeInvalidTransition,
				"booking %s is %s and cannot be completed", bookingID, booking.Status)
		}

		p, err := s.payments.GetPaymentByReference(ctx, booking.PaymentReference)
		if err != nil {
			return booking, err
		}
		if p.Status != domain.PaymentStatusCompleted && p.Status != domain.PaymentStatusPartiallyRefunded {
			return booking, errors.Newf(errors.ErrCodeInvalidTransition,
				"payment %s is %s, booking can only complete after capture", p.ExternalReference, p.Status)
		}

		now := s.now()
		next, err := booking.WithStatus(domain.BookingStatusCompleted, now)
		if err != nil {
			return booking, err
		}
		out, err := repository.NewOutboxEvent("booking", booking.ID, events.EventBookingCompleted, events.BookingCompletedEvent{
			BaseEvent: events.NewBaseEvent(events.EventBookingCompleted, booking.ID, now),
			BookingID: booking.ID,
		}, now)
		if err != nil {
			return booking, err
		}

		saved, err := s.bookings.SaveBooking(ctx, next, booking.Version, out)
		if err != nil {
			return booking, err
		}

		s.logger.Info("booking completed",
			zap.String("bookingId", booking.ID),
			zap.String("intentReference", p.ExternalReference))
		return saved, nil
	})
}
