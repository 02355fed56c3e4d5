package service

import (
	"context"

	"github.com/kyungseok/charter-payment-saga/common/errors"
	"github.com/kyungseok/charter-payment-saga/services/payment/internal/domain"
	"go.uber.org/zap"
)

// failureConfirmAbandoned 승인 요청이 대행사에 닿지 않은 채 방치된 결제 코드
const failureConfirmAbandoned = "confirm_abandoned"

// SweepReport 정합성 점검 결과
type SweepReport struct {
	PaymentsChecked  int
	PaymentsUpdated  int
	AttemptsAdopted  int
	AttemptsCleared  int
	BookingsRepaired int
	Failures         int
}

// ReconcileUnsettled 결과를 모르는 결제와 인텐트 생성 시도를 대행사에 다시 물어 정리
//
// 개별 항목 실패는 기록만 하고 다음 항목으로 넘어간다.
func (s *ReconciliationService) ReconcileUnsettled(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	olderThan := s.now().Add(-s.staleAfter)

	payments, err := s.payments.ListUnsettledPayments(ctx, olderThan, s.sweepLimit)
	if err != nil {
		return report, err
	}
	for _, p := range payments {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		report.PaymentsChecked++
		changed, err := s.reconcilePayment(ctx, p)
		if err != nil {
			report.Failures++
			s.logger.Warn("failed to reconcile payment",
				zap.String("bookingId", p.BookingID),
				zap.String("intentReference", p.ExternalReference),
				zap.Error(err))
			continue
		}
		if changed {
			report.PaymentsUpdated++
		}
	}

	bookings, err := s.bookings.ListBookingsAwaitingIntent(ctx, olderThan, s.sweepLimit)
	if err != nil {
		return report, err
	}
	for _, b := range bookings {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		adopted, err := s.resolveAttempt(ctx, b)
		if err != nil {
			report.Failures++
			s.logger.Warn("failed to resolve intent attempt",
				zap.String("bookingId", b.ID),
				zap.String("attemptKey", b.PendingAttemptKey),
				zap.Error(err))
			continue
		}
		if adopted {
			report.AttemptsAdopted++
		} else {
			report.AttemptsCleared++
		}
	}

	outOfSync, err := s.bookings.ListBookingsOutOfSync(ctx, s.sweepLimit)
	if err != nil {
		return report, err
	}
	for _, b := range outOfSync {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		if _, err := s.SyncBooking(ctx, b.ID); err != nil {
			report.Failures++
			s.logger.Warn("failed to repair booking", zap.String("bookingId", b.ID), zap.Error(err))
			continue
		}
		report.BookingsRepaired++
	}

	if report != (SweepReport{}) {
		s.logger.Info("reconciliation sweep finished",
			zap.Int("paymentsChecked", report.PaymentsChecked),
			zap.Int("paymentsUpdated", report.PaymentsUpdated),
			zap.Int("attemptsAdopted", report.AttemptsAdopted),
			zap.Int("attemptsCleared", report.AttemptsCleared),
			zap.Int("bookingsRepaired", report.BookingsRepaired),
			zap.Int("failures", report.Failures))
	}
	return report, nil
}

func (s *ReconciliationService) reconcilePayment(ctx context.Context, p domain.Payment) (bool, error) {
	intent, err := s.retrieveIntent(ctx, p.ExternalReference)
	if err != nil {
		return false, err
	}

	target := intent.PaymentStatus()
	if target == domain.PaymentStatusPending {
		if p.Status != domain.PaymentStatusProcessing {
			return false, nil
		}
		// 승인 요청을 선점했지만 대행사에는 닿지 않았다. 인텐트를 닫고 새 시도를 받을 수 있게 실패 처리한다
		s.closeIntent(ctx, p.BookingID, p.ExternalReference, failureConfirmAbandoned)
		updated, err := s.ApplyGatewayStatus(ctx, p.ExternalReference, StatusUpdate{
			Status:         domain.PaymentStatusFailed,
			Source:         SourceSweep,
			FailureCode:    failureConfirmAbandoned,
			FailureMessage: "confirmation never reached the payment processor",
		})
		return updated.Status != p.Status, err
	}

	update := updateFromIntent(*intent, SourceSweep)
	updated, err := s.ApplyGatewayStatus(ctx, p.ExternalReference, update)
	if err != nil {
		return false, err
	}
	return updated.Status != p.Status, nil
}

// resolveAttempt 결과를 모르는 인텐트 생성 시도를 찾아 붙이거나, 없으면 시도 키를 비운다
func (s *ReconciliationService) resolveAttempt(ctx context.Context, b domain.Booking) (bool, error) {
	intent, err := s.gateway.FindIntentByAttempt(ctx, b.ID, b.PendingAttemptKey)
	if err != nil {
		if !errors.IsNotFound(err) {
			return false, err
		}
		s.clearAttempt(ctx, b.ID, b.PendingAttemptKey)
		s.logger.Info("cleared intent attempt that never reached the processor",
			zap.String("bookingId", b.ID),
			zap.String("attemptKey", b.PendingAttemptKey))
		return false, nil
	}

	if _, err := s.AdoptIntent(ctx, b.ID, *intent, SourceSweep); err != nil {
		return false, err
	}
	return true, nil
}
