package worker

import (
	"context"
	"time"

	"github.com/kyungseok/charter-payment-saga/services/payment/internal/service"
	"go.uber.org/zap"
)

// Sweeper 주기 정합성 점검 대상
type Sweeper interface {
	ReconcileUnsettled(ctx context.Context) (service.SweepReport, error)
}

// ReconcileWorker 결과를 모르는 결제를 주기적으로 대행사와 맞추는 워커
type ReconcileWorker struct {
	sweeper  Sweeper
	logger   *zap.Logger
	interval time.Duration
}

// NewReconcileWorker 정합성 워커 생성
func NewReconcileWorker(sweeper Sweeper, logger *zap.Logger, interval time.Duration) *ReconcileWorker {
	return &ReconcileWorker{
		sweeper:  sweeper,
		logger:   logger,
		interval: interval,
	}
}

// Start 워커 시작 (ctx 취소 시 반환)
func (w *ReconcileWorker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("reconcile worker started", zap.Duration("interval", w.interval))

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("reconcile worker stopped")
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce 점검 한 회 실행
func (w *ReconcileWorker) RunOnce(ctx context.Context) service.SweepReport {
	report, err := w.sweeper.ReconcileUnsettled(ctx)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error("reconciliation sweep failed", zap.Error(err))
		}
		return report
	}

	fields := []zap.Field{
		zap.Int("paymentsChecked", report.PaymentsChecked),
		zap.Int("paymentsUpdated", report.PaymentsUpdated),
		zap.Int("attemptsAdopted", report.AttemptsAdopted),
		zap.Int("attemptsCleared", report.AttemptsCleared),
		zap.Int("bookingsRepaired", report.BookingsRepaired),
		zap.Int("failures", report.Failures),
	}
	switch {
	case report.Failures > 0:
		w.logger.Warn("reconciliation sweep finished with failures", fields...)
	case report.PaymentsUpdated+report.AttemptsAdopted+report.AttemptsCleared+report.BookingsRepaired > 0:
		w.logger.Info("reconciliation sweep repaired records", fields...)
	default:
		w.logger.Debug("reconciliation sweep finished", fields...)
	}
	return report
}
