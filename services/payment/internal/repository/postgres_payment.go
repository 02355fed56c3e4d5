package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/kyungseok/charter-payment-saga/common/errors"
	"github.com/kyungseok/charter-payment-saga/services/payment/internal/domain"
)

const paymentColumns = `id, booking_id, payer_id, amount, currency, payment_method, status, external_reference,
	client_secret, attempt_key, receipt_url, failure_code, failure_message, superseded_at, version, created_at, updated_at`

func scanPayment(row rowScanner) (domain.Payment, error) {
	var (
		p              domain.Payment
		status         string
		payerID        sql.NullString
		paymentMethod  sql.NullString
		clientSecret   sql.NullString
		attemptKey     sql.NullString
		receiptURL     sql.NullString
		failureCode    sql.NullString
		failureMessage sql.NullString
		supersededAt   sql.NullTime
	)

	err := row.Scan(
		&p.ID,
		&p.BookingID,
		&payerID,
		&p.Amount,
		&p.Currency,
		&paymentMethod,
		&status,
		&p.ExternalReference,
		&clientSecret,
		&attemptKey,
		&receiptURL,
		&failureCode,
		&failureMessage,
		&supersededAt,
		&p.Version,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return domain.Payment{}, err
	}

	p.Status = domain.PaymentStatus(status)
	p.PayerID = payerID.String
	p.PaymentMethod = paymentMethod.String
	p.ClientSecret = clientSecret.String
	p.AttemptKey = attemptKey.String
	p.ReceiptURL = receiptURL.String
	p.FailureCode = failureCode.String
	p.FailureMessage = failureMessage.String
	p.SupersededAt = timePtr(supersededAt)
	return p, nil
}

// GetPaymentByReference 외부 참조로 결제 조회
func (s *PostgresStore) GetPaymentByReference(ctx context.Context, ref string) (domain.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE external_reference = $1`

	p, err := scanPayment(s.db.QueryRowContext(ctx, query, ref))
	if err == sql.ErrNoRows {
		return domain.Payment{}, paymentNotFound(ref)
	}
	if err != nil {
		return domain.Payment{}, errors.Wrap(errors.ErrCodeDatabaseError, "failed to find payment", err)
	}
	return p, nil
}

// CreatePayment 결제 생성 (external_reference UNIQUE 위반 시 DUPLICATE_REQUEST)
func (s *PostgresStore) CreatePayment(ctx context.Context, payment domain.Payment, outbox ...*OutboxEvent) (domain.Payment, error) {
	query := `
		INSERT INTO payments (id, booking_id, payer_id, amount, currency, payment_method, status, external_reference,
			client_secret, attempt_key, receipt_url, failure_code, failure_message, superseded_at, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, 1, $15, $16)
	`

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, query,
			payment.ID,
			payment.BookingID,
			nullString(payment.PayerID),
			payment.Amount,
			payment.Currency,
			nullString(payment.PaymentMethod),
			string(payment.Status),
			payment.ExternalReference,
			nullString(payment.ClientSecret),
			nullString(payment.AttemptKey),
			nullString(payment.ReceiptURL),
			nullString(payment.FailureCode),
			nullString(payment.FailureMessage),
			nullTime(payment.SupersededAt),
			payment.CreatedAt,
			payment.UpdatedAt,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return errors.Wrap(errors.ErrCodeDuplicateRequest, "payment reference already recorded", err)
			}
			return errors.Wrap(errors.ErrCodeDatabaseError, "failed to create payment", err)
		}
		return insertOutboxTx(ctx, tx, outbox)
	})
	if err != nil {
		return domain.Payment{}, err
	}

	payment.Version = 1
	return payment, nil
}

// SavePayment 버전 조건부 결제 저장 (Outbox 이벤트와 같은 트랜잭션)
func (s *PostgresStore) SavePayment(ctx context.Context, payment domain.Payment, expectedVersion int64, outbox ...*OutboxEvent) (domain.Payment, error) {
	query := `
		UPDATE payments
		SET status = $1, payment_method = $2, receipt_url = $3, failure_code = $4, failure_message = $5,
			superseded_at = $6, updated_at = $7, version = version + 1
		WHERE id = $8 AND version = $9 AND external_reference = $10
	`

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, query,
			string(payment.Status),
			nullString(payment.PaymentMethod),
			nullString(payment.ReceiptURL),
			nullString(payment.FailureCode),
			nullString(payment.FailureMessage),
			nullTime(payment.SupersededAt),
			payment.UpdatedAt,
			payment.ID,
			expectedVersion,
			payment.ExternalReference,
		)
		if err != nil {
			return errors.Wrap(errors.ErrCodeDatabaseError, "failed to update payment", err)
		}

		affected, err := result.RowsAffected()
		if err != nil {
			return errors.Wrap(errors.ErrCodeDatabaseError, "failed to read affected rows", err)
		}
		if affected == 0 {
			return versionConflict("payment", payment.ExternalReference, expectedVersion)
		}

		return insertOutboxTx(ctx, tx, outbox)
	})
	if err != nil {
		return domain.Payment{}, err
	}

	payment.Version = expectedVersion + 1
	return payment, nil
}

// ListPaymentsByBooking 예약의 모든 결제 시도 (생성순)
func (s *PostgresStore) ListPaymentsByBooking(ctx context.Context, bookingID string) ([]domain.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE booking_id = $1 ORDER BY created_at`
	return s.queryPayments(ctx, query, bookingID)
}

// ListUnsettledPayments 오래 머문 진행 중 결제 (최근 것부터)
func (s *PostgresStore) ListUnsettledPayments(ctx context.Context, olderThan time.Time, limit int) ([]domain.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments
		WHERE status IN ($1, $2) AND superseded_at IS NULL AND updated_at < $3
		ORDER BY updated_at DESC
		LIMIT $4`

	return s.queryPayments(ctx, query,
		string(domain.PaymentStatusPending),
		string(domain.PaymentStatusProcessing),
		olderThan,
		limit,
	)
}

func (s *PostgresStore) queryPayments(ctx context.Context, query string, args ...interface{}) ([]domain.Payment, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeDatabaseError, "failed to query payments", err)
	}
	defer rows.Close()

	var payments []domain.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeDatabaseError, "failed to scan payment", err)
		}
		payments = append(payments, p)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeDatabaseError, "failed to iterate payments", err)
	}
	return payments, nil
}
