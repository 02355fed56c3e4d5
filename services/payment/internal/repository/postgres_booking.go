package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/kyungseok/charter-payment-saga/common/errors"
	"github.com/kyungseok/charter-payment-saga/services/payment/internal/domain"
)

const bookingColumns = `id, resource_id, customer_id, starts_at, ends_at, status, total_amount, currency,
	payment_reference, pending_attempt_key, pending_attempt_at, confirmation_code, version, created_at, updated_at`

func scanBooking(row rowScanner) (domain.Booking, error) {
	var (
		b                 domain.Booking
		status            string
		paymentReference  sql.NullString
		pendingAttemptKey sql.NullString
		pendingAttemptAt  sql.NullTime
		confirmationCode  sql.NullString
	)

	err := row.Scan(
		&b.ID,
		&b.ResourceID,
		&b.CustomerID,
		&b.StartsAt,
		&b.EndsAt,
		&status,
		&b.TotalAmount,
		&b.Currency,
		&paymentReference,
		&pendingAttemptKey,
		&pendingAttemptAt,
		&confirmationCode,
		&b.Version,
		&b.CreatedAt,
		&b.UpdatedAt,
	)
	if err != nil {
		return domain.Booking{}, err
	}

	b.Status = domain.BookingStatus(status)
	b.PaymentReference = paymentReference.String
	b.PendingAttemptKey = pendingAttemptKey.String
	b.PendingAttemptAt = timePtr(pendingAttemptAt)
	b.ConfirmationCode = confirmationCode.String
	return b, nil
}

// GetBooking ID로 예약 조회
func (s *PostgresStore) GetBooking(ctx context.Context, id string) (domain.Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE id = $1`

	b, err := scanBooking(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return domain.Booking{}, bookingNotFound(id)
	}
	if err != nil {
		return domain.Booking{}, errors.Wrap(errors.ErrCodeDatabaseError, "failed to find booking", err)
	}
	return b, nil
}

// CreateBooking 예약 생성
func (s *PostgresStore) CreateBooking(ctx context.Context, booking domain.Booking) (domain.Booking, error) {
	query := `
		INSERT INTO bookings (id, resource_id, customer_id, starts_at, ends_at, status, total_amount, currency,
			payment_reference, pending_attempt_key, pending_attempt_at, confirmation_code, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 1, $13, $14)
	`

	_, err := s.db.ExecContext(ctx, query,
		booking.ID,
		booking.ResourceID,
		booking.CustomerID,
		booking.StartsAt,
		booking.EndsAt,
		string(booking.Status),
		booking.TotalAmount,
		booking.Currency,
		nullString(booking.PaymentReference),
		nullString(booking.PendingAttemptKey),
		nullTime(booking.PendingAttemptAt),
		nullString(booking.ConfirmationCode),
		booking.CreatedAt,
		booking.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Booking{}, errors.Wrap(errors.ErrCodeDuplicateRequest, "booking already exists", err)
		}
		return domain.Booking{}, errors.Wrap(errors.ErrCodeDatabaseError, "failed to create booking", err)
	}

	booking.Version = 1
	return booking, nil
}

// SaveBooking 버전 조건부 예약 저장 (Outbox 이벤트와 같은 트랜잭션)
func (s *PostgresStore) SaveBooking(ctx context.Context, booking domain.Booking, expectedVersion int64, outbox ...*OutboxEvent) (domain.Booking, error) {
	query := `
		UPDATE bookings
		SET status = $1, payment_reference = $2, pending_attempt_key = $3, pending_attempt_at = $4,
			confirmation_code = $5, updated_at = $6, version = version + 1
		WHERE id = $7 AND version = $8
	`

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, query,
			string(booking.Status),
			nullString(booking.PaymentReference),
			nullString(booking.PendingAttemptKey),
			nullTime(booking.PendingAttemptAt),
			nullString(booking.ConfirmationCode),
			booking.UpdatedAt,
			booking.ID,
			expectedVersion,
		)
		if err != nil {
			return errors.Wrap(errors.ErrCodeDatabaseError, "failed to update booking", err)
		}

		affected, err := result.RowsAffected()
		if err != nil {
			return errors.Wrap(errors.ErrCodeDatabaseError, "failed to read affected rows", err)
		}
		if affected == 0 {
			return versionConflict("booking", booking.ID, expectedVersion)
		}

		return insertOutboxTx(ctx, tx, outbox)
	})
	if err != nil {
		return domain.Booking{}, err
	}

	booking.Version = expectedVersion + 1
	return booking, nil
}

// ListBookingsAwaitingIntent 결과 미확인 인텐트 시도가 남은 예약
func (s *PostgresStore) ListBookingsAwaitingIntent(ctx context.Context, olderThan time.Time, limit int) ([]domain.Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings
		WHERE status = $1 AND pending_attempt_key IS NOT NULL AND pending_attempt_at < $2
		ORDER BY updated_at
		LIMIT $3`

	return s.queryBookings(ctx, query, string(domain.BookingStatusPending), olderThan, limit)
}

// ListBookingsOutOfSync 결제와 어긋난 예약
func (s *PostgresStore) ListBookingsOutOfSync(ctx context.Context, limit int) ([]domain.Booking, error) {
	query := `SELECT ` + prefixed("b", bookingColumns) + ` FROM bookings b
		JOIN payments p ON p.external_reference = b.payment_reference
		WHERE (p.status IN ('AUTHORIZED', 'COMPLETED') AND b.status = 'PENDING')
			OR (p.status = 'CANCELLED' AND b.status IN ('PENDING', 'CONFIRMED'))
			OR (p.status = 'FAILED' AND b.status = 'CONFIRMED')
		ORDER BY b.updated_at
		LIMIT $1`

	return s.queryBookings(ctx, query, limit)
}

func (s *PostgresStore) queryBookings(ctx context.Context, query string, args ...interface{}) ([]domain.Booking, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeDatabaseError, "failed to query bookings", err)
	}
	defer rows.Close()

	var bookings []domain.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeDatabaseError, "failed to scan booking", err)
		}
		bookings = append(bookings, b)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeDatabaseError, "failed to iterate bookings", err)
	}
	return bookings, nil
}
