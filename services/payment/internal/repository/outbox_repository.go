package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/kyungseok/charter-payment-saga/common/errors"
)

// insertOutboxTx 트랜잭션 내 Outbox 이벤트 저장
func insertOutboxTx(ctx context.Context, tx *sql.Tx, outbox []*OutboxEvent) error {
	query := `
		INSERT INTO outbox_events (aggregate_type, aggregate_id, event_type, payload, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`

	for _, event := range outbox {
		if event == nil {
			continue
		}
		if event.Status == "" {
			event.Status = OutboxStatusPending
		}
		err := tx.QueryRowContext(ctx, query,
			event.AggregateType,
			event.AggregateID,
			event.EventType,
			[]byte(event.Payload),
			event.Status,
			event.CreatedAt,
		).Scan(&event.ID)
		if err != nil {
			return errors.Wrap(errors.ErrCodeDatabaseError, "failed to insert outbox event", err)
		}
	}
	return nil
}

// FindPending 전송 대기 중인 이벤트 조회 (생성순)
func (s *PostgresStore) FindPending(ctx context.Context, limit int) ([]*OutboxEvent, error) {
	query := `
		SELECT id, aggregate_type, aggregate_id, event_type, payload, status, created_at, sent_at
		FROM outbox_events
		WHERE status = $1
		ORDER BY id
		LIMIT $2
	`

	rows, err := s.db.QueryContext(ctx, query, OutboxStatusPending, limit)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeDatabaseError, "failed to query outbox events", err)
	}
	defer rows.Close()

	var events []*OutboxEvent
	for rows.Next() {
		var (
			event   OutboxEvent
			payload []byte
			sentAt  sql.NullTime
		)
		if err := rows.Scan(
			&event.ID,
			&event.AggregateType,
			&event.AggregateID,
			&event.EventType,
			&payload,
			&event.Status,
			&event.CreatedAt,
			&sentAt,
		); err != nil {
			return nil, errors.Wrap(errors.ErrCodeDatabaseError, "failed to scan outbox event", err)
		}
		event.Payload = payload
		event.SentAt = timePtr(sentAt)
		events = append(events, &event)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeDatabaseError, "failed to iterate outbox events", err)
	}
	return events, nil
}

// MarkSent 이벤트를 전송 완료로 표시
func (s *PostgresStore) MarkSent(ctx context.Context, id int64) error {
	query := `UPDATE outbox_events SET status = $1, sent_at = $2 WHERE id = $3`

	if _, err := s.db.ExecContext(ctx, query, OutboxStatusSent, time.Now(), id); err != nil {
		return errors.Wrap(errors.ErrCodeDatabaseError, "failed to mark outbox event as sent", err)
	}
	return nil
}
