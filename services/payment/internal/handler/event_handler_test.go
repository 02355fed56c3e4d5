package handler

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/kyungseok/charter-payment-saga/common/errors"
	"github.com/kyungseok/charter-payment-saga/common/events"
	"github.com/kyungseok/charter-payment-saga/common/idempotency"
	"github.com/kyungseok/charter-payment-saga/common/messaging"
	"github.com/kyungseok/charter-payment-saga/common/retry"
	"github.com/kyungseok/charter-payment-saga/services/payment/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// scriptedCompleter 호출마다 준비된 에러를 순서대로 돌려준다
type scriptedCompleter struct {
	mu    sync.Mutex
	calls []string
	errs  []error
}

func (c *scriptedCompleter) CompleteBooking(_ context.Context, bookingID string) (domain.Booking, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, bookingID)
	if len(c.errs) > 0 {
		err := c.errs[0]
		c.errs = c.errs[1:]
		if err != nil {
			return domain.Booking{}, err
		}
	}
	return domain.Booking{ID: bookingID, Status: domain.BookingStatusCompleted}, nil
}

// unreachableStore 조회가 실패하는 멱등성 저장소
type unreachableStore struct {
	idempotency.Store
}

func (unreachableStore) IsProcessed(context.Context, string) (bool, error) {
	return false, errors.New(errors.ErrCodeDatabaseError, "redis: connection refused")
}

func testRetry() retry.Config {
	return retry.Config{
		MaxAttempts:        3,
		InitialInterval:    time.Millisecond,
		MaxInterval:        2 * time.Millisecond,
		BackoffCoefficient: 2.0,
	}
}

func charterCompletedMessage(t *testing.T, bookingID string) (*messaging.Message, string) {
	t.Helper()
	evt := events.CharterCompletedEvent{
		BaseEvent:  events.NewBaseEvent(events.EventCharterCompleted, bookingID, testNow),
		BookingID:  bookingID,
		ResourceID: "yacht-7",
		FinishedAt: testNow,
	}
	value, err := json.Marshal(evt)
	require.NoError(t, err)
	return &messaging.Message{
		Topic: string(events.EventCharterCompleted),
		Key:   []byte(bookingID),
		Value: value,
	}, evt.EventID
}

func TestEventHandler_CharterCompleted(t *testing.T) {
	completer := &scriptedCompleter{}
	store := idempotency.NewMemoryStore(10)
	h := NewEventHandler(completer, store, testRetry(), zap.NewNop())
	msg, eventID := charterCompletedMessage(t, "b1")

	require.NoError(t, h.HandleMessage(context.Background(), msg))
	require.NoError(t, h.HandleMessage(context.Background(), msg))

	assert.Equal(t, []string{"b1"}, completer.calls, "redelivered event is skipped")
	processed, err := store.IsProcessed(context.Background(), eventID)
	require.NoError(t, err)
	assert.True(t, processed)
}

func TestEventHandler_BusinessErrorIsConsumed(t *testing.T) {
	completer := &scriptedCompleter{errs: []error{
		errors.New(errors.ErrCodeInvalidTransition, "booking b1 is CANCELLED"),
	}}
	store := idempotency.NewMemoryStore(10)
	h := NewEventHandler(completer, store, testRetry(), zap.NewNop())
	msg, eventID := charterCompletedMessage(t, "b1")

	require.NoError(t, h.HandleMessage(context.Background(), msg))

	assert.Len(t, completer.calls, 1, "business errors are not retried")
	processed, _ := store.IsProcessed(context.Background(), eventID)
	assert.True(t, processed)
}

func TestEventHandler_RetriesTransientErrors(t *testing.T) {
	completer := &scriptedCompleter{errs: []error{
		errors.New(errors.ErrCodeVersionConflict, "stale"),
		errors.New(errors.ErrCodeDatabaseError, "timeout"),
	}}
	h := NewEventHandler(completer, idempotency.NewMemoryStore(10), testRetry(), zap.NewNop())
	msg, _ := charterCompletedMessage(t, "b1")

	require.NoError(t, h.HandleMessage(context.Background(), msg))
	assert.Len(t, completer.calls, 3)
}

func TestEventHandler_ExhaustedRetriesLeaveEventUnprocessed(t *testing.T) {
	dbErr := errors.New(errors.ErrCodeDatabaseError, "down")
	completer := &scriptedCompleter{errs: []error{dbErr, dbErr, dbErr}}
	store := idempotency.NewMemoryStore(10)
	h := NewEventHandler(completer, store, testRetry(), zap.NewNop())
	msg, eventID := charterCompletedMessage(t, "b1")

	err := h.HandleMessage(context.Background(), msg)

	assert.Equal(t, errors.ErrCodeDatabaseError, errors.CodeOf(err))
	processed, _ := store.IsProcessed(context.Background(), eventID)
	assert.False(t, processed)
}

func TestEventHandler_MalformedPayload(t *testing.T) {
	completer := &scriptedCompleter{}
	h := NewEventHandler(completer, idempotency.NewMemoryStore(10), testRetry(), zap.NewNop())

	err := h.HandleMessage(context.Background(), &messaging.Message{
		Topic: string(events.EventCharterCompleted),
		Value: []byte("{not json"),
	})

	assert.Equal(t, errors.ErrCodeSerializationError, errors.CodeOf(err))
	assert.Empty(t, completer.calls)
}

func TestEventHandler_UnknownTopic(t *testing.T) {
	completer := &scriptedCompleter{}
	h := NewEventHandler(completer, idempotency.NewMemoryStore(10), testRetry(), zap.NewNop())

	require.NoError(t, h.HandleMessage(context.Background(), &messaging.Message{Topic: "inventory.reserved.v1"}))
	assert.Empty(t, completer.calls)
}

func TestEventHandler_IdempotencyLookupFailure(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	completer := &scriptedCompleter{}
	store := unreachableStore{Store: idempotency.NewMemoryStore(10)}
	h := NewEventHandler(completer, store, testRetry(), zap.New(core))
	msg, eventID := charterCompletedMessage(t, "b1")

	require.NoError(t, h.HandleMessage(context.Background(), msg))

	assert.Equal(t, []string{"b1"}, completer.calls, "event is still applied")
	warned := logs.FilterMessage("failed to check event idempotency").All()
	require.Len(t, warned, 1)
	assert.Equal(t, zapcore.WarnLevel, warned[0].Level)
	assert.Equal(t, eventID, warned[0].ContextMap()["eventId"])
	assert.Len(t, logs.FilterMessage("charter completion applied").All(), 1)
}
