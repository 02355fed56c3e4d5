package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kyungseok/charter-payment-saga/common/errors"
	"github.com/kyungseok/charter-payment-saga/common/lock"
	"github.com/kyungseok/charter-payment-saga/common/retry"
	"github.com/kyungseok/charter-payment-saga/services/payment/internal/domain"
	"github.com/kyungseok/charter-payment-saga/services/payment/internal/gateway"
	"github.com/kyungseok/charter-payment-saga/services/payment/internal/repository"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const validSignature = "t=1,v1=ok"

var testStart = time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

// fakeGateway 호출 횟수를 세는 인메모리 결제 대행사
type fakeGateway struct {
	mu           sync.Mutex
	intents      map[string]*gateway.Intent
	seq          int
	createCalls  int
	confirmCalls map[string]int
	cancelCalls  int

	confirmDelay  time.Duration
	confirmStatus gateway.IntentStatus
	confirmErr    error
	createErr     error
	// dropCreateResponse 인텐트는 만들지만 응답은 유실된 것처럼 에러 반환
	dropCreateResponse bool
	cancelErr          error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		intents:       make(map[string]*gateway.Intent),
		confirmCalls:  make(map[string]int),
		confirmStatus: gateway.IntentStatusSucceeded,
	}
}

func (g *fakeGateway) CreateIntent(_ context.Context, req gateway.CreateIntentRequest) (*gateway.Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.createCalls++
	if g.createErr != nil {
		return nil, g.createErr
	}

	for _, intent := range g.intents {
		if intent.AttemptKey == req.AttemptKey && intent.BookingID == req.BookingID {
			copied := *intent
			if g.dropCreateResponse {
				return nil, gateway.NewTransientError("create intent", context.DeadlineExceeded)
			}
			return &copied, nil
		}
	}

	g.seq++
	ref := fmt.Sprintf("pi_%d", g.seq)
	intent := &gateway.Intent{
		Reference:    ref,
		ClientSecret: ref + "_secret",
		Amount:       req.Amount,
		Currency:     req.Currency,
		Status:       gateway.IntentStatusRequiresPaymentMethod,
		BookingID:    req.BookingID,
		AttemptKey:   req.AttemptKey,
	}
	g.intents[ref] = intent
	if g.dropCreateResponse {
		return nil, gateway.NewTransientError("create intent", context.DeadlineExceeded)
	}
	copied := *intent
	return &copied, nil
}

func (g *fakeGateway) ConfirmIntent(ctx context.Context, ref, paymentMethodRef string) (*gateway.Intent, error) {
	g.mu.Lock()
	g.confirmCalls[ref]++
	delay := g.confirmDelay
	g.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, gateway.NewTransientError("confirm intent", ctx.Err())
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.confirmErr != nil {
		return nil, g.confirmErr
	}
	intent, ok := g.intents[ref]
	if !ok {
		return nil, errors.Newf(errors.ErrCodeUnknownPaymentReference, "no such intent %s", ref)
	}
	intent.Status = g.confirmStatus
	intent.PaymentMethod = paymentMethodRef
	copied := *intent
	return &copied, nil
}

func (g *fakeGateway) CancelIntent(_ context.Context, ref string) (*gateway.Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelCalls++
	if g.cancelErr != nil {
		return nil, g.cancelErr
	}
	intent, ok := g.intents[ref]
	if !ok {
		return nil, errors.Newf(errors.ErrCodeUnknownPaymentReference, "no such intent %s", ref)
	}
	if intent.Status == gateway.IntentStatusSucceeded {
		return nil, gateway.NewRejectedError("cancel intent", &gateway.Rejection{
			Code:    gateway.CodeUnexpectedState,
			Message: "This PaymentIntent's status is succeeded.",
		})
	}
	intent.Status = gateway.IntentStatusCanceled
	copied := *intent
	return &copied, nil
}

func (g *fakeGateway) RetrieveIntent(_ context.Context, ref string) (*gateway.Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	intent, ok := g.intents[ref]
	if !ok {
		return nil, errors.Newf(errors.ErrCodeUnknownPaymentReference, "no such intent %s", ref)
	}
	copied := *intent
	return &copied, nil
}

func (g *fakeGateway) FindIntentByAttempt(_ context.Context, bookingID, attemptKey string) (*gateway.Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, intent := range g.intents {
		if intent.BookingID == bookingID && intent.AttemptKey == attemptKey {
			copied := *intent
			return &copied, nil
		}
	}
	return nil, errors.Newf(errors.ErrCodeUnknownPaymentReference, "no intent for attempt %s", attemptKey)
}

// VerifyAndParseEvent 페이로드는 gateway.Event의 JSON, 서명은 validSignature만 통과
func (g *fakeGateway) VerifyAndParseEvent(payload []byte, signature string) (*gateway.Event, error) {
	if signature != validSignature {
		return nil, errors.New(errors.ErrCodeInvalidSignature, "webhook signature verification failed")
	}
	var evt gateway.Event
	if err := json.Unmarshal(payload, &evt); err != nil {
		return nil, errors.Wrap(errors.ErrCodeValidation, "malformed webhook payload", err)
	}
	return &evt, nil
}

func (g *fakeGateway) setStatus(ref string, status gateway.IntentStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.intents[ref].Status = status
}

func (g *fakeGateway) confirms(ref string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.confirmCalls[ref]
}

func (g *fakeGateway) creates() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.createCalls
}

func (g *fakeGateway) status(ref string) gateway.IntentStatus {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.intents[ref].Status
}

func (g *fakeGateway) cancels() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cancelCalls
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: testStart}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testRetryConfig() retry.Config {
	return retry.Config{
		MaxAttempts:        20,
		InitialInterval:    time.Millisecond,
		MaxInterval:        5 * time.Millisecond,
		BackoffCoefficient: 2.0,
	}
}

type engineFixture struct {
	store   *repository.MemoryStore
	gateway *fakeGateway
	locker  *lock.LocalLocker
	clock   *testClock
	engine  *ReconciliationService
}

func newEngineFixture(t *testing.T) *engineFixture {
	return newEngineFixtureWithLogger(t, zap.NewNop())
}

func newEngineFixtureWithLogger(t *testing.T, logger *zap.Logger) *engineFixture {
	t.Helper()
	f := &engineFixture{
		store:   repository.NewMemoryStore(),
		gateway: newFakeGateway(),
		locker:  lock.NewLocalLocker(),
		clock:   newTestClock(),
	}
	f.engine = f.newEngine(logger)
	return f
}

// newEngine 같은 저장소와 락을 공유하는 엔진 인스턴스 (다중 인스턴스 배포 재현용)
func (f *engineFixture) newEngine(logger *zap.Logger) *ReconciliationService {
	return NewReconciliationService(f.store, f.store, f.gateway, f.locker, ReconciliationConfig{
		Retry:      testRetryConfig(),
		StaleAfter: 15 * time.Minute,
		SweepLimit: 50,
		Now:        f.clock.Now,
	}, logger)
}

func (f *engineFixture) seedBooking(t *testing.T, id string, amount int64, currency string) domain.Booking {
	t.Helper()
	booking, err := domain.NewBooking(domain.NewBookingParams{
		ResourceID:  "yacht-azure",
		CustomerID:  "cust-1",
		StartsAt:    testStart.Add(48 * time.Hour),
		EndsAt:      testStart.Add(56 * time.Hour),
		TotalAmount: amount,
		Currency:    currency,
	}, f.clock.Now())
	require.NoError(t, err)
	booking.ID = id

	created, err := f.store.CreateBooking(context.Background(), booking)
	require.NoError(t, err)
	return created
}

func (f *engineFixture) booking(t *testing.T, id string) domain.Booking {
	t.Helper()
	b, err := f.store.GetBooking(context.Background(), id)
	require.NoError(t, err)
	return b
}

func (f *engineFixture) payment(t *testing.T, ref string) domain.Payment {
	t.Helper()
	p, err := f.store.GetPaymentByReference(context.Background(), ref)
	require.NoError(t, err)
	return p
}

// startIntent b1 예약과 pi_1 인텐트 준비
func (f *engineFixture) startIntent(t *testing.T) *IntentResult {
	t.Helper()
	f.seedBooking(t, "b1", 15000, "USD")
	result, err := f.engine.CreatePaymentIntent(context.Background(), CreateIntentCommand{
		BookingID: "b1",
		Amount:    15000,
		Currency:  "USD",
	})
	require.NoError(t, err)
	require.Equal(t, "pi_1", result.Reference)
	return result
}

func (f *engineFixture) outboxTypes() []string {
	var types []string
	for _, e := range f.store.OutboxEvents() {
		types = append(types, e.EventType)
	}
	return types
}

func webhookPayload(t *testing.T, evt gateway.Event) []byte {
	t.Helper()
	payload, err := json.Marshal(evt)
	require.NoError(t, err)
	return payload
}
