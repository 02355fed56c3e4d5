package handler

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kyungseok/charter-payment-saga/common/errors"
	"github.com/kyungseok/charter-payment-saga/services/payment/internal/domain"
	"github.com/kyungseok/charter-payment-saga/services/payment/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testNow = time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

type stubBookings struct {
	created service.CreateBookingCommand
	booking domain.Booking
	err     error
}

func (s *stubBookings) CreateBooking(_ context.Context, cmd service.CreateBookingCommand) (domain.Booking, error) {
	s.created = cmd
	return s.booking, s.err
}

func (s *stubBookings) GetBooking(_ context.Context, _ string) (domain.Booking, error) {
	return s.booking, s.err
}

type stubEngine struct {
	intentCmd  service.CreateIntentCommand
	confirmRef string
	methodRef  string

	intent   *service.IntentResult
	payment  domain.Payment
	payments []domain.Payment
	booking  domain.Booking
	err      error
}

func (s *stubEngine) CreatePaymentIntent(_ context.Context, cmd service.CreateIntentCommand) (*service.IntentResult, error) {
	s.intentCmd = cmd
	return s.intent, s.err
}

func (s *stubEngine) ConfirmPayment(_ context.Context, ref, paymentMethodRef string) (domain.Payment, error) {
	s.confirmRef = ref
	s.methodRef = paymentMethodRef
	return s.payment, s.err
}

func (s *stubEngine) CancelPayment(_ context.Context, _ string) (domain.Payment, error) {
	return s.payment, s.err
}

func (s *stubEngine) GetPayment(_ context.Context, _ string) (domain.Payment, error) {
	return s.payment, s.err
}

func (s *stubEngine) GetBookingPayments(_ context.Context, _ string) ([]domain.Payment, error) {
	return s.payments, s.err
}

func (s *stubEngine) CompleteBooking(_ context.Context, _ string) (domain.Booking, error) {
	return s.booking, s.err
}

type stubWebhooks struct {
	payload   []byte
	signature string
	result    service.WebhookResult
	err       error
}

func (s *stubWebhooks) HandleWebhookEvent(_ context.Context, payload []byte, signature string) (service.WebhookResult, error) {
	s.payload = payload
	s.signature = signature
	return s.result, s.err
}

type httpFixture struct {
	bookings *stubBookings
	engine   *stubEngine
	webhooks *stubWebhooks
	router   *gin.Engine
}

func newHTTPFixture() *httpFixture {
	gin.SetMode(gin.TestMode)
	f := &httpFixture{
		bookings: &stubBookings{},
		engine:   &stubEngine{},
		webhooks: &stubWebhooks{},
	}
	h := NewHTTPHandler(f.bookings, f.engine, f.webhooks, zap.NewNop())
	f.router = h.Router([]string{"http://localhost:3000"})
	return f
}

func (f *httpFixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func samplePayment(status domain.PaymentStatus) domain.Payment {
	return domain.Payment{
		ID:                "pay-1",
		BookingID:         "b1",
		Amount:            15000,
		Currency:          "USD",
		Status:            status,
		ExternalReference: "pi_1",
		Version:           2,
		CreatedAt:         testNow,
		UpdatedAt:         testNow,
	}
}

func TestHealth(t *testing.T) {
	f := newHTTPFixture()

	w := f.do(t, http.MethodGet, "/health", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, w.Body.String())
}

func TestCreateBooking(t *testing.T) {
	f := newHTTPFixture()
	f.bookings.booking = domain.Booking{
		ID:          "b1",
		ResourceID:  "yacht-7",
		CustomerID:  "c1",
		StartsAt:    testNow,
		EndsAt:      testNow.Add(4 * time.Hour),
		Status:      domain.BookingStatusPending,
		TotalAmount: 15000,
		Currency:    "USD",
		Version:     1,
	}

	w := f.do(t, http.MethodPost, "/bookings", gin.H{
		"resourceId":  "yacht-7",
		"customerId":  "c1",
		"startsAt":    testNow,
		"endsAt":      testNow.Add(4 * time.Hour),
		"totalAmount": 15000,
		"currency":    "usd",
	})

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "yacht-7", f.bookings.created.ResourceID)
	assert.Equal(t, int64(15000), f.bookings.created.TotalAmount)
	assert.True(t, f.bookings.created.EndsAt.Equal(testNow.Add(4*time.Hour)))

	var resp bookingResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "b1", resp.ID)
	assert.Equal(t, "PENDING", resp.Status)
	assert.False(t, resp.AwaitingIntent)
}

func TestCreateBooking_InvalidBody(t *testing.T) {
	f := newHTTPFixture()

	w := f.do(t, http.MethodPost, "/bookings", gin.H{"resourceId": "yacht-7"})

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, errors.ErrCodeValidation, decodeError(t, w).Error.Code)
	assert.Empty(t, f.bookings.created.ResourceID, "service must not be called")
}

func TestGetBooking_NotFound(t *testing.T) {
	f := newHTTPFixture()
	f.bookings.err = errors.New(errors.ErrCodeBookingNotFound, "booking b9 not found")

	w := f.do(t, http.MethodGet, "/bookings/b9", nil)

	assert.Equal(t, http.StatusNotFound, w.Code)
	body := decodeError(t, w).Error
	assert.Equal(t, errors.ErrCodeBookingNotFound, body.Code)
	assert.Equal(t, "booking b9 not found", body.Message)
}

func TestCreatePaymentIntent(t *testing.T) {
	f := newHTTPFixture()
	f.engine.intent = &service.IntentResult{
		Reference:    "pi_1",
		ClientSecret: "pi_1_secret",
		Payment:      samplePayment(domain.PaymentStatusPending),
	}

	w := f.do(t, http.MethodPost, "/payments/intent", gin.H{
		"bookingId": "b1",
		"amount":    15000,
		"currency":  "USD",
	})

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, service.CreateIntentCommand{BookingID: "b1", Amount: 15000, Currency: "USD"}, f.engine.intentCmd)

	var resp intentResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "pi_1", resp.IntentReference)
	assert.Equal(t, "pi_1_secret", resp.ClientSecret)
	assert.Equal(t, "PENDING", resp.Payment.Status)
}

func TestConfirmPayment(t *testing.T) {
	f := newHTTPFixture()
	f.engine.payment = samplePayment(domain.PaymentStatusCompleted)

	w := f.do(t, http.MethodPost, "/payments/confirm", gin.H{
		"intentReference":        "pi_1",
		"paymentMethodReference": "pm_card_visa",
	})

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "pi_1", f.engine.confirmRef)
	assert.Equal(t, "pm_card_visa", f.engine.methodRef)

	var resp paymentResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "COMPLETED", resp.Status)
	assert.Equal(t, "pi_1", resp.IntentReference)
}

func TestConfirmPayment_DeclinedReturnsRecord(t *testing.T) {
	f := newHTTPFixture()
	failed := samplePayment(domain.PaymentStatusFailed)
	failed.FailureCode = "card_declined"
	f.engine.payment = failed
	f.engine.err = errors.New(errors.ErrCodeGatewayRejected, "card was declined")

	w := f.do(t, http.MethodPost, "/payments/confirm", gin.H{"intentReference": "pi_1"})

	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	resp := decodeError(t, w)
	assert.Equal(t, errors.ErrCodeGatewayRejected, resp.Error.Code)
	require.NotNil(t, resp.Payment)
	assert.Equal(t, "FAILED", resp.Payment.Status)
	assert.Equal(t, "card_declined", resp.Payment.FailureCode)
}

func TestCancelPayment_Completed(t *testing.T) {
	f := newHTTPFixture()
	f.engine.err = errors.New(errors.ErrCodeCannotCancelCompletedPayment, "payment pi_1 is COMPLETED")

	w := f.do(t, http.MethodPost, "/payments/intent/pi_1/cancel", nil)

	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	resp := decodeError(t, w)
	assert.Equal(t, errors.ErrCodeCannotCancelCompletedPayment, resp.Error.Code)
	assert.Nil(t, resp.Payment)
}

func TestGetBookingPayments(t *testing.T) {
	f := newHTTPFixture()
	superseded := samplePayment(domain.PaymentStatusFailed)
	supersededAt := testNow.Add(time.Minute)
	superseded.SupersededAt = &supersededAt
	current := samplePayment(domain.PaymentStatusPending)
	current.ID = "pay-2"
	current.ExternalReference = "pi_2"
	f.engine.payments = []domain.Payment{superseded, current}

	w := f.do(t, http.MethodGet, "/bookings/b1/payments", nil)

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Payments []paymentResponse `json:"payments"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Payments, 2)
	assert.NotNil(t, resp.Payments[0].SupersededAt)
	assert.Equal(t, "pi_2", resp.Payments[1].IntentReference)
}

func TestCompleteBooking_InvalidTransition(t *testing.T) {
	f := newHTTPFixture()
	f.engine.err = errors.New(errors.ErrCodeInvalidTransition, "booking b1 is PENDING")

	w := f.do(t, http.MethodPost, "/bookings/b1/complete", nil)

	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, errors.ErrCodeInvalidTransition, decodeError(t, w).Error.Code)
}

func TestErrorStatusMapping(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantStatus  int
		wantCode    errors.ErrorCode
		wantMessage string
	}{
		{
			name:        "version conflict",
			err:         errors.New(errors.ErrCodeVersionConflict, "stale write"),
			wantStatus:  http.StatusConflict,
			wantCode:    errors.ErrCodeVersionConflict,
			wantMessage: "stale write",
		},
		{
			name:        "database error hides detail",
			err:         errors.Wrap(errors.ErrCodeDatabaseError, "connection refused on 10.0.0.3", stderrors.New("dial")),
			wantStatus:  http.StatusServiceUnavailable,
			wantCode:    errors.ErrCodeDatabaseError,
			wantMessage: "temporarily unavailable, retry later",
		},
		{
			name:        "gateway transient",
			err:         errors.New(errors.ErrCodeGatewayTransient, "stripe timeout"),
			wantStatus:  http.StatusServiceUnavailable,
			wantCode:    errors.ErrCodeGatewayTransient,
			wantMessage: "temporarily unavailable, retry later",
		},
		{
			name:        "untyped error",
			err:         stderrors.New("nil pointer somewhere"),
			wantStatus:  http.StatusInternalServerError,
			wantCode:    errors.ErrCodeUnknownError,
			wantMessage: "internal server error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newHTTPFixture()
			f.engine.err = tt.err

			w := f.do(t, http.MethodGet, "/payments/intent/pi_1", nil)

			assert.Equal(t, tt.wantStatus, w.Code)
			body := decodeError(t, w).Error
			assert.Equal(t, tt.wantCode, body.Code)
			assert.Equal(t, tt.wantMessage, body.Message)
		})
	}
}

func TestHandleWebhook(t *testing.T) {
	f := newHTTPFixture()
	f.webhooks.result = service.WebhookResult{EventID: "evt_1", Outcome: service.WebhookApplied}
	payload := []byte(`{"id":"evt_1","type":"payment_intent.succeeded"}`)

	req := httptest.NewRequest(http.MethodPost, "/payments/webhook", bytes.NewReader(payload))
	req.Header.Set(SignatureHeader, "t=1,v1=abc")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, payload, f.webhooks.payload, "raw body is passed through for signature checks")
	assert.Equal(t, "t=1,v1=abc", f.webhooks.signature)
	assert.JSONEq(t, `{"received":true,"eventId":"evt_1","outcome":"applied"}`, w.Body.String())
}

func TestHandleWebhook_Errors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{name: "bad signature", err: errors.New(errors.ErrCodeInvalidSignature, "signature mismatch"), wantStatus: http.StatusBadRequest},
		{name: "store unavailable", err: errors.New(errors.ErrCodeDatabaseError, "down"), wantStatus: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newHTTPFixture()
			f.webhooks.err = tt.err

			req := httptest.NewRequest(http.MethodPost, "/payments/webhook", bytes.NewReader([]byte(`{}`)))
			w := httptest.NewRecorder()
			f.router.ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
		})
	}
}

func TestHandleWebhook_BodyTooLarge(t *testing.T) {
	f := newHTTPFixture()

	req := httptest.NewRequest(http.MethodPost, "/payments/webhook", bytes.NewReader(make([]byte, maxWebhookBody+1)))
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Nil(t, f.webhooks.payload)
}
