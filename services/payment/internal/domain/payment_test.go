package domain

import (
	"testing"
	"time"

	"github.com/kyungseok/charter-payment-saga/common/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

func newTestPayment(t *testing.T) Payment {
	t.Helper()
	p, err := NewPayment(NewPaymentParams{
		BookingID:         "b1",
		PayerID:           "c1",
		Amount:            15000,
		Currency:          "usd",
		ExternalReference: "pi_1",
		ClientSecret:      "pi_1_secret",
	}, testNow)
	require.NoError(t, err)
	return p
}

func TestNewPayment(t *testing.T) {
	p := newTestPayment(t)
	assert.NotEmpty(t, p.ID)
	assert.Equal(t, "USD", p.Currency)
	assert.Equal(t, PaymentStatusPending, p.Status)
	assert.Equal(t, testNow, p.CreatedAt)
}

func TestNewPayment_Validation(t *testing.T) {
	tests := []struct {
		name   string
		params NewPaymentParams
	}{
		{"negative amount", NewPaymentParams{BookingID: "b1", Amount: -100, Currency: "USD", ExternalReference: "pi_1"}},
		{"zero amount", NewPaymentParams{BookingID: "b1", Amount: 0, Currency: "USD", ExternalReference: "pi_1"}},
		{"bad currency", NewPaymentParams{BookingID: "b1", Amount: 100, Currency: "US", ExternalReference: "pi_1"}},
		{"missing booking", NewPaymentParams{Amount: 100, Currency: "USD", ExternalReference: "pi_1"}},
		{"missing reference", NewPaymentParams{BookingID: "b1", Amount: 100, Currency: "USD"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPayment(tt.params, testNow)
			assert.True(t, errors.Is(err, errors.ErrCodeValidation), "got %v", err)
		})
	}
}

func TestPayment_WithStatusReturnsNewValue(t *testing.T) {
	original := newTestPayment(t)
	later := testNow.Add(time.Minute)

	next, err := original.WithStatus(PaymentStatusProcessing, later)
	require.NoError(t, err)

	assert.Equal(t, PaymentStatusProcessing, next.Status)
	assert.Equal(t, later, next.UpdatedAt)
	assert.Equal(t, PaymentStatusPending, original.Status)
	assert.Equal(t, testNow, original.UpdatedAt)
}

func TestPayment_WithStatusIllegal(t *testing.T) {
	p := newTestPayment(t)
	p, err := p.WithStatus(PaymentStatusCompleted, testNow)
	require.NoError(t, err)

	same, err := p.WithStatus(PaymentStatusPending, testNow.Add(time.Hour))
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidTransition))
	assert.Equal(t, p, same)
}

func TestPayment_Superseded(t *testing.T) {
	p := newTestPayment(t)
	s := p.Superseded(testNow.Add(time.Minute))
	assert.True(t, s.IsSuperseded())
	assert.False(t, p.IsSuperseded())

	again := s.Superseded(testNow.Add(time.Hour))
	assert.Equal(t, *s.SupersededAt, *again.SupersededAt)
}
