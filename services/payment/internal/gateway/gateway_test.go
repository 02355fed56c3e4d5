package gateway

import (
	"fmt"
	"testing"

	"github.com/kyungseok/charter-payment-saga/common/errors"
	"github.com/kyungseok/charter-payment-saga/services/payment/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestMapIntentStatus(t *testing.T) {
	tests := []struct {
		status IntentStatus
		failed bool
		want   domain.PaymentStatus
	}{
		{IntentStatusSucceeded, false, domain.PaymentStatusCompleted},
		{IntentStatusRequiresCapture, false, domain.PaymentStatusAuthorized},
		{IntentStatusProcessing, false, domain.PaymentStatusProcessing},
		{IntentStatusRequiresAction, false, domain.PaymentStatusProcessing},
		{IntentStatusCanceled, false, domain.PaymentStatusCancelled},
		{IntentStatusRequiresConfirmation, false, domain.PaymentStatusPending},
		{IntentStatusRequiresPaymentMethod, false, domain.PaymentStatusPending},
		{IntentStatusRequiresPaymentMethod, true, domain.PaymentStatusFailed},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/failed=%v", tt.status, tt.failed), func(t *testing.T) {
			assert.Equal(t, tt.want, MapIntentStatus(tt.status, tt.failed))
		})
	}
}

func TestMapEventType(t *testing.T) {
	tests := []struct {
		name    string
		evt     Event
		want    domain.PaymentStatus
		handled bool
	}{
		{"succeeded", Event{Type: EventIntentSucceeded}, domain.PaymentStatusCompleted, true},
		{"capturable", Event{Type: EventIntentAmountCapturable}, domain.PaymentStatusAuthorized, true},
		{"processing", Event{Type: EventIntentProcessing}, domain.PaymentStatusProcessing, true},
		{"requires action", Event{Type: EventIntentRequiresAction}, domain.PaymentStatusProcessing, true},
		{"failed", Event{Type: EventIntentPaymentFailed}, domain.PaymentStatusFailed, true},
		{"canceled", Event{Type: EventIntentCanceled}, domain.PaymentStatusCancelled, true},
		{"full refund", Event{Type: EventChargeRefunded, Amount: 100, AmountRefunded: 100}, domain.PaymentStatusRefunded, true},
		{"partial refund", Event{Type: EventChargeRefunded, Amount: 100, AmountRefunded: 40}, domain.PaymentStatusPartiallyRefunded, true},
		{"unhandled", Event{Type: "customer.created"}, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, handled := MapEventType(tt.evt)
			assert.Equal(t, tt.handled, handled)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRejectionOf(t *testing.T) {
	err := NewRejectedError("confirm intent", &Rejection{Code: "card_declined", Message: "declined"})
	assert.True(t, errors.Is(err, errors.ErrCodeGatewayRejected))

	rejection, ok := RejectionOf(err)
	assert.True(t, ok)
	assert.Equal(t, "card_declined", rejection.Code)

	_, ok = RejectionOf(NewTransientError("confirm intent", fmt.Errorf("eof")))
	assert.False(t, ok)
}
