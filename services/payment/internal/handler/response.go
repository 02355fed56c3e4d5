package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kyungseok/charter-payment-saga/common/errors"
	"github.com/kyungseok/charter-payment-saga/services/payment/internal/domain"
)

type createBookingRequest struct {
	ResourceID  string    `json:"resourceId" binding:"required"`
	CustomerID  string    `json:"customerId" binding:"required"`
	StartsAt    time.Time `json:"startsAt" binding:"required"`
	EndsAt      time.Time `json:"endsAt" binding:"required"`
	TotalAmount int64     `json:"totalAmount"`
	Currency    string    `json:"currency" binding:"required"`
}

type createIntentRequest struct {
	BookingID string `json:"bookingId" binding:"required"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency" binding:"required"`
}

type confirmRequest struct {
	IntentReference        string `json:"intentReference" binding:"required"`
	PaymentMethodReference string `json:"paymentMethodReference"`
}

type bookingResponse struct {
	ID               string    `json:"id"`
	ResourceID       string    `json:"resourceId"`
	CustomerID       string    `json:"customerId"`
	StartsAt         time.Time `json:"startsAt"`
	EndsAt           time.Time `json:"endsAt"`
	Status           string    `json:"status"`
	TotalAmount      int64     `json:"totalAmount"`
	Currency         string    `json:"currency"`
	PaymentReference string    `json:"paymentReference,omitempty"`
	ConfirmationCode string    `json:"confirmationCode,omitempty"`
	AwaitingIntent   bool      `json:"awaitingIntent,omitempty"`
	Version          int64     `json:"version"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

func newBookingResponse(b domain.Booking) bookingResponse {
	return bookingResponse{
		ID:               b.ID,
		ResourceID:       b.ResourceID,
		CustomerID:       b.CustomerID,
		StartsAt:         b.StartsAt,
		EndsAt:           b.EndsAt,
		Status:           string(b.Status),
		TotalAmount:      b.TotalAmount,
		Currency:         b.Currency,
		PaymentReference: b.PaymentReference,
		ConfirmationCode: b.ConfirmationCode,
		AwaitingIntent:   b.PendingAttemptKey != "",
		Version:          b.Version,
		CreatedAt:        b.CreatedAt,
		UpdatedAt:        b.UpdatedAt,
	}
}

type paymentResponse struct {
	ID              string     `json:"id"`
	BookingID       string     `json:"bookingId"`
	IntentReference string     `json:"intentReference"`
	Status          string     `json:"status"`
	Amount          int64      `json:"amount"`
	Currency        string     `json:"currency"`
	PaymentMethod   string     `json:"paymentMethod,omitempty"`
	ReceiptURL      string     `json:"receiptUrl,omitempty"`
	FailureCode     string     `json:"failureCode,omitempty"`
	FailureMessage  string     `json:"failureMessage,omitempty"`
	SupersededAt    *time.Time `json:"supersededAt,omitempty"`
	Version         int64      `json:"version"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

func newPaymentResponse(p domain.Payment) paymentResponse {
	return paymentResponse{
		ID:              p.ID,
		BookingID:       p.BookingID,
		IntentReference: p.ExternalReference,
		Status:          string(p.Status),
		Amount:          p.Amount,
		Currency:        p.Currency,
		PaymentMethod:   p.PaymentMethod,
		ReceiptURL:      p.ReceiptURL,
		FailureCode:     p.FailureCode,
		FailureMessage:  p.FailureMessage,
		SupersededAt:    p.SupersededAt,
		Version:         p.Version,
		CreatedAt:       p.CreatedAt,
		UpdatedAt:       p.UpdatedAt,
	}
}

type intentResponse struct {
	IntentReference string          `json:"intentReference"`
	ClientSecret    string          `json:"clientSecret"`
	Payment         paymentResponse `json:"payment"`
}

type errorBody struct {
	Code    errors.ErrorCode `json:"code"`
	Message string           `json:"message"`
}

type errorResponse struct {
	Error   errorBody        `json:"error"`
	Payment *paymentResponse `json:"payment,omitempty"`
}

// statusFor 에러 코드 -> HTTP 상태
func statusFor(err error) int {
	switch errors.CodeOf(err) {
	case errors.ErrCodeValidation, errors.ErrCodeInvalidSignature:
		return http.StatusBadRequest
	case errors.ErrCodeInvalidTransition, errors.ErrCodeGatewayRejected, errors.ErrCodeCannotCancelCompletedPayment:
		return http.StatusUnprocessableEntity
	case errors.ErrCodeUnknownPaymentReference, errors.ErrCodeBookingNotFound:
		return http.StatusNotFound
	case errors.ErrCodeVersionConflict, errors.ErrCodeDuplicateRequest:
		return http.StatusConflict
	case errors.ErrCodeGatewayTransient, errors.ErrCodeDatabaseError:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// newErrorBody 내부 에러 메시지는 외부로 노출하지 않는다
func newErrorBody(err error, status int) errorBody {
	code := errors.CodeOf(err)
	switch status {
	case http.StatusInternalServerError:
		return errorBody{Code: errors.ErrCodeUnknownError, Message: "internal server error"}
	case http.StatusServiceUnavailable:
		return errorBody{Code: code, Message: "temporarily unavailable, retry later"}
	}
	if domainErr, ok := errors.As(err); ok {
		return errorBody{Code: code, Message: domainErr.Message}
	}
	return errorBody{Code: code, Message: err.Error()}
}

func writeError(c *gin.Context, err error) {
	status := statusFor(err)
	c.AbortWithStatusJSON(status, errorResponse{Error: newErrorBody(err, status)})
}
