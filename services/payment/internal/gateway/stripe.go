package gateway

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/kyungseok/charter-payment-saga/common/errors"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
	"go.uber.org/zap"
)

const (
	metadataBookingID  = "bookingId"
	metadataAttemptKey = "attemptKey"
	metadataCustomerID = "customerId"
)

// StripeConfig Stripe 어댑터 설정
type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	Timeout       time.Duration
}

// StripeGateway Stripe PaymentIntents 기반 Gateway 구현
type StripeGateway struct {
	api           *client.API
	webhookSecret string
	timeout       time.Duration
	logger        *zap.Logger
}

// NewStripeGateway Stripe 게이트웨이 생성
func NewStripeGateway(cfg StripeConfig, backends *stripe.Backends, logger *zap.Logger) *StripeGateway {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &StripeGateway{
		api:           client.New(cfg.SecretKey, backends),
		webhookSecret: cfg.WebhookSecret,
		timeout:       timeout,
		logger:        logger,
	}
}

// CreateIntent 인텐트 생성 (AttemptKey를 멱등성 키로 사용)
func (g *StripeGateway) CreateIntent(ctx context.Context, req CreateIntentRequest) (*Intent, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.Amount),
		Currency: stripe.String(strings.ToLower(req.Currency)),
	}
	params.Context = ctx
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	if req.AttemptKey != "" {
		params.SetIdempotencyKey(req.AttemptKey)
		params.AddMetadata(metadataAttemptKey, req.AttemptKey)
	}
	params.AddMetadata(metadataBookingID, req.BookingID)
	if req.CustomerID != "" {
		params.AddMetadata(metadataCustomerID, req.CustomerID)
	}

	pi, err := g.api.PaymentIntents.New(params)
	if err != nil {
		return nil, g.classify("create intent", err)
	}

	g.logger.Info("payment intent created",
		zap.String("bookingId", req.BookingID),
		zap.String("intentReference", pi.ID),
		zap.String("status", string(pi.Status)))

	return intentFromStripe(pi), nil
}

// ConfirmIntent 인텐트 승인
func (g *StripeGateway) ConfirmIntent(ctx context.Context, ref, paymentMethodRef string) (*Intent, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	params := &stripe.PaymentIntentConfirmParams{}
	params.Context = ctx
	if paymentMethodRef != "" {
		params.PaymentMethod = stripe.String(paymentMethodRef)
	}

	pi, err := g.api.PaymentIntents.Confirm(ref, params)
	if err != nil {
		return nil, g.classify("confirm intent", err)
	}
	return intentFromStripe(pi), nil
}

// CancelIntent 인텐트 취소
func (g *StripeGateway) CancelIntent(ctx context.Context, ref string) (*Intent, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx

	pi, err := g.api.PaymentIntents.Cancel(ref, params)
	if err != nil {
		return nil, g.classify("cancel intent", err)
	}
	return intentFromStripe(pi), nil
}

// RetrieveIntent 인텐트 조회
func (g *StripeGateway) RetrieveIntent(ctx context.Context, ref string) (*Intent, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	params.AddExpand("latest_charge")

	pi, err := g.api.PaymentIntents.Get(ref, params)
	if err != nil {
		return nil, g.classify("retrieve intent", err)
	}
	return intentFromStripe(pi), nil
}

// FindIntentByAttempt 메타데이터 검색으로 시도 키에 해당하는 인텐트 조회
func (g *StripeGateway) FindIntentByAttempt(ctx context.Context, bookingID, attemptKey string) (*Intent, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	params := &stripe.PaymentIntentSearchParams{}
	params.Context = ctx
	params.Query = fmt.Sprintf("metadata['%s']:'%s' AND metadata['%s']:'%s'",
		metadataBookingID, bookingID, metadataAttemptKey, attemptKey)

	iter := g.api.PaymentIntents.Search(params)
	for iter.Next() {
		pi := iter.PaymentIntent()
		if pi.Metadata[metadataAttemptKey] == attemptKey {
			return intentFromStripe(pi), nil
		}
	}
	if err := iter.Err(); err != nil {
		return nil, g.classify("search intent", err)
	}

	return nil, errors.Newf(errors.ErrCodeUnknownPaymentReference,
		"no intent found for booking %s attempt %s", bookingID, attemptKey)
}

// VerifyAndParseEvent 서명 검증 후 이벤트 파싱
func (g *StripeGateway) VerifyAndParseEvent(payload []byte, signature string) (*Event, error) {
	if signature == "" {
		return nil, errors.New(errors.ErrCodeInvalidSignature, "missing signature header")
	}

	evt, err := webhook.ConstructEventWithOptions(payload, signature, g.webhookSecret, webhook.ConstructEventOptions{
		Tolerance:                webhook.DefaultTolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidSignature, "webhook signature verification failed", err)
	}

	return parseEvent(evt)
}

func parseEvent(evt stripe.Event) (*Event, error) {
	out := &Event{ID: evt.ID, Type: string(evt.Type)}
	if evt.Data == nil {
		return nil, errors.New(errors.ErrCodeValidation, "webhook event has no data object")
	}

	if strings.HasPrefix(out.Type, "charge.") {
		var ch stripe.Charge
		if err := json.Unmarshal(evt.Data.Raw, &ch); err != nil {
			return nil, errors.Wrap(errors.ErrCodeValidation, "failed to parse charge object", err)
		}
		if ch.PaymentIntent != nil {
			out.Reference = ch.PaymentIntent.ID
		}
		out.Amount = ch.Amount
		out.AmountRefunded = ch.AmountRefunded
		out.Currency = strings.ToUpper(string(ch.Currency))
		out.BookingID = ch.Metadata[metadataBookingID]
		out.AttemptKey = ch.Metadata[metadataAttemptKey]
		out.ReceiptURL = ch.ReceiptURL
		return out, nil
	}

	if strings.HasPrefix(out.Type, "payment_intent.") {
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(evt.Data.Raw, &pi); err != nil {
			return nil, errors.Wrap(errors.ErrCodeValidation, "failed to parse payment intent object", err)
		}
		intent := intentFromStripe(&pi)
		out.Reference = intent.Reference
		out.Amount = intent.Amount
		out.Currency = intent.Currency
		out.Status = intent.Status
		out.BookingID = intent.BookingID
		out.AttemptKey = intent.AttemptKey
		out.FailureCode = intent.FailureCode
		out.FailureMessage = intent.FailureMessage
		out.ReceiptURL = intent.ReceiptURL
	}

	return out, nil
}

func intentFromStripe(pi *stripe.PaymentIntent) *Intent {
	intent := &Intent{
		Reference:    pi.ID,
		ClientSecret: pi.ClientSecret,
		Amount:       pi.Amount,
		Currency:     strings.ToUpper(string(pi.Currency)),
		Status:       IntentStatus(pi.Status),
		BookingID:    pi.Metadata[metadataBookingID],
		AttemptKey:   pi.Metadata[metadataAttemptKey],
	}
	if pi.PaymentMethod != nil {
		intent.PaymentMethod = pi.PaymentMethod.ID
	}
	if pi.LatestCharge != nil {
		intent.ReceiptURL = pi.LatestCharge.ReceiptURL
	}
	if pi.LastPaymentError != nil {
		intent.FailureCode = string(pi.LastPaymentError.Code)
		if pi.LastPaymentError.DeclineCode != "" {
			intent.FailureCode = string(pi.LastPaymentError.DeclineCode)
		}
		intent.FailureMessage = pi.LastPaymentError.Msg
	}
	return intent
}

// classify Stripe 에러를 일시적/거절로 분류
//
// 판단할 수 없는 에러는 결과 미상으로 보고 일시적 에러로 다룬다.
func (g *StripeGateway) classify(op string, err error) error {
	var stripeErr *stripe.Error
	if stderrors.As(err, &stripeErr) {
		switch {
		case stripeErr.HTTPStatusCode >= http.StatusInternalServerError,
			stripeErr.HTTPStatusCode == http.StatusTooManyRequests,
			stripeErr.HTTPStatusCode == http.StatusConflict,
			stripeErr.HTTPStatusCode == 0:
			g.logger.Warn("gateway call failed transiently",
				zap.String("op", op),
				zap.Int("httpStatus", stripeErr.HTTPStatusCode),
				zap.String("requestId", stripeErr.RequestID),
				zap.Error(err))
			return NewTransientError(op, err)
		}

		code := string(stripeErr.Code)
		if stripeErr.DeclineCode != "" {
			code = string(stripeErr.DeclineCode)
		}
		g.logger.Warn("gateway rejected call",
			zap.String("op", op),
			zap.Int("httpStatus", stripeErr.HTTPStatusCode),
			zap.String("code", code),
			zap.String("requestId", stripeErr.RequestID))
		return NewRejectedError(op, &Rejection{
			Code:       code,
			Message:    stripeErr.Msg,
			HTTPStatus: stripeErr.HTTPStatusCode,
		})
	}

	var netErr net.Error
	if stderrors.Is(err, context.DeadlineExceeded) || (stderrors.As(err, &netErr) && netErr.Timeout()) {
		g.logger.Warn("gateway call timed out", zap.String("op", op), zap.Duration("timeout", g.timeout))
	} else {
		g.logger.Warn("gateway call outcome unknown", zap.String("op", op), zap.Error(err))
	}
	return NewTransientError(op, err)
}
