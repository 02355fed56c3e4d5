package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/kyungseok/charter-payment-saga/common/errors"
	"github.com/kyungseok/charter-payment-saga/services/payment/internal/domain"
	"github.com/kyungseok/charter-payment-saga/services/payment/internal/service"
	"go.uber.org/zap"
)

// SignatureHeader 결제 대행사 웹훅 서명 헤더
const SignatureHeader = "Stripe-Signature"

const maxWebhookBody = 64 << 10

// PaymentEngine HTTP 계층이 사용하는 정합성 엔진 기능
type PaymentEngine interface {
	CreatePaymentIntent(ctx context.Context, cmd service.CreateIntentCommand) (*service.IntentResult, error)
	ConfirmPayment(ctx context.Context, ref, paymentMethodRef string) (domain.Payment, error)
	CancelPayment(ctx context.Context, ref string) (domain.Payment, error)
	GetPayment(ctx context.Context, ref string) (domain.Payment, error)
	GetBookingPayments(ctx context.Context, bookingID string) ([]domain.Payment, error)
	CompleteBooking(ctx context.Context, bookingID string) (domain.Booking, error)
}

// WebhookReceiver 웹훅 수신 기능
type WebhookReceiver interface {
	HandleWebhookEvent(ctx context.Context, payload []byte, signature string) (service.WebhookResult, error)
}

// HTTPHandler 예약/결제 HTTP API
type HTTPHandler struct {
	bookings service.BookingService
	engine   PaymentEngine
	webhooks WebhookReceiver
	logger   *zap.Logger
}

// NewHTTPHandler HTTP 핸들러 생성
func NewHTTPHandler(
	bookings service.BookingService,
	engine PaymentEngine,
	webhooks WebhookReceiver,
	logger *zap.Logger,
) *HTTPHandler {
	return &HTTPHandler{
		bookings: bookings,
		engine:   engine,
		webhooks: webhooks,
		logger:   logger,
	}
}

// Router gin 라우터 구성
func (h *HTTPHandler) Router(allowedOrigins []string) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(h.logger))
	router.Use(cors.New(cors.Config{
		AllowOrigins:  allowedOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}))

	router.GET("/health", h.Health)

	bookings := router.Group("/bookings")
	{
		bookings.POST("", h.CreateBooking)
		bookings.GET("/:id", h.GetBooking)
		bookings.GET("/:id/payments", h.GetBookingPayments)
		bookings.POST("/:id/complete", h.CompleteBooking)
	}

	payments := router.Group("/payments")
	{
		payments.POST("/intent", h.CreatePaymentIntent)
		payments.GET("/intent/:ref", h.GetPayment)
		payments.POST("/intent/:ref/cancel", h.CancelPayment)
		payments.POST("/confirm", h.ConfirmPayment)
		payments.POST("/webhook", h.HandleWebhook)
	}

	return router
}

// Health 헬스 체크
func (h *HTTPHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// CreateBooking POST /bookings
func (h *HTTPHandler) CreateBooking(c *gin.Context) {
	var req createBookingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, errors.Wrap(errors.ErrCodeValidation, "invalid request body", err))
		return
	}

	booking, err := h.bookings.CreateBooking(c.Request.Context(), service.CreateBookingCommand{
		ResourceID:  req.ResourceID,
		CustomerID:  req.CustomerID,
		StartsAt:    req.StartsAt,
		EndsAt:      req.EndsAt,
		TotalAmount: req.TotalAmount,
		Currency:    req.Currency,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, newBookingResponse(booking))
}

// GetBooking GET /bookings/:id
func (h *HTTPHandler) GetBooking(c *gin.Context) {
	booking, err := h.bookings.GetBooking(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, newBookingResponse(booking))
}

// GetBookingPayments GET /bookings/:id/payments
func (h *HTTPHandler) GetBookingPayments(c *gin.Context) {
	payments, err := h.engine.GetBookingPayments(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}

	out := make([]paymentResponse, 0, len(payments))
	for _, p := range payments {
		out = append(out, newPaymentResponse(p))
	}
	c.JSON(http.StatusOK, gin.H{"payments": out})
}

// CompleteBooking POST /bookings/:id/complete
func (h *HTTPHandler) CompleteBooking(c *gin.Context) {
	booking, err := h.engine.CompleteBooking(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, newBookingResponse(booking))
}

// CreatePaymentIntent POST /payments/intent
func (h *HTTPHandler) CreatePaymentIntent(c *gin.Context) {
	var req createIntentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, errors.Wrap(errors.ErrCodeValidation, "invalid request body", err))
		return
	}

	result, err := h.engine.CreatePaymentIntent(c.Request.Context(), service.CreateIntentCommand{
		BookingID: req.BookingID,
		Amount:    req.Amount,
		Currency:  req.Currency,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, intentResponse{
		IntentReference: result.Reference,
		ClientSecret:    result.ClientSecret,
		Payment:         newPaymentResponse(result.Payment),
	})
}

// GetPayment GET /payments/intent/:ref
func (h *HTTPHandler) GetPayment(c *gin.Context) {
	payment, err := h.engine.GetPayment(c.Request.Context(), c.Param("ref"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, newPaymentResponse(payment))
}

// ConfirmPayment POST /payments/confirm
//
// 거절된 승인은 실패한 결제 레코드와 함께 에러를 돌려준다.
func (h *HTTPHandler) ConfirmPayment(c *gin.Context) {
	var req confirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, errors.Wrap(errors.ErrCodeValidation, "invalid request body", err))
		return
	}

	payment, err := h.engine.ConfirmPayment(c.Request.Context(), req.IntentReference, req.PaymentMethodReference)
	if err != nil {
		h.failWithPayment(c, err, payment)
		return
	}
	c.JSON(http.StatusOK, newPaymentResponse(payment))
}

// CancelPayment POST /payments/intent/:ref/cancel
func (h *HTTPHandler) CancelPayment(c *gin.Context) {
	payment, err := h.engine.CancelPayment(c.Request.Context(), c.Param("ref"))
	if err != nil {
		h.failWithPayment(c, err, payment)
		return
	}
	c.JSON(http.StatusOK, newPaymentResponse(payment))
}

// HandleWebhook POST /payments/webhook
//
// 처리 결과와 무관하게 수신한 이벤트는 200으로 응답하고, 재전송이 필요한 경우만 5xx를 돌려준다.
func (h *HTTPHandler) HandleWebhook(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody)
	payload, err := c.GetRawData()
	if err != nil {
		writeError(c, errors.Wrap(errors.ErrCodeValidation, "failed to read webhook body", err))
		return
	}

	result, err := h.webhooks.HandleWebhookEvent(c.Request.Context(), payload, c.GetHeader(SignatureHeader))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"received": true,
		"eventId":  result.EventID,
		"outcome":  result.Outcome,
	})
}

func (h *HTTPHandler) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", status),
			zap.Error(err))
	}
	writeError(c, err)
}

func (h *HTTPHandler) failWithPayment(c *gin.Context, err error, payment domain.Payment) {
	if payment.ID == "" {
		h.fail(c, err)
		return
	}
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.String("intentReference", payment.ExternalReference),
			zap.Error(err))
	}
	p := newPaymentResponse(payment)
	c.JSON(status, errorResponse{Error: newErrorBody(err, status), Payment: &p})
}

// requestLogger 요청 단위 접근 로그
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		logger.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("clientIp", c.ClientIP()))
	}
}
