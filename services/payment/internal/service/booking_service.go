package service

import (
	"context"
	"time"

	"github.com/kyungseok/charter-payment-saga/common/errors"
	"github.com/kyungseok/charter-payment-saga/services/payment/internal/domain"
	"github.com/kyungseok/charter-payment-saga/services/payment/internal/repository"
	"go.uber.org/zap"
)

// CreateBookingCommand 예약 생성 커맨드
type CreateBookingCommand struct {
	ResourceID  string
	CustomerID  string
	StartsAt    time.Time
	EndsAt      time.Time
	TotalAmount int64
	Currency    string
}

// BookingService 예약 서비스 인터페이스
type BookingService interface {
	CreateBooking(ctx context.Context, cmd CreateBookingCommand) (domain.Booking, error)
	GetBooking(ctx context.Context, bookingID string) (domain.Booking, error)
}

type bookingService struct {
	bookings repository.BookingStore
	now      func() time.Time
	logger   *zap.Logger
}

// NewBookingService 예약 서비스 생성
func NewBookingService(bookings repository.BookingStore, logger *zap.Logger) BookingService {
	return &bookingService{
		bookings: bookings,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger,
	}
}

// CreateBooking Pending 예약 생성
func (s *bookingService) CreateBooking(ctx context.Context, cmd CreateBookingCommand) (domain.Booking, error) {
	booking, err := domain.NewBooking(domain.NewBookingParams{
		ResourceID:  cmd.ResourceID,
		CustomerID:  cmd.CustomerID,
		StartsAt:    cmd.StartsAt,
		EndsAt:      cmd.EndsAt,
		TotalAmount: cmd.TotalAmount,
		Currency:    cmd.Currency,
	}, s.now())
	if err != nil {
		return domain.Booking{}, err
	}

	created, err := s.bookings.CreateBooking(ctx, booking)
	if err != nil {
		s.logger.Error("failed to create booking", zap.String("resourceId", cmd.ResourceID), zap.Error(err))
		return domain.Booking{}, err
	}

	s.logger.Info("booking created",
		zap.String("bookingId", created.ID),
		zap.String("resourceId", created.ResourceID),
		zap.Int64("totalAmount", created.TotalAmount),
		zap.String("currency", created.Currency))
	return created, nil
}

// GetBooking 예약 조회
func (s *bookingService) GetBooking(ctx context.Context, bookingID string) (domain.Booking, error) {
	if bookingID == "" {
		return domain.Booking{}, errors.New(errors.ErrCodeValidation, "booking id is required")
	}
	return s.bookings.GetBooking(ctx, bookingID)
}
