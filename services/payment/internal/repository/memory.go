package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kyungseok/charter-payment-saga/common/errors"
	"github.com/kyungseok/charter-payment-saga/services/payment/internal/domain"
)

// MemoryStore 인메모리 문서 저장소 (로컬 개발/테스트용)
type MemoryStore struct {
	mu       sync.RWMutex
	bookings map[string]domain.Booking
	payments map[string]domain.Payment // external reference -> payment
	outbox   []*OutboxEvent
	nextID   int64
}

// NewMemoryStore 인메모리 저장소 생성
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bookings: make(map[string]domain.Booking),
		payments: make(map[string]domain.Payment),
	}
}

// GetBooking ID로 예약 조회
func (s *MemoryStore) GetBooking(_ context.Context, id string) (domain.Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bookings[id]
	if !ok {
		return domain.Booking{}, bookingNotFound(id)
	}
	return b, nil
}

// CreateBooking 예약 생성
func (s *MemoryStore) CreateBooking(_ context.Context, booking domain.Booking) (domain.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.bookings[booking.ID]; exists {
		return domain.Booking{}, errors.Newf(errors.ErrCodeDuplicateRequest, "booking %s already exists", booking.ID)
	}
	booking.Version = 1
	s.bookings[booking.ID] = booking
	return booking, nil
}

// SaveBooking 버전 조건부 예약 저장
func (s *MemoryStore) SaveBooking(_ context.Context, booking domain.Booking, expectedVersion int64, outbox ...*OutboxEvent) (domain.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.bookings[booking.ID]
	if !ok {
		return domain.Booking{}, bookingNotFound(booking.ID)
	}
	if current.Version != expectedVersion {
		return domain.Booking{}, versionConflict("booking", booking.ID, expectedVersion)
	}
	booking.Version = expectedVersion + 1
	s.bookings[booking.ID] = booking
	s.appendOutboxLocked(outbox)
	return booking, nil
}

// ListBookingsAwaitingIntent 결과 미확인 인텐트 시도가 남은 예약
func (s *MemoryStore) ListBookingsAwaitingIntent(_ context.Context, olderThan time.Time, limit int) ([]domain.Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Booking
	for _, b := range s.bookings {
		if b.Status == domain.BookingStatusPending && b.PendingAttemptKey != "" &&
			b.PendingAttemptAt != nil && b.PendingAttemptAt.Before(olderThan) {
			out = append(out, b)
		}
	}
	return limitBookings(out, limit), nil
}

// ListBookingsOutOfSync 결제와 어긋난 예약
func (s *MemoryStore) ListBookingsOutOfSync(_ context.Context, limit int) ([]domain.Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Booking
	for _, b := range s.bookings {
		if b.PaymentReference == "" {
			continue
		}
		p, ok := s.payments[b.PaymentReference]
		if ok && isOutOfSync(b, p) {
			out = append(out, b)
		}
	}
	return limitBookings(out, limit), nil
}

// GetPaymentByReference 외부 참조로 결제 조회
func (s *MemoryStore) GetPaymentByReference(_ context.Context, ref string) (domain.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.payments[ref]
	if !ok {
		return domain.Payment{}, paymentNotFound(ref)
	}
	return p, nil
}

// CreatePayment 결제 생성 (외부 참조 중복 시 DUPLICATE_REQUEST)
func (s *MemoryStore) CreatePayment(_ context.Context, payment domain.Payment, outbox ...*OutboxEvent) (domain.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.payments[payment.ExternalReference]; exists {
		return domain.Payment{}, errors.Newf(errors.ErrCodeDuplicateRequest,
			"payment with reference %s already exists", payment.ExternalReference)
	}
	payment.Version = 1
	s.payments[payment.ExternalReference] = payment
	s.appendOutboxLocked(outbox)
	return payment, nil
}

// SavePayment 버전 조건부 결제 저장
func (s *MemoryStore) SavePayment(_ context.Context, payment domain.Payment, expectedVersion int64, outbox ...*OutboxEvent) (domain.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.payments[payment.ExternalReference]
	if !ok || current.ID != payment.ID {
		return domain.Payment{}, paymentNotFound(payment.ExternalReference)
	}
	if current.Version != expectedVersion {
		return domain.Payment{}, versionConflict("payment", payment.ExternalReference, expectedVersion)
	}
	payment.Version = expectedVersion + 1
	s.payments[payment.ExternalReference] = payment
	s.appendOutboxLocked(outbox)
	return payment, nil
}

// ListPaymentsByBooking 예약의 모든 결제 시도 (생성순)
func (s *MemoryStore) ListPaymentsByBooking(_ context.Context, bookingID string) ([]domain.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Payment
	for _, p := range s.payments {
		if p.BookingID == bookingID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ListUnsettledPayments 오래 머문 진행 중 결제 (최근 것부터)
func (s *MemoryStore) ListUnsettledPayments(_ context.Context, olderThan time.Time, limit int) ([]domain.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Payment
	for _, p := range s.payments {
		if (p.Status == domain.PaymentStatusPending || p.Status == domain.PaymentStatusProcessing) &&
			!p.IsSuperseded() && p.UpdatedAt.Before(olderThan) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// FindPending 전송 대기 중인 이벤트 조회
func (s *MemoryStore) FindPending(_ context.Context, limit int) ([]*OutboxEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*OutboxEvent
	for _, e := range s.outbox {
		if e.Status != OutboxStatusPending {
			continue
		}
		copied := *e
		out = append(out, &copied)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// MarkSent 이벤트를 전송 완료로 표시
func (s *MemoryStore) MarkSent(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.outbox {
		if e.ID == id {
			now := time.Now()
			e.Status = OutboxStatusSent
			e.SentAt = &now
			return nil
		}
	}
	return errors.Newf(errors.ErrCodeDatabaseError, "outbox event %d not found", id)
}

// OutboxEvents 저장된 Outbox 이벤트 스냅샷 (테스트 확인용)
func (s *MemoryStore) OutboxEvents() []OutboxEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]OutboxEvent, 0, len(s.outbox))
	for _, e := range s.outbox {
		out = append(out, *e)
	}
	return out
}

func (s *MemoryStore) appendOutboxLocked(outbox []*OutboxEvent) {
	for _, e := range outbox {
		if e == nil {
			continue
		}
		s.nextID++
		copied := *e
		copied.ID = s.nextID
		if copied.Status == "" {
			copied.Status = OutboxStatusPending
		}
		s.outbox = append(s.outbox, &copied)
	}
}

func limitBookings(in []domain.Booking, limit int) []domain.Booking {
	sort.Slice(in, func(i, j int) bool { return in[i].UpdatedAt.Before(in[j].UpdatedAt) })
	if limit > 0 && len(in) > limit {
		return in[:limit]
	}
	return in
}
