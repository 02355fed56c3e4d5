package domain

// BookingTargetFor 결제 상태를 관측했을 때 예약이 따라가야 할 상태
//
// 반환값 false는 예약 상태를 바꿀 필요가 없다는 뜻이다.
//   - Authorized/Completed 결제 + Pending 예약 -> Confirmed
//   - Cancelled 결제 + Pending/Confirmed 예약 -> Cancelled
//   - Failed 결제 + Confirmed 예약 (승인 만료 등) -> Cancelled
//
// Failed 결제 + Pending 예약은 그대로 둔다. 호출자가 새 인텐트를 만들어야 한다.
func BookingTargetFor(booking BookingStatus, payment PaymentStatus) (BookingStatus, bool) {
	switch {
	case payment.IsCaptured() && booking == BookingStatusPending:
		return BookingStatusConfirmed, true
	case payment == PaymentStatusCancelled && booking.IsCancellable():
		return BookingStatusCancelled, true
	case payment == PaymentStatusFailed && booking == BookingStatusConfirmed:
		return BookingStatusCancelled, true
	}
	return booking, false
}
