package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode 에러 코드 정의
type ErrorCode string

const (
	// Business Errors
	ErrCodeValidation                   ErrorCode = "VALIDATION_ERROR"
	ErrCodeInvalidTransition            ErrorCode = "INVALID_TRANSITION"
	ErrCodeUnknownPaymentReference      ErrorCode = "UNKNOWN_PAYMENT_REFERENCE"
	ErrCodeBookingNotFound              ErrorCode = "BOOKING_NOT_FOUND"
	ErrCodeGatewayRejected              ErrorCode = "GATEWAY_REJECTED"
	ErrCodeInvalidSignature             ErrorCode = "INVALID_SIGNATURE"
	ErrCodeCannotCancelCompletedPayment ErrorCode = "CANNOT_CANCEL_COMPLETED_PAYMENT"
	ErrCodeDuplicateRequest             ErrorCode = "DUPLICATE_REQUEST"

	// Technical Errors
	ErrCodeVersionConflict    ErrorCode = "VERSION_CONFLICT"
	ErrCodeGatewayTransient   ErrorCode = "GATEWAY_TRANSIENT"
	ErrCodeDatabaseError      ErrorCode = "DATABASE_ERROR"
	ErrCodeSerializationError ErrorCode = "SERIALIZATION_ERROR"
	ErrCodeUnknownError       ErrorCode = "UNKNOWN_ERROR"
)

// DomainError 도메인 에러 구조체
type DomainError struct {
	Code    ErrorCode
	Message string
	Cause   error
}

func (e *DomainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *DomainError) Unwrap() error {
	return e.Cause
}

// New 새로운 도메인 에러 생성
func New(code ErrorCode, message string) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
	}
}

// Newf 포맷 메시지로 도메인 에러 생성
func Newf(code ErrorCode, format string, args ...interface{}) *DomainError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap 기존 에러를 래핑한 도메인 에러 생성
func Wrap(code ErrorCode, message string, cause error) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// As 에러 체인에서 도메인 에러 추출
func As(err error) (*DomainError, bool) {
	var domainErr *DomainError
	if stderrors.As(err, &domainErr) {
		return domainErr, true
	}
	return nil, false
}

// CodeOf 에러 코드 조회 (도메인 에러가 아니면 UNKNOWN_ERROR)
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	if domainErr, ok := As(err); ok {
		return domainErr.Code
	}
	return ErrCodeUnknownError
}

// Is 에러 체인에 해당 코드의 도메인 에러가 있는지 확인
func Is(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

// IsRetryable 재시도 가능한 에러인지 판단
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case ErrCodeDatabaseError, ErrCodeVersionConflict, ErrCodeGatewayTransient:
		return true
	}
	return false
}

// IsBusinessError 비즈니스 에러인지 판단 (재시도 불필요)
func IsBusinessError(err error) bool {
	switch CodeOf(err) {
	case ErrCodeValidation, ErrCodeInvalidTransition, ErrCodeUnknownPaymentReference,
		ErrCodeBookingNotFound, ErrCodeGatewayRejected, ErrCodeInvalidSignature,
		ErrCodeCannotCancelCompletedPayment, ErrCodeDuplicateRequest:
		return true
	}
	return false
}

// IsNotFound 조회 대상이 없는 에러인지 판단
func IsNotFound(err error) bool {
	switch CodeOf(err) {
	case ErrCodeUnknownPaymentReference, ErrCodeBookingNotFound:
		return true
	}
	return false
}
