package asker

import (
	"errors"
	"fmt"
)

// ErrorCode classifies a failed Ask or ListPeople call.
type ErrorCode string

const (
	CodeInvalidInput         ErrorCode = "INVALID_INPUT"
	CodeRateLimited          ErrorCode = "RATE_LIMITED"
	CodeAuthRequired         ErrorCode = "AUTH_REQUIRED"
	CodeAuthFailed           ErrorCode = "AUTH_FAILED"
	CodeTargetNotFound       ErrorCode = "TARGET_NOT_FOUND"
	CodeChannelNotRegistered ErrorCode = "CHANNEL_NOT_REGISTERED"
	CodeStorageUnavailable   ErrorCode = "STORAGE_UNAVAILABLE"
	CodeDeliveryFailed       ErrorCode = "DELIVERY_FAILED"
)

// Sentinels for errors.Is. Any *Error with the same code matches.
var (
	ErrInvalidInput         = &Error{Code: CodeInvalidInput}
	ErrRateLimited          = &Error{Code: CodeRateLimited}
	ErrAuthRequired         = &Error{Code: CodeAuthRequired}
	ErrAuthFailed           = &Error{Code: CodeAuthFailed}
	ErrTargetNotFound       = &Error{Code: CodeTargetNotFound}
	ErrChannelNotRegistered = &Error{Code: CodeChannelNotRegistered}
	ErrStorageUnavailable   = &Error{Code: CodeStorageUnavailable}
	ErrDeliveryFailed       = &Error{Code: CodeDeliveryFailed}
)

// Error is a classified failure. Reason is safe to show to the caller.
type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("asker: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("asker: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches another *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e != nil && t.Code == e.Code
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// AuthPrompt returns the sign-in instruction carried by an AUTH_REQUIRED error.
func AuthPrompt(err error) (string, bool) {
	var e *Error
	if errors.As(err, &e) && e.Code == CodeAuthRequired {
		return e.Reason, true
	}
	return "", false
}
