// Package payment defines the typed error domain shared by the ledger,
// processor adapters, and webhook pipeline.
//
// Expected failures (validation, not-found, processor rejections) travel as
// *payment.Error values so callers can branch on a closed code set instead
// of string-matching messages. Programmer errors still panic or return
// plain errors.
package payment

import (
	"errors"
	"fmt"
)

// Code identifies a payment failure class. The set is closed: the bridge
// conversion in internal/bridge must map every code.
type Code string

const (
	CodeInvalidAmount        Code = "INVALID_AMOUNT"
	CodeInvalidCurrency      Code = "INVALID_CURRENCY"
	CodeInsufficientFunds    Code = "INSUFFICIENT_FUNDS"
	CodeTransactionNotFound  Code = "TRANSACTION_NOT_FOUND"
	CodeWalletNotFound       Code = "WALLET_NOT_FOUND"
	CodeAccountNotFound      Code = "ACCOUNT_NOT_FOUND"
	CodeUnauthorized         Code = "UNAUTHORIZED"
	CodeDuplicateTransaction Code = "DUPLICATE_TRANSACTION"
	CodeInvalidSignature     Code = "INVALID_SIGNATURE"
	CodeProcessorError       Code = "PROCESSOR_ERROR"
	CodeRateLimitExceeded    Code = "RATE_LIMIT_EXCEEDED"
	CodeProcessingError      Code = "PROCESSING_ERROR"
)

// Codes lists every payment error code. Used by the bridge conversion test
// to prove the mapping is total.
var Codes = []Code{
	CodeInvalidAmount,
	CodeInvalidCurrency,
	CodeInsufficientFunds,
	CodeTransactionNotFound,
	CodeWalletNotFound,
	CodeAccountNotFound,
	CodeUnauthorized,
	CodeDuplicateTransaction,
	CodeInvalidSignature,
	CodeProcessorError,
	CodeRateLimitExceeded,
	CodeProcessingError,
}

// Error is a typed payment failure.
type Error struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	cause   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates a payment error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a payment error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a payment error that preserves the underlying cause for
// errors.Is/As chains.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// WithDetail attaches a detail entry and returns the error for chaining.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// CodeOf extracts the payment code from err, or "" if err is not a
// payment error.
func CodeOf(err error) Code {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}
