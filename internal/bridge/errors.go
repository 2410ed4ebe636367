package bridge

import (
	"errors"
	"fmt"

	"github.com/tradewind-labs/escrowd/internal/payment"
)

// Code identifies a bridge failure class.
type Code string

const (
	CodeInvalidAmount     Code = "INVALID_AMOUNT"
	CodeInvalidCurrency   Code = "INVALID_CURRENCY"
	CodeInsufficientFunds Code = "INSUFFICIENT_FUNDS"
	CodeExchangeFailed    Code = "EXCHANGE_FAILED"
	CodeWalletNotFound    Code = "WALLET_NOT_FOUND"
	CodeAccountNotFound   Code = "ACCOUNT_NOT_FOUND"
	CodeRateLimitExceeded Code = "RATE_LIMIT_EXCEEDED"
	CodeProcessingError   Code = "PROCESSING_ERROR"
)

// Error is a typed bridge failure.
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

// New creates a bridge error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a bridge error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a bridge error that preserves the underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// CodeOf extracts the bridge code from err, or "" if err is not a bridge
// error.
func CodeOf(err error) Code {
	var be *Error
	if errors.As(err, &be) {
		return be.Code
	}
	return ""
}

// FromPaymentError converts a payment-domain error into the bridge domain.
// The mapping is total over payment.Codes; a code this function does not
// recognize maps to PROCESSING_ERROR rather than crossing the boundary raw.
func FromPaymentError(pe *payment.Error) *Error {
	if pe == nil {
		return nil
	}

	var code Code
	switch pe.Code {
	case payment.CodeInvalidAmount:
		code = CodeInvalidAmount
	case payment.CodeInvalidCurrency:
		code = CodeInvalidCurrency
	case payment.CodeInsufficientFunds:
		code = CodeInsufficientFunds
	case payment.CodeWalletNotFound:
		code = CodeWalletNotFound
	case payment.CodeAccountNotFound:
		code = CodeAccountNotFound
	case payment.CodeRateLimitExceeded:
		code = CodeRateLimitExceeded
	case payment.CodeTransactionNotFound,
		payment.CodeDuplicateTransaction,
		payment.CodeProcessorError:
		code = CodeExchangeFailed
	case payment.CodeUnauthorized,
		payment.CodeInvalidSignature,
		payment.CodeProcessingError:
		code = CodeProcessingError
	default:
		code = CodeProcessingError
	}

	return &Error{Code: code, Message: pe.Message, Details: pe.Details, cause: pe}
}

// fromError converts any error into the bridge domain: payment errors map
// through FromPaymentError, everything else becomes the fallback code.
func fromError(err error, fallback Code, message string) *Error {
	var pe *payment.Error
	if errors.As(err, &pe) {
		return FromPaymentError(pe)
	}
	return Wrap(fallback, message, err)
}
