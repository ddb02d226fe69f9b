package sdkerr

import "fmt"

// Code identifies the failure class of an SDK error. The set is closed:
// callers classify errors by switching on the code rather than by type
// assertions against arbitrary error values.
type Code int

const (
	// CodePaymentPending - the platform left the purchase pending (e.g.
	// waiting for external approval). Not retried automatically.
	CodePaymentPending Code = iota + 1

	// CodeStoreProblem - platform-level transaction verification failed.
	// Fatal for that transaction.
	CodeStoreProblem

	// CodeSignatureVerification - the backend response failed integrity
	// verification. The response is discarded and never cached.
	CodeSignatureVerification

	// CodeOfflineComputation - offline entitlement computation was not
	// possible (no product-entitlement mapping has ever been cached).
	CodeOfflineComputation

	// CodeConsumablePurchaseFound - offline computation encountered a
	// consumable purchase, whose redemption state is backend-authoritative.
	CodeConsumablePurchaseFound

	// CodeBackend - the backend returned a structured error body.
	// Retryable only for 5xx status codes.
	CodeBackend

	// CodeNetwork - the backend was unreachable (transport failure,
	// timeout, or a forced-down signal). Always retryable.
	CodeNetwork
)

func (c Code) String() string {
	switch c {
	case CodePaymentPending:
		return "payment_pending"
	case CodeStoreProblem:
		return "store_problem"
	case CodeSignatureVerification:
		return "signature_verification"
	case CodeOfflineComputation:
		return "offline_computation"
	case CodeConsumablePurchaseFound:
		return "consumable_purchase_found"
	case CodeBackend:
		return "backend"
	case CodeNetwork:
		return "network"
	}
	return "unknown"
}

// AttributeError is a field-level error reported by the backend.
type AttributeError struct {
	Attribute string `json:"attribute"`
	Message   string `json:"message"`
}

// Error is the single error type surfaced by the SDK core.
type Error struct {
	Code    Code
	Message string

	// StatusCode and BackendCode are set for CodeBackend errors.
	StatusCode      int
	BackendCode     int
	AttributeErrors []AttributeError

	// Cause carries the underlying error, if any.
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Retryable reports whether a later attempt with the same input may
// succeed. Network failures and 5xx backend errors are retryable; client
// errors (4xx) and verification failures are not.
func (e *Error) Retryable() bool {
	switch e.Code {
	case CodeNetwork:
		return true
	case CodeBackend:
		return e.StatusCode >= 500
	}
	return false
}

// New creates an error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap creates an error with the given code carrying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// AsError extracts an *Error from err. The bool is false when err is nil or
// not produced by this package.
func AsError(err error) (*Error, bool) {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil, false
		}
		err = u.Unwrap()
	}
	return nil, false
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	e, ok := AsError(err)
	return ok && e.Code == code
}
