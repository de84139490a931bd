package ledger

import "fmt"

// Error codes for rejected ledger operations.
const (
	CodeUnauthorized    = "UNAUTHORIZED"
	CodeNotFound        = "NOT_FOUND"
	CodeInvalidInput    = "INVALID_INPUT"
	CodeStateConflict   = "STATE_CONFLICT"
	CodePaymentMismatch = "PAYMENT_MISMATCH"
)

// Error represents a rejected ledger operation. Every rejection is
// all-or-nothing: no state is mutated before the error is returned.
type Error struct {
	Code    string
	Message string
	Detail  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s - %s", e.Code, e.Message, e.Detail)
}

func errUnauthorized(detail string) *Error {
	return &Error{Code: CodeUnauthorized, Message: "Caller not authorized", Detail: detail}
}

func errNotFound(detail string) *Error {
	return &Error{Code: CodeNotFound, Message: "Record not found", Detail: detail}
}

func errInvalidInput(detail string) *Error {
	return &Error{Code: CodeInvalidInput, Message: "Invalid input", Detail: detail}
}

func errStateConflict(detail string) *Error {
	return &Error{Code: CodeStateConflict, Message: "Operation conflicts with ledger state", Detail: detail}
}

func errPaymentMismatch(detail string) *Error {
	return &Error{Code: CodePaymentMismatch, Message: "Payment does not match required total", Detail: detail}
}
