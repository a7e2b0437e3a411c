package domain

import "fmt"

// ErrorKind is the taxonomy bucket of an Error.
type ErrorKind int

const (
	KindClient    ErrorKind = iota // malformed or unsupported input
	KindRejection                  // validation or security rejection
	KindExhausted                  // no capacity left, retry after backoff
	KindUpstream                   // ledger node failure
	KindInternal
)

// Error codes are a compatibility contract with SDKs.
const (
	CodeMissingField              = "MISSING_FIELD"
	CodeInvalidInput              = "INVALID_INPUT"
	CodeInvalidAsset              = "INVALID_ASSET"
	CodeInvalidPubkey             = "INVALID_PUBKEY"
	CodeInvalidTransaction        = "INVALID_TRANSACTION"
	CodeQuoteNotFound             = "QUOTE_NOT_FOUND"
	CodeQuoteExpired              = "QUOTE_EXPIRED"
	CodeQuoteAlreadyUsed          = "QUOTE_ALREADY_USED"
	CodeUserMismatch              = "USER_MISMATCH"
	CodePayerMismatch             = "PAYER_MISMATCH"
	CodeUnsignedOrMissigned       = "UNSIGNED_OR_MISSIGNED_TRANSACTION"
	CodeUnknownProgram            = "UNKNOWN_PROGRAM"
	CodeFeeNotPaid                = "FEE_NOT_PAID"
	CodeBlockhashExpired          = "BLOCKHASH_EXPIRED"
	CodeUnauthorizedBalanceChange = "UNAUTHORIZED_BALANCE_CHANGE"
	CodeReplayDetected            = "REPLAY_DETECTED"
	CodeNoAvailableFeePayer       = "NO_AVAILABLE_FEE_PAYER"
	CodeRPCUnavailable            = "RPC_UNAVAILABLE"
	CodeSimulationFailed          = "SIMULATION_FAILED"
	CodeBroadcastFailed           = "BROADCAST_FAILED"
	CodeRateLimited               = "RATE_LIMITED"
	CodeNotConfigured             = "NOT_CONFIGURED"
	CodeInternal                  = "INTERNAL"
)

// Error is a relay error with a stable machine-readable code.
type Error struct {
	Code    string
	Kind    ErrorKind
	Message string
	Err     error // underlying cause, if any
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches errors by code so callers can use errors.Is with a template.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// NewError builds an Error.
func NewError(kind ErrorKind, code, msg string) *Error {
	return &Error{Code: code, Kind: kind, Message: msg}
}

// WrapError builds an Error around a cause.
func WrapError(kind ErrorKind, code, msg string, err error) *Error {
	return &Error{Code: code, Kind: kind, Message: msg, Err: err}
}

// Reject builds a validation rejection.
func Reject(code, msg string) *Error {
	return &Error{Code: code, Kind: KindRejection, Message: msg}
}
