package signet

import (
	"errors"
	"fmt"
)

// Sentinel errors. Every error surfaced to a request's caller wraps exactly one of them.
var (
	// ErrInvalidParams indicates a request whose parameters failed shape validation.
	ErrInvalidParams = errors.New("signet: invalid params")

	// ErrUnsupportedMethod indicates a method name outside the recognized set.
	ErrUnsupportedMethod = errors.New("signet: unsupported method")

	// ErrUnsupportedChain indicates a chain id no handler is configured for.
	ErrUnsupportedChain = errors.New("signet: unsupported chain")

	// ErrUserRejected indicates the user rejected or dismissed the approval.
	ErrUserRejected = errors.New("signet: user rejected request")

	// ErrSessionTerminated indicates the pending approval was cancelled by teardown.
	ErrSessionTerminated = errors.New("signet: session terminated")

	// ErrAlreadyResolved indicates a second resolution attempt for the same request.
	ErrAlreadyResolved = errors.New("signet: request already resolved")

	// ErrDuplicateRequest indicates a request id that is already registered.
	ErrDuplicateRequest = errors.New("signet: duplicate request id")

	// ErrRequestNotFound indicates an unknown or already resolved request id.
	ErrRequestNotFound = errors.New("signet: request not found")

	// ErrInvalidState indicates a decision that does not fit the request's current state.
	ErrInvalidState = errors.New("signet: invalid approval state")

	// ErrTimeout indicates the approval timed out waiting for a decision.
	ErrTimeout = errors.New("signet: approval timed out")

	// ErrSigningBackendUnavailable indicates the wallet backend could not be reached.
	ErrSigningBackendUnavailable = errors.New("signet: signing backend unavailable")

	// ErrUserRejectedOnDevice indicates the user declined on a hardware device or MFA prompt.
	ErrUserRejectedOnDevice = errors.New("signet: user rejected on device")

	// ErrInsufficientFunds indicates the account cannot cover value plus fees.
	ErrInsufficientFunds = errors.New("signet: insufficient funds")

	// ErrBroadcastFailed indicates the network refused or failed to accept the transaction.
	ErrBroadcastFailed = errors.New("signet: broadcast failed")

	// ErrFeeUnavailable indicates no fee quote could be obtained.
	ErrFeeUnavailable = errors.New("signet: fee unavailable")

	// ErrConfirmationTimeout indicates a tracked transaction did not reach its threshold in time.
	ErrConfirmationTimeout = errors.New("signet: confirmation timeout")

	// ErrReverted indicates the tracked transaction failed on chain.
	ErrReverted = errors.New("signet: transaction reverted")

	// ErrInternal indicates an unexpected failure inside the signing pipeline.
	ErrInternal = errors.New("signet: internal error")
)

// ErrorCode is a stable machine-readable error classification.
type ErrorCode string

// Error codes.
const (
	ErrCodeInvalidParams        ErrorCode = "INVALID_PARAMS"
	ErrCodeUnsupportedMethod    ErrorCode = "UNSUPPORTED_METHOD"
	ErrCodeUnsupportedChain     ErrorCode = "UNSUPPORTED_CHAIN"
	ErrCodeUserRejected         ErrorCode = "USER_REJECTED"
	ErrCodeSessionTerminated    ErrorCode = "SESSION_TERMINATED"
	ErrCodeAlreadyResolved      ErrorCode = "ALREADY_RESOLVED"
	ErrCodeDuplicateRequest     ErrorCode = "DUPLICATE_REQUEST"
	ErrCodeTimeout              ErrorCode = "TIMEOUT"
	ErrCodeBackendUnavailable   ErrorCode = "BACKEND_UNAVAILABLE"
	ErrCodeUserRejectedOnDevice ErrorCode = "USER_REJECTED_ON_DEVICE"
	ErrCodeInsufficientFunds    ErrorCode = "INSUFFICIENT_FUNDS"
	ErrCodeBroadcastFailed      ErrorCode = "BROADCAST_FAILED"
	ErrCodeFeeUnavailable       ErrorCode = "FEE_UNAVAILABLE"
	ErrCodeConfirmationTimeout  ErrorCode = "CONFIRMATION_TIMEOUT"
	ErrCodeReverted             ErrorCode = "REVERTED"
	ErrCodeInternal             ErrorCode = "INTERNAL"
)

var codeSentinels = []struct {
	code ErrorCode
	err  error
}{
	{ErrCodeInvalidParams, ErrInvalidParams},
	{ErrCodeUnsupportedMethod, ErrUnsupportedMethod},
	{ErrCodeUnsupportedChain, ErrUnsupportedChain},
	{ErrCodeUserRejected, ErrUserRejected},
	{ErrCodeSessionTerminated, ErrSessionTerminated},
	{ErrCodeAlreadyResolved, ErrAlreadyResolved},
	{ErrCodeDuplicateRequest, ErrDuplicateRequest},
	{ErrCodeTimeout, ErrTimeout},
	{ErrCodeBackendUnavailable, ErrSigningBackendUnavailable},
	{ErrCodeUserRejectedOnDevice, ErrUserRejectedOnDevice},
	{ErrCodeInsufficientFunds, ErrInsufficientFunds},
	{ErrCodeBroadcastFailed, ErrBroadcastFailed},
	{ErrCodeFeeUnavailable, ErrFeeUnavailable},
	{ErrCodeConfirmationTimeout, ErrConfirmationTimeout},
	{ErrCodeReverted, ErrReverted},
	{ErrCodeInternal, ErrInternal},
}

var userMessages = map[ErrorCode]string{
	ErrCodeInvalidParams:        "The request contained invalid parameters.",
	ErrCodeUnsupportedMethod:    "This request type is not supported.",
	ErrCodeUnsupportedChain:     "This network is not supported.",
	ErrCodeUserRejected:         "You rejected the request.",
	ErrCodeSessionTerminated:    "The session ended before the request was completed.",
	ErrCodeAlreadyResolved:      "This request was already completed.",
	ErrCodeDuplicateRequest:     "A request with this id is already in progress.",
	ErrCodeTimeout:              "The request expired before it was approved.",
	ErrCodeBackendUnavailable:   "The wallet could not be reached. Please try again.",
	ErrCodeUserRejectedOnDevice: "The request was declined on your device.",
	ErrCodeInsufficientFunds:    "Insufficient balance to cover the amount and network fee.",
	ErrCodeBroadcastFailed:      "The network did not accept the transaction. Please try again.",
	ErrCodeFeeUnavailable:       "Network fees could not be estimated.",
	ErrCodeConfirmationTimeout:  "The transaction was not confirmed in time.",
	ErrCodeReverted:             "The transaction failed on chain.",
	ErrCodeInternal:             "Something went wrong while signing.",
}

// EIP-1193 and JSON-RPC error codes returned to dApps.
var rpcCodes = map[ErrorCode]int{
	ErrCodeInvalidParams:        -32602,
	ErrCodeDuplicateRequest:     -32600,
	ErrCodeUnsupportedMethod:    4200,
	ErrCodeUnsupportedChain:     4901,
	ErrCodeUserRejected:         4001,
	ErrCodeSessionTerminated:    4900,
	ErrCodeUserRejectedOnDevice: 4001,
	ErrCodeTimeout:              4001,
}

// SigningError is a structured error delivered to a request's caller.
type SigningError struct {
	Code      ErrorCode
	Message   string
	Err       error
	Retryable bool
	Details   map[string]interface{}
}

// Error implements the error interface.
func (e *SigningError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error.
func (e *SigningError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for the error's code, so errors.Is(err, ErrBroadcastFailed)
// holds even when Err is a provider error.
func (e *SigningError) Is(target error) bool {
	return target == sentinelFor(e.Code)
}

// WithDetails attaches a detail value and returns the error for chaining.
func (e *SigningError) WithDetails(key string, value interface{}) *SigningError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// UserMessage returns the user-facing text for the error's code.
func (e *SigningError) UserMessage() string {
	if msg, ok := userMessages[e.Code]; ok {
		return msg
	}
	return userMessages[ErrCodeInternal]
}

// RPCCode returns the EIP-1193 / JSON-RPC error code for the dApp response.
func (e *SigningError) RPCCode() int {
	if c, ok := rpcCodes[e.Code]; ok {
		return c
	}
	return -32603
}

// NewSigningError creates a SigningError. When err is nil the code's sentinel is wrapped.
func NewSigningError(code ErrorCode, message string, err error) *SigningError {
	if err == nil {
		err = sentinelFor(code)
	}
	return &SigningError{
		Code:      code,
		Message:   message,
		Err:       err,
		Retryable: code == ErrCodeBroadcastFailed || code == ErrCodeBackendUnavailable,
	}
}

// InvalidParams reports a shape failure on a named parameter.
func InvalidParams(field, reason string) *SigningError {
	return NewSigningError(ErrCodeInvalidParams, fmt.Sprintf("%s: %s", field, reason), ErrInvalidParams).
		WithDetails("field", field)
}

func sentinelFor(code ErrorCode) error {
	for _, cs := range codeSentinels {
		if cs.code == code {
			return cs.err
		}
	}
	return ErrInternal
}

// CodeOf classifies err. A SigningError anywhere in the chain wins; otherwise the
// first matching sentinel decides. Unknown errors classify as ErrCodeInternal.
func CodeOf(err error) ErrorCode {
	var se *SigningError
	if errors.As(err, &se) {
		return se.Code
	}
	for _, cs := range codeSentinels {
		if errors.Is(err, cs.err) {
			return cs.code
		}
	}
	return ErrCodeInternal
}

// AsSigningError returns err as a SigningError, classifying plain errors by sentinel.
func AsSigningError(err error) *SigningError {
	if err == nil {
		return nil
	}
	var se *SigningError
	if errors.As(err, &se) {
		return se
	}
	return NewSigningError(CodeOf(err), err.Error(), err)
}

// IsRetryable reports whether the failure is transient.
func IsRetryable(err error) bool {
	var se *SigningError
	if errors.As(err, &se) {
		return se.Retryable
	}
	return errors.Is(err, ErrBroadcastFailed) || errors.Is(err, ErrSigningBackendUnavailable)
}
