package domain

import "errors"

// ErrorKind: класс ошибки. Вызывающая сторона ветвится по Kind, а не по тексту.
type ErrorKind string

const (
	KindValidation    ErrorKind = "validation"
	KindState         ErrorKind = "state"
	KindNotFound      ErrorKind = "not_found"
	KindAuthorization ErrorKind = "authorization"
	KindConcurrency   ErrorKind = "concurrency"
	KindArithmetic    ErrorKind = "arithmetic"
	KindCapacity      ErrorKind = "capacity"
)

// Error: типизированная ошибка домена. Сравнивается через errors.Is по указателю.
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

func newError(kind ErrorKind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

// Validation
var (
	ErrInvalidAmount          = newError(KindValidation, "invalid_amount", "amount must be positive")
	ErrInvalidDuration        = newError(KindValidation, "invalid_duration", "duration_days must be greater than zero")
	ErrInvalidPercent         = newError(KindValidation, "invalid_percent", "percent must be within [0, 100]")
	ErrInvalidCommitmentType  = newError(KindValidation, "invalid_commitment_type", "commitment type must be one of safe, balanced, aggressive")
	ErrInvalidCommitmentID    = newError(KindValidation, "invalid_commitment_id", "commitment id is empty or too long")
	ErrInvalidStrategy        = newError(KindValidation, "invalid_strategy", "strategy weights must reference pools and sum to 100")
	ErrInvalidAttestationType = newError(KindValidation, "invalid_attestation_type", "attestation type is not registered")
	ErrInvalidAddress         = newError(KindValidation, "invalid_address", "address must not be empty")
	ErrSelfTransfer           = newError(KindValidation, "self_transfer", "transfer to the current owner is not allowed")
	ErrInvalidRiskLevel       = newError(KindValidation, "invalid_risk_level", "risk level must be one of low, medium, high")
)

// State
var (
	ErrAlreadyInitialized     = newError(KindState, "already_initialized", "component is already initialized")
	ErrNotInitialized         = newError(KindState, "not_initialized", "component is not initialized")
	ErrAlreadySettled         = newError(KindState, "already_settled", "commitment is already settled")
	ErrInvalidStatus          = newError(KindState, "invalid_status", "commitment is not active")
	ErrNotExpired             = newError(KindState, "not_expired", "commitment has not expired yet")
	ErrLocked                 = newError(KindState, "locked", "token is locked by an active commitment")
	ErrPaused                 = newError(KindState, "paused", "component is paused")
	ErrNotPaused              = newError(KindState, "not_paused", "component is not paused")
	ErrAlreadyExists          = newError(KindState, "already_exists", "entity already exists")
	ErrCapacityBelowAllocated = newError(KindState, "capacity_below_allocated", "capacity cannot shrink below allocated liquidity")
)

// NotFound
var (
	ErrCommitmentNotFound = newError(KindNotFound, "commitment_not_found", "commitment not found")
	ErrPoolNotFound       = newError(KindNotFound, "pool_not_found", "pool not found")
	ErrTokenNotFound      = newError(KindNotFound, "token_not_found", "token not found")
	ErrAllocationNotFound = newError(KindNotFound, "allocation_not_found", "allocation not found")
)

// Authorization
var (
	ErrNotOwner      = newError(KindAuthorization, "not_owner", "caller is not the owner")
	ErrNotAuthorized = newError(KindAuthorization, "not_authorized", "caller is not authorized")
	ErrNotVerifier   = newError(KindAuthorization, "not_verifier", "caller is not an authorized verifier")
)

// Concurrency
var (
	ErrReentrancy  = newError(KindConcurrency, "reentrancy_detected", "operation already in flight for this resource")
	ErrRateLimited = newError(KindConcurrency, "rate_limited", "rate limit exceeded")
)

// Arithmetic
var (
	ErrOverflow       = newError(KindArithmetic, "overflow", "arithmetic overflow")
	ErrDivisionByZero = newError(KindArithmetic, "division_by_zero", "division by zero")
)

// Capacity
var (
	ErrInsufficientCapacity = newError(KindCapacity, "insufficient_capacity", "pools cannot absorb the requested amount")
	ErrPoolInactive         = newError(KindCapacity, "pool_inactive", "pool is inactive")
	ErrExceedsUnallocated   = newError(KindCapacity, "exceeds_unallocated", "amount exceeds unallocated capital")
)

// KindOf достает класс ошибки из цепочки обёрток. Для чужих ошибок возвращает "".
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}
