package ierr

import "errors"

var (
	ErrValidation     = errors.New("validation failed")
	ErrInternalServer = errors.New("internal server error")

	ErrRateLimited = errors.New("too many attempts, try again later")

	ErrKeyNotFound        = errors.New("license key not found or invalid")
	ErrKeyRevoked         = errors.New("license key has been revoked")
	ErrAlreadyUsed        = errors.New("license key already used")
	ErrUsageLimitExceeded = errors.New("license key activation limit exceeded")

	ErrNoEntitlement       = errors.New("no purchase found for this email")
	ErrEntitlementInactive = errors.New("purchase is no longer active")

	ErrOracleUnavailable = errors.New("license provider unavailable")

	// ErrRecoveryIncomplete means the old key was revoked but creating its
	// replacement failed. The record needs manual reissue by an operator.
	ErrRecoveryIncomplete = errors.New("recovery left a revoked key without a replacement")

	// ErrStateConflict signals a lost compare-and-swap race. Transient: the
	// whole operation is safe to re-evaluate once.
	ErrStateConflict = errors.New("key state changed concurrently")

	ErrAPIKeyNotFound = errors.New("api key not found or disabled")
)
