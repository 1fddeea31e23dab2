package oracle

import "context"

// Validation is the oracle's answer for a single license key.
type Validation struct {
	// Valid means the key maps to a real purchase.
	Valid bool
	// Active means the purchase is still in good standing: not refunded,
	// charged back or attached to a dead subscription.
	Active bool
	// OwnerEmail is the purchaser identity, when the provider exposes it.
	OwnerEmail string
	// Uses is the provider-side activation count, for providers that meter.
	Uses int
}

// Entitlement is the oracle's answer for a purchaser email.
type Entitlement struct {
	Found  bool
	Active bool
}

// KeyValidator answers "is this key entitled, and is the entitlement live".
// Implementations translate every transport failure into
// ierr.ErrOracleUnavailable before returning.
type KeyValidator interface {
	ValidateKey(ctx context.Context, licenseKey string) (*Validation, error)
}

// EntitlementFinder answers "does this email hold an active purchase".
type EntitlementFinder interface {
	FindActiveEntitlement(ctx context.Context, email string) (*Entitlement, error)
}
