package key

import (
	"context"
	"database/sql"
	"errors"
)

var ErrExists = errors.New("license key already exists")

// Update carries the fields applied by a conditional state transition.
// Null-typed fields are only written when Valid.
type Update struct {
	State        State
	OwnerEmail   sql.NullString
	SupersededBy sql.NullString
	ClaimedAt    sql.NullTime
	RevokedAt    sql.NullTime
	UsageCount   *int
}

// Store is the durable key-value store of record. All operations must be
// linearizable with respect to each other for a single key id; the claim
// protocol delegates every piece of mutual exclusion to these primitives.
type Store interface {
	// Get returns the record for a normalized key id, or ierr.ErrKeyNotFound.
	Get(ctx context.Context, id string) (*LicenseKey, error)

	// CreateIfAbsent inserts the record, or returns ErrExists if any record
	// with the same id is already present.
	CreateIfAbsent(ctx context.Context, rec *LicenseKey) error

	// CompareAndSwapState applies upd only if the record currently holds the
	// expected state. Returns ierr.ErrKeyNotFound if the id does not exist
	// and ierr.ErrStateConflict if the state no longer matches.
	CompareAndSwapState(ctx context.Context, id string, expected State, upd Update) error

	// IncrementUsage bumps usage_count by one as a single atomic transition,
	// only while the key is claimed and usage_count < limit. Exceeding the
	// limit returns ierr.ErrUsageLimitExceeded and leaves the count as is.
	IncrementUsage(ctx context.Context, id string, limit int) error

	// FindActiveByEmail returns the most recently issued non-revoked record
	// owned by email, or ierr.ErrKeyNotFound.
	FindActiveByEmail(ctx context.Context, email string) (*LicenseKey, error)

	// CountByState returns the number of records per lifecycle state.
	CountByState(ctx context.Context) (map[State]int64, error)

	// ListRecoveryOrphans returns revoked records whose superseded_by points
	// at a key that does not exist: the residue of a recovery that revoked
	// the old key but failed to create its replacement.
	ListRecoveryOrphans(ctx context.Context, limit int) ([]*LicenseKey, error)
}
