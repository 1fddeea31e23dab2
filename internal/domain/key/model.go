package key

import (
	"database/sql"
	"strings"
	"time"
)

type State string

const (
	StateIssued  State = "issued"
	StateClaimed State = "claimed"
	StateRevoked State = "revoked"
)

// LicenseKey is the record of one credential. The key string itself is the
// primary identity; it never changes after creation. Revoked records are
// kept forever so a superseded key can never be replayed.
type LicenseKey struct {
	ID           string         `db:"id" json:"id"`
	State        State          `db:"state" json:"state"`
	OwnerEmail   sql.NullString `db:"owner_email" json:"owner_email,omitempty"`
	SupersededBy sql.NullString `db:"superseded_by" json:"superseded_by,omitempty"`
	UsageCount   int            `db:"usage_count" json:"usage_count"`
	UsageLimit   int            `db:"usage_limit" json:"usage_limit"`
	IssuedAt     sql.NullTime   `db:"issued_at" json:"issued_at,omitempty"`
	ClaimedAt    sql.NullTime   `db:"claimed_at" json:"claimed_at,omitempty"`
	RevokedAt    sql.NullTime   `db:"revoked_at" json:"revoked_at,omitempty"`
	CreatedAt    time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at" json:"updated_at"`
}

// MultiUse reports whether the key allows more than one activation.
func (k *LicenseKey) MultiUse() bool {
	return k.UsageLimit > 1
}

// Normalize canonicalizes user-supplied key input. Keys are stored and
// compared trimmed and uppercased.
func Normalize(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}
