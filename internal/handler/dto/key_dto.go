package dto

import (
	"time"

	"github.com/makkenzo/keygate/internal/domain/key"
)

type VerifyKeyRequest struct {
	Key string `json:"key" binding:"required"`
}

type VerifyKeyResponse struct {
	Success bool `json:"success"`
}

type RecoverKeyRequest struct {
	Email string `json:"email" binding:"required,email"`
}

type RecoverKeyResponse struct {
	Success bool   `json:"success"`
	NewKey  string `json:"new_key"`
}

type ProvisionKeyRequest struct {
	Email string `json:"email" binding:"required,email"`
}

type KeyResponse struct {
	ID           string     `json:"id"`
	State        key.State  `json:"state"`
	OwnerEmail   *string    `json:"owner_email,omitempty"`
	SupersededBy *string    `json:"superseded_by,omitempty"`
	UsageCount   int        `json:"usage_count"`
	UsageLimit   int        `json:"usage_limit"`
	IssuedAt     *time.Time `json:"issued_at,omitempty"`
	ClaimedAt    *time.Time `json:"claimed_at,omitempty"`
	RevokedAt    *time.Time `json:"revoked_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

func NewKeyResponse(rec *key.LicenseKey) *KeyResponse {
	resp := &KeyResponse{
		ID:         rec.ID,
		State:      rec.State,
		UsageCount: rec.UsageCount,
		UsageLimit: rec.UsageLimit,
		CreatedAt:  rec.CreatedAt,
	}
	if rec.OwnerEmail.Valid {
		resp.OwnerEmail = &rec.OwnerEmail.String
	}
	if rec.SupersededBy.Valid {
		resp.SupersededBy = &rec.SupersededBy.String
	}
	if rec.IssuedAt.Valid {
		resp.IssuedAt = &rec.IssuedAt.Time
	}
	if rec.ClaimedAt.Valid {
		resp.ClaimedAt = &rec.ClaimedAt.Time
	}
	if rec.RevokedAt.Valid {
		resp.RevokedAt = &rec.RevokedAt.Time
	}
	return resp
}

type StatsResponse struct {
	TotalKeys   int64               `json:"totalKeys"`
	StateCounts map[key.State]int64 `json:"stateCounts"`
}
