package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/makkenzo/keygate/internal/config"
	"github.com/makkenzo/keygate/internal/domain/key"
	"github.com/makkenzo/keygate/internal/ierr"
	"github.com/makkenzo/keygate/internal/metrics"
	"github.com/makkenzo/keygate/internal/oracle"
	"github.com/makkenzo/keygate/internal/ratelimit"
	"github.com/makkenzo/keygate/internal/util"
	"go.uber.org/zap"
)

// LifecycleService owns every license key state transition. It holds no lock
// across requests: all mutual exclusion is delegated to the store's
// conditional writes, so any number of instances can run concurrently
// against the same store.
type LifecycleService struct {
	store        key.Store
	limiter      ratelimit.Limiter
	validator    oracle.KeyValidator      // nil when no provider validates keys
	entitlements oracle.EntitlementFinder // nil -> recovery uses the store email index
	cfg          *config.LicenseConfig
	logger       *zap.Logger

	now      func() time.Time
	newKeyID func() (string, error)
}

func NewLifecycleService(
	store key.Store,
	limiter ratelimit.Limiter,
	validator oracle.KeyValidator,
	entitlements oracle.EntitlementFinder,
	cfg *config.LicenseConfig,
	logger *zap.Logger,
) *LifecycleService {
	return &LifecycleService{
		store:        store,
		limiter:      limiter,
		validator:    validator,
		entitlements: entitlements,
		cfg:          cfg,
		logger:       logger.Named("LifecycleService"),
		now:          time.Now,
		newKeyID:     util.GenerateLicenseKey,
	}
}

// VerifyAndClaim validates rawKey and claims it for the caller. The rate
// limiter is consulted first and its record updated regardless of outcome.
// A lost compare-and-swap race is re-evaluated exactly once before a
// terminal result is surfaced.
func (s *LifecycleService) VerifyAndClaim(ctx context.Context, rawKey, callerIdentity string) error {
	err := s.verifyAndClaim(ctx, rawKey, callerIdentity)
	metrics.ClaimResults.WithLabelValues(resultLabel(err)).Inc()
	return err
}

func (s *LifecycleService) verifyAndClaim(ctx context.Context, rawKey, callerIdentity string) error {
	id := key.Normalize(rawKey)
	if id == "" {
		return fmt.Errorf("%w: license key must not be empty", ierr.ErrValidation)
	}

	if !s.limiter.Allow(ctx, callerIdentity) {
		s.logger.Warn("Claim attempt rate limited", zap.String("caller", callerIdentity))
		return ierr.ErrRateLimited
	}

	err := s.claim(ctx, id, strings.TrimSpace(rawKey))
	if errors.Is(err, ierr.ErrStateConflict) {
		s.logger.Debug("Claim lost a store race, re-evaluating once", zap.String("key", id))
		err = s.claim(ctx, id, strings.TrimSpace(rawKey))
	}

	if err != nil {
		s.logger.Info("Claim rejected", zap.String("key", keyPreview(id)), zap.String("caller", callerIdentity), zap.Error(err))
		return err
	}

	s.logger.Info("Key claimed successfully", zap.String("key", keyPreview(id)), zap.String("caller", callerIdentity))
	return nil
}

func (s *LifecycleService) claim(ctx context.Context, id, rawKey string) error {
	rec, err := s.store.Get(ctx, id)
	if errors.Is(err, ierr.ErrKeyNotFound) {
		return s.claimUnknown(ctx, id, rawKey)
	}
	if err != nil {
		return fmt.Errorf("%w: store lookup failed: %v", ierr.ErrInternalServer, err)
	}

	switch rec.State {
	case key.StateRevoked:
		// Terminal, even if the oracle would still vouch for the purchase.
		return ierr.ErrKeyRevoked

	case key.StateClaimed:
		if !rec.MultiUse() {
			return ierr.ErrAlreadyUsed
		}
		if s.validator != nil {
			v, err := s.validator.ValidateKey(ctx, rawKey)
			if err != nil {
				return err
			}
			if !v.Valid {
				return ierr.ErrKeyNotFound
			}
			if !v.Active {
				return ierr.ErrKeyRevoked
			}
		}
		return s.store.IncrementUsage(ctx, id, rec.UsageLimit)

	case key.StateIssued:
		now := s.now()
		one := 1
		return s.store.CompareAndSwapState(ctx, id, key.StateIssued, key.Update{
			State:      key.StateClaimed,
			ClaimedAt:  sql.NullTime{Time: now, Valid: true},
			UsageCount: &one,
		})

	default:
		return fmt.Errorf("%w: unknown key state %q", ierr.ErrInternalServer, rec.State)
	}
}

// claimUnknown handles a key the store has never seen. When the deployment
// trusts the oracle for first use, a vouched-for key gets its record created
// directly in the claimed state.
func (s *LifecycleService) claimUnknown(ctx context.Context, id, rawKey string) error {
	if s.validator == nil || !s.cfg.TrustOracleFirstUse {
		return ierr.ErrKeyNotFound
	}

	v, err := s.validator.ValidateKey(ctx, rawKey)
	if err != nil {
		return err
	}
	if !v.Valid {
		return ierr.ErrKeyNotFound
	}
	if !v.Active {
		return ierr.ErrKeyRevoked
	}
	if s.cfg.UsageLimit > 1 && v.Uses >= s.cfg.UsageLimit {
		return ierr.ErrUsageLimitExceeded
	}

	now := s.now()
	rec := &key.LicenseKey{
		ID:         id,
		State:      key.StateClaimed,
		UsageCount: 1,
		UsageLimit: s.cfg.UsageLimit,
		IssuedAt:   sql.NullTime{Time: now, Valid: true},
		ClaimedAt:  sql.NullTime{Time: now, Valid: true},
	}
	if v.OwnerEmail != "" {
		rec.OwnerEmail = sql.NullString{String: strings.ToLower(v.OwnerEmail), Valid: true}
	}

	err = s.store.CreateIfAbsent(ctx, rec)
	if errors.Is(err, key.ErrExists) {
		// Another caller created it between our lookup and the insert.
		return ierr.ErrStateConflict
	}
	if err != nil {
		return fmt.Errorf("%w: failed to create claimed key: %v", ierr.ErrInternalServer, err)
	}
	return nil
}

// RecoverByEmail revokes the purchaser's current key (if any) and mints a
// fresh one. Not idempotent: every successful call produces a new key, and
// the response is the only copy of it. A failure after the revoke succeeded
// is surfaced as ErrRecoveryIncomplete so operators can reissue manually.
func (s *LifecycleService) RecoverByEmail(ctx context.Context, email string) (string, error) {
	newKey, err := s.recoverByEmail(ctx, email)
	metrics.RecoveryResults.WithLabelValues(resultLabel(err)).Inc()
	return newKey, err
}

func (s *LifecycleService) recoverByEmail(ctx context.Context, email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return "", fmt.Errorf("%w: email must not be empty", ierr.ErrValidation)
	}

	if err := s.checkEntitlement(ctx, email); err != nil {
		return "", err
	}

	newID, err := s.newKeyID()
	if err != nil {
		return "", fmt.Errorf("%w: failed to generate key: %v", ierr.ErrInternalServer, err)
	}

	prev, err := s.store.FindActiveByEmail(ctx, email)
	if err != nil && !errors.Is(err, ierr.ErrKeyNotFound) {
		return "", fmt.Errorf("%w: store lookup failed: %v", ierr.ErrInternalServer, err)
	}

	revoked := false
	if prev != nil {
		if err := s.revokePrevious(ctx, email, prev, newID); err != nil {
			return "", err
		}
		revoked = true
		s.logger.Info("Revoked key superseded by recovery",
			zap.String("old_key", keyPreview(prev.ID)),
			zap.String("new_key", keyPreview(newID)),
		)
	}

	rec := &key.LicenseKey{
		ID:         newID,
		State:      key.StateIssued,
		OwnerEmail: sql.NullString{String: email, Valid: true},
		UsageLimit: s.cfg.UsageLimit,
		IssuedAt:   sql.NullTime{Time: s.now(), Valid: true},
	}
	if err := s.store.CreateIfAbsent(ctx, rec); err != nil {
		if revoked {
			// The old key is already dead and its replacement never landed.
			s.logger.Error("Recovery revoked the old key but failed to create the new one",
				zap.String("old_key", prev.ID),
				zap.String("email", email),
				zap.Error(err),
			)
			return "", fmt.Errorf("%w: old key %s revoked, replacement failed: %v", ierr.ErrRecoveryIncomplete, prev.ID, err)
		}
		return "", fmt.Errorf("%w: failed to create replacement key: %v", ierr.ErrInternalServer, err)
	}

	s.logger.Info("Recovery issued a fresh key", zap.String("email", email), zap.String("new_key", keyPreview(newID)))
	return newID, nil
}

func (s *LifecycleService) checkEntitlement(ctx context.Context, email string) error {
	if s.entitlements == nil {
		// No oracle configured: the owner-email index is the authority.
		_, err := s.store.FindActiveByEmail(ctx, email)
		if errors.Is(err, ierr.ErrKeyNotFound) {
			return ierr.ErrNoEntitlement
		}
		if err != nil {
			return fmt.Errorf("%w: store lookup failed: %v", ierr.ErrInternalServer, err)
		}
		return nil
	}

	ent, err := s.entitlements.FindActiveEntitlement(ctx, email)
	if err != nil {
		return err
	}
	if !ent.Found {
		return ierr.ErrNoEntitlement
	}
	if !ent.Active {
		return ierr.ErrEntitlementInactive
	}
	return nil
}

func (s *LifecycleService) revokePrevious(ctx context.Context, email string, prev *key.LicenseKey, newID string) error {
	upd := key.Update{
		State:        key.StateRevoked,
		SupersededBy: sql.NullString{String: newID, Valid: true},
		RevokedAt:    sql.NullTime{Time: s.now(), Valid: true},
	}

	err := s.store.CompareAndSwapState(ctx, prev.ID, prev.State, upd)
	if errors.Is(err, ierr.ErrStateConflict) {
		// The record moved under us (e.g. a concurrent claim of the issued
		// key). Re-read and retry once against its current state.
		current, lookupErr := s.store.FindActiveByEmail(ctx, email)
		if errors.Is(lookupErr, ierr.ErrKeyNotFound) {
			return nil // already revoked by someone else
		}
		if lookupErr != nil {
			return fmt.Errorf("%w: store lookup failed: %v", ierr.ErrInternalServer, lookupErr)
		}
		err = s.store.CompareAndSwapState(ctx, current.ID, current.State, upd)
	}
	if err != nil {
		return fmt.Errorf("failed to revoke previous key %s: %w", prev.ID, err)
	}
	return nil
}

// RevokeKey invalidates a key outright, outside of recovery. Used by the
// admin surface; never sets a supersededBy reference.
func (s *LifecycleService) RevokeKey(ctx context.Context, rawKey string) error {
	id := key.Normalize(rawKey)
	if id == "" {
		return fmt.Errorf("%w: license key must not be empty", ierr.ErrValidation)
	}

	rec, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ierr.ErrKeyNotFound) {
			return err
		}
		return fmt.Errorf("%w: store lookup failed: %v", ierr.ErrInternalServer, err)
	}
	if rec.State == key.StateRevoked {
		return nil
	}

	err = s.store.CompareAndSwapState(ctx, id, rec.State, key.Update{
		State:     key.StateRevoked,
		RevokedAt: sql.NullTime{Time: s.now(), Valid: true},
	})
	if errors.Is(err, ierr.ErrStateConflict) {
		// Whatever transition won the race, revocation still applies to the
		// new state; re-read once and finish the job.
		current, lookupErr := s.store.Get(ctx, id)
		if lookupErr != nil {
			return fmt.Errorf("%w: store lookup failed: %v", ierr.ErrInternalServer, lookupErr)
		}
		if current.State == key.StateRevoked {
			return nil
		}
		err = s.store.CompareAndSwapState(ctx, id, current.State, key.Update{
			State:     key.StateRevoked,
			RevokedAt: sql.NullTime{Time: s.now(), Valid: true},
		})
	}
	if err != nil {
		return fmt.Errorf("failed to revoke key %s: %w", id, err)
	}

	s.logger.Info("Key revoked", zap.String("key", keyPreview(id)))
	return nil
}

// ProvisionKey pre-creates an issued key for a purchaser, the purchase-time
// issuance path. Admin-only.
func (s *LifecycleService) ProvisionKey(ctx context.Context, email string) (*key.LicenseKey, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, fmt.Errorf("%w: email must not be empty", ierr.ErrValidation)
	}

	newID, err := s.newKeyID()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to generate key: %v", ierr.ErrInternalServer, err)
	}

	rec := &key.LicenseKey{
		ID:         newID,
		State:      key.StateIssued,
		OwnerEmail: sql.NullString{String: email, Valid: true},
		UsageLimit: s.cfg.UsageLimit,
		IssuedAt:   sql.NullTime{Time: s.now(), Valid: true},
	}
	if err := s.store.CreateIfAbsent(ctx, rec); err != nil {
		return nil, fmt.Errorf("%w: failed to create key: %v", ierr.ErrInternalServer, err)
	}

	s.logger.Info("Key provisioned", zap.String("key", keyPreview(newID)), zap.String("email", email))
	return rec, nil
}

// StateCounts returns the number of keys per lifecycle state.
func (s *LifecycleService) StateCounts(ctx context.Context) (map[key.State]int64, error) {
	counts, err := s.store.CountByState(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: store aggregation failed: %v", ierr.ErrInternalServer, err)
	}
	return counts, nil
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ierr.ErrValidation):
		return "invalid_input"
	case errors.Is(err, ierr.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ierr.ErrKeyNotFound):
		return "not_found"
	case errors.Is(err, ierr.ErrKeyRevoked):
		return "revoked"
	case errors.Is(err, ierr.ErrAlreadyUsed):
		return "already_used"
	case errors.Is(err, ierr.ErrUsageLimitExceeded):
		return "usage_limit"
	case errors.Is(err, ierr.ErrNoEntitlement):
		return "no_entitlement"
	case errors.Is(err, ierr.ErrEntitlementInactive):
		return "entitlement_inactive"
	case errors.Is(err, ierr.ErrOracleUnavailable):
		return "oracle_unavailable"
	case errors.Is(err, ierr.ErrRecoveryIncomplete):
		return "recovery_incomplete"
	case errors.Is(err, ierr.ErrStateConflict):
		return "conflict"
	default:
		return "internal"
	}
}

// keyPreview truncates a key for logging. Full keys never hit the logs.
func keyPreview(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8] + "..."
}
