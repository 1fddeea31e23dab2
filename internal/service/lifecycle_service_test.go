package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/makkenzo/keygate/internal/config"
	"github.com/makkenzo/keygate/internal/domain/key"
	"github.com/makkenzo/keygate/internal/ierr"
	"github.com/makkenzo/keygate/internal/oracle"
	"github.com/makkenzo/keygate/internal/storage/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeValidator struct {
	mu         sync.Mutex
	validation *oracle.Validation
	err        error
	calls      int
}

func (f *fakeValidator) ValidateKey(_ context.Context, _ string) (*oracle.Validation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.validation, nil
}

type fakeFinder struct {
	entitlement *oracle.Entitlement
	err         error
}

func (f *fakeFinder) FindActiveEntitlement(_ context.Context, _ string) (*oracle.Entitlement, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.entitlement, nil
}

type allowAllLimiter struct{}

func (allowAllLimiter) Allow(_ context.Context, _ string) bool { return true }

type denyAllLimiter struct {
	calls int
}

func (l *denyAllLimiter) Allow(_ context.Context, _ string) bool {
	l.calls++
	return false
}

// failingCreateStore wraps a real store but refuses every CreateIfAbsent,
// simulating a store outage between the revoke and the reissue.
type failingCreateStore struct {
	key.Store
}

func (s *failingCreateStore) CreateIfAbsent(_ context.Context, _ *key.LicenseKey) error {
	return errors.New("store write failed")
}

func newTestService(t *testing.T, store key.Store, validator oracle.KeyValidator, entitlements oracle.EntitlementFinder, usageLimit int) *LifecycleService {
	t.Helper()
	svc := NewLifecycleService(
		store,
		allowAllLimiter{},
		validator,
		entitlements,
		&config.LicenseConfig{UsageLimit: usageLimit, TrustOracleFirstUse: true},
		zap.NewNop(),
	)
	seq := 0
	svc.newKeyID = func() (string, error) {
		seq++
		return fmt.Sprintf("RECOVERED%04d", seq), nil
	}
	return svc
}

func seedKey(t *testing.T, store key.Store, rec *key.LicenseKey) {
	t.Helper()
	require.NoError(t, store.CreateIfAbsent(context.Background(), rec))
}

func issuedKey(id, email string, usageLimit int) *key.LicenseKey {
	rec := &key.LicenseKey{
		ID:         id,
		State:      key.StateIssued,
		UsageLimit: usageLimit,
		IssuedAt:   sql.NullTime{Time: time.Now().UTC(), Valid: true},
	}
	if email != "" {
		rec.OwnerEmail = sql.NullString{String: email, Valid: true}
	}
	return rec
}

func TestVerifyAndClaim_EmptyKey(t *testing.T) {
	store := memstore.NewKeyStore()
	svc := newTestService(t, store, nil, nil, 1)

	err := svc.VerifyAndClaim(context.Background(), "   ", "1.2.3.4")
	assert.ErrorIs(t, err, ierr.ErrValidation)
}

func TestVerifyAndClaim_RateLimitedShortCircuits(t *testing.T) {
	store := memstore.NewKeyStore()
	seedKey(t, store, issuedKey("ABCD1234", "", 1))

	validator := &fakeValidator{validation: &oracle.Validation{Valid: true, Active: true}}
	limiter := &denyAllLimiter{}
	svc := newTestService(t, store, validator, nil, 1)
	svc.limiter = limiter

	err := svc.VerifyAndClaim(context.Background(), "ABCD1234", "1.2.3.4")
	assert.ErrorIs(t, err, ierr.ErrRateLimited)
	assert.Equal(t, 1, limiter.calls)
	assert.Zero(t, validator.calls, "oracle must not be consulted after a rate limit rejection")

	rec, getErr := store.Get(context.Background(), "ABCD1234")
	require.NoError(t, getErr)
	assert.Equal(t, key.StateIssued, rec.State, "store must not be mutated")
}

func TestVerifyAndClaim_IssuedKeyClaimedOnce(t *testing.T) {
	store := memstore.NewKeyStore()
	seedKey(t, store, issuedKey("xyz999", "", 1))

	svc := newTestService(t, store, nil, nil, 1)

	// Mixed case and padding normalize to the stored id.
	require.NoError(t, svc.VerifyAndClaim(context.Background(), "  xYz999 ", "1.2.3.4"))

	rec, err := store.Get(context.Background(), "XYZ999")
	require.NoError(t, err)
	assert.Equal(t, key.StateClaimed, rec.State)
	assert.True(t, rec.ClaimedAt.Valid)
	assert.Equal(t, 1, rec.UsageCount)

	// Second claim fails forever, same caller or not.
	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, svc.VerifyAndClaim(context.Background(), "XYZ999", "1.2.3.4"), ierr.ErrAlreadyUsed)
	}
}

func TestVerifyAndClaim_ConcurrentClaims_OneWinner(t *testing.T) {
	store := memstore.NewKeyStore()
	seedKey(t, store, issuedKey("RACEKEY1", "", 1))

	svc := newTestService(t, store, nil, nil, 1)

	const callers = 50
	results := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			results <- svc.VerifyAndClaim(context.Background(), "RACEKEY1", fmt.Sprintf("10.0.0.%d", n))
		}(i)
	}
	wg.Wait()
	close(results)

	wins, alreadyUsed := 0, 0
	for err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ierr.ErrAlreadyUsed):
			alreadyUsed++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, wins, "exactly one concurrent claim must win")
	assert.Equal(t, callers-1, alreadyUsed)
}

func TestVerifyAndClaim_RevokedIsTerminal(t *testing.T) {
	store := memstore.NewKeyStore()
	seedKey(t, store, &key.LicenseKey{
		ID:         "DEADKEY1",
		State:      key.StateRevoked,
		UsageLimit: 1,
		RevokedAt:  sql.NullTime{Time: time.Now().UTC(), Valid: true},
	})

	// Even with an oracle that still vouches for the purchase.
	validator := &fakeValidator{validation: &oracle.Validation{Valid: true, Active: true}}
	svc := newTestService(t, store, validator, nil, 1)

	assert.ErrorIs(t, svc.VerifyAndClaim(context.Background(), "DEADKEY1", "1.2.3.4"), ierr.ErrKeyRevoked)
	assert.Zero(t, validator.calls)

	rec, err := store.Get(context.Background(), "DEADKEY1")
	require.NoError(t, err)
	assert.Equal(t, key.StateRevoked, rec.State)
}

func TestVerifyAndClaim_UnknownKey_OracleInvalid(t *testing.T) {
	store := memstore.NewKeyStore()
	validator := &fakeValidator{validation: &oracle.Validation{Valid: false}}
	svc := newTestService(t, store, validator, nil, 1)

	err := svc.VerifyAndClaim(context.Background(), "ABCD1234", "1.2.3.4")
	assert.ErrorIs(t, err, ierr.ErrKeyNotFound)

	_, getErr := store.Get(context.Background(), "ABCD1234")
	assert.ErrorIs(t, getErr, ierr.ErrKeyNotFound, "no record may be created for an invalid key")
}

func TestVerifyAndClaim_UnknownKey_OracleVouches(t *testing.T) {
	store := memstore.NewKeyStore()
	validator := &fakeValidator{validation: &oracle.Validation{Valid: true, Active: true, OwnerEmail: "A@B.com"}}
	svc := newTestService(t, store, validator, nil, 1)

	require.NoError(t, svc.VerifyAndClaim(context.Background(), "xyz999", "1.2.3.4"))

	rec, err := store.Get(context.Background(), "XYZ999")
	require.NoError(t, err)
	assert.Equal(t, key.StateClaimed, rec.State)
	assert.Equal(t, 1, rec.UsageCount)
	assert.Equal(t, "a@b.com", rec.OwnerEmail.String)

	// Second claim of the synthesized single-use key.
	assert.ErrorIs(t, svc.VerifyAndClaim(context.Background(), "XYZ999", "5.6.7.8"), ierr.ErrAlreadyUsed)
}

func TestVerifyAndClaim_UnknownKey_OracleReportsDeadPurchase(t *testing.T) {
	store := memstore.NewKeyStore()
	validator := &fakeValidator{validation: &oracle.Validation{Valid: true, Active: false}}
	svc := newTestService(t, store, validator, nil, 1)

	err := svc.VerifyAndClaim(context.Background(), "REFUNDED", "1.2.3.4")
	assert.ErrorIs(t, err, ierr.ErrKeyRevoked)

	_, getErr := store.Get(context.Background(), "REFUNDED")
	assert.ErrorIs(t, getErr, ierr.ErrKeyNotFound)
}

func TestVerifyAndClaim_UnknownKey_NoOracleConfigured(t *testing.T) {
	store := memstore.NewKeyStore()
	svc := newTestService(t, store, nil, nil, 1)

	assert.ErrorIs(t, svc.VerifyAndClaim(context.Background(), "ABCD1234", "1.2.3.4"), ierr.ErrKeyNotFound)
}

func TestVerifyAndClaim_OracleUnavailable_NoMutation(t *testing.T) {
	store := memstore.NewKeyStore()
	validator := &fakeValidator{err: fmt.Errorf("%w: connection refused", ierr.ErrOracleUnavailable)}
	svc := newTestService(t, store, validator, nil, 1)

	err := svc.VerifyAndClaim(context.Background(), "SOMEKEY1", "1.2.3.4")
	assert.ErrorIs(t, err, ierr.ErrOracleUnavailable)

	counts, countErr := store.CountByState(context.Background())
	require.NoError(t, countErr)
	assert.Empty(t, counts)
}

func TestVerifyAndClaim_MultiUse_UsageLimitBoundary(t *testing.T) {
	const limit = 10
	store := memstore.NewKeyStore()
	validator := &fakeValidator{validation: &oracle.Validation{Valid: true, Active: true}}
	svc := newTestService(t, store, validator, nil, limit)

	// First activation synthesizes the record with usage 1.
	require.NoError(t, svc.VerifyAndClaim(context.Background(), "MULTIKEY", "1.2.3.4"))

	for i := 2; i <= limit; i++ {
		require.NoError(t, svc.VerifyAndClaim(context.Background(), "MULTIKEY", "1.2.3.4"), "activation %d within the limit must succeed", i)
	}

	rec, err := store.Get(context.Background(), "MULTIKEY")
	require.NoError(t, err)
	assert.Equal(t, limit, rec.UsageCount)

	err = svc.VerifyAndClaim(context.Background(), "MULTIKEY", "1.2.3.4")
	assert.ErrorIs(t, err, ierr.ErrUsageLimitExceeded)

	rec, err = store.Get(context.Background(), "MULTIKEY")
	require.NoError(t, err)
	assert.Equal(t, limit, rec.UsageCount, "a rejected activation must not move the count")
}

func TestVerifyAndClaim_MultiUse_RevalidatesAgainstOracle(t *testing.T) {
	store := memstore.NewKeyStore()
	seedKey(t, store, &key.LicenseKey{
		ID:         "SUBKEY99",
		State:      key.StateClaimed,
		UsageCount: 3,
		UsageLimit: 10,
		ClaimedAt:  sql.NullTime{Time: time.Now().UTC(), Valid: true},
	})

	// Subscription cancelled upstream since the last activation.
	validator := &fakeValidator{validation: &oracle.Validation{Valid: true, Active: false}}
	svc := newTestService(t, store, validator, nil, 10)

	err := svc.VerifyAndClaim(context.Background(), "SUBKEY99", "1.2.3.4")
	assert.ErrorIs(t, err, ierr.ErrKeyRevoked)
	assert.Equal(t, 1, validator.calls)

	rec, getErr := store.Get(context.Background(), "SUBKEY99")
	require.NoError(t, getErr)
	assert.Equal(t, 3, rec.UsageCount)
}

func TestRecoverByEmail_ReplacesActiveKey(t *testing.T) {
	store := memstore.NewKeyStore()
	seedKey(t, store, issuedKey("OLD1", "a@b.com", 1))

	finder := &fakeFinder{entitlement: &oracle.Entitlement{Found: true, Active: true}}
	svc := newTestService(t, store, nil, finder, 1)

	newKey, err := svc.RecoverByEmail(context.Background(), " A@B.com ")
	require.NoError(t, err)
	require.NotEmpty(t, newKey)
	assert.NotEqual(t, "OLD1", newKey)

	oldRec, err := store.Get(context.Background(), "OLD1")
	require.NoError(t, err)
	assert.Equal(t, key.StateRevoked, oldRec.State)
	assert.True(t, oldRec.RevokedAt.Valid)
	require.True(t, oldRec.SupersededBy.Valid)
	assert.Equal(t, newKey, oldRec.SupersededBy.String)

	newRec, err := store.Get(context.Background(), newKey)
	require.NoError(t, err)
	assert.Equal(t, key.StateIssued, newRec.State)
	assert.Equal(t, "a@b.com", newRec.OwnerEmail.String)

	// The replacement is claimable, the superseded key is not.
	assert.NoError(t, svc.VerifyAndClaim(context.Background(), newKey, "1.2.3.4"))
	assert.ErrorIs(t, svc.VerifyAndClaim(context.Background(), "OLD1", "1.2.3.4"), ierr.ErrKeyRevoked)
}

func TestRecoverByEmail_NoPriorKey(t *testing.T) {
	store := memstore.NewKeyStore()
	finder := &fakeFinder{entitlement: &oracle.Entitlement{Found: true, Active: true}}
	svc := newTestService(t, store, nil, finder, 1)

	newKey, err := svc.RecoverByEmail(context.Background(), "fresh@b.com")
	require.NoError(t, err)

	rec, err := store.Get(context.Background(), newKey)
	require.NoError(t, err)
	assert.Equal(t, key.StateIssued, rec.State)
}

func TestRecoverByEmail_SuccessiveRecoveriesChain(t *testing.T) {
	store := memstore.NewKeyStore()
	finder := &fakeFinder{entitlement: &oracle.Entitlement{Found: true, Active: true}}
	svc := newTestService(t, store, nil, finder, 1)

	first, err := svc.RecoverByEmail(context.Background(), "a@b.com")
	require.NoError(t, err)
	second, err := svc.RecoverByEmail(context.Background(), "a@b.com")
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	firstRec, err := store.Get(context.Background(), first)
	require.NoError(t, err)
	assert.Equal(t, key.StateRevoked, firstRec.State)
	assert.Equal(t, second, firstRec.SupersededBy.String)

	secondRec, err := store.Get(context.Background(), second)
	require.NoError(t, err)
	assert.Equal(t, key.StateIssued, secondRec.State)
}

func TestRecoverByEmail_NoEntitlement(t *testing.T) {
	store := memstore.NewKeyStore()
	finder := &fakeFinder{entitlement: &oracle.Entitlement{Found: false}}
	svc := newTestService(t, store, nil, finder, 1)

	_, err := svc.RecoverByEmail(context.Background(), "nobody@b.com")
	assert.ErrorIs(t, err, ierr.ErrNoEntitlement)
}

func TestRecoverByEmail_EntitlementInactive(t *testing.T) {
	store := memstore.NewKeyStore()
	seedKey(t, store, issuedKey("OLD1", "a@b.com", 1))
	finder := &fakeFinder{entitlement: &oracle.Entitlement{Found: true, Active: false}}
	svc := newTestService(t, store, nil, finder, 1)

	_, err := svc.RecoverByEmail(context.Background(), "a@b.com")
	assert.ErrorIs(t, err, ierr.ErrEntitlementInactive)

	rec, getErr := store.Get(context.Background(), "OLD1")
	require.NoError(t, getErr)
	assert.Equal(t, key.StateIssued, rec.State, "a rejected recovery must not revoke anything")
}

func TestRecoverByEmail_StoreIndexFallback(t *testing.T) {
	store := memstore.NewKeyStore()
	seedKey(t, store, issuedKey("OLD1", "a@b.com", 1))

	// No entitlement finder: the owner-email index is the authority.
	svc := newTestService(t, store, nil, nil, 1)

	newKey, err := svc.RecoverByEmail(context.Background(), "a@b.com")
	require.NoError(t, err)
	assert.NotEqual(t, "OLD1", newKey)

	_, err = svc.RecoverByEmail(context.Background(), "stranger@b.com")
	assert.ErrorIs(t, err, ierr.ErrNoEntitlement)
}

func TestRecoverByEmail_OracleDown(t *testing.T) {
	store := memstore.NewKeyStore()
	seedKey(t, store, issuedKey("OLD1", "a@b.com", 1))
	finder := &fakeFinder{err: fmt.Errorf("%w: timeout", ierr.ErrOracleUnavailable)}
	svc := newTestService(t, store, nil, finder, 1)

	_, err := svc.RecoverByEmail(context.Background(), "a@b.com")
	assert.ErrorIs(t, err, ierr.ErrOracleUnavailable)

	rec, getErr := store.Get(context.Background(), "OLD1")
	require.NoError(t, getErr)
	assert.Equal(t, key.StateIssued, rec.State)
}

func TestRecoverByEmail_ReplacementCreateFails_RecoveryIncomplete(t *testing.T) {
	inner := memstore.NewKeyStore()
	seedKey(t, inner, issuedKey("OLD1", "a@b.com", 1))

	finder := &fakeFinder{entitlement: &oracle.Entitlement{Found: true, Active: true}}
	svc := newTestService(t, &failingCreateStore{Store: inner}, nil, finder, 1)

	_, err := svc.RecoverByEmail(context.Background(), "a@b.com")
	assert.ErrorIs(t, err, ierr.ErrRecoveryIncomplete)

	// The partial state is exactly what the error advertises: revoked with a
	// dangling superseded_by reference.
	rec, getErr := inner.Get(context.Background(), "OLD1")
	require.NoError(t, getErr)
	assert.Equal(t, key.StateRevoked, rec.State)
	assert.True(t, rec.SupersededBy.Valid)

	orphans, orphanErr := inner.ListRecoveryOrphans(context.Background(), 10)
	require.NoError(t, orphanErr)
	assert.Len(t, orphans, 1)
}

func TestRevokeKey_TerminalAndIdempotent(t *testing.T) {
	store := memstore.NewKeyStore()
	seedKey(t, store, issuedKey("ADMKEY01", "", 1))

	svc := newTestService(t, store, nil, nil, 1)

	require.NoError(t, svc.RevokeKey(context.Background(), "admkey01"))
	rec, err := store.Get(context.Background(), "ADMKEY01")
	require.NoError(t, err)
	assert.Equal(t, key.StateRevoked, rec.State)
	assert.False(t, rec.SupersededBy.Valid, "explicit revocation never sets a replacement reference")

	// Revoking twice is a no-op, not an error.
	require.NoError(t, svc.RevokeKey(context.Background(), "ADMKEY01"))

	assert.ErrorIs(t, svc.RevokeKey(context.Background(), "MISSING9"), ierr.ErrKeyNotFound)
}

func TestProvisionKey(t *testing.T) {
	store := memstore.NewKeyStore()
	svc := newTestService(t, store, nil, nil, 1)

	rec, err := svc.ProvisionKey(context.Background(), "Buyer@Shop.com")
	require.NoError(t, err)
	assert.Equal(t, key.StateIssued, rec.State)
	assert.Equal(t, "buyer@shop.com", rec.OwnerEmail.String)
	assert.True(t, rec.IssuedAt.Valid)

	// The provisioned key claims like any issued key.
	require.NoError(t, svc.VerifyAndClaim(context.Background(), rec.ID, "1.2.3.4"))
}

func TestStateCounts(t *testing.T) {
	store := memstore.NewKeyStore()
	seedKey(t, store, issuedKey("KEYA0001", "", 1))
	seedKey(t, store, issuedKey("KEYB0002", "", 1))
	svc := newTestService(t, store, nil, nil, 1)

	require.NoError(t, svc.VerifyAndClaim(context.Background(), "KEYA0001", "1.2.3.4"))

	counts, err := svc.StateCounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[key.StateIssued])
	assert.Equal(t, int64(1), counts[key.StateClaimed])
}
