package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/makkenzo/keygate/internal/domain/key"
	"github.com/makkenzo/keygate/internal/ierr"
)

// KeyStore is an in-memory implementation of the key store contract, used by
// tests and the memory database driver. A single mutex serializes every
// operation, which trivially satisfies the per-id linearizability the claim
// protocol depends on.
type KeyStore struct {
	mu   sync.Mutex
	keys map[string]*key.LicenseKey
}

var _ key.Store = (*KeyStore)(nil)

func NewKeyStore() *KeyStore {
	return &KeyStore{
		keys: make(map[string]*key.LicenseKey),
	}
}

func (s *KeyStore) Get(_ context.Context, id string) (*key.LicenseKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.keys[id]
	if !ok {
		return nil, ierr.ErrKeyNotFound
	}

	cp := *rec
	return &cp, nil
}

func (s *KeyStore) CreateIfAbsent(_ context.Context, rec *key.LicenseKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.keys[rec.ID]; ok {
		return key.ErrExists
	}

	cp := *rec
	now := time.Now().UTC()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	s.keys[rec.ID] = &cp
	return nil
}

func (s *KeyStore) CompareAndSwapState(_ context.Context, id string, expected key.State, upd key.Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.keys[id]
	if !ok {
		return ierr.ErrKeyNotFound
	}
	if rec.State != expected {
		return ierr.ErrStateConflict
	}

	rec.State = upd.State
	if upd.OwnerEmail.Valid {
		rec.OwnerEmail = upd.OwnerEmail
	}
	if upd.SupersededBy.Valid {
		rec.SupersededBy = upd.SupersededBy
	}
	if upd.ClaimedAt.Valid {
		rec.ClaimedAt = upd.ClaimedAt
	}
	if upd.RevokedAt.Valid {
		rec.RevokedAt = upd.RevokedAt
	}
	if upd.UsageCount != nil {
		rec.UsageCount = *upd.UsageCount
	}
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *KeyStore) IncrementUsage(_ context.Context, id string, limit int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.keys[id]
	if !ok {
		return ierr.ErrKeyNotFound
	}
	if rec.State != key.StateClaimed {
		return ierr.ErrStateConflict
	}
	if rec.UsageCount >= limit {
		return ierr.ErrUsageLimitExceeded
	}

	rec.UsageCount++
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *KeyStore) FindActiveByEmail(_ context.Context, email string) (*key.LicenseKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest *key.LicenseKey
	for _, rec := range s.keys {
		if !rec.OwnerEmail.Valid || rec.OwnerEmail.String != email || rec.State == key.StateRevoked {
			continue
		}
		if latest == nil || rec.CreatedAt.After(latest.CreatedAt) {
			latest = rec
		}
	}
	if latest == nil {
		return nil, ierr.ErrKeyNotFound
	}

	cp := *latest
	return &cp, nil
}

func (s *KeyStore) CountByState(_ context.Context) (map[key.State]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[key.State]int64)
	for _, rec := range s.keys {
		counts[rec.State]++
	}
	return counts, nil
}

func (s *KeyStore) ListRecoveryOrphans(_ context.Context, limit int) ([]*key.LicenseKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	orphans := make([]*key.LicenseKey, 0)
	for _, rec := range s.keys {
		if rec.State != key.StateRevoked || !rec.SupersededBy.Valid {
			continue
		}
		if _, ok := s.keys[rec.SupersededBy.String]; ok {
			continue
		}
		cp := *rec
		orphans = append(orphans, &cp)
		if len(orphans) == limit {
			break
		}
	}
	return orphans, nil
}
