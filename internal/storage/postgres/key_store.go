package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/makkenzo/keygate/internal/domain/key"
	"github.com/makkenzo/keygate/internal/ierr"
	"go.uber.org/zap"
)

const keyColumns = `
        id, state, owner_email, superseded_by, usage_count, usage_limit,
        issued_at, claimed_at, revoked_at, created_at, updated_at
`

// KeyStore is the postgres implementation of the key store of record.
// Conditional writes use the row's current state in the WHERE clause, so
// every transition for a single key id is totally ordered by the database.
type KeyStore struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

var _ key.Store = (*KeyStore)(nil)

func NewKeyStore(db *pgxpool.Pool, logger *zap.Logger) *KeyStore {
	return &KeyStore{
		db:     db,
		logger: logger.Named("KeyStore"),
	}
}

func (s *KeyStore) Get(ctx context.Context, id string) (*key.LicenseKey, error) {
	query := `SELECT ` + keyColumns + ` FROM license_keys WHERE id = $1`

	row := s.db.QueryRow(ctx, query, id)
	return s.scanKey(row)
}

func (s *KeyStore) CreateIfAbsent(ctx context.Context, rec *key.LicenseKey) error {
	query := `
        INSERT INTO license_keys (
            id, state, owner_email, superseded_by, usage_count, usage_limit,
            issued_at, claimed_at, revoked_at
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
    `

	_, err := s.db.Exec(ctx, query,
		rec.ID,
		rec.State,
		rec.OwnerEmail,
		rec.SupersededBy,
		rec.UsageCount,
		rec.UsageLimit,
		rec.IssuedAt,
		rec.ClaimedAt,
		rec.RevokedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			s.logger.Warn("Attempted to create duplicate license key", zap.String("constraint", pgErr.ConstraintName))
			return key.ErrExists
		}

		s.logger.Error("Failed to create license key in database", zap.Error(err))
		return fmt.Errorf("database error on create key: %w", err)
	}

	return nil
}

func (s *KeyStore) CompareAndSwapState(ctx context.Context, id string, expected key.State, upd key.Update) error {
	query := `
        UPDATE license_keys SET
            state = $3,
            owner_email = COALESCE($4, owner_email),
            superseded_by = COALESCE($5, superseded_by),
            claimed_at = COALESCE($6, claimed_at),
            revoked_at = COALESCE($7, revoked_at),
            usage_count = COALESCE($8, usage_count),
            updated_at = now()
        WHERE id = $1 AND state = $2
    `

	cmdTag, err := s.db.Exec(ctx, query,
		id,
		expected,
		upd.State,
		upd.OwnerEmail,
		upd.SupersededBy,
		upd.ClaimedAt,
		upd.RevokedAt,
		upd.UsageCount,
	)
	if err != nil {
		s.logger.Error("Failed to apply state transition", zap.String("id", id), zap.Error(err))
		return fmt.Errorf("database error on state transition: %w", err)
	}

	if cmdTag.RowsAffected() == 0 {
		// Either the row is gone or another transition won. Re-read to tell
		// the two apart for the caller.
		if _, err := s.Get(ctx, id); errors.Is(err, ierr.ErrKeyNotFound) {
			return ierr.ErrKeyNotFound
		}
		return ierr.ErrStateConflict
	}

	return nil
}

func (s *KeyStore) IncrementUsage(ctx context.Context, id string, limit int) error {
	query := `
        UPDATE license_keys SET
            usage_count = usage_count + 1,
            updated_at = now()
        WHERE id = $1 AND state = $2 AND usage_count < $3
    `

	cmdTag, err := s.db.Exec(ctx, query, id, key.StateClaimed, limit)
	if err != nil {
		s.logger.Error("Failed to increment usage count", zap.String("id", id), zap.Error(err))
		return fmt.Errorf("database error on usage increment: %w", err)
	}

	if cmdTag.RowsAffected() == 0 {
		rec, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		if rec.State != key.StateClaimed {
			return ierr.ErrStateConflict
		}
		return ierr.ErrUsageLimitExceeded
	}

	return nil
}

func (s *KeyStore) FindActiveByEmail(ctx context.Context, email string) (*key.LicenseKey, error) {
	query := `
        SELECT ` + keyColumns + `
        FROM license_keys
        WHERE owner_email = $1 AND state <> $2
        ORDER BY created_at DESC
        LIMIT 1
    `

	row := s.db.QueryRow(ctx, query, email, key.StateRevoked)
	return s.scanKey(row)
}

func (s *KeyStore) CountByState(ctx context.Context) (map[key.State]int64, error) {
	query := `SELECT state, COUNT(*) FROM license_keys GROUP BY state`

	rows, err := s.db.Query(ctx, query)
	if err != nil {
		s.logger.Error("Failed to count keys by state", zap.Error(err))
		return nil, fmt.Errorf("database error on state counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[key.State]int64)
	for rows.Next() {
		var state key.State
		var count int64
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("database scan error on state counts: %w", err)
		}
		counts[state] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("database iteration error on state counts: %w", err)
	}

	return counts, nil
}

func (s *KeyStore) ListRecoveryOrphans(ctx context.Context, limit int) ([]*key.LicenseKey, error) {
	query := `
        SELECT ` + qualifiedKeyColumns("k") + `
        FROM license_keys k
        LEFT JOIN license_keys r ON r.id = k.superseded_by
        WHERE k.state = $1 AND k.superseded_by IS NOT NULL AND r.id IS NULL
        ORDER BY k.revoked_at ASC
        LIMIT $2
    `

	rows, err := s.db.Query(ctx, query, key.StateRevoked, limit)
	if err != nil {
		s.logger.Error("Failed to list recovery orphans", zap.Error(err))
		return nil, fmt.Errorf("database error on orphan listing: %w", err)
	}
	defer rows.Close()

	orphans := make([]*key.LicenseKey, 0)
	for rows.Next() {
		rec, err := s.scanKey(rows)
		if err != nil {
			return nil, err
		}
		orphans = append(orphans, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("database iteration error on orphan listing: %w", err)
	}

	return orphans, nil
}

func (s *KeyStore) scanKey(row pgx.Row) (*key.LicenseKey, error) {
	var rec key.LicenseKey
	err := row.Scan(
		&rec.ID,
		&rec.State,
		&rec.OwnerEmail,
		&rec.SupersededBy,
		&rec.UsageCount,
		&rec.UsageLimit,
		&rec.IssuedAt,
		&rec.ClaimedAt,
		&rec.RevokedAt,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ierr.ErrKeyNotFound
		}

		s.logger.Error("Failed to scan license key row", zap.Error(err))
		return nil, fmt.Errorf("database scan error: %w", err)
	}

	return &rec, nil
}

func qualifiedKeyColumns(alias string) string {
	return alias + `.id, ` + alias + `.state, ` + alias + `.owner_email, ` + alias + `.superseded_by, ` +
		alias + `.usage_count, ` + alias + `.usage_limit, ` + alias + `.issued_at, ` + alias + `.claimed_at, ` +
		alias + `.revoked_at, ` + alias + `.created_at, ` + alias + `.updated_at`
}
