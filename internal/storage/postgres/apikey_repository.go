package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/makkenzo/keygate/internal/domain/apikey"
	"github.com/makkenzo/keygate/internal/ierr"
	"go.uber.org/zap"
)

type APIKeyRepository struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

var _ apikey.Repository = (*APIKeyRepository)(nil)

func NewAPIKeyRepository(db *pgxpool.Pool, logger *zap.Logger) *APIKeyRepository {
	return &APIKeyRepository{
		db:     db,
		logger: logger.Named("APIKeyRepository"),
	}
}

func (r *APIKeyRepository) Create(ctx context.Context, k *apikey.APIKey) (uuid.UUID, error) {
	query := `
        INSERT INTO api_keys (key_hash, prefix, description, is_enabled)
        VALUES ($1, $2, $3, $4)
        RETURNING id
    `

	var insertedID uuid.UUID
	err := r.db.QueryRow(ctx, query, k.KeyHash, k.Prefix, k.Description, k.IsEnabled).Scan(&insertedID)
	if err != nil {
		r.logger.Error("Failed to create api key in database", zap.Error(err))
		return uuid.Nil, fmt.Errorf("database error on create api key: %w", err)
	}

	return insertedID, nil
}

func (r *APIKeyRepository) FindByPrefix(ctx context.Context, prefix string) (*apikey.APIKey, error) {
	query := `
        SELECT id, key_hash, prefix, description, is_enabled, created_at, last_used_at
        FROM api_keys
        WHERE prefix = $1 AND is_enabled = TRUE
    `

	var k apikey.APIKey
	err := r.db.QueryRow(ctx, query, prefix).Scan(
		&k.ID,
		&k.KeyHash,
		&k.Prefix,
		&k.Description,
		&k.IsEnabled,
		&k.CreatedAt,
		&k.LastUsedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ierr.ErrAPIKeyNotFound
		}

		r.logger.Error("Failed to find api key by prefix", zap.String("prefix", prefix), zap.Error(err))
		return nil, fmt.Errorf("database error on find api key: %w", err)
	}

	return &k, nil
}

func (r *APIKeyRepository) List(ctx context.Context) ([]*apikey.APIKey, error) {
	query := `
        SELECT id, key_hash, prefix, description, is_enabled, created_at, last_used_at
        FROM api_keys
        ORDER BY created_at DESC
    `

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		r.logger.Error("Failed to query list of api keys", zap.Error(err))
		return nil, fmt.Errorf("database error on list api keys: %w", err)
	}
	defer rows.Close()

	keys := make([]*apikey.APIKey, 0)
	for rows.Next() {
		var k apikey.APIKey
		if err := rows.Scan(&k.ID, &k.KeyHash, &k.Prefix, &k.Description, &k.IsEnabled, &k.CreatedAt, &k.LastUsedAt); err != nil {
			return nil, fmt.Errorf("database scan error during api key list: %w", err)
		}
		keys = append(keys, &k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("database iteration error on list api keys: %w", err)
	}

	return keys, nil
}

func (r *APIKeyRepository) Disable(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE api_keys SET is_enabled = FALSE WHERE id = $1`

	cmdTag, err := r.db.Exec(ctx, query, id)
	if err != nil {
		r.logger.Error("Failed to disable api key", zap.String("id", id.String()), zap.Error(err))
		return fmt.Errorf("database error on disable api key: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ierr.ErrAPIKeyNotFound
	}

	return nil
}

func (r *APIKeyRepository) UpdateLastUsed(ctx context.Context, id uuid.UUID, lastUsed time.Time) error {
	query := `UPDATE api_keys SET last_used_at = $2 WHERE id = $1`

	if _, err := r.db.Exec(ctx, query, id, lastUsed); err != nil {
		return fmt.Errorf("database error on update api key last used: %w", err)
	}
	return nil
}
