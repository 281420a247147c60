package vault

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/chastnik/mm-bot-jira2excel/internal/common"
	"github.com/chastnik/mm-bot-jira2excel/internal/dbx"
)

// PostgresRepository stores encrypted credential records in Postgres.
type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Upsert(ctx context.Context, rec *Record) error {
	query :=
		`INSERT INTO credentials (user_id, ciphertext, nonce, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $4)
		 ON CONFLICT (user_id) DO UPDATE
		 SET ciphertext = EXCLUDED.ciphertext,
		     nonce      = EXCLUDED.nonce,
		     updated_at = EXCLUDED.updated_at
		 `

	_, err := r.db.ExecContext(ctx, query,
		rec.UserID, rec.Ciphertext, rec.Nonce, rec.UpdatedAt)

	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrVaultUnavailable, err)
	}

	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, userID string) (*Record, error) {
	query :=
		`SELECT user_id, ciphertext, nonce, created_at, updated_at FROM credentials
		 WHERE user_id = $1
		 `

	rec := &Record{}
	err := r.db.QueryRowContext(ctx, query, userID).Scan(
		&rec.UserID, &rec.Ciphertext, &rec.Nonce, &rec.CreatedAt, &rec.UpdatedAt)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", common.ErrVaultUnavailable, err)
	}

	return rec, nil
}

func (r *PostgresRepository) Delete(ctx context.Context, userID string) error {
	query := `DELETE FROM credentials WHERE user_id = $1`

	// Deleting a missing record is not an error.
	_, err := r.db.ExecContext(ctx, query, userID)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrVaultUnavailable, err)
	}

	return nil
}

func (r *PostgresRepository) Exists(ctx context.Context, userID string) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM credentials WHERE user_id = $1)`

	var exists bool
	err := r.db.QueryRowContext(ctx, query, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("%w: %v", common.ErrVaultUnavailable, err)
	}

	return exists, nil
}
