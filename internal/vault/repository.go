package vault

import (
	"context"
	"time"
)

// Record is one durable encrypted credential row. The plaintext never touches
// this type; only ciphertext and nonce are stored.
type Record struct {
	UserID     string
	Ciphertext []byte
	Nonce      []byte
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Repository is the durable store for encrypted credential records,
// one live record per user (upsert semantics).
type Repository interface {
	Upsert(ctx context.Context, rec *Record) error
	Get(ctx context.Context, userID string) (*Record, error)
	Delete(ctx context.Context, userID string) error
	Exists(ctx context.Context, userID string) (bool, error)
}
