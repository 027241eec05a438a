package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// TransactionalNonceStore is implemented by stores that can participate in a
// caller-managed database transaction, letting nonce consumption commit or
// roll back together with the financial write it authorizes.
type TransactionalNonceStore interface {
	NonceStore
	WithTx(tx *gorm.DB) NonceStore
}

// GormNonceStore persists challenges through the shared gorm handle.
type GormNonceStore struct {
	db *gorm.DB
}

func NewGormNonceStore(db *gorm.DB) *GormNonceStore {
	return &GormNonceStore{db: db}
}

// WithTx rebinds the store to an open transaction.
func (s *GormNonceStore) WithTx(tx *gorm.DB) NonceStore {
	return &GormNonceStore{db: tx}
}

func (s *GormNonceStore) Insert(ctx context.Context, nonce *Nonce) error {
	if err := s.db.WithContext(ctx).Create(nonce).Error; err != nil {
		return fmt.Errorf("insert nonce: %w", err)
	}
	return nil
}

func (s *GormNonceStore) Find(ctx context.Context, token string) (*Nonce, error) {
	var nonce Nonce
	err := s.db.WithContext(ctx).First(&nonce, "token = ?", token).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return nil, ErrNonceNotFound
	case err != nil:
		return nil, fmt.Errorf("load nonce: %w", err)
	}
	return &nonce, nil
}

// Consume marks the challenge used with a single conditional update, never a
// read-then-write, so two concurrent submissions of the same token can never
// both succeed.
func (s *GormNonceStore) Consume(ctx context.Context, token string, now time.Time) error {
	res := s.db.WithContext(ctx).Model(&Nonce{}).
		Where("token = ? AND consumed_at IS NULL AND expires_at > ?", token, now).
		Update("consumed_at", now)
	if res.Error != nil {
		return fmt.Errorf("consume nonce: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNonceNotFound
	}
	return nil
}

func (s *GormNonceStore) PruneExpired(ctx context.Context, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("expires_at <= ?", now).Delete(&Nonce{})
	if res.Error != nil {
		return 0, fmt.Errorf("prune nonces: %w", res.Error)
	}
	return res.RowsAffected, nil
}
