package staking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GetOrCreateDefaultPool bootstraps the singleton default pool with baseline
// configuration. The partial unique index on is_default makes the insert
// race-safe across concurrent cold starts: losers of the insert race fall
// through to the select and observe the winner's row.
func (l *Ledger) GetOrCreateDefaultPool(ctx context.Context) (*Pool, error) {
	now := l.nowFn().UTC()
	pool := Pool{
		ID:                  uuid.New(),
		IsDefault:           true,
		IsActive:            true,
		MinStakeAmountCents: l.cfg.DefaultMinStakeCents,
		APYBasisPoints:      l.cfg.DefaultAPYBasisPoints,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := l.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&pool).Error; err != nil {
		return nil, fmt.Errorf("bootstrap default pool: %w", err)
	}
	var existing Pool
	if err := l.db.WithContext(ctx).First(&existing, "is_default = ?", true).Error; err != nil {
		return nil, fmt.Errorf("load default pool: %w", err)
	}
	return &existing, nil
}

// ActivePools lists every pool currently accepting stakes.
func (l *Ledger) ActivePools(ctx context.Context) ([]Pool, error) {
	var pools []Pool
	if err := l.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("created_at ASC").
		Find(&pools).Error; err != nil {
		return nil, fmt.Errorf("list pools: %w", err)
	}
	return pools, nil
}

// PoolByID loads a pool or reports ErrPoolNotFound.
func (l *Ledger) PoolByID(ctx context.Context, poolID uuid.UUID) (*Pool, error) {
	var pool Pool
	err := l.db.WithContext(ctx).First(&pool, "id = ?", poolID).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return nil, ErrPoolNotFound
	case err != nil:
		return nil, fmt.Errorf("load pool: %w", err)
	}
	return &pool, nil
}

// applyPoolDelta adjusts the pool aggregates with atomic in-database
// increments, never read-modify-write, as part of the surrounding stake
// transaction.
func applyPoolDelta(tx *gorm.DB, poolID uuid.UUID, stakedDelta, countDelta int64, now time.Time) error {
	res := tx.Model(&Pool{}).Where("id = ?", poolID).Updates(map[string]interface{}{
		"total_staked_cents": gorm.Expr("total_staked_cents + ?", stakedDelta),
		"total_stakes_count": gorm.Expr("total_stakes_count + ?", countDelta),
		"updated_at":         now,
	})
	if res.Error != nil {
		return fmt.Errorf("update pool aggregates: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrPoolNotFound
	}
	return nil
}
