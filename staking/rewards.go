package staking

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const secondsPerYear = 365 * 24 * 60 * 60

// accrueRewards books the interest earned since the stake's calculation
// watermark. Callers must hold the stake row lock inside tx. An elapsed
// window below the minimum accrual interval is a no-op, not an error. The
// reward insert and the watermark advance share the transaction, so a crash
// mid-calculation never produces a reward without moving the watermark or
// vice versa.
func (l *Ledger) accrueRewards(tx *gorm.DB, stake *Stake, now time.Time) error {
	elapsed := now.Sub(stake.LastRewardCalcAt)
	if elapsed < l.cfg.MinAccrualInterval {
		return nil
	}
	var pool Pool
	if err := tx.First(&pool, "id = ?", stake.PoolID).Error; err != nil {
		return fmt.Errorf("load pool: %w", err)
	}
	amount := rewardCents(stake.AmountCents, pool.APYBasisPoints, int64(elapsed/time.Second))
	if amount > 0 {
		reward := Reward{
			ID:           uuid.New(),
			StakeID:      stake.ID,
			AgentID:      stake.AgentID,
			PoolID:       stake.PoolID,
			AmountCents:  amount,
			CalculatedAt: now,
		}
		if err := tx.Create(&reward).Error; err != nil {
			return fmt.Errorf("create reward: %w", err)
		}
	}
	res := tx.Model(&Stake{}).Where("id = ?", stake.ID).Updates(map[string]interface{}{
		"earned_rewards_cents": gorm.Expr("earned_rewards_cents + ?", amount),
		"last_reward_calc_at":  now,
		"updated_at":           now,
	})
	if res.Error != nil {
		return fmt.Errorf("advance reward watermark: %w", res.Error)
	}
	stake.EarnedRewardsCents += amount
	stake.LastRewardCalcAt = now
	return nil
}

// rewardCents computes amountCents * apyBasisPoints / 10000 * elapsedSeconds
// / secondsPerYear, floored to whole cents. The intermediate product runs
// through big.Int so large positions cannot overflow int64.
func rewardCents(amountCents, apyBasisPoints, elapsedSeconds int64) int64 {
	if amountCents <= 0 || apyBasisPoints <= 0 || elapsedSeconds <= 0 {
		return 0
	}
	numerator := new(big.Int).Mul(big.NewInt(amountCents), big.NewInt(apyBasisPoints))
	numerator.Mul(numerator, big.NewInt(elapsedSeconds))
	denominator := big.NewInt(10000 * int64(secondsPerYear))
	return new(big.Int).Quo(numerator, denominator).Int64()
}

// CalculateRewards runs a standalone accrual pass for the stake inside its
// own transaction. Terminal stakes are skipped silently; read paths invoke
// this opportunistically.
func (l *Ledger) CalculateRewards(ctx context.Context, stakeID uuid.UUID) error {
	now := l.nowFn().UTC()
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var stake Stake
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&stake, "id = ?", stakeID).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return ErrStakeNotFound
		case err != nil:
			return fmt.Errorf("load stake: %w", err)
		}
		if stake.Status != StakeStatusActive {
			return nil
		}
		return l.accrueRewards(tx, &stake, now)
	})
}
