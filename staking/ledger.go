package staking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"stakegate/auth"
)

const (
	// DefaultLockDuration is the minimum holding period before a stake
	// becomes withdrawable.
	DefaultLockDuration = 7 * 24 * time.Hour
	// DefaultMinAccrualInterval bounds how often interest is recalculated
	// for a stake.
	DefaultMinAccrualInterval = time.Hour

	defaultMinStakeCents  = 1000
	defaultAPYBasisPoints = 500
)

// Config carries ledger policy. APY and minimum stake seed the default pool
// bootstrap; they are configuration, not part of the core algorithm.
type Config struct {
	LockDuration          time.Duration
	MinAccrualInterval    time.Duration
	DefaultMinStakeCents  int64
	DefaultAPYBasisPoints int64
}

// Ledger executes the signed staking operations. Every mutating operation
// runs in a single database transaction; correctness under concurrent access
// rests on conditional updates and atomic aggregate deltas at the storage
// layer, not in-process locking, because multiple instances may run at once.
type Ledger struct {
	db    *gorm.DB
	auth  *auth.Authenticator
	cfg   Config
	nowFn func() time.Time
}

func NewLedger(db *gorm.DB, authenticator *auth.Authenticator, cfg Config, nowFn func() time.Time) *Ledger {
	if cfg.LockDuration <= 0 {
		cfg.LockDuration = DefaultLockDuration
	}
	if cfg.MinAccrualInterval <= 0 {
		cfg.MinAccrualInterval = DefaultMinAccrualInterval
	}
	if cfg.DefaultMinStakeCents <= 0 {
		cfg.DefaultMinStakeCents = defaultMinStakeCents
	}
	if cfg.DefaultAPYBasisPoints <= 0 {
		cfg.DefaultAPYBasisPoints = defaultAPYBasisPoints
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Ledger{db: db, auth: authenticator, cfg: cfg, nowFn: nowFn}
}

// verifyAndConsume runs the challenge-response check with the nonce store
// bound to the open transaction, so the consumed nonce commits or rolls back
// together with the financial write it authorizes. The message subject must
// name the acting agent: a challenge minted for one agent never authorizes an
// operation claimed for another, even under the same wallet.
func (l *Ledger) verifyAndConsume(ctx context.Context, tx *gorm.DB, agentID uuid.UUID, msg auth.Message, signature, wallet string) error {
	if !strings.EqualFold(strings.TrimSpace(msg.SubjectID), agentID.String()) {
		return auth.ErrNonceNotFound
	}
	authenticator := l.auth
	if ts, ok := authenticator.Store().(auth.TransactionalNonceStore); ok {
		authenticator = authenticator.WithStore(ts.WithTx(tx))
	}
	return authenticator.VerifyAndConsume(ctx, msg, signature, wallet)
}

// Stake creates an active staking position for the agent after validating the
// amount against the pool minimum and consuming a nonce bound to the "stake"
// operation. The insert and the pool aggregate increment share one
// transaction; concurrent stakes never serialize beyond the atomic delta.
func (l *Ledger) Stake(ctx context.Context, agentID uuid.UUID, poolID *uuid.UUID, amountCents int64, wallet, signature string, msg auth.Message) (*Stake, error) {
	if !common.IsHexAddress(strings.TrimSpace(wallet)) {
		return nil, ErrInvalidAddress
	}
	var (
		pool *Pool
		err  error
	)
	if poolID == nil {
		pool, err = l.GetOrCreateDefaultPool(ctx)
	} else {
		pool, err = l.PoolByID(ctx, *poolID)
	}
	if err != nil {
		return nil, err
	}
	if !pool.IsActive {
		return nil, ErrPoolInactive
	}
	if amountCents < pool.MinStakeAmountCents {
		return nil, &MinimumError{AmountCents: amountCents, MinimumCents: pool.MinStakeAmountCents}
	}

	now := l.nowFn().UTC()
	stake := &Stake{
		ID:               uuid.New(),
		AgentID:          agentID,
		PoolID:           pool.ID,
		AmountCents:      amountCents,
		WalletAddress:    strings.ToLower(strings.TrimSpace(wallet)),
		Status:           StakeStatusActive,
		CanUnstakeAt:     now.Add(l.cfg.LockDuration),
		LastRewardCalcAt: now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	err = l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := l.verifyAndConsume(ctx, tx, agentID, msg, signature, wallet); err != nil {
			return err
		}
		if err := tx.Create(stake).Error; err != nil {
			return fmt.Errorf("create stake: %w", err)
		}
		return applyPoolDelta(tx, pool.ID, amountCents, 1, now)
	})
	if err != nil {
		return nil, err
	}
	return stake, nil
}

// Unstake transitions an active stake to its terminal state once the
// time-lock has elapsed. The transition is a compare-and-swap on the current
// status: of two racing unstakes, exactly one succeeds and the pool
// aggregates are decremented exactly once.
func (l *Ledger) Unstake(ctx context.Context, stakeID, agentID uuid.UUID, signature string, msg auth.Message) (*Stake, error) {
	stake, err := l.StakeByID(ctx, stakeID)
	if err != nil {
		return nil, err
	}
	if stake.AgentID != agentID {
		return nil, ErrNotStakeOwner
	}
	if stake.Status != StakeStatusActive {
		return nil, ErrAlreadyUnstaked
	}
	now := l.nowFn().UTC()
	if now.Before(stake.CanUnstakeAt) {
		return nil, &LockedError{CanUnstakeAt: stake.CanUnstakeAt}
	}
	err = l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := l.verifyAndConsume(ctx, tx, agentID, msg, signature, stake.WalletAddress); err != nil {
			return err
		}
		res := tx.Model(&Stake{}).
			Where("id = ? AND status = ?", stakeID, StakeStatusActive).
			Updates(map[string]interface{}{
				"status":      StakeStatusUnstaked,
				"unstaked_at": now,
				"updated_at":  now,
			})
		if res.Error != nil {
			return fmt.Errorf("unstake: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrAlreadyUnstaked
		}
		return applyPoolDelta(tx, stake.PoolID, -stake.AmountCents, -1, now)
	})
	if err != nil {
		return nil, err
	}
	return l.StakeByID(ctx, stakeID)
}

// ClaimResult summarises a successful rewards claim.
type ClaimResult struct {
	StakeID        uuid.UUID `json:"stakeId"`
	ClaimedCents   int64     `json:"claimedCents"`
	RewardsClaimed int       `json:"rewardsClaimed"`
	ClaimedAt      time.Time `json:"claimedAt"`
}

// ClaimRewards atomically selects and claims every unclaimed reward for the
// stake, accruing pending interest first. The select holds row locks inside
// the same transaction as the claim update, so two concurrent claims resolve
// to exactly one payout and one ErrNoUnclaimedRewards.
func (l *Ledger) ClaimRewards(ctx context.Context, stakeID, agentID uuid.UUID, signature string, msg auth.Message) (*ClaimResult, error) {
	stake, err := l.StakeByID(ctx, stakeID)
	if err != nil {
		return nil, err
	}
	if stake.AgentID != agentID {
		return nil, ErrNotStakeOwner
	}
	now := l.nowFn().UTC()
	result := &ClaimResult{StakeID: stakeID, ClaimedAt: now}
	err = l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := l.verifyAndConsume(ctx, tx, agentID, msg, signature, stake.WalletAddress); err != nil {
			return err
		}
		var locked Stake
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&locked, "id = ?", stakeID).Error; err != nil {
			return fmt.Errorf("load stake: %w", err)
		}
		if locked.Status == StakeStatusActive {
			if err := l.accrueRewards(tx, &locked, now); err != nil {
				return err
			}
		}
		var rewards []Reward
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("stake_id = ? AND is_claimed = ?", stakeID, false).
			Find(&rewards).Error; err != nil {
			return fmt.Errorf("load rewards: %w", err)
		}
		if len(rewards) == 0 {
			return ErrNoUnclaimedRewards
		}
		ids := make([]uuid.UUID, 0, len(rewards))
		var total int64
		for _, reward := range rewards {
			ids = append(ids, reward.ID)
			total += reward.AmountCents
		}
		res := tx.Model(&Reward{}).
			Where("id IN ? AND is_claimed = ?", ids, false).
			Updates(map[string]interface{}{"is_claimed": true, "claimed_at": now})
		if res.Error != nil {
			return fmt.Errorf("claim rewards: %w", res.Error)
		}
		if res.RowsAffected != int64(len(ids)) {
			return ErrNoUnclaimedRewards
		}
		result.ClaimedCents = total
		result.RewardsClaimed = len(ids)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// StakeByID loads a single stake. Read paths never consume nonces or require
// signatures.
func (l *Ledger) StakeByID(ctx context.Context, stakeID uuid.UUID) (*Stake, error) {
	var stake Stake
	err := l.db.WithContext(ctx).First(&stake, "id = ?", stakeID).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return nil, ErrStakeNotFound
	case err != nil:
		return nil, fmt.Errorf("load stake: %w", err)
	}
	return &stake, nil
}

// StakesByAgent lists the agent's stakes, newest first.
func (l *Ledger) StakesByAgent(ctx context.Context, agentID uuid.UUID) ([]Stake, error) {
	var stakes []Stake
	if err := l.db.WithContext(ctx).
		Where("agent_id = ?", agentID).
		Order("created_at DESC").
		Find(&stakes).Error; err != nil {
		return nil, fmt.Errorf("list stakes: %w", err)
	}
	return stakes, nil
}

// UnclaimedRewardCents sums the outstanding rewards for a stake.
func (l *Ledger) UnclaimedRewardCents(ctx context.Context, stakeID uuid.UUID) (int64, error) {
	var total int64
	err := l.db.WithContext(ctx).Model(&Reward{}).
		Where("stake_id = ? AND is_claimed = ?", stakeID, false).
		Select("COALESCE(SUM(amount_cents), 0)").
		Scan(&total).Error
	if err != nil {
		return 0, fmt.Errorf("sum rewards: %w", err)
	}
	return total, nil
}
