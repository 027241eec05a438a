package staking

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"stakegate/auth"
)

// StakeStatus is the lifecycle state of a stake. The only transition is
// active -> unstaked; a terminal row is immutable history.
type StakeStatus string

const (
	StakeStatusActive   StakeStatus = "active"
	StakeStatusUnstaked StakeStatus = "unstaked"
)

// Pool holds staking configuration together with aggregate statistics that
// are maintained transactionally alongside stake transitions, never
// recomputed from a scan on the hot path.
type Pool struct {
	ID                  uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	IsDefault           bool      `gorm:"uniqueIndex:uniq_default_pool,where:is_default = true" json:"isDefault"`
	IsActive            bool      `gorm:"index" json:"isActive"`
	MinStakeAmountCents int64     `gorm:"not null" json:"minStakeAmountCents"`
	APYBasisPoints      int64     `gorm:"not null" json:"apyBasisPoints"`
	TotalStakedCents    int64     `gorm:"not null" json:"totalStakedCents"`
	TotalStakesCount    int64     `gorm:"not null" json:"totalStakesCount"`
	CreatedAt           time.Time `json:"createdAt"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

// Stake is a single staking position. Amounts are integer minor-currency
// units. Rows are never deleted: the status transition is the audit trail.
type Stake struct {
	ID                 uuid.UUID   `gorm:"type:uuid;primaryKey" json:"id"`
	AgentID            uuid.UUID   `gorm:"type:uuid;index" json:"agentId"`
	PoolID             uuid.UUID   `gorm:"type:uuid;index" json:"poolId"`
	AmountCents        int64       `gorm:"not null" json:"amountCents"`
	WalletAddress      string      `gorm:"size:64;index" json:"walletAddress"`
	Status             StakeStatus `gorm:"size:16;index" json:"status"`
	CanUnstakeAt       time.Time   `json:"canUnstakeAt"`
	EarnedRewardsCents int64       `gorm:"not null" json:"earnedRewardsCents"`
	LastRewardCalcAt   time.Time   `json:"lastRewardCalcAt"`
	UnstakedAt         *time.Time  `json:"unstakedAt,omitempty"`
	CreatedAt          time.Time   `json:"createdAt"`
	UpdatedAt          time.Time   `json:"updatedAt"`
}

// Reward is an accrued, initially unclaimed interest payment for a stake. It
// transitions isClaimed false -> true exactly once.
type Reward struct {
	ID           uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	StakeID      uuid.UUID  `gorm:"type:uuid;index" json:"stakeId"`
	AgentID      uuid.UUID  `gorm:"type:uuid;index" json:"agentId"`
	PoolID       uuid.UUID  `gorm:"type:uuid;index" json:"poolId"`
	AmountCents  int64      `gorm:"not null" json:"amountCents"`
	CalculatedAt time.Time  `json:"calculatedAt"`
	IsClaimed    bool       `gorm:"index" json:"isClaimed"`
	ClaimedAt    *time.Time `json:"claimedAt,omitempty"`
}

// AutoMigrate performs all schema migrations for the service, including the
// nonce table shared with the authenticator.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&auth.Nonce{},
		&Pool{},
		&Stake{},
		&Reward{},
	)
}
