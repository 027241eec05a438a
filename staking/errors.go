package staking

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidAddress     = errors.New("invalid wallet address")
	ErrBelowMinimum       = errors.New("amount below pool minimum")
	ErrPoolNotFound       = errors.New("staking pool not found")
	ErrPoolInactive       = errors.New("staking pool is not active")
	ErrStakeNotFound      = errors.New("stake not found")
	ErrNotStakeOwner      = errors.New("stake belongs to another agent")
	ErrStakeLocked        = errors.New("stake is still time-locked")
	ErrAlreadyUnstaked    = errors.New("stake already unstaked")
	ErrNoUnclaimedRewards = errors.New("no unclaimed rewards")
)

// MinimumError reports a stake attempt below the pool minimum.
type MinimumError struct {
	AmountCents  int64
	MinimumCents int64
}

func (e *MinimumError) Error() string {
	return fmt.Sprintf("amount %d below pool minimum %d", e.AmountCents, e.MinimumCents)
}

func (e *MinimumError) Unwrap() error { return ErrBelowMinimum }

// LockedError reports a premature unstake together with the earliest time the
// stake becomes withdrawable.
type LockedError struct {
	CanUnstakeAt time.Time
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("cannot unstake before %s", e.CanUnstakeAt.UTC().Format(time.RFC3339))
}

func (e *LockedError) Unwrap() error { return ErrStakeLocked }
