package pooldist

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// StakeStatus mirrors on-chain confirmation of the transfer funding a stake.
type StakeStatus string

const (
	StakePending StakeStatus = "PENDING"
	StakeActive  StakeStatus = "ACTIVE"
	StakeError   StakeStatus = "ERROR"
)

// Role discriminates pool participants; the creator carries the fixed bonus.
type Role string

const (
	RoleCreator Role = "CREATOR"
	RoleStaker  Role = "STAKER"
)

// Pool is a funded group accumulating volume from its creator and stakers.
type Pool struct {
	ID            uuid.UUID
	Creator       string
	InitialVolume decimal.Decimal
	Active        bool
	RoundEndedAt  *time.Time
	CreatedAt     time.Time
}

// Stake records a wallet's contribution volume to a pool.
type Stake struct {
	ID           uuid.UUID
	PoolID       uuid.UUID
	Wallet       string
	Volume       decimal.Decimal
	Status       StakeStatus
	RoundEndedAt *time.Time
	CreatedAt    time.Time
}

// Participant is one distribution-run entry, built once per run rather than
// branching on identity checks inside the algorithm.
type Participant struct {
	Wallet string
	Role   Role
	Volume decimal.Decimal
}

// Reward is one computed payout row tagged to the funding token.
type Reward struct {
	Token  string
	PoolID uuid.UUID
	Wallet string
	Role   Role
	Amount decimal.Decimal
}

// PoolOutcome summarises one pool's slice of a distribution run.
type PoolOutcome struct {
	PoolID      uuid.UUID
	Volume      decimal.Decimal
	Share       decimal.Decimal
	Distributed decimal.Decimal
	Rewards     []Reward
}

// Outcome summarises a full distribution run for one funding token.
type Outcome struct {
	Token       string
	Allocation  decimal.Decimal
	TotalVolume decimal.Decimal
	Distributed decimal.Decimal
	Pools       []PoolOutcome
	Skipped     bool
	Reason      string
	RoundsClose int
}

// Store describes the persistence the distributor needs. Reward insertion and
// the terminal token marker must be atomic with respect to re-runs.
type Store interface {
	ActivePools(ctx context.Context) ([]Pool, error)
	ActiveStakes(ctx context.Context, poolID uuid.UUID) ([]Stake, error)
	TokenProcessed(ctx context.Context, token string) (bool, error)
	MarkTokenProcessed(ctx context.Context, token string, allocation decimal.Decimal) error
	InsertRewards(ctx context.Context, rewards []Reward) error

	// CloseOpenRounds stamps every pool and stake with a null round-end
	// marker and snapshots their volumes into round details. Already-closed
	// records are skipped; the call is idempotent. It returns the number of
	// records closed.
	CloseOpenRounds(ctx context.Context, now time.Time) (int, error)
}
