package storage

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// AffiliateTree is one root-wallet commission hierarchy.
type AffiliateTree struct {
	ID           uuid.UUID       `gorm:"type:uuid;primaryKey"`
	RootWallet   string          `gorm:"size:128;uniqueIndex"`
	TotalPercent decimal.Decimal `gorm:"type:decimal(10,5);not null"`
	Active       bool            `gorm:"not null;default:true"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// AffiliateNode is a wallet's membership record inside a tree. ParentWallet
// is empty for the root. Rows are never hard-deleted.
type AffiliateNode struct {
	ID            uuid.UUID       `gorm:"type:uuid;primaryKey"`
	TreeID        uuid.UUID       `gorm:"type:uuid;index"`
	Wallet        string          `gorm:"size:128;uniqueIndex"`
	ParentWallet  string          `gorm:"size:128;index"`
	Percent       decimal.Decimal `gorm:"type:decimal(10,5);not null"`
	Active        bool            `gorm:"not null;default:true"`
	EffectiveFrom time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Referral records the traditional flat referral graph used when a wallet
// belongs to no tree.
type Referral struct {
	Wallet    string `gorm:"size:128;primaryKey"`
	Referrer  string `gorm:"size:128;index"`
	CreatedAt time.Time
}

// CommissionReward is one distribution row produced by the commission
// calculator. A row is linked to at most one withdrawal request at a time;
// once linked it is excluded from aggregation until the link is cleared or
// finalised.
type CommissionReward struct {
	ID           uuid.UUID       `gorm:"type:uuid;primaryKey"`
	OrderRef     string          `gorm:"size:128;index"`
	Wallet       string          `gorm:"size:128;index"`
	Level        int             `gorm:"not null"`
	Source       string          `gorm:"size:16"`
	Percent      decimal.Decimal `gorm:"type:decimal(10,5)"`
	Amount       decimal.Decimal `gorm:"type:decimal(30,10);not null"`
	Asset        string          `gorm:"size:32;index"`
	WithdrawalID *uuid.UUID      `gorm:"type:uuid;index"`
	Withdrawn    bool            `gorm:"not null;default:false;index"`
	CreatedAt    time.Time
}

// PoolReward is one distribution row produced by a pool distribution run.
type PoolReward struct {
	ID           uuid.UUID       `gorm:"type:uuid;primaryKey"`
	Token        string          `gorm:"size:64;index"`
	PoolID       uuid.UUID       `gorm:"type:uuid;index"`
	Wallet       string          `gorm:"size:128;index"`
	Role         string          `gorm:"size:16"`
	Amount       decimal.Decimal `gorm:"type:decimal(30,10);not null"`
	WithdrawalID *uuid.UUID      `gorm:"type:uuid;index"`
	Withdrawn    bool            `gorm:"not null;default:false;index"`
	CreatedAt    time.Time
}

// RewardPool is a funded group accumulating creator and staker volume.
type RewardPool struct {
	ID            uuid.UUID       `gorm:"type:uuid;primaryKey"`
	Creator       string          `gorm:"size:128;index"`
	InitialVolume decimal.Decimal `gorm:"type:decimal(30,10);not null"`
	Active        bool            `gorm:"not null;default:true"`
	Status        string          `gorm:"size:16;index"`
	TxRef         string          `gorm:"size:128"`
	RoundEndedAt  *time.Time      `gorm:"index"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// PoolStake records a wallet's contribution to a pool; Status mirrors
// on-chain confirmation of the funding transfer.
type PoolStake struct {
	ID           uuid.UUID       `gorm:"type:uuid;primaryKey"`
	PoolID       uuid.UUID       `gorm:"type:uuid;index"`
	Wallet       string          `gorm:"size:128;index"`
	Volume       decimal.Decimal `gorm:"type:decimal(30,10);not null"`
	Status       string          `gorm:"size:16;index"`
	TxRef        string          `gorm:"size:128"`
	RoundEndedAt *time.Time      `gorm:"index"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// PoolRound snapshots a pool's volume when an active round is closed out.
type PoolRound struct {
	ID       uuid.UUID       `gorm:"type:uuid;primaryKey"`
	PoolID   uuid.UUID       `gorm:"type:uuid;index"`
	Volume   decimal.Decimal `gorm:"type:decimal(30,10);not null"`
	Stakes   int             `gorm:"not null"`
	ClosedAt time.Time       `gorm:"index"`
}

// TokenDistribution is the terminal marker preventing a funding token from
// being distributed twice.
type TokenDistribution struct {
	Token       string          `gorm:"size:64;primaryKey"`
	Allocation  decimal.Decimal `gorm:"type:decimal(30,10)"`
	ProcessedAt time.Time
}

// WithdrawalRequest is one settlement attempt aggregating reward rows.
type WithdrawalRequest struct {
	ID          uuid.UUID       `gorm:"type:uuid;primaryKey"`
	Wallet      string          `gorm:"size:128;index"`
	Asset       string          `gorm:"size:32"`
	AmountAsset decimal.Decimal `gorm:"type:decimal(30,10);not null"`
	AmountUSD   decimal.Decimal `gorm:"type:decimal(30,10);not null"`
	Status      string          `gorm:"size:16;index"`
	Deadline    time.Time       `gorm:"index"`
	TxRef       string          `gorm:"size:128"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// WalletStat aggregates trade volume and count per wallet for hierarchy views.
type WalletStat struct {
	Wallet       string          `gorm:"size:128;primaryKey"`
	Volume       decimal.Decimal `gorm:"type:decimal(30,10);not null"`
	Transactions int64           `gorm:"not null"`
	UpdatedAt    time.Time
}

// PayoutAddress maps a wallet to its on-chain settlement destination.
type PayoutAddress struct {
	Wallet    string `gorm:"size:128;primaryKey"`
	Address   string `gorm:"size:128;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&AffiliateTree{},
		&AffiliateNode{},
		&Referral{},
		&CommissionReward{},
		&PoolReward{},
		&RewardPool{},
		&PoolStake{},
		&PoolRound{},
		&TokenDistribution{},
		&WithdrawalRequest{},
		&WalletStat{},
		&PayoutAddress{},
	)
}
