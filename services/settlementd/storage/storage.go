package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"affilnet/native/affiliate"
	"affilnet/native/pooldist"
)

// ErrNoRewards is returned when an aggregation finds nothing to withdraw.
var ErrNoRewards = errors.New("storage: no aggregatable rewards")

// ErrRewardsClaimed is returned when rows selected for aggregation were
// claimed by another request before linking completed.
var ErrRewardsClaimed = errors.New("storage: rewards claimed concurrently")

// Store wraps the settlement persistence layer. It implements the affiliate
// and pooldist store interfaces over one relational schema.
type Store struct {
	db *gorm.DB
}

// Open connects to Postgres using the supplied DSN and applies migrations.
func Open(dsn string) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("storage: dsn must be configured")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("storage: open database: %w", err)
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("storage: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// NewWithDB wraps an already-opened gorm handle. Tests use this with sqlite.
func NewWithDB(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("storage: db required")
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("storage: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// DB exposes the underlying handle for report queries.
func (s *Store) DB() *gorm.DB { return s.db }

// --- affiliate.Store ---

// TreeByRoot resolves the tree rooted at the wallet, or (nil, nil) if absent.
func (s *Store) TreeByRoot(ctx context.Context, rootWallet string) (*affiliate.Tree, error) {
	var row AffiliateTree
	err := s.db.WithContext(ctx).Where("root_wallet = ?", rootWallet).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: query tree: %w", err)
	}
	return treeFromRow(row), nil
}

// TreeByID resolves a tree by id, or (nil, nil) if absent.
func (s *Store) TreeByID(ctx context.Context, id uuid.UUID) (*affiliate.Tree, error) {
	var row AffiliateTree
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: query tree: %w", err)
	}
	return treeFromRow(row), nil
}

// NodeByWallet resolves the node for a wallet, or (nil, nil) if absent.
func (s *Store) NodeByWallet(ctx context.Context, wallet string) (*affiliate.Node, error) {
	var row AffiliateNode
	err := s.db.WithContext(ctx).Where("wallet = ?", wallet).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: query node: %w", err)
	}
	return nodeFromRow(row), nil
}

// NodesByTree loads every node of a tree.
func (s *Store) NodesByTree(ctx context.Context, treeID uuid.UUID) ([]affiliate.Node, error) {
	var rows []AffiliateNode
	if err := s.db.WithContext(ctx).Where("tree_id = ?", treeID).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("storage: query nodes: %w", err)
	}
	nodes := make([]affiliate.Node, 0, len(rows))
	for _, row := range rows {
		nodes = append(nodes, *nodeFromRow(row))
	}
	return nodes, nil
}

// CreateTree persists a tree and its root node atomically.
func (s *Store) CreateTree(ctx context.Context, tree *affiliate.Tree, root *affiliate.Node) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(treeToRow(tree)).Error; err != nil {
			return fmt.Errorf("storage: insert tree: %w", err)
		}
		if err := tx.Create(nodeToRow(root)).Error; err != nil {
			return fmt.Errorf("storage: insert root node: %w", err)
		}
		return nil
	})
}

// CreateNode persists a member node.
func (s *Store) CreateNode(ctx context.Context, node *affiliate.Node) error {
	if err := s.db.WithContext(ctx).Create(nodeToRow(node)).Error; err != nil {
		return fmt.Errorf("storage: insert node: %w", err)
	}
	return nil
}

// UpdateTreePercent adjusts the tree ceiling and keeps the root node in sync.
func (s *Store) UpdateTreePercent(ctx context.Context, treeID uuid.UUID, percent decimal.Decimal) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&AffiliateTree{}).Where("id = ?", treeID).
			Update("total_percent", percent).Error; err != nil {
			return fmt.Errorf("storage: update tree percent: %w", err)
		}
		if err := tx.Model(&AffiliateNode{}).Where("tree_id = ? AND parent_wallet = ''", treeID).
			Update("percent", percent).Error; err != nil {
			return fmt.Errorf("storage: update root node percent: %w", err)
		}
		return nil
	})
}

// UpdateNodeStatus toggles a node's active flag.
func (s *Store) UpdateNodeStatus(ctx context.Context, wallet string, active bool) error {
	result := s.db.WithContext(ctx).Model(&AffiliateNode{}).Where("wallet = ?", wallet).
		Update("active", active)
	if result.Error != nil {
		return fmt.Errorf("storage: update node status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return affiliate.ErrNodeNotFound
	}
	return nil
}

// ReferrerOf resolves the traditional referral graph; "" when none.
func (s *Store) ReferrerOf(ctx context.Context, wallet string) (string, error) {
	var row Referral
	err := s.db.WithContext(ctx).Where("wallet = ?", wallet).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("storage: query referral: %w", err)
	}
	return row.Referrer, nil
}

// SetReferrer records a traditional referral edge.
func (s *Store) SetReferrer(ctx context.Context, wallet, referrer string) error {
	row := Referral{Wallet: wallet, Referrer: referrer, CreatedAt: time.Now().UTC()}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "wallet"}},
		DoUpdates: clause.AssignmentColumns([]string{"referrer"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("storage: upsert referral: %w", err)
	}
	return nil
}

// WalletStats returns the aggregate counters for a wallet.
func (s *Store) WalletStats(ctx context.Context, wallet string) (affiliate.WalletStats, error) {
	var row WalletStat
	err := s.db.WithContext(ctx).Where("wallet = ?", wallet).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return affiliate.WalletStats{Volume: decimal.Zero}, nil
	}
	if err != nil {
		return affiliate.WalletStats{}, fmt.Errorf("storage: query wallet stats: %w", err)
	}
	return affiliate.WalletStats{Volume: row.Volume, Transactions: row.Transactions}, nil
}

// RecordTrade folds a trade into the wallet's aggregate counters.
func (s *Store) RecordTrade(ctx context.Context, wallet string, volume decimal.Decimal) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row WalletStat
		err := tx.Where("wallet = ?", wallet).First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			row = WalletStat{Wallet: wallet, Volume: volume, Transactions: 1, UpdatedAt: time.Now().UTC()}
			return tx.Create(&row).Error
		}
		if err != nil {
			return err
		}
		row.Volume = row.Volume.Add(volume)
		row.Transactions++
		row.UpdatedAt = time.Now().UTC()
		return tx.Save(&row).Error
	})
}

// InsertCommissions persists calculator output as reward rows.
func (s *Store) InsertCommissions(ctx context.Context, entries []affiliate.Commission) error {
	if len(entries) == 0 {
		return nil
	}
	rows := make([]CommissionReward, 0, len(entries))
	now := time.Now().UTC()
	for _, entry := range entries {
		rows = append(rows, CommissionReward{
			ID:        uuid.New(),
			OrderRef:  entry.OrderRef,
			Wallet:    entry.Wallet,
			Level:     entry.Level,
			Source:    string(entry.Source),
			Percent:   entry.Percent,
			Amount:    entry.Amount,
			Asset:     entry.Asset,
			CreatedAt: now,
		})
	}
	if err := s.db.WithContext(ctx).Create(&rows).Error; err != nil {
		return fmt.Errorf("storage: insert commissions: %w", err)
	}
	return nil
}

// --- pooldist.Store ---

// ActivePools loads every active pool.
func (s *Store) ActivePools(ctx context.Context) ([]pooldist.Pool, error) {
	var rows []RewardPool
	if err := s.db.WithContext(ctx).Where("active = ?", true).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("storage: query pools: %w", err)
	}
	pools := make([]pooldist.Pool, 0, len(rows))
	for _, row := range rows {
		pools = append(pools, pooldist.Pool{
			ID:            row.ID,
			Creator:       row.Creator,
			InitialVolume: row.InitialVolume,
			Active:        row.Active,
			RoundEndedAt:  row.RoundEndedAt,
			CreatedAt:     row.CreatedAt,
		})
	}
	return pools, nil
}

// ActiveStakes loads a pool's stakes regardless of status; the distributor
// filters for ACTIVE.
func (s *Store) ActiveStakes(ctx context.Context, poolID uuid.UUID) ([]pooldist.Stake, error) {
	var rows []PoolStake
	if err := s.db.WithContext(ctx).Where("pool_id = ?", poolID).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("storage: query stakes: %w", err)
	}
	stakes := make([]pooldist.Stake, 0, len(rows))
	for _, row := range rows {
		stakes = append(stakes, pooldist.Stake{
			ID:           row.ID,
			PoolID:       row.PoolID,
			Wallet:       row.Wallet,
			Volume:       row.Volume,
			Status:       pooldist.StakeStatus(row.Status),
			RoundEndedAt: row.RoundEndedAt,
			CreatedAt:    row.CreatedAt,
		})
	}
	return stakes, nil
}

// TokenProcessed reports whether the funding token already carries a terminal
// distribution marker.
func (s *Store) TokenProcessed(ctx context.Context, token string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&TokenDistribution{}).
		Where("token = ?", token).Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("storage: query token marker: %w", err)
	}
	return count > 0, nil
}

// MarkTokenProcessed stamps the terminal marker for a token.
func (s *Store) MarkTokenProcessed(ctx context.Context, token string, allocation decimal.Decimal) error {
	row := TokenDistribution{Token: token, Allocation: allocation, ProcessedAt: time.Now().UTC()}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "token"}},
		DoUpdates: clause.AssignmentColumns([]string{"allocation", "processed_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("storage: mark token: %w", err)
	}
	return nil
}

// InsertRewards persists distributor output as pool reward rows.
func (s *Store) InsertRewards(ctx context.Context, rewards []pooldist.Reward) error {
	if len(rewards) == 0 {
		return nil
	}
	rows := make([]PoolReward, 0, len(rewards))
	now := time.Now().UTC()
	for _, reward := range rewards {
		rows = append(rows, PoolReward{
			ID:        uuid.New(),
			Token:     reward.Token,
			PoolID:    reward.PoolID,
			Wallet:    reward.Wallet,
			Role:      string(reward.Role),
			Amount:    reward.Amount,
			CreatedAt: now,
		})
	}
	if err := s.db.WithContext(ctx).Create(&rows).Error; err != nil {
		return fmt.Errorf("storage: insert pool rewards: %w", err)
	}
	return nil
}

// CloseOpenRounds stamps every pool and stake still carrying a null round-end
// marker and snapshots pool volumes into round details. Already-closed rows
// are left untouched, so repeat calls within one active round are no-ops.
func (s *Store) CloseOpenRounds(ctx context.Context, now time.Time) (int, error) {
	closed := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var pools []RewardPool
		if err := tx.Where("active = ? AND round_ended_at IS NULL", true).Find(&pools).Error; err != nil {
			return fmt.Errorf("storage: query open pools: %w", err)
		}
		for i := range pools {
			pool := &pools[i]
			var stakes []PoolStake
			if err := tx.Where("pool_id = ? AND status = ? AND round_ended_at IS NULL",
				pool.ID, string(pooldist.StakeActive)).Find(&stakes).Error; err != nil {
				return fmt.Errorf("storage: query open stakes: %w", err)
			}
			volume := pool.InitialVolume
			for j := range stakes {
				stake := &stakes[j]
				volume = volume.Add(stake.Volume)
				stake.RoundEndedAt = &now
				if err := tx.Model(&PoolStake{}).Where("id = ?", stake.ID).
					Update("round_ended_at", now).Error; err != nil {
					return fmt.Errorf("storage: close stake round: %w", err)
				}
				closed++
			}
			round := PoolRound{
				ID:       uuid.New(),
				PoolID:   pool.ID,
				Volume:   volume,
				Stakes:   len(stakes),
				ClosedAt: now,
			}
			if err := tx.Create(&round).Error; err != nil {
				return fmt.Errorf("storage: insert round detail: %w", err)
			}
			if err := tx.Model(&RewardPool{}).Where("id = ?", pool.ID).
				Update("round_ended_at", now).Error; err != nil {
				return fmt.Errorf("storage: close pool round: %w", err)
			}
			closed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return closed, nil
}

// CreatePool persists a new reward pool.
func (s *Store) CreatePool(ctx context.Context, pool *RewardPool) error {
	if err := s.db.WithContext(ctx).Create(pool).Error; err != nil {
		return fmt.Errorf("storage: insert pool: %w", err)
	}
	return nil
}

// PoolByID resolves a pool, or (nil, nil) if absent.
func (s *Store) PoolByID(ctx context.Context, id uuid.UUID) (*RewardPool, error) {
	var row RewardPool
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: query pool: %w", err)
	}
	return &row, nil
}

// CreateStake persists a new pool stake.
func (s *Store) CreateStake(ctx context.Context, stake *PoolStake) error {
	if err := s.db.WithContext(ctx).Create(stake).Error; err != nil {
		return fmt.Errorf("storage: insert stake: %w", err)
	}
	return nil
}

// UpdatePoolStatus records the confirmation outcome of the pool funding transfer.
func (s *Store) UpdatePoolStatus(ctx context.Context, id uuid.UUID, status, txRef string) error {
	err := s.db.WithContext(ctx).Model(&RewardPool{}).Where("id = ?", id).
		Updates(map[string]any{"status": status, "tx_ref": txRef}).Error
	if err != nil {
		return fmt.Errorf("storage: update pool status: %w", err)
	}
	return nil
}

// UpdateStakeStatus records the confirmation outcome of the stake transfer.
func (s *Store) UpdateStakeStatus(ctx context.Context, id uuid.UUID, status, txRef string) error {
	err := s.db.WithContext(ctx).Model(&PoolStake{}).Where("id = ?", id).
		Updates(map[string]any{"status": status, "tx_ref": txRef}).Error
	if err != nil {
		return fmt.Errorf("storage: update stake status: %w", err)
	}
	return nil
}

// --- settlement ---

// UnlinkedRewards is the snapshot of aggregatable rows found for one wallet
// and asset. Linking claims exactly these rows, never a fresh predicate match.
type UnlinkedRewards struct {
	CommissionIDs []uuid.UUID
	PoolRewardIDs []uuid.UUID
	Total         decimal.Decimal
}

// Empty reports whether the snapshot found nothing to withdraw.
func (u UnlinkedRewards) Empty() bool {
	return len(u.CommissionIDs) == 0 && len(u.PoolRewardIDs) == 0
}

// UnlinkedRewardsFor collects every reward row for the wallet in the requested
// asset that is neither linked to a request nor already withdrawn. Commission
// rows match on the trade asset, pool reward rows on the funding token.
func (s *Store) UnlinkedRewardsFor(ctx context.Context, wallet, asset string) (UnlinkedRewards, error) {
	out := UnlinkedRewards{Total: decimal.Zero}
	var commissions []CommissionReward
	err := s.db.WithContext(ctx).
		Where("wallet = ? AND asset = ? AND withdrawal_id IS NULL AND withdrawn = ?", wallet, asset, false).
		Find(&commissions).Error
	if err != nil {
		return UnlinkedRewards{}, fmt.Errorf("storage: query commissions: %w", err)
	}
	for _, row := range commissions {
		out.CommissionIDs = append(out.CommissionIDs, row.ID)
		out.Total = out.Total.Add(row.Amount)
	}
	var poolRewards []PoolReward
	err = s.db.WithContext(ctx).
		Where("wallet = ? AND token = ? AND withdrawal_id IS NULL AND withdrawn = ?", wallet, asset, false).
		Find(&poolRewards).Error
	if err != nil {
		return UnlinkedRewards{}, fmt.Errorf("storage: query pool rewards: %w", err)
	}
	for _, row := range poolRewards {
		out.PoolRewardIDs = append(out.PoolRewardIDs, row.ID)
		out.Total = out.Total.Add(row.Amount)
	}
	return out, nil
}

// UnlinkedRewardTotal sums the aggregatable rows for the wallet in one asset.
func (s *Store) UnlinkedRewardTotal(ctx context.Context, wallet, asset string) (decimal.Decimal, error) {
	rewards, err := s.UnlinkedRewardsFor(ctx, wallet, asset)
	if err != nil {
		return decimal.Zero, err
	}
	return rewards.Total, nil
}

// UnwithdrawnTotals sums every reward row not yet withdrawn, keyed by asset
// for commissions and by funding token for pool rewards.
func (s *Store) UnwithdrawnTotals(ctx context.Context) (map[string]decimal.Decimal, error) {
	totals := make(map[string]decimal.Decimal)
	var commissions []CommissionReward
	err := s.db.WithContext(ctx).Where("withdrawn = ?", false).Find(&commissions).Error
	if err != nil {
		return nil, fmt.Errorf("storage: query commissions: %w", err)
	}
	for _, row := range commissions {
		totals[row.Asset] = totals[row.Asset].Add(row.Amount)
	}
	var poolRewards []PoolReward
	err = s.db.WithContext(ctx).Where("withdrawn = ?", false).Find(&poolRewards).Error
	if err != nil {
		return nil, fmt.Errorf("storage: query pool rewards: %w", err)
	}
	for _, row := range poolRewards {
		totals[row.Token] = totals[row.Token].Add(row.Amount)
	}
	return totals, nil
}

// CreateWithdrawal inserts the request and claims exactly the reward rows in
// the snapshot, in one transaction. A row claimed by a concurrent request
// rolls the whole insert back with ErrRewardsClaimed.
func (s *Store) CreateWithdrawal(ctx context.Context, req *WithdrawalRequest, rewards UnlinkedRewards) error {
	if rewards.Empty() {
		return ErrNoRewards
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(req).Error; err != nil {
			return fmt.Errorf("storage: insert withdrawal: %w", err)
		}
		link := map[string]any{"withdrawal_id": req.ID}
		var linked int64
		if len(rewards.CommissionIDs) > 0 {
			res := tx.Model(&CommissionReward{}).
				Where("id IN ? AND withdrawal_id IS NULL", rewards.CommissionIDs).
				Updates(link)
			if res.Error != nil {
				return fmt.Errorf("storage: link commissions: %w", res.Error)
			}
			linked += res.RowsAffected
		}
		if len(rewards.PoolRewardIDs) > 0 {
			res := tx.Model(&PoolReward{}).
				Where("id IN ? AND withdrawal_id IS NULL", rewards.PoolRewardIDs).
				Updates(link)
			if res.Error != nil {
				return fmt.Errorf("storage: link pool rewards: %w", res.Error)
			}
			linked += res.RowsAffected
		}
		if linked != int64(len(rewards.CommissionIDs)+len(rewards.PoolRewardIDs)) {
			return ErrRewardsClaimed
		}
		return nil
	})
}

// OpenWithdrawals loads every request still in a non-terminal state.
func (s *Store) OpenWithdrawals(ctx context.Context, states ...string) ([]WithdrawalRequest, error) {
	var rows []WithdrawalRequest
	err := s.db.WithContext(ctx).Where("status IN ?", states).
		Order("created_at asc").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("storage: query withdrawals: %w", err)
	}
	return rows, nil
}

// FinalizeWithdrawal records success: the transaction reference is persisted
// and every linked reward row is marked withdrawn.
func (s *Store) FinalizeWithdrawal(ctx context.Context, id uuid.UUID, txRef string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&WithdrawalRequest{}).Where("id = ?", id).
			Updates(map[string]any{"status": "SUCCESS", "tx_ref": txRef}).Error
		if err != nil {
			return fmt.Errorf("storage: finalize withdrawal: %w", err)
		}
		if err := tx.Model(&CommissionReward{}).Where("withdrawal_id = ?", id).
			Update("withdrawn", true).Error; err != nil {
			return fmt.Errorf("storage: mark commissions withdrawn: %w", err)
		}
		if err := tx.Model(&PoolReward{}).Where("withdrawal_id = ?", id).
			Update("withdrawn", true).Error; err != nil {
			return fmt.Errorf("storage: mark pool rewards withdrawn: %w", err)
		}
		return nil
	})
}

// FailWithdrawal records failure and clears reward links so the rows become
// re-aggregatable by a future request.
func (s *Store) FailWithdrawal(ctx context.Context, id uuid.UUID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&WithdrawalRequest{}).Where("id = ?", id).
			Update("status", "FAILED").Error
		if err != nil {
			return fmt.Errorf("storage: fail withdrawal: %w", err)
		}
		if err := tx.Model(&CommissionReward{}).Where("withdrawal_id = ? AND withdrawn = ?", id, false).
			Update("withdrawal_id", nil).Error; err != nil {
			return fmt.Errorf("storage: unlink commissions: %w", err)
		}
		if err := tx.Model(&PoolReward{}).Where("withdrawal_id = ? AND withdrawn = ?", id, false).
			Update("withdrawal_id", nil).Error; err != nil {
			return fmt.Errorf("storage: unlink pool rewards: %w", err)
		}
		return nil
	})
}

// MarkWithdrawalRetry moves a request into RETRY, keeping reward links so the
// rows cannot be aggregated twice.
func (s *Store) MarkWithdrawalRetry(ctx context.Context, id uuid.UUID) error {
	err := s.db.WithContext(ctx).Model(&WithdrawalRequest{}).Where("id = ?", id).
		Update("status", "RETRY").Error
	if err != nil {
		return fmt.Errorf("storage: mark withdrawal retry: %w", err)
	}
	return nil
}

// PayoutAddressFor resolves a wallet's settlement destination.
func (s *Store) PayoutAddressFor(ctx context.Context, wallet string) (string, error) {
	var row PayoutAddress
	err := s.db.WithContext(ctx).Where("wallet = ?", wallet).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("storage: query payout address: %w", err)
	}
	return row.Address, nil
}

// SetPayoutAddress records or replaces a wallet's settlement destination.
func (s *Store) SetPayoutAddress(ctx context.Context, wallet, address string) error {
	row := PayoutAddress{Wallet: wallet, Address: address, UpdatedAt: time.Now().UTC()}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "wallet"}},
		DoUpdates: clause.AssignmentColumns([]string{"address", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("storage: upsert payout address: %w", err)
	}
	return nil
}

// --- row conversions ---

func treeFromRow(row AffiliateTree) *affiliate.Tree {
	return &affiliate.Tree{
		ID:           row.ID,
		RootWallet:   row.RootWallet,
		TotalPercent: row.TotalPercent,
		Active:       row.Active,
		CreatedAt:    row.CreatedAt,
	}
}

func treeToRow(tree *affiliate.Tree) *AffiliateTree {
	return &AffiliateTree{
		ID:           tree.ID,
		RootWallet:   tree.RootWallet,
		TotalPercent: tree.TotalPercent,
		Active:       tree.Active,
		CreatedAt:    tree.CreatedAt,
	}
}

func nodeFromRow(row AffiliateNode) *affiliate.Node {
	return &affiliate.Node{
		ID:            row.ID,
		TreeID:        row.TreeID,
		Wallet:        row.Wallet,
		ParentWallet:  row.ParentWallet,
		Percent:       row.Percent,
		Active:        row.Active,
		EffectiveFrom: row.EffectiveFrom,
	}
}

func nodeToRow(node *affiliate.Node) *AffiliateNode {
	return &AffiliateNode{
		ID:            node.ID,
		TreeID:        node.TreeID,
		Wallet:        node.Wallet,
		ParentWallet:  node.ParentWallet,
		Percent:       node.Percent,
		Active:        node.Active,
		EffectiveFrom: node.EffectiveFrom,
	}
}
