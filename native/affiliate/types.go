package affiliate

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Tree is one root-wallet-initiated commission hierarchy. TotalPercent is the
// ceiling available to the whole tree and is only adjustable through
// UpdateRootCommission, which enforces the minimum-required check.
type Tree struct {
	ID           uuid.UUID
	RootWallet   string
	TotalPercent decimal.Decimal
	Active       bool
	CreatedAt    time.Time
}

// Node is a wallet's membership record inside a tree. ParentWallet is empty
// for the root node. Nodes are never hard-deleted; disabling one halts reward
// accrual through it.
type Node struct {
	ID            uuid.UUID
	TreeID        uuid.UUID
	Wallet        string
	ParentWallet  string
	Percent       decimal.Decimal
	Active        bool
	EffectiveFrom time.Time
}

// IsRoot reports whether the node is the tree root.
func (n *Node) IsRoot() bool {
	return n != nil && n.ParentWallet == ""
}

// WalletStats carries the aggregate counters attached to hierarchy views.
type WalletStats struct {
	Volume       decimal.Decimal
	Transactions int64
}

// HierarchyNode is one entry of a lazily materialised tree view. Children are
// derived on read from the flat parent-pointer records.
type HierarchyNode struct {
	Wallet       string
	Percent      decimal.Decimal
	Active       bool
	Volume       decimal.Decimal
	Transactions int64
	Children     []*HierarchyNode
}

// Store describes the persistence the affiliate engine needs from the
// surrounding storage implementation. Lookup methods return (nil, nil) when
// the record is absent.
type Store interface {
	TreeByRoot(ctx context.Context, rootWallet string) (*Tree, error)
	TreeByID(ctx context.Context, id uuid.UUID) (*Tree, error)
	NodeByWallet(ctx context.Context, wallet string) (*Node, error)
	NodesByTree(ctx context.Context, treeID uuid.UUID) ([]Node, error)
	CreateTree(ctx context.Context, tree *Tree, root *Node) error
	CreateNode(ctx context.Context, node *Node) error
	UpdateTreePercent(ctx context.Context, treeID uuid.UUID, percent decimal.Decimal) error
	UpdateNodeStatus(ctx context.Context, wallet string, active bool) error

	// ReferrerOf resolves the traditional flat referral graph; it returns ""
	// when the wallet has no referrer.
	ReferrerOf(ctx context.Context, wallet string) (string, error)
	WalletStats(ctx context.Context, wallet string) (WalletStats, error)
}
