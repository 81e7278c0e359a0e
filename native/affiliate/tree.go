package affiliate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// TreeEngine owns tree and node records: one active tree per root wallet,
// forest-shaped parent/child linkage, and the commission-percent invariants.
type TreeEngine struct {
	store        Store
	nodeDefaults []decimal.Decimal
	logger       *slog.Logger
	now          func() time.Time
}

// TreeOption customises the engine instance.
type TreeOption func(*TreeEngine)

// WithTreeLogger installs a custom logger.
func WithTreeLogger(l *slog.Logger) TreeOption {
	return func(e *TreeEngine) { e.logger = l }
}

// WithTreeClock sets the function used to derive timestamps.
func WithTreeClock(clock func() time.Time) TreeOption {
	return func(e *TreeEngine) { e.now = clock }
}

// NewTreeEngine constructs a tree engine over the supplied store.
// nodeDefaults assigns commission percents for attached members by depth.
func NewTreeEngine(store Store, nodeDefaults []decimal.Decimal, opts ...TreeOption) (*TreeEngine, error) {
	if store == nil {
		return nil, fmt.Errorf("affiliate: store required")
	}
	if len(nodeDefaults) == 0 {
		return nil, fmt.Errorf("affiliate: node defaults required")
	}
	engine := &TreeEngine{
		store:        store,
		nodeDefaults: append([]decimal.Decimal{}, nodeDefaults...),
		logger:       slog.Default(),
		now:          time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(engine)
		}
	}
	return engine, nil
}

// CreateTree starts a new hierarchy rooted at rootWallet with the supplied
// total commission ceiling. The root must not already root a tree nor appear
// as a member anywhere else.
func (e *TreeEngine) CreateTree(ctx context.Context, rootWallet string, totalPercent decimal.Decimal) (*Tree, error) {
	if rootWallet == "" {
		return nil, fmt.Errorf("affiliate: root wallet required")
	}
	if totalPercent.Sign() <= 0 || totalPercent.GreaterThan(hundred) {
		return nil, ErrInvalidPercent
	}
	existing, err := e.store.TreeByRoot(ctx, rootWallet)
	if err != nil {
		return nil, fmt.Errorf("affiliate: lookup root tree: %w", err)
	}
	if existing != nil {
		return nil, ErrAlreadyRoot
	}
	member, err := e.store.NodeByWallet(ctx, rootWallet)
	if err != nil {
		return nil, fmt.Errorf("affiliate: lookup membership: %w", err)
	}
	if member != nil {
		return nil, ErrAlreadyMember
	}
	now := e.now().UTC()
	tree := &Tree{
		ID:           uuid.New(),
		RootWallet:   rootWallet,
		TotalPercent: totalPercent,
		Active:       true,
		CreatedAt:    now,
	}
	root := &Node{
		ID:            uuid.New(),
		TreeID:        tree.ID,
		Wallet:        rootWallet,
		Percent:       totalPercent,
		Active:        true,
		EffectiveFrom: now,
	}
	if err := e.store.CreateTree(ctx, tree, root); err != nil {
		return nil, fmt.Errorf("affiliate: persist tree: %w", err)
	}
	e.logger.Info("affiliate tree created",
		"tree", tree.ID.String(), "root", rootWallet, "percent", totalPercent.String())
	return tree, nil
}

// AttachMember appends newWallet under referrerWallet in the referrer's tree.
// The new node's percent comes from the configured per-depth defaults. A
// wallet already present in any tree cannot be re-attached.
func (e *TreeEngine) AttachMember(ctx context.Context, referrerWallet, newWallet string) (*Node, error) {
	if referrerWallet == "" || newWallet == "" {
		return nil, fmt.Errorf("affiliate: referrer and wallet required")
	}
	referrer, err := e.store.NodeByWallet(ctx, referrerWallet)
	if err != nil {
		return nil, fmt.Errorf("affiliate: lookup referrer: %w", err)
	}
	if referrer == nil {
		return nil, ErrNotInTree
	}
	tree, err := e.store.TreeByID(ctx, referrer.TreeID)
	if err != nil {
		return nil, fmt.Errorf("affiliate: lookup tree: %w", err)
	}
	if tree == nil {
		return nil, ErrTreeNotFound
	}
	if !tree.Active {
		return nil, ErrTreeInactive
	}
	existing, err := e.store.NodeByWallet(ctx, newWallet)
	if err != nil {
		return nil, fmt.Errorf("affiliate: lookup membership: %w", err)
	}
	if existing != nil {
		return nil, ErrCycle
	}
	depth, err := e.depthOf(ctx, referrer)
	if err != nil {
		return nil, err
	}
	node := &Node{
		ID:            uuid.New(),
		TreeID:        tree.ID,
		Wallet:        newWallet,
		ParentWallet:  referrerWallet,
		Percent:       e.defaultPercent(depth + 1),
		Active:        true,
		EffectiveFrom: e.now().UTC(),
	}
	if err := e.store.CreateNode(ctx, node); err != nil {
		return nil, fmt.Errorf("affiliate: persist node: %w", err)
	}
	return node, nil
}

// MinimumRequiredPercent walks the tree and returns the smallest total
// commission percent that keeps every descendant's existing allocation funded.
func (e *TreeEngine) MinimumRequiredPercent(ctx context.Context, treeID uuid.UUID) (decimal.Decimal, error) {
	nodes, err := e.store.NodesByTree(ctx, treeID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("affiliate: load nodes: %w", err)
	}
	required := decimal.Zero
	for _, node := range nodes {
		if node.IsRoot() {
			continue
		}
		required = required.Add(node.Percent)
	}
	return required, nil
}

// UpdateRootCommission adjusts a tree's total commission percent. The new
// value may never fall below the sum promised to descendants; admins cannot
// starve already-granted downstream commissions.
func (e *TreeEngine) UpdateRootCommission(ctx context.Context, rootWallet string, newPercent decimal.Decimal) error {
	if newPercent.Sign() <= 0 || newPercent.GreaterThan(hundred) {
		return ErrInvalidPercent
	}
	tree, err := e.store.TreeByRoot(ctx, rootWallet)
	if err != nil {
		return fmt.Errorf("affiliate: lookup tree: %w", err)
	}
	if tree == nil {
		return ErrTreeNotFound
	}
	minimum, err := e.MinimumRequiredPercent(ctx, tree.ID)
	if err != nil {
		return err
	}
	if newPercent.LessThan(minimum) {
		return fmt.Errorf("%w: minimum %s, requested %s",
			ErrInsufficientRootCommission, minimum.String(), newPercent.String())
	}
	if err := e.store.UpdateTreePercent(ctx, tree.ID, newPercent); err != nil {
		return fmt.Errorf("affiliate: update percent: %w", err)
	}
	e.logger.Info("root commission updated",
		"tree", tree.ID.String(), "root", rootWallet,
		"percent", newPercent.String(), "minimum", minimum.String())
	return nil
}

// SetNodeStatus toggles a node active or inactive. Disabling a root halts all
// downstream accrual and is logged as a high-impact operation; it is reversible.
func (e *TreeEngine) SetNodeStatus(ctx context.Context, wallet string, active bool) error {
	node, err := e.store.NodeByWallet(ctx, wallet)
	if err != nil {
		return fmt.Errorf("affiliate: lookup node: %w", err)
	}
	if node == nil {
		return ErrNodeNotFound
	}
	if err := e.store.UpdateNodeStatus(ctx, wallet, active); err != nil {
		return fmt.Errorf("affiliate: update status: %w", err)
	}
	if node.IsRoot() && !active {
		e.logger.Warn("root node disabled, downstream accrual halted",
			"tree", node.TreeID.String(), "root", wallet)
		return nil
	}
	e.logger.Info("node status updated", "wallet", wallet, "active", active)
	return nil
}

// HierarchyView materialises the tree rooted at rootWallet with per-node
// volume and transaction counters. Children arrays are derived on read from
// the flat parent-pointer records; nothing nested is persisted.
func (e *TreeEngine) HierarchyView(ctx context.Context, rootWallet string) (*HierarchyNode, error) {
	tree, err := e.store.TreeByRoot(ctx, rootWallet)
	if err != nil {
		return nil, fmt.Errorf("affiliate: lookup tree: %w", err)
	}
	if tree == nil {
		return nil, ErrTreeNotFound
	}
	nodes, err := e.store.NodesByTree(ctx, tree.ID)
	if err != nil {
		return nil, fmt.Errorf("affiliate: load nodes: %w", err)
	}
	children := make(map[string][]Node, len(nodes))
	var root *Node
	for i := range nodes {
		node := nodes[i]
		if node.IsRoot() {
			root = &nodes[i]
			continue
		}
		children[node.ParentWallet] = append(children[node.ParentWallet], node)
	}
	if root == nil {
		return nil, ErrNodeNotFound
	}
	return e.buildView(ctx, *root, children)
}

func (e *TreeEngine) buildView(ctx context.Context, node Node, children map[string][]Node) (*HierarchyNode, error) {
	stats, err := e.store.WalletStats(ctx, node.Wallet)
	if err != nil {
		return nil, fmt.Errorf("affiliate: wallet stats: %w", err)
	}
	view := &HierarchyNode{
		Wallet:       node.Wallet,
		Percent:      node.Percent,
		Active:       node.Active,
		Volume:       stats.Volume,
		Transactions: stats.Transactions,
	}
	for _, child := range children[node.Wallet] {
		childView, err := e.buildView(ctx, child, children)
		if err != nil {
			return nil, err
		}
		view.Children = append(view.Children, childView)
	}
	return view, nil
}

// Ancestors returns the chain from the node's parent up to the tree root.
func (e *TreeEngine) Ancestors(ctx context.Context, node *Node) ([]Node, error) {
	if node == nil {
		return nil, ErrNodeNotFound
	}
	chain := make([]Node, 0, 8)
	seen := map[string]bool{node.Wallet: true}
	parent := node.ParentWallet
	for parent != "" {
		if seen[parent] {
			return nil, ErrCycle
		}
		seen[parent] = true
		ancestor, err := e.store.NodeByWallet(ctx, parent)
		if err != nil {
			return nil, fmt.Errorf("affiliate: lookup ancestor: %w", err)
		}
		if ancestor == nil {
			return nil, ErrNodeNotFound
		}
		chain = append(chain, *ancestor)
		parent = ancestor.ParentWallet
	}
	return chain, nil
}

func (e *TreeEngine) depthOf(ctx context.Context, node *Node) (int, error) {
	ancestors, err := e.Ancestors(ctx, node)
	if err != nil {
		return 0, err
	}
	return len(ancestors), nil
}

func (e *TreeEngine) defaultPercent(depth int) decimal.Decimal {
	if depth < 1 {
		depth = 1
	}
	if depth > len(e.nodeDefaults) {
		return e.nodeDefaults[len(e.nodeDefaults)-1]
	}
	return e.nodeDefaults[depth-1]
}
