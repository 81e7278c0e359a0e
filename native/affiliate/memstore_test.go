package affiliate

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// memStore is an in-memory Store used by the engine tests.
type memStore struct {
	mu        sync.Mutex
	trees     map[uuid.UUID]*Tree
	nodes     map[string]*Node
	referrers map[string]string
	stats     map[string]WalletStats
}

func newMemStore() *memStore {
	return &memStore{
		trees:     make(map[uuid.UUID]*Tree),
		nodes:     make(map[string]*Node),
		referrers: make(map[string]string),
		stats:     make(map[string]WalletStats),
	}
}

func (m *memStore) TreeByRoot(ctx context.Context, rootWallet string) (*Tree, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tree := range m.trees {
		if tree.RootWallet == rootWallet {
			copied := *tree
			return &copied, nil
		}
	}
	return nil, nil
}

func (m *memStore) TreeByID(ctx context.Context, id uuid.UUID) (*Tree, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tree, ok := m.trees[id]
	if !ok {
		return nil, nil
	}
	copied := *tree
	return &copied, nil
}

func (m *memStore) NodeByWallet(ctx context.Context, wallet string) (*Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	node, ok := m.nodes[wallet]
	if !ok {
		return nil, nil
	}
	copied := *node
	return &copied, nil
}

func (m *memStore) NodesByTree(ctx context.Context, treeID uuid.UUID) ([]Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	nodes := make([]Node, 0, len(m.nodes))
	for _, node := range m.nodes {
		if node.TreeID == treeID {
			nodes = append(nodes, *node)
		}
	}
	return nodes, nil
}

func (m *memStore) CreateTree(ctx context.Context, tree *Tree, root *Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	treeCopy := *tree
	rootCopy := *root
	m.trees[tree.ID] = &treeCopy
	m.nodes[root.Wallet] = &rootCopy
	return nil
}

func (m *memStore) CreateNode(ctx context.Context, node *Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *node
	m.nodes[node.Wallet] = &copied
	return nil
}

func (m *memStore) UpdateTreePercent(ctx context.Context, treeID uuid.UUID, percent decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tree, ok := m.trees[treeID]
	if !ok {
		return ErrTreeNotFound
	}
	tree.TotalPercent = percent
	for _, node := range m.nodes {
		if node.TreeID == treeID && node.ParentWallet == "" {
			node.Percent = percent
		}
	}
	return nil
}

func (m *memStore) UpdateNodeStatus(ctx context.Context, wallet string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	node, ok := m.nodes[wallet]
	if !ok {
		return ErrNodeNotFound
	}
	node.Active = active
	return nil
}

func (m *memStore) ReferrerOf(ctx context.Context, wallet string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.referrers[wallet], nil
}

func (m *memStore) WalletStats(ctx context.Context, wallet string) (WalletStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats, ok := m.stats[wallet]
	if !ok {
		return WalletStats{Volume: decimal.Zero}, nil
	}
	return stats, nil
}

func (m *memStore) setReferrer(wallet, referrer string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.referrers[wallet] = referrer
}

func (m *memStore) setStats(wallet string, volume int64, txs int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats[wallet] = WalletStats{Volume: decimal.NewFromInt(volume), Transactions: txs}
}

func (m *memStore) setTreeActive(id uuid.UUID, active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tree, ok := m.trees[id]; ok {
		tree.Active = active
	}
}
