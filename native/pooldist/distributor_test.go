package pooldist

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type memStore struct {
	mu        sync.Mutex
	pools     []Pool
	stakes    map[uuid.UUID][]Stake
	processed map[string]decimal.Decimal
	rewards   []Reward
	closed    int
}

func newMemStore() *memStore {
	return &memStore{
		stakes:    make(map[uuid.UUID][]Stake),
		processed: make(map[string]decimal.Decimal),
	}
}

func (m *memStore) addPool(creator string, initial int64) uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.New()
	m.pools = append(m.pools, Pool{
		ID:            id,
		Creator:       creator,
		InitialVolume: decimal.NewFromInt(initial),
		Active:        true,
	})
	return id
}

func (m *memStore) addStake(poolID uuid.UUID, wallet string, volume int64, status StakeStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stakes[poolID] = append(m.stakes[poolID], Stake{
		ID:     uuid.New(),
		PoolID: poolID,
		Wallet: wallet,
		Volume: decimal.NewFromInt(volume),
		Status: status,
	})
}

func (m *memStore) ActivePools(ctx context.Context) ([]Pool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Pool, len(m.pools))
	copy(out, m.pools)
	return out, nil
}

func (m *memStore) ActiveStakes(ctx context.Context, poolID uuid.UUID) ([]Stake, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Stake, len(m.stakes[poolID]))
	copy(out, m.stakes[poolID])
	return out, nil
}

func (m *memStore) TokenProcessed(ctx context.Context, token string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.processed[token]
	return ok, nil
}

func (m *memStore) MarkTokenProcessed(ctx context.Context, token string, allocation decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processed[token] = allocation
	return nil
}

func (m *memStore) InsertRewards(ctx context.Context, rewards []Reward) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rewards = append(m.rewards, rewards...)
	return nil
}

func (m *memStore) CloseOpenRounds(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed++
	return 0, nil
}

func rewardFor(rewards []Reward, wallet string) (Reward, bool) {
	for _, reward := range rewards {
		if reward.Wallet == wallet {
			return reward, true
		}
	}
	return Reward{}, false
}

func TestDistributeSinglePool(t *testing.T) {
	store := newMemStore()
	poolID := store.addPool("creator", 600)
	store.addStake(poolID, "staker", 400, StakeActive)

	dist, err := New(store)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	outcome, err := dist.Distribute(context.Background(), "tok-1", decimal.NewFromInt(1000), false)
	if err != nil {
		t.Fatalf("distribute: %v", err)
	}

	// Creator bonus: 10% of 1000 = 100. Weighted 900 split 600:400.
	creator, ok := rewardFor(store.rewards, "creator")
	if !ok {
		t.Fatal("creator reward missing")
	}
	if !creator.Amount.Equal(decimal.NewFromInt(640)) {
		t.Fatalf("creator amount = %s, want 640", creator.Amount)
	}
	if creator.Role != RoleCreator {
		t.Fatalf("creator role = %s", creator.Role)
	}
	staker, ok := rewardFor(store.rewards, "staker")
	if !ok {
		t.Fatal("staker reward missing")
	}
	if !staker.Amount.Equal(decimal.NewFromInt(360)) {
		t.Fatalf("staker amount = %s, want 360", staker.Amount)
	}
	if !outcome.Distributed.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("distributed = %s, want 1000", outcome.Distributed)
	}
	if store.closed != 1 {
		t.Fatalf("rounds closed %d times, want 1", store.closed)
	}
}

func TestDistributeProportionalAcrossPools(t *testing.T) {
	store := newMemStore()
	store.addPool("creator-a", 750) // 75% of volume
	store.addPool("creator-b", 250) // 25% of volume

	dist, err := New(store)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	outcome, err := dist.Distribute(context.Background(), "tok-2", decimal.NewFromInt(1000), false)
	if err != nil {
		t.Fatalf("distribute: %v", err)
	}
	if len(outcome.Pools) != 2 {
		t.Fatalf("pools = %d, want 2", len(outcome.Pools))
	}
	a, _ := rewardFor(store.rewards, "creator-a")
	b, _ := rewardFor(store.rewards, "creator-b")
	// Sole participants receive their pool's full share.
	if !a.Amount.Equal(decimal.NewFromInt(750)) {
		t.Fatalf("creator-a = %s, want 750", a.Amount)
	}
	if !b.Amount.Equal(decimal.NewFromInt(250)) {
		t.Fatalf("creator-b = %s, want 250", b.Amount)
	}
	if !outcome.Distributed.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("distributed = %s, want allocation conserved", outcome.Distributed)
	}
}

func TestDistributeSkipsInactiveAndZeroVolume(t *testing.T) {
	store := newMemStore()
	poolID := store.addPool("creator", 0)
	store.addStake(poolID, "pending", 500, StakePending)
	store.addStake(poolID, "errored", 500, StakeError)

	dist, err := New(store)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	outcome, err := dist.Distribute(context.Background(), "tok-3", decimal.NewFromInt(100), false)
	if err != nil {
		t.Fatalf("distribute: %v", err)
	}
	if !outcome.Skipped {
		t.Fatal("expected skipped outcome with no eligible volume")
	}
	if len(store.rewards) != 0 {
		t.Fatalf("rewards = %d, want 0", len(store.rewards))
	}
	// The token is terminal even when nothing was distributed.
	processed, err := store.TokenProcessed(context.Background(), "tok-3")
	if err != nil || !processed {
		t.Fatalf("token not marked terminal: %v", err)
	}
}

func TestDistributeIsTerminalPerToken(t *testing.T) {
	store := newMemStore()
	store.addPool("creator", 100)

	dist, err := New(store)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	if _, err := dist.Distribute(ctx, "tok-4", decimal.NewFromInt(50), false); err != nil {
		t.Fatalf("distribute: %v", err)
	}
	if _, err := dist.Distribute(ctx, "tok-4", decimal.NewFromInt(50), false); !errors.Is(err, ErrAlreadyDistributed) {
		t.Fatalf("expected ErrAlreadyDistributed, got %v", err)
	}
	if _, err := dist.Distribute(ctx, "tok-4", decimal.NewFromInt(50), true); err != nil {
		t.Fatalf("forced rerun: %v", err)
	}
}

func TestDistributeValidatesInput(t *testing.T) {
	dist, err := New(newMemStore())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := dist.Distribute(context.Background(), "", decimal.NewFromInt(1), false); err == nil {
		t.Fatal("expected error for empty token")
	}
	if _, err := dist.Distribute(context.Background(), "tok", decimal.Zero, false); err == nil {
		t.Fatal("expected error for zero allocation")
	}
}

func TestSplitPoolRoundingConservation(t *testing.T) {
	store := newMemStore()
	poolID := store.addPool("creator", 1)
	store.addStake(poolID, "s1", 1, StakeActive)
	store.addStake(poolID, "s2", 1, StakeActive)

	dist, err := New(store)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	outcome, err := dist.Distribute(context.Background(), "tok-5", decimal.NewFromInt(100), false)
	if err != nil {
		t.Fatalf("distribute: %v", err)
	}
	// 10 bonus + 90/3 each: creator 40, stakers 30. Rounding drift stays
	// inside the tolerance and is never corrected.
	diff := outcome.Distributed.Sub(decimal.NewFromInt(100)).Abs()
	if diff.GreaterThan(decimal.New(1, -2)) {
		t.Fatalf("conservation drift %s exceeds tolerance", diff)
	}
}
