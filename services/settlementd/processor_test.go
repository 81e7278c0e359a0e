package settlementd

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"affilnet/native/affiliate"
	"affilnet/native/pooldist"
	"affilnet/services/settlementd/ledger"
	"affilnet/services/settlementd/lock"
	"affilnet/services/settlementd/storage"
)

type fixedConverter struct {
	rate decimal.Decimal
}

func (f fixedConverter) ConvertToUSD(ctx context.Context, asset string, amount decimal.Decimal) (decimal.Decimal, error) {
	return amount.Mul(f.rate), nil
}

type testEnv struct {
	store  *storage.Store
	proc   *Processor
	trees  *affiliate.TreeEngine
	levels *affiliate.LevelSchedule
	clock  *time.Time
}

func newTestEnv(t *testing.T, client ledger.Client, opts ...ProcessorOption) *testEnv {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	store, err := storage.NewWithDB(db)
	if err != nil {
		t.Fatalf("init store: %v", err)
	}

	defaults := []decimal.Decimal{decimal.NewFromInt(5), decimal.NewFromInt(3), decimal.NewFromInt(1)}
	trees, err := affiliate.NewTreeEngine(store, defaults)
	if err != nil {
		t.Fatalf("tree engine: %v", err)
	}
	levels, err := affiliate.NewLevelSchedule([]decimal.Decimal{
		decimal.NewFromInt(10), decimal.NewFromInt(5), decimal.NewFromInt(2),
	})
	if err != nil {
		t.Fatalf("level schedule: %v", err)
	}
	calc, err := affiliate.NewCalculator(trees, store, levels, decimal.NewFromFloat(0.001), nil)
	if err != nil {
		t.Fatalf("calculator: %v", err)
	}
	dist, err := pooldist.New(store)
	if err != nil {
		t.Fatalf("distributor: %v", err)
	}

	now := time.Unix(1_700_000_000, 0).UTC()
	env := &testEnv{store: store, trees: trees, levels: levels, clock: &now}
	options := []ProcessorOption{
		WithLedger(client),
		WithConverter(fixedConverter{rate: decimal.NewFromInt(1)}),
		WithProcessorClock(func() time.Time { return *env.clock }),
		WithConfirmation(3, time.Millisecond),
		WithSubmitRetries(3, time.Millisecond),
	}
	options = append(options, opts...)
	proc, err := NewProcessor(store, trees, calc, levels, dist, options...)
	if err != nil {
		t.Fatalf("processor: %v", err)
	}
	env.proc = proc
	return env
}

func confirmingClient() ledger.Client {
	return ledger.FuncClient{
		SubmitFn: func(ctx context.Context, transfer ledger.Transfer) (string, error) {
			return "0x" + transfer.Reference, nil
		},
		StatusFn: func(ctx context.Context, txRef string) (ledger.Status, error) {
			return ledger.StatusConfirmed, nil
		},
	}
}

func seedRewards(t *testing.T, env *testEnv, wallet string, amounts ...int64) {
	t.Helper()
	entries := make([]affiliate.Commission, 0, len(amounts))
	for i, amount := range amounts {
		entries = append(entries, affiliate.Commission{
			OrderRef: fmt.Sprintf("ord-%d", i),
			Wallet:   wallet,
			Level:    1,
			Percent:  decimal.NewFromInt(10),
			Amount:   decimal.NewFromInt(amount),
			Source:   affiliate.SourceLevel,
			Asset:    "USDT",
		})
	}
	if err := env.store.InsertCommissions(context.Background(), entries); err != nil {
		t.Fatalf("seed rewards: %v", err)
	}
}

func TestCreateWithdrawRequestEnforcesMinimum(t *testing.T) {
	env := newTestEnv(t, confirmingClient())
	ctx := context.Background()

	seedRewards(t, env, "w-1", 4, 5)
	if _, err := env.proc.CreateWithdrawRequest(ctx, "w-1", "USDT"); !errors.Is(err, ErrBelowMinimum) {
		t.Fatalf("expected ErrBelowMinimum at $9, got %v", err)
	}

	seedRewards(t, env, "w-1", 1)
	req, err := env.proc.CreateWithdrawRequest(ctx, "w-1", "USDT")
	if err != nil {
		t.Fatalf("create at $10: %v", err)
	}
	if req.Status != string(StatePending) {
		t.Fatalf("status = %s, want PENDING", req.Status)
	}
	if !req.AmountAsset.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("amount = %s, want 10", req.AmountAsset)
	}
	if !req.Deadline.Equal(env.clock.Add(30 * time.Minute)) {
		t.Fatalf("deadline = %s, want creation+30m", req.Deadline)
	}

	// Linked rows are gone; an immediate second request has nothing to claim.
	if _, err := env.proc.CreateWithdrawRequest(ctx, "w-1", "USDT"); !errors.Is(err, storage.ErrNoRewards) {
		t.Fatalf("expected ErrNoRewards, got %v", err)
	}
}

func TestSweepSettlesPendingRequest(t *testing.T) {
	env := newTestEnv(t, confirmingClient())
	ctx := context.Background()

	seedRewards(t, env, "w-2", 15)
	req, err := env.proc.CreateWithdrawRequest(ctx, "w-2", "USDT")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	result, err := env.proc.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if result.Settled != 1 || result.Failed != 0 || result.Retried != 0 {
		t.Fatalf("result = %+v, want 1 settled", result)
	}

	open, err := env.store.OpenWithdrawals(ctx, string(StatePending), string(StateRetry))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if len(open) != 0 {
		t.Fatalf("open = %d, want 0", len(open))
	}
	// Settled rewards never re-aggregate.
	total, err := env.store.UnlinkedRewardTotal(ctx, "w-2", "USDT")
	if err != nil {
		t.Fatalf("total: %v", err)
	}
	if !total.IsZero() {
		t.Fatalf("unlinked total = %s, want 0 after settlement of %s", total, req.ID)
	}
}

func TestSweepFailsExpiredRequestAndReleasesRewards(t *testing.T) {
	env := newTestEnv(t, confirmingClient())
	ctx := context.Background()

	seedRewards(t, env, "w-3", 20)
	if _, err := env.proc.CreateWithdrawRequest(ctx, "w-3", "USDT"); err != nil {
		t.Fatalf("create: %v", err)
	}

	*env.clock = env.clock.Add(31 * time.Minute)
	result, err := env.proc.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if result.Failed != 1 || result.Settled != 0 {
		t.Fatalf("result = %+v, want 1 failed", result)
	}

	total, err := env.store.UnlinkedRewardTotal(ctx, "w-3", "USDT")
	if err != nil {
		t.Fatalf("total: %v", err)
	}
	if !total.Equal(decimal.NewFromInt(20)) {
		t.Fatalf("released total = %s, want 20", total)
	}
	// The failed request can be superseded by a fresh one.
	if _, err := env.proc.CreateWithdrawRequest(ctx, "w-3", "USDT"); err != nil {
		t.Fatalf("recreate after failure: %v", err)
	}
}

func TestSweepRetriesOnSubmitFailureThenSettles(t *testing.T) {
	broken := true
	client := ledger.FuncClient{
		SubmitFn: func(ctx context.Context, transfer ledger.Transfer) (string, error) {
			if broken {
				return "", errors.New("rpc unavailable")
			}
			return "0x" + transfer.Reference, nil
		},
		StatusFn: func(ctx context.Context, txRef string) (ledger.Status, error) {
			return ledger.StatusConfirmed, nil
		},
	}
	env := newTestEnv(t, client)
	ctx := context.Background()

	seedRewards(t, env, "w-4", 12)
	if _, err := env.proc.CreateWithdrawRequest(ctx, "w-4", "USDT"); err != nil {
		t.Fatalf("create: %v", err)
	}

	result, err := env.proc.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if result.Retried != 1 {
		t.Fatalf("result = %+v, want 1 retried", result)
	}
	// Rewards stay linked across RETRY; no double aggregation.
	total, err := env.store.UnlinkedRewardTotal(ctx, "w-4", "USDT")
	if err != nil {
		t.Fatalf("total: %v", err)
	}
	if !total.IsZero() {
		t.Fatalf("linked rewards leaked: %s", total)
	}

	broken = false
	result, err = env.proc.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if result.Settled != 1 {
		t.Fatalf("result = %+v, want 1 settled", result)
	}
}

func TestSweepFailsRevertedTransfer(t *testing.T) {
	client := ledger.FuncClient{
		SubmitFn: func(ctx context.Context, transfer ledger.Transfer) (string, error) {
			return "0xdead", nil
		},
		StatusFn: func(ctx context.Context, txRef string) (ledger.Status, error) {
			return ledger.StatusFailed, nil
		},
	}
	env := newTestEnv(t, client)
	ctx := context.Background()

	seedRewards(t, env, "w-5", 25)
	if _, err := env.proc.CreateWithdrawRequest(ctx, "w-5", "USDT"); err != nil {
		t.Fatalf("create: %v", err)
	}
	result, err := env.proc.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if result.Failed != 1 {
		t.Fatalf("result = %+v, want 1 failed", result)
	}
	total, err := env.store.UnlinkedRewardTotal(ctx, "w-5", "USDT")
	if err != nil {
		t.Fatalf("total: %v", err)
	}
	if !total.Equal(decimal.NewFromInt(25)) {
		t.Fatalf("released total = %s, want 25", total)
	}
}

func TestCreateWithdrawRequestScopedToAsset(t *testing.T) {
	env := newTestEnv(t, confirmingClient())
	ctx := context.Background()

	seedRewards(t, env, "w-7", 7, 5)
	rewards := []pooldist.Reward{{
		Token:  "WETH",
		PoolID: uuid.New(),
		Wallet: "w-7",
		Role:   pooldist.RoleStaker,
		Amount: decimal.NewFromInt(6),
	}}
	if err := env.store.InsertRewards(ctx, rewards); err != nil {
		t.Fatalf("insert pool rewards: %v", err)
	}

	req, err := env.proc.CreateWithdrawRequest(ctx, "w-7", "USDT")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	// Only the USDT commission rows aggregate; the WETH pool reward stays out.
	if !req.AmountAsset.Equal(decimal.NewFromInt(12)) {
		t.Fatalf("amount = %s, want 12", req.AmountAsset)
	}
	wethTotal, err := env.store.UnlinkedRewardTotal(ctx, "w-7", "WETH")
	if err != nil {
		t.Fatalf("weth total: %v", err)
	}
	if !wethTotal.Equal(decimal.NewFromInt(6)) {
		t.Fatalf("weth total = %s, want 6 still unlinked", wethTotal)
	}
}

func TestSweepSkipsWhileLeaseHeld(t *testing.T) {
	locker := lock.NewMemoryLocker()
	env := newTestEnv(t, confirmingClient(), WithLocker(locker))
	ctx := context.Background()

	seedRewards(t, env, "w-8", 15)
	if _, err := env.proc.CreateWithdrawRequest(ctx, "w-8", "USDT"); err != nil {
		t.Fatalf("create: %v", err)
	}

	lease, err := locker.Acquire(ctx, "sweep", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	result, err := env.proc.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("sweep while held: %v", err)
	}
	if result != (SweepResult{}) {
		t.Fatalf("result = %+v, want empty pass while lease held", result)
	}

	if err := lease.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	result, err = env.proc.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("sweep after release: %v", err)
	}
	if result.Settled != 1 {
		t.Fatalf("result = %+v, want 1 settled", result)
	}
}

func TestCreatePoolSerialisesPerCreator(t *testing.T) {
	locker := lock.NewMemoryLocker()
	env := newTestEnv(t, confirmingClient(), WithLocker(locker))
	ctx := context.Background()

	lease, err := locker.Acquire(ctx, "stake:creator-x", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer func() { _ = lease.Release(ctx) }()

	if _, err := env.proc.CreatePool(ctx, "creator-x", decimal.NewFromInt(100), "0xfund"); !errors.Is(err, ErrRequestInFlight) {
		t.Fatalf("expected ErrRequestInFlight, got %v", err)
	}
	// Other creators are unaffected by the held lease.
	if _, err := env.proc.CreatePool(ctx, "creator-y", decimal.NewFromInt(100), "0xfund"); err != nil {
		t.Fatalf("create for other creator: %v", err)
	}
}

func TestStakeRequiresExistingActivePool(t *testing.T) {
	env := newTestEnv(t, confirmingClient())
	ctx := context.Background()

	if _, err := env.proc.Stake(ctx, uuid.New(), "staker-1", decimal.NewFromInt(50), "0xfund"); !errors.Is(err, ErrPoolNotFound) {
		t.Fatalf("expected ErrPoolNotFound, got %v", err)
	}

	retired := &storage.RewardPool{
		ID:            uuid.New(),
		Creator:       "creator-r",
		InitialVolume: decimal.NewFromInt(100),
		Active:        false,
		Status:        string(pooldist.StakeActive),
	}
	if err := env.store.CreatePool(ctx, retired); err != nil {
		t.Fatalf("create retired pool: %v", err)
	}
	if _, err := env.proc.Stake(ctx, retired.ID, "staker-1", decimal.NewFromInt(50), "0xfund"); !errors.Is(err, ErrPoolInactive) {
		t.Fatalf("expected ErrPoolInactive, got %v", err)
	}

	pool, err := env.proc.CreatePool(ctx, "creator-a", decimal.NewFromInt(100), "0xfund")
	if err != nil {
		t.Fatalf("create pool: %v", err)
	}
	stake, err := env.proc.Stake(ctx, pool.ID, "staker-1", decimal.NewFromInt(50), "0xfund")
	if err != nil {
		t.Fatalf("stake: %v", err)
	}
	if stake.PoolID != pool.ID || stake.Status != string(pooldist.StakeActive) {
		t.Fatalf("stake = %+v, want active stake in %s", stake, pool.ID)
	}
}

func TestDistributeTokenIsTerminal(t *testing.T) {
	env := newTestEnv(t, confirmingClient())
	ctx := context.Background()

	pool := &storage.RewardPool{
		ID:            uuid.New(),
		Creator:       "creator-1",
		InitialVolume: decimal.NewFromInt(1000),
		Active:        true,
		Status:        string(pooldist.StakeActive),
	}
	if err := env.store.CreatePool(ctx, pool); err != nil {
		t.Fatalf("create pool: %v", err)
	}

	outcome, err := env.proc.DistributeToken(ctx, "tok-1", decimal.NewFromInt(500), false)
	if err != nil {
		t.Fatalf("distribute: %v", err)
	}
	if outcome.Skipped {
		t.Fatalf("unexpected skip: %s", outcome.Reason)
	}

	if _, err := env.proc.DistributeToken(ctx, "tok-1", decimal.NewFromInt(500), false); !errors.Is(err, pooldist.ErrAlreadyDistributed) {
		t.Fatalf("expected ErrAlreadyDistributed, got %v", err)
	}
	if _, err := env.proc.DistributeToken(ctx, "tok-1", decimal.NewFromInt(500), true); err != nil {
		t.Fatalf("forced rerun: %v", err)
	}
}

func TestPauseBlocksMutations(t *testing.T) {
	env := newTestEnv(t, confirmingClient())
	ctx := context.Background()

	env.proc.Pause()
	if !env.proc.Paused() {
		t.Fatal("expected paused")
	}
	if _, err := env.proc.CreateWithdrawRequest(ctx, "w-6", "USDT"); !errors.Is(err, ErrProcessorPaused) {
		t.Fatalf("expected ErrProcessorPaused, got %v", err)
	}
	if _, err := env.proc.DistributeToken(ctx, "tok-2", decimal.NewFromInt(1), false); !errors.Is(err, ErrProcessorPaused) {
		t.Fatalf("expected ErrProcessorPaused, got %v", err)
	}
	env.proc.Resume()
	if env.proc.Paused() {
		t.Fatal("expected resumed")
	}
}

func TestProcessTradePersistsCommissions(t *testing.T) {
	env := newTestEnv(t, confirmingClient())
	ctx := context.Background()

	if err := env.store.SetReferrer(ctx, "trader-1", "upline-1"); err != nil {
		t.Fatalf("set referrer: %v", err)
	}
	if err := env.store.SetReferrer(ctx, "upline-1", "upline-2"); err != nil {
		t.Fatalf("set referrer: %v", err)
	}

	entries, err := env.proc.ProcessTrade(ctx, affiliate.TradeEvent{
		OrderRef: "ord-1",
		Wallet:   "trader-1",
		Volume:   decimal.NewFromInt(100_000),
		Asset:    "USDT",
	})
	if err != nil {
		t.Fatalf("process trade: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2 levels", len(entries))
	}

	// fee = 100000 * 0.001 = 100; level 1 = 10%, level 2 = 5%.
	total, err := env.store.UnlinkedRewardTotal(ctx, "upline-1", "USDT")
	if err != nil {
		t.Fatalf("total: %v", err)
	}
	if !total.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("upline-1 total = %s, want 10", total)
	}
	stats, err := env.store.WalletStats(ctx, "trader-1")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Transactions != 1 {
		t.Fatalf("transactions = %d, want 1", stats.Transactions)
	}
}
