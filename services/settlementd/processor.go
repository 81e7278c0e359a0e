package settlementd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"affilnet/native/affiliate"
	"affilnet/native/pooldist"
	"affilnet/observability"
	"affilnet/services/settlementd/ledger"
	"affilnet/services/settlementd/lock"
	"affilnet/services/settlementd/storage"
)

var (
	// ErrProcessorPaused is returned when a mutating operation is attempted
	// while the processor is administratively paused.
	ErrProcessorPaused = errors.New("settlementd: processor paused")

	// ErrBelowMinimum is returned when the aggregated balance converts to less
	// than the withdrawal threshold.
	ErrBelowMinimum = errors.New("settlementd: balance below withdrawal minimum")

	// ErrRequestInFlight is returned when another replica holds the wallet's
	// withdrawal lease.
	ErrRequestInFlight = errors.New("settlementd: withdrawal already in flight")

	// ErrPoolNotFound is returned when a stake references a pool that does
	// not exist.
	ErrPoolNotFound = errors.New("settlementd: pool not found")

	// ErrPoolInactive is returned when a stake references a retired pool.
	ErrPoolInactive = errors.New("settlementd: pool inactive")
)

const (
	distributeLockKey  = "distribute"
	sweepLockKey       = "sweep"
	withdrawLockPrefix = "withdraw:"
	stakeLockPrefix    = "stake:"
)

// Converter translates asset amounts into the accounting currency.
type Converter interface {
	ConvertToUSD(ctx context.Context, asset string, amount decimal.Decimal) (decimal.Decimal, error)
}

// DistributionReporter persists a distribution run for offline reconciliation.
type DistributionReporter interface {
	WriteDistribution(outcome *pooldist.Outcome) error
}

// SweepResult summarises one pass over the open withdrawal requests.
type SweepResult struct {
	Scanned  int
	Settled  int
	Failed   int
	Retried  int
	TimedOut int
}

// Processor owns the withdrawal lifecycle and reward distribution entry
// points. All replicas share one lock store, so concurrent sweeps and
// distribution runs serialise on the same leases.
type Processor struct {
	store       *storage.Store
	trees       *affiliate.TreeEngine
	calculator  *affiliate.Calculator
	levels      *affiliate.LevelSchedule
	distributor *pooldist.Distributor
	client      ledger.Client
	converter   Converter
	locker      lock.Locker
	reporter    DistributionReporter
	metrics     *observability.SettlementMetrics
	distMetrics *observability.DistributionMetrics
	logger      *slog.Logger
	now         func() time.Time

	minWithdrawUSD  decimal.Decimal
	requestDeadline time.Duration
	withdrawLockTTL time.Duration
	distributeTTL   time.Duration
	confirmAttempts int
	confirmInterval time.Duration
	submitRetries   int
	submitBackoff   time.Duration

	mu     sync.Mutex
	paused bool
}

// ProcessorOption customises the processor instance.
type ProcessorOption func(*Processor)

// WithLedger supplies the on-chain settlement client.
func WithLedger(c ledger.Client) ProcessorOption {
	return func(p *Processor) { p.client = c }
}

// WithConverter supplies the price conversion source.
func WithConverter(c Converter) ProcessorOption {
	return func(p *Processor) { p.converter = c }
}

// WithLocker supplies the shared lock store.
func WithLocker(l lock.Locker) ProcessorOption {
	return func(p *Processor) { p.locker = l }
}

// WithReporter installs a distribution report writer.
func WithReporter(r DistributionReporter) ProcessorOption {
	return func(p *Processor) { p.reporter = r }
}

// WithProcessorLogger installs a custom logger.
func WithProcessorLogger(l *slog.Logger) ProcessorOption {
	return func(p *Processor) { p.logger = l }
}

// WithProcessorClock sets the function used to derive timestamps.
func WithProcessorClock(clock func() time.Time) ProcessorOption {
	return func(p *Processor) { p.now = clock }
}

// WithMinWithdrawUSD overrides the withdrawal threshold.
func WithMinWithdrawUSD(min decimal.Decimal) ProcessorOption {
	return func(p *Processor) { p.minWithdrawUSD = min }
}

// WithRequestDeadline overrides how long a request may stay open.
func WithRequestDeadline(d time.Duration) ProcessorOption {
	return func(p *Processor) { p.requestDeadline = d }
}

// WithLockTTLs overrides the per-wallet and global distribution lease TTLs.
func WithLockTTLs(withdraw, distribute time.Duration) ProcessorOption {
	return func(p *Processor) {
		if withdraw > 0 {
			p.withdrawLockTTL = withdraw
		}
		if distribute > 0 {
			p.distributeTTL = distribute
		}
	}
}

// WithConfirmation overrides the confirmation polling window.
func WithConfirmation(attempts int, interval time.Duration) ProcessorOption {
	return func(p *Processor) {
		if attempts > 0 {
			p.confirmAttempts = attempts
		}
		if interval > 0 {
			p.confirmInterval = interval
		}
	}
}

// WithSubmitRetries overrides in-sweep submission retry behaviour.
func WithSubmitRetries(retries int, backoff time.Duration) ProcessorOption {
	return func(p *Processor) {
		if retries > 0 {
			p.submitRetries = retries
		}
		if backoff > 0 {
			p.submitBackoff = backoff
		}
	}
}

// NewProcessor constructs a settlement processor over the supplied engines.
func NewProcessor(store *storage.Store, trees *affiliate.TreeEngine, calculator *affiliate.Calculator, levels *affiliate.LevelSchedule, distributor *pooldist.Distributor, opts ...ProcessorOption) (*Processor, error) {
	if store == nil {
		return nil, fmt.Errorf("settlementd: store required")
	}
	if trees == nil || calculator == nil || levels == nil || distributor == nil {
		return nil, fmt.Errorf("settlementd: engines required")
	}
	proc := &Processor{
		store:           store,
		trees:           trees,
		calculator:      calculator,
		levels:          levels,
		distributor:     distributor,
		locker:          lock.NewMemoryLocker(),
		metrics:         observability.Settlement(),
		distMetrics:     observability.Distribution(),
		logger:          slog.Default(),
		now:             time.Now,
		minWithdrawUSD:  decimal.NewFromInt(10),
		requestDeadline: 30 * time.Minute,
		withdrawLockTTL: time.Minute,
		distributeTTL:   5 * time.Minute,
		confirmAttempts: 30,
		confirmInterval: time.Second,
		submitRetries:   3,
		submitBackoff:   2 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(proc)
		}
	}
	if proc.client == nil {
		return nil, fmt.Errorf("settlementd: ledger client required")
	}
	if proc.converter == nil {
		return nil, fmt.Errorf("settlementd: converter required")
	}
	return proc, nil
}

// Pause halts mutating operations until Resume is called.
func (p *Processor) Pause() {
	p.mu.Lock()
	p.paused = true
	p.mu.Unlock()
	p.metrics.SetPaused(true)
	p.logger.Warn("settlement processor paused")
}

// Resume lifts an administrative pause.
func (p *Processor) Resume() {
	p.mu.Lock()
	p.paused = false
	p.mu.Unlock()
	p.metrics.SetPaused(false)
	p.logger.Info("settlement processor resumed")
}

// Paused reports whether the processor is administratively paused.
func (p *Processor) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// StatusSnapshot reports the processor's administrative state.
type StatusSnapshot struct {
	Paused          bool     `json:"paused"`
	MinWithdrawUSD  string   `json:"minWithdrawUsd"`
	RequestDeadline string   `json:"requestDeadline"`
	LevelPercents   []string `json:"levelPercents"`
}

// Status returns a point-in-time snapshot of the processor configuration.
func (p *Processor) Status() StatusSnapshot {
	percents := p.levels.Snapshot()
	rendered := make([]string, 0, len(percents))
	for _, pct := range percents {
		rendered = append(rendered, pct.String())
	}
	return StatusSnapshot{
		Paused:          p.Paused(),
		MinWithdrawUSD:  p.minWithdrawUSD.StringFixed(2),
		RequestDeadline: p.requestDeadline.String(),
		LevelPercents:   rendered,
	}
}

// ProcessTrade computes and persists commission rewards for one trade, then
// folds the volume into the trader's aggregate counters.
func (p *Processor) ProcessTrade(ctx context.Context, ev affiliate.TradeEvent) ([]affiliate.Commission, error) {
	if p.Paused() {
		return nil, ErrProcessorPaused
	}
	start := p.now()
	entries, err := p.calculator.Calculate(ctx, ev)
	if err != nil {
		p.distMetrics.RecordRun("commission", "error", p.now().Sub(start))
		return nil, err
	}
	if err := p.store.InsertCommissions(ctx, entries); err != nil {
		p.distMetrics.RecordRun("commission", "error", p.now().Sub(start))
		return nil, err
	}
	if err := p.store.RecordTrade(ctx, ev.Wallet, ev.Volume); err != nil {
		return nil, err
	}
	total := decimal.Zero
	for _, entry := range entries {
		total = total.Add(entry.Amount)
	}
	p.distMetrics.RecordRun("commission", "ok", p.now().Sub(start))
	p.distMetrics.AddDistributed("commission", total.InexactFloat64())
	return entries, nil
}

// CreateWithdrawRequest aggregates the wallet's unlinked rewards into a new
// PENDING request. The wallet lease guarantees at most one open aggregation
// per wallet across replicas.
func (p *Processor) CreateWithdrawRequest(ctx context.Context, wallet, asset string) (*storage.WithdrawalRequest, error) {
	if p.Paused() {
		return nil, ErrProcessorPaused
	}
	wallet = strings.TrimSpace(wallet)
	if wallet == "" {
		return nil, fmt.Errorf("settlementd: wallet required")
	}
	asset = strings.ToUpper(strings.TrimSpace(asset))
	if asset == "" {
		return nil, fmt.Errorf("settlementd: asset required")
	}

	var req *storage.WithdrawalRequest
	err := lock.WithLock(ctx, p.locker, withdrawLockPrefix+wallet, p.withdrawLockTTL, func(ctx context.Context) error {
		rewards, err := p.store.UnlinkedRewardsFor(ctx, wallet, asset)
		if err != nil {
			return err
		}
		if rewards.Empty() || rewards.Total.Sign() <= 0 {
			return storage.ErrNoRewards
		}
		usd, err := p.converter.ConvertToUSD(ctx, asset, rewards.Total)
		if err != nil {
			p.metrics.RecordError(asset, "oracle")
			return err
		}
		if usd.LessThan(p.minWithdrawUSD) {
			return fmt.Errorf("%w: %s USD, minimum %s", ErrBelowMinimum, usd.StringFixed(2), p.minWithdrawUSD.StringFixed(2))
		}
		now := p.now().UTC()
		req = &storage.WithdrawalRequest{
			ID:          newRequestID(),
			Wallet:      wallet,
			Asset:       asset,
			AmountAsset: rewards.Total,
			AmountUSD:   usd,
			Status:      string(StatePending),
			Deadline:    now.Add(p.requestDeadline),
			CreatedAt:   now,
		}
		return p.store.CreateWithdrawal(ctx, req, rewards)
	})
	if err != nil {
		if errors.Is(err, lock.ErrHeld) {
			return nil, fmt.Errorf("%w: %s", ErrRequestInFlight, wallet)
		}
		return nil, err
	}
	p.logger.Info("withdrawal request created",
		"request", req.ID.String(),
		"wallet", wallet,
		"asset", asset,
		"amount", req.AmountAsset.String(),
		"usd", req.AmountUSD.StringFixed(2))
	return req, nil
}

// SweepOnce walks every open request: expired ones fail and release their
// rewards, the rest are submitted and confirmed on chain. The sweep lease
// keeps replicas from double-submitting the same request; a pass that finds
// the lease held returns an empty result.
func (p *Processor) SweepOnce(ctx context.Context) (SweepResult, error) {
	result := SweepResult{}
	err := lock.WithLock(ctx, p.locker, sweepLockKey, p.distributeTTL, func(ctx context.Context) error {
		return p.sweepLocked(ctx, &result)
	})
	if errors.Is(err, lock.ErrHeld) {
		p.logger.Info("withdrawal sweep skipped, lease held elsewhere")
		return SweepResult{}, nil
	}
	return result, err
}

func (p *Processor) sweepLocked(ctx context.Context, result *SweepResult) error {
	open, err := p.store.OpenWithdrawals(ctx, string(StatePending), string(StateRetry))
	if err != nil {
		return err
	}
	result.Scanned = len(open)
	p.metrics.SetOpenRequests(len(open))

	now := p.now().UTC()
	for i := range open {
		req := &open[i]
		if p.Paused() {
			return ErrProcessorPaused
		}
		if now.After(req.Deadline) {
			if err := p.transition(ctx, req, StateFailed, ""); err != nil {
				return err
			}
			result.Failed++
			p.logger.Warn("withdrawal deadline lapsed, rewards released",
				"request", req.ID.String(), "wallet", req.Wallet)
			continue
		}
		switch state, err := p.settle(ctx, req); {
		case err != nil:
			return err
		case state == StateSuccess:
			result.Settled++
		case state == StateFailed:
			result.Failed++
		case state == StateRetry:
			result.Retried++
		}
	}
	p.refreshBalanceGauges(ctx)
	return nil
}

// refreshBalanceGauges republishes the outstanding unwithdrawn balance per
// asset. Gauge staleness is tolerable, so conversion failures only log.
func (p *Processor) refreshBalanceGauges(ctx context.Context) {
	totals, err := p.store.UnwithdrawnTotals(ctx)
	if err != nil {
		p.logger.Warn("unwithdrawn balance query failed", "err", err)
		return
	}
	for asset, total := range totals {
		usd, err := p.converter.ConvertToUSD(ctx, asset, total)
		if err != nil {
			continue
		}
		p.metrics.SetUnwithdrawn(asset, usd.InexactFloat64())
	}
}

// settle submits the transfer for one request and resolves its next state.
func (p *Processor) settle(ctx context.Context, req *storage.WithdrawalRequest) (State, error) {
	destination, err := p.store.PayoutAddressFor(ctx, req.Wallet)
	if err != nil {
		return State(req.Status), err
	}
	if destination == "" {
		destination = req.Wallet
	}
	start := p.now()

	txRef, submitErr := p.submitWithRetries(ctx, ledger.Transfer{
		To:        destination,
		Asset:     req.Asset,
		Amount:    req.AmountAsset,
		Reference: req.ID.String(),
	})
	if submitErr != nil {
		p.metrics.RecordError(req.Asset, "submit")
		p.logger.Warn("withdrawal submission exhausted retries",
			"request", req.ID.String(), "wallet", req.Wallet, "err", submitErr)
		return p.applyRetry(ctx, req)
	}

	confirmErr := ledger.AwaitConfirmation(ctx, p.client, txRef, p.confirmAttempts, p.confirmInterval)
	switch {
	case confirmErr == nil:
		if err := p.transition(ctx, req, StateSuccess, txRef); err != nil {
			return State(req.Status), err
		}
		p.metrics.ObserveSettleLatency(req.Asset, p.now().Sub(start))
		p.logger.Info("withdrawal settled",
			"request", req.ID.String(), "wallet", req.Wallet, "tx", txRef)
		return StateSuccess, nil
	case errors.Is(confirmErr, ledger.ErrTransferReverted):
		p.metrics.RecordError(req.Asset, "reverted")
		if err := p.transition(ctx, req, StateFailed, txRef); err != nil {
			return State(req.Status), err
		}
		p.logger.Error("withdrawal transfer reverted",
			"request", req.ID.String(), "wallet", req.Wallet, "tx", txRef)
		return StateFailed, nil
	case errors.Is(confirmErr, ledger.ErrConfirmationTimeout):
		p.metrics.RecordError(req.Asset, "confirm_timeout")
		p.logger.Warn("withdrawal confirmation window closed",
			"request", req.ID.String(), "wallet", req.Wallet, "tx", txRef)
		return p.applyRetry(ctx, req)
	default:
		return State(req.Status), confirmErr
	}
}

func (p *Processor) submitWithRetries(ctx context.Context, transfer ledger.Transfer) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= p.submitRetries; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(p.submitBackoff):
			}
		}
		txRef, err := p.client.Submit(ctx, transfer)
		if err == nil {
			return txRef, nil
		}
		lastErr = err
		p.logger.Warn("withdrawal submission failed",
			"reference", transfer.Reference, "attempt", attempt, "err", err)
	}
	return "", lastErr
}

func (p *Processor) applyRetry(ctx context.Context, req *storage.WithdrawalRequest) (State, error) {
	if err := p.transition(ctx, req, StateRetry, ""); err != nil {
		return State(req.Status), err
	}
	return StateRetry, nil
}

// transition validates the move against the state machine before persisting it.
func (p *Processor) transition(ctx context.Context, req *storage.WithdrawalRequest, next State, txRef string) error {
	current := State(req.Status)
	if _, err := current.Transition(next); err != nil {
		return err
	}
	switch next {
	case StateSuccess:
		if err := p.store.FinalizeWithdrawal(ctx, req.ID, txRef); err != nil {
			return err
		}
	case StateFailed:
		if err := p.store.FailWithdrawal(ctx, req.ID); err != nil {
			return err
		}
	case StateRetry:
		if err := p.store.MarkWithdrawalRetry(ctx, req.ID); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, next)
	}
	req.Status = string(next)
	p.metrics.RecordSweepOutcome(string(next))
	return nil
}

// Run sweeps on the configured cadence until the context is cancelled.
func (p *Processor) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			result, err := p.SweepOnce(ctx)
			if err != nil {
				if errors.Is(err, ErrProcessorPaused) {
					continue
				}
				p.logger.Error("withdrawal sweep failed", "err", err)
				continue
			}
			if result.Scanned > 0 {
				p.logger.Info("withdrawal sweep complete",
					"scanned", result.Scanned,
					"settled", result.Settled,
					"failed", result.Failed,
					"retried", result.Retried)
			}
		}
	}
}

// DistributeToken runs one pool distribution under the global lease so only
// one replica distributes at a time.
func (p *Processor) DistributeToken(ctx context.Context, token string, allocation decimal.Decimal, force bool) (*pooldist.Outcome, error) {
	if p.Paused() {
		return nil, ErrProcessorPaused
	}
	var outcome *pooldist.Outcome
	start := p.now()
	err := lock.WithLock(ctx, p.locker, distributeLockKey, p.distributeTTL, func(ctx context.Context) error {
		var err error
		outcome, err = p.distributor.Distribute(ctx, token, allocation, force)
		return err
	})
	if err != nil {
		outcomeLabel := "error"
		if errors.Is(err, pooldist.ErrAlreadyDistributed) {
			outcomeLabel = "duplicate"
		}
		p.distMetrics.RecordRun("pool", outcomeLabel, p.now().Sub(start))
		return nil, err
	}
	label := "ok"
	if outcome.Skipped {
		label = "skipped"
	}
	p.distMetrics.RecordRun("pool", label, p.now().Sub(start))
	p.distMetrics.AddDistributed("pool", outcome.Distributed.InexactFloat64())
	if outcome.Distributed.Sub(outcome.Allocation).Abs().GreaterThan(decimal.New(1, -2)) && !outcome.Skipped {
		p.distMetrics.RecordMismatch("pool")
	}
	if p.reporter != nil {
		if err := p.reporter.WriteDistribution(outcome); err != nil {
			p.logger.Warn("distribution report write failed", "token", token, "err", err)
		}
	}
	return outcome, nil
}

// CreatePool records a new reward pool and confirms its funding transfer
// on chain before the pool accrues distribution weight. An unconfirmed
// funding marks the pool ERROR rather than deleting it. The creator's stake
// lease guarantees at most one pool mutation per wallet across replicas.
func (p *Processor) CreatePool(ctx context.Context, creator string, initialVolume decimal.Decimal, fundingTx string) (*storage.RewardPool, error) {
	if p.Paused() {
		return nil, ErrProcessorPaused
	}
	creator = strings.TrimSpace(creator)
	if creator == "" {
		return nil, fmt.Errorf("settlementd: creator required")
	}
	if initialVolume.Sign() <= 0 {
		return nil, fmt.Errorf("settlementd: initial volume must be positive")
	}
	var pool *storage.RewardPool
	err := lock.WithLock(ctx, p.locker, stakeLockPrefix+creator, p.withdrawLockTTL, func(ctx context.Context) error {
		pool = &storage.RewardPool{
			ID:            newRequestID(),
			Creator:       creator,
			InitialVolume: initialVolume,
			Active:        true,
			Status:        string(pooldist.StakePending),
			TxRef:         fundingTx,
			CreatedAt:     p.now().UTC(),
		}
		if err := p.store.CreatePool(ctx, pool); err != nil {
			return err
		}
		status := p.confirmFunding(ctx, fundingTx)
		if err := p.store.UpdatePoolStatus(ctx, pool.ID, string(status), fundingTx); err != nil {
			return err
		}
		pool.Status = string(status)
		return nil
	})
	if err != nil {
		if errors.Is(err, lock.ErrHeld) {
			return nil, fmt.Errorf("%w: %s", ErrRequestInFlight, creator)
		}
		return nil, err
	}
	if pool.Status == string(pooldist.StakeError) {
		p.logger.Error("pool funding unconfirmed",
			"pool", pool.ID.String(), "creator", creator, "tx", fundingTx)
	}
	return pool, nil
}

// Stake records a wallet's stake in a pool, confirming its funding transfer
// before it counts toward distribution weight. The pool must exist and still
// be active; the staker's lease serialises stakes per wallet.
func (p *Processor) Stake(ctx context.Context, poolID uuid.UUID, wallet string, volume decimal.Decimal, fundingTx string) (*storage.PoolStake, error) {
	if p.Paused() {
		return nil, ErrProcessorPaused
	}
	wallet = strings.TrimSpace(wallet)
	if wallet == "" {
		return nil, fmt.Errorf("settlementd: wallet required")
	}
	if volume.Sign() <= 0 {
		return nil, fmt.Errorf("settlementd: volume must be positive")
	}
	var stake *storage.PoolStake
	err := lock.WithLock(ctx, p.locker, stakeLockPrefix+wallet, p.withdrawLockTTL, func(ctx context.Context) error {
		pool, err := p.store.PoolByID(ctx, poolID)
		if err != nil {
			return err
		}
		if pool == nil {
			return fmt.Errorf("%w: %s", ErrPoolNotFound, poolID)
		}
		if !pool.Active {
			return fmt.Errorf("%w: %s", ErrPoolInactive, poolID)
		}
		stake = &storage.PoolStake{
			ID:        newRequestID(),
			PoolID:    pool.ID,
			Wallet:    wallet,
			Volume:    volume,
			Status:    string(pooldist.StakePending),
			TxRef:     fundingTx,
			CreatedAt: p.now().UTC(),
		}
		if err := p.store.CreateStake(ctx, stake); err != nil {
			return err
		}
		status := p.confirmFunding(ctx, fundingTx)
		if err := p.store.UpdateStakeStatus(ctx, stake.ID, string(status), fundingTx); err != nil {
			return err
		}
		stake.Status = string(status)
		return nil
	})
	if err != nil {
		if errors.Is(err, lock.ErrHeld) {
			return nil, fmt.Errorf("%w: %s", ErrRequestInFlight, wallet)
		}
		return nil, err
	}
	if stake.Status == string(pooldist.StakeError) {
		p.logger.Error("stake funding unconfirmed",
			"stake", stake.ID.String(), "pool", poolID.String(), "wallet", wallet, "tx", fundingTx)
	}
	return stake, nil
}

// confirmFunding polls an inbound funding transfer, mapping the result onto
// the stake status model.
func (p *Processor) confirmFunding(ctx context.Context, txRef string) pooldist.StakeStatus {
	if strings.TrimSpace(txRef) == "" {
		return pooldist.StakeError
	}
	if err := ledger.AwaitConfirmation(ctx, p.client, txRef, p.confirmAttempts, p.confirmInterval); err != nil {
		return pooldist.StakeError
	}
	return pooldist.StakeActive
}

func newRequestID() uuid.UUID { return uuid.New() }
