package pooldist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
)

// ErrAlreadyDistributed is returned when a token already carries distributed
// rewards and the force flag is not set.
var ErrAlreadyDistributed = errors.New("pooldist: token already distributed")

const amountPlaces = 5

var (
	hundred         = decimal.NewFromInt(100)
	creatorBonusPct = decimal.NewFromInt(10)
	verifyTolerance = decimal.New(1, -2)
)

// Distributor apportions a funding-token allocation across active pools
// proportionally to volume, with a fixed creator bonus inside each pool.
type Distributor struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// Option customises the distributor instance.
type Option func(*Distributor)

// WithLogger installs a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Distributor) { d.logger = l }
}

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) Option {
	return func(d *Distributor) { d.now = clock }
}

// New constructs a distributor over the supplied store.
func New(store Store, opts ...Option) (*Distributor, error) {
	if store == nil {
		return nil, fmt.Errorf("pooldist: store required")
	}
	dist := &Distributor{store: store, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(dist)
		}
	}
	return dist, nil
}

// Distribute runs one distribution for the funding token. The token is marked
// terminal afterwards regardless of whether any reward rows were created, so
// repeat invocations without force are no-ops.
func (d *Distributor) Distribute(ctx context.Context, token string, allocation decimal.Decimal, force bool) (*Outcome, error) {
	if token == "" {
		return nil, fmt.Errorf("pooldist: token required")
	}
	if allocation.Sign() <= 0 {
		return nil, fmt.Errorf("pooldist: allocation must be positive")
	}
	processed, err := d.store.TokenProcessed(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("pooldist: check token: %w", err)
	}
	if processed && !force {
		return nil, ErrAlreadyDistributed
	}

	closed, err := d.store.CloseOpenRounds(ctx, d.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("pooldist: close rounds: %w", err)
	}

	outcome := &Outcome{Token: token, Allocation: allocation, RoundsClose: closed}

	pools, err := d.store.ActivePools(ctx)
	if err != nil {
		return nil, fmt.Errorf("pooldist: load pools: %w", err)
	}
	type weighted struct {
		pool         Pool
		participants []Participant
		volume       decimal.Decimal
	}
	eligible := make([]weighted, 0, len(pools))
	totalVolume := decimal.Zero
	for _, pool := range pools {
		participants, volume, err := d.buildParticipants(ctx, pool)
		if err != nil {
			return nil, err
		}
		if volume.Sign() <= 0 {
			d.logger.Info("pool skipped, zero eligible volume",
				"token", token, "pool", pool.ID.String())
			continue
		}
		eligible = append(eligible, weighted{pool: pool, participants: participants, volume: volume})
		totalVolume = totalVolume.Add(volume)
	}
	outcome.TotalVolume = totalVolume

	if totalVolume.Sign() <= 0 {
		outcome.Skipped = true
		outcome.Reason = "no eligible volume"
		d.logger.Info("distribution skipped", "token", token, "reason", outcome.Reason)
		if err := d.store.MarkTokenProcessed(ctx, token, allocation); err != nil {
			return nil, fmt.Errorf("pooldist: mark token: %w", err)
		}
		return outcome, nil
	}

	rewards := make([]Reward, 0, 64)
	for _, entry := range eligible {
		share := allocation.Mul(entry.volume).Div(totalVolume)
		poolOutcome := d.splitPool(token, entry.pool, entry.participants, entry.volume, share)
		rewards = append(rewards, poolOutcome.Rewards...)
		outcome.Distributed = outcome.Distributed.Add(poolOutcome.Distributed)
		outcome.Pools = append(outcome.Pools, poolOutcome)
	}

	if outcome.Distributed.Sub(allocation).Abs().GreaterThan(verifyTolerance) {
		d.logger.Warn("token distribution outside tolerance",
			"token", token,
			"expected", allocation.String(),
			"distributed", outcome.Distributed.String())
	}

	if len(rewards) > 0 {
		if err := d.store.InsertRewards(ctx, rewards); err != nil {
			return nil, fmt.Errorf("pooldist: persist rewards: %w", err)
		}
	}
	if err := d.store.MarkTokenProcessed(ctx, token, allocation); err != nil {
		return nil, fmt.Errorf("pooldist: mark token: %w", err)
	}
	return outcome, nil
}

// splitPool gives the creator a fixed 10% of the pool share plus a
// volume-weighted slice of the remaining 90%; stakers receive volume-weighted
// slices of the 90% only.
func (d *Distributor) splitPool(token string, pool Pool, participants []Participant, volume, share decimal.Decimal) PoolOutcome {
	outcome := PoolOutcome{PoolID: pool.ID, Volume: volume, Share: share}
	bonus := share.Mul(creatorBonusPct).Div(hundred)
	weightedBudget := share.Sub(bonus)

	for _, participant := range participants {
		amount := weightedBudget.Mul(participant.Volume).Div(volume)
		if participant.Role == RoleCreator {
			amount = amount.Add(bonus)
		}
		amount = amount.Round(amountPlaces)
		if amount.Sign() <= 0 {
			continue
		}
		outcome.Rewards = append(outcome.Rewards, Reward{
			Token:  token,
			PoolID: pool.ID,
			Wallet: participant.Wallet,
			Role:   participant.Role,
			Amount: amount,
		})
		outcome.Distributed = outcome.Distributed.Add(amount)
	}

	if outcome.Distributed.Sub(share).Abs().GreaterThan(verifyTolerance) {
		d.logger.Warn("pool distribution outside tolerance",
			"token", token,
			"pool", pool.ID.String(),
			"expected", share.String(),
			"distributed", outcome.Distributed.String())
	}
	return outcome
}

// buildParticipants assembles the discriminated participant list for one pool:
// the creator with the pool's initial funding volume plus every active staker.
func (d *Distributor) buildParticipants(ctx context.Context, pool Pool) ([]Participant, decimal.Decimal, error) {
	stakes, err := d.store.ActiveStakes(ctx, pool.ID)
	if err != nil {
		return nil, decimal.Zero, fmt.Errorf("pooldist: load stakes: %w", err)
	}
	participants := make([]Participant, 0, len(stakes)+1)
	total := decimal.Zero
	if pool.InitialVolume.Sign() > 0 {
		participants = append(participants, Participant{
			Wallet: pool.Creator,
			Role:   RoleCreator,
			Volume: pool.InitialVolume,
		})
		total = total.Add(pool.InitialVolume)
	}
	for _, stake := range stakes {
		if stake.Status != StakeActive || stake.Volume.Sign() <= 0 {
			continue
		}
		participants = append(participants, Participant{
			Wallet: stake.Wallet,
			Role:   RoleStaker,
			Volume: stake.Volume,
		})
		total = total.Add(stake.Volume)
	}
	return participants, total, nil
}
