package affiliate

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"
)

// amountPlaces is the monetary precision carried by every commission output.
const amountPlaces = 5

// verifyTolerance is the absolute deviation between distributed and expected
// totals beyond which the conservation check logs a warning.
var verifyTolerance = decimal.New(1, -2)

// Source tags where a commission entry came from.
type Source string

const (
	SourceTree  Source = "tree"
	SourceLevel Source = "level"
)

// TradeEvent is one trading event attributed to a wallet, with volume in the
// accounting currency.
type TradeEvent struct {
	OrderRef string
	Wallet   string
	Volume   decimal.Decimal
	Asset    string
}

// Commission is the share computed for one ancestor of the trading wallet.
type Commission struct {
	OrderRef string
	Wallet   string
	Level    int
	Percent  decimal.Decimal
	Amount   decimal.Decimal
	Source   Source
	Asset    string
}

// Calculator walks a wallet's ancestor chain and splits the platform fee into
// per-ancestor commission entries. Tree membership supersedes the traditional
// flat-level model; the calculator falls back to levels only when the wallet
// belongs to no tree.
type Calculator struct {
	trees   *TreeEngine
	store   Store
	levels  *LevelSchedule
	feeRate decimal.Decimal
	logger  *slog.Logger
}

// NewCalculator constructs a calculator.
func NewCalculator(trees *TreeEngine, store Store, levels *LevelSchedule, feeRate decimal.Decimal, logger *slog.Logger) (*Calculator, error) {
	if trees == nil || store == nil || levels == nil {
		return nil, fmt.Errorf("affiliate: trees, store, and levels required")
	}
	if feeRate.Sign() <= 0 {
		return nil, fmt.Errorf("affiliate: fee rate must be positive")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Calculator{trees: trees, store: store, levels: levels, feeRate: feeRate, logger: logger}, nil
}

// Calculate produces one commission entry per contributing ancestor for the
// supplied trade. Entries carry 5-decimal-place amounts; the caller persists
// them as reward rows.
func (c *Calculator) Calculate(ctx context.Context, ev TradeEvent) ([]Commission, error) {
	if ev.Wallet == "" {
		return nil, fmt.Errorf("affiliate: wallet required")
	}
	if ev.Volume.Sign() <= 0 {
		return nil, fmt.Errorf("affiliate: volume must be positive")
	}
	fee := ev.Volume.Mul(c.feeRate)

	node, err := c.store.NodeByWallet(ctx, ev.Wallet)
	if err != nil {
		return nil, fmt.Errorf("affiliate: lookup membership: %w", err)
	}
	if node != nil {
		return c.calculateTree(ctx, ev, node, fee)
	}
	return c.calculateLevels(ctx, ev, fee)
}

func (c *Calculator) calculateTree(ctx context.Context, ev TradeEvent, node *Node, fee decimal.Decimal) ([]Commission, error) {
	tree, err := c.store.TreeByID(ctx, node.TreeID)
	if err != nil {
		return nil, fmt.Errorf("affiliate: lookup tree: %w", err)
	}
	if tree == nil {
		return nil, ErrTreeNotFound
	}
	root, err := c.store.NodeByWallet(ctx, tree.RootWallet)
	if err != nil {
		return nil, fmt.Errorf("affiliate: lookup root: %w", err)
	}
	if root == nil || !root.Active || !tree.Active {
		c.logger.Info("tree accrual halted, root disabled",
			"tree", tree.ID.String(), "order", ev.OrderRef)
		return nil, nil
	}
	ancestors, err := c.trees.Ancestors(ctx, node)
	if err != nil {
		return nil, err
	}
	entries := make([]Commission, 0, len(ancestors))
	paidPercent := decimal.Zero
	for i, ancestor := range ancestors {
		if !ancestor.Active {
			continue
		}
		percent := ancestor.Percent
		if ancestor.IsRoot() {
			// The root takes the residual, so the on-path payout never
			// exceeds the tree's total commission ceiling.
			percent = tree.TotalPercent.Sub(paidPercent)
			if percent.Sign() <= 0 {
				continue
			}
		}
		paidPercent = paidPercent.Add(percent)
		amount := fee.Mul(percent).Div(hundred).Round(amountPlaces)
		entries = append(entries, Commission{
			OrderRef: ev.OrderRef,
			Wallet:   ancestor.Wallet,
			Level:    i + 1,
			Percent:  percent,
			Amount:   amount,
			Source:   SourceTree,
			Asset:    ev.Asset,
		})
	}
	c.verify(ev, fee.Mul(paidPercent).Div(hundred), entries)
	return entries, nil
}

func (c *Calculator) calculateLevels(ctx context.Context, ev TradeEvent, fee decimal.Decimal) ([]Commission, error) {
	depth := c.levels.Depth()
	if depth > MaxTraditionalDepth {
		depth = MaxTraditionalDepth
	}
	entries := make([]Commission, 0, depth)
	expected := decimal.Zero
	seen := map[string]bool{ev.Wallet: true}
	current := ev.Wallet
	for level := 1; level <= depth; level++ {
		referrer, err := c.store.ReferrerOf(ctx, current)
		if err != nil {
			return nil, fmt.Errorf("affiliate: lookup referrer: %w", err)
		}
		if referrer == "" || seen[referrer] {
			break
		}
		seen[referrer] = true
		percent, err := c.levels.Percent(level)
		if err != nil {
			return nil, err
		}
		amount := fee.Mul(percent).Div(hundred).Round(amountPlaces)
		expected = expected.Add(fee.Mul(percent).Div(hundred))
		entries = append(entries, Commission{
			OrderRef: ev.OrderRef,
			Wallet:   referrer,
			Level:    level,
			Percent:  percent,
			Amount:   amount,
			Source:   SourceLevel,
			Asset:    ev.Asset,
		})
		current = referrer
	}
	c.verify(ev, expected, entries)
	return entries, nil
}

// verify sums distributed amounts against the expected total and logs a
// warning when the deviation exceeds the tolerance. Rounding drift is
// tolerated, never corrected.
func (c *Calculator) verify(ev TradeEvent, expected decimal.Decimal, entries []Commission) {
	total := decimal.Zero
	for _, entry := range entries {
		total = total.Add(entry.Amount)
	}
	if total.Sub(expected).Abs().GreaterThan(verifyTolerance) {
		c.logger.Warn("commission distribution outside tolerance",
			"order", ev.OrderRef,
			"expected", expected.String(),
			"distributed", total.String())
	}
}
