package affiliate

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// MaxTraditionalDepth caps how far up the flat referral chain the calculator
// walks when a wallet belongs to no tree.
const MaxTraditionalDepth = 7

// LevelSchedule holds the reward percentage per traditional referral level.
// Level 1 is the direct referrer. Percentages are strictly decreasing with
// depth; every mutation re-validates the ordering, not only construction.
type LevelSchedule struct {
	mu       sync.RWMutex
	percents []decimal.Decimal
}

// NewLevelSchedule builds a schedule from the supplied per-level percents.
func NewLevelSchedule(percents []decimal.Decimal) (*LevelSchedule, error) {
	if len(percents) == 0 {
		return nil, fmt.Errorf("affiliate: at least one level required")
	}
	if len(percents) > MaxTraditionalDepth {
		return nil, fmt.Errorf("affiliate: at most %d levels supported", MaxTraditionalDepth)
	}
	copied := make([]decimal.Decimal, len(percents))
	copy(copied, percents)
	if err := validateOrdering(copied); err != nil {
		return nil, err
	}
	return &LevelSchedule{percents: copied}, nil
}

// Depth returns the number of configured levels.
func (s *LevelSchedule) Depth() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.percents)
}

// Percent returns the reward percentage for the supplied 1-based level.
func (s *LevelSchedule) Percent(level int) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if level < 1 || level > len(s.percents) {
		return decimal.Zero, ErrLevelNotFound
	}
	return s.percents[level-1], nil
}

// SetPercent updates one level's percentage. The update is rejected with
// ErrInvalidPercentOrdering when it would rise to or above the parent level or
// fall to or below the child level.
func (s *LevelSchedule) SetPercent(level int, percent decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if level < 1 || level > len(s.percents) {
		return ErrLevelNotFound
	}
	if percent.Sign() <= 0 || percent.GreaterThan(decimal.NewFromInt(100)) {
		return ErrInvalidPercent
	}
	candidate := make([]decimal.Decimal, len(s.percents))
	copy(candidate, s.percents)
	candidate[level-1] = percent
	if err := validateOrdering(candidate); err != nil {
		return err
	}
	s.percents = candidate
	return nil
}

// Snapshot returns a copy of the current per-level percents.
func (s *LevelSchedule) Snapshot() []decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	copied := make([]decimal.Decimal, len(s.percents))
	copy(copied, s.percents)
	return copied
}

func validateOrdering(percents []decimal.Decimal) error {
	for i, pct := range percents {
		if pct.Sign() <= 0 || pct.GreaterThan(decimal.NewFromInt(100)) {
			return ErrInvalidPercent
		}
		if i > 0 && !pct.LessThan(percents[i-1]) {
			return ErrInvalidPercentOrdering
		}
	}
	return nil
}
