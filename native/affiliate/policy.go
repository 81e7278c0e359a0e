package affiliate

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/shopspring/decimal"
)

// Policy captures the commission parameters loaded from the engine policy
// file. Percent values are parsed from strings to avoid binary float drift.
type Policy struct {
	// BaseFeeRate is the platform fee rate applied to trade volume before
	// commission splits, e.g. "0.007" for 0.7%.
	BaseFeeRate decimal.Decimal
	// LevelPercents configures the traditional referral schedule, level 1 first.
	LevelPercents []decimal.Decimal
	// NodeDefaultPercents assigns the commission percent for a newly attached
	// tree member by its depth below the root (depth 1 first). Deeper
	// attachments reuse the last configured value.
	NodeDefaultPercents []decimal.Decimal
}

type policyFile struct {
	Commission struct {
		BaseFeeRate string `toml:"base_fee_rate"`
	} `toml:"commission"`
	Levels struct {
		Percents []string `toml:"percents"`
	} `toml:"levels"`
	Tree struct {
		NodeDefaults []string `toml:"node_defaults"`
	} `toml:"tree"`
}

// LoadPolicy reads and validates the TOML policy file.
func LoadPolicy(path string) (*Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}
	var file policyFile
	if err := toml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("decode policy: %w", err)
	}
	policy := &Policy{}
	policy.BaseFeeRate, err = decimal.NewFromString(file.Commission.BaseFeeRate)
	if err != nil {
		return nil, fmt.Errorf("parse base_fee_rate: %w", err)
	}
	if policy.BaseFeeRate.Sign() <= 0 {
		return nil, fmt.Errorf("base_fee_rate must be positive")
	}
	policy.LevelPercents, err = parsePercents(file.Levels.Percents)
	if err != nil {
		return nil, fmt.Errorf("parse levels.percents: %w", err)
	}
	if err := validateOrdering(policy.LevelPercents); err != nil {
		return nil, err
	}
	policy.NodeDefaultPercents, err = parsePercents(file.Tree.NodeDefaults)
	if err != nil {
		return nil, fmt.Errorf("parse tree.node_defaults: %w", err)
	}
	if len(policy.NodeDefaultPercents) == 0 {
		return nil, fmt.Errorf("tree.node_defaults must not be empty")
	}
	return policy, nil
}

func parsePercents(raw []string) ([]decimal.Decimal, error) {
	out := make([]decimal.Decimal, 0, len(raw))
	for i, value := range raw {
		parsed, err := decimal.NewFromString(value)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i+1, err)
		}
		out = append(out, parsed)
	}
	return out, nil
}
