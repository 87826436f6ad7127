package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/MarkoPoloResearchLab/creditmeter/pkg/ledger"
	"github.com/MarkoPoloResearchLab/creditmeter/pkg/rewards"
)

// ErrInvalidCatalog reports a malformed catalog file.
var ErrInvalidCatalog = errors.New("invalid catalog")

//go:embed default_catalog.toml
var defaultCatalog string

type fileFormat struct {
	RewardStep int64            `toml:"reward_step"`
	Actions    map[string]int64 `toml:"actions"`
	Prizes     []prizeRow       `toml:"prizes"`
}

type prizeRow struct {
	Pool    string `toml:"pool"`
	Credits int64  `toml:"credits"`
	Weight  int64  `toml:"weight"`
	Label   string `toml:"label"`
}

// Catalog is the static pricing and prize configuration. It implements ledger.CostTable.
type Catalog struct {
	rewardStep int64
	costs      map[string]ledger.PositiveCredits
	prizes     rewards.PrizeTable
}

// Default returns the built-in catalog.
func Default() (*Catalog, error) {
	return Parse(defaultCatalog)
}

// Load reads the catalog at path, or the built-in catalog when path is empty.
func Load(path string) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return Default()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(string(raw))
}

// Parse decodes a TOML catalog. Unknown keys are rejected.
func Parse(raw string) (*Catalog, error) {
	var decoded fileFormat
	metadata, err := toml.Decode(raw, &decoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}
	if undecoded := metadata.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("%w: unknown key %q", ErrInvalidCatalog, undecoded[0].String())
	}

	rewardStep := decoded.RewardStep
	if rewardStep == 0 {
		rewardStep = rewards.DefaultThresholdStep
	}
	if rewardStep < 0 {
		return nil, fmt.Errorf("%w: reward_step must be positive", ErrInvalidCatalog)
	}

	costs := make(map[string]ledger.PositiveCredits, len(decoded.Actions))
	for action, credits := range decoded.Actions {
		name := strings.TrimSpace(action)
		if name == "" {
			return nil, fmt.Errorf("%w: empty action name", ErrInvalidCatalog)
		}
		cost, err := ledger.NewPositiveCredits(credits)
		if err != nil {
			return nil, fmt.Errorf("%w: action %s: %v", ErrInvalidCatalog, name, err)
		}
		costs[name] = cost
	}

	entries := make([]rewards.PrizeEntry, 0, len(decoded.Prizes))
	for index, row := range decoded.Prizes {
		pool, err := rewards.ParsePoolTag(row.Pool)
		if err != nil {
			return nil, fmt.Errorf("%w: prize %d: %v", ErrInvalidCatalog, index, err)
		}
		entry, err := rewards.NewPrizeEntry(row.Credits, row.Weight, row.Label, pool)
		if err != nil {
			return nil, fmt.Errorf("%w: prize %d: %v", ErrInvalidCatalog, index, err)
		}
		entries = append(entries, entry)
	}
	prizes, err := rewards.NewPrizeTable(entries)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}

	return &Catalog{rewardStep: rewardStep, costs: costs, prizes: prizes}, nil
}

// CostPerUnit returns the credit cost of one unit of action.
func (catalog *Catalog) CostPerUnit(action string) (ledger.PositiveCredits, bool) {
	cost, ok := catalog.costs[strings.TrimSpace(action)]
	return cost, ok
}

// Actions lists the billable action names in sorted order.
func (catalog *Catalog) Actions() []string {
	names := make([]string, 0, len(catalog.costs))
	for name := range catalog.costs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RewardStep returns the spend interval between reward thresholds.
func (catalog *Catalog) RewardStep() int64 {
	return catalog.rewardStep
}

// Prizes returns the prize pools.
func (catalog *Catalog) Prizes() rewards.PrizeTable {
	return catalog.prizes
}
