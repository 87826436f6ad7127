package rewards

import (
	"math/rand/v2"
	"sync"
)

// Picker draws one entry from a prize pool.
type Picker interface {
	Pick(pool []PrizeEntry) (PrizeEntry, error)
}

// WeightedPicker samples entries in proportion to their weights by a linear scan
// over the cumulative distribution in pool order.
type WeightedPicker struct {
	mutex  sync.Mutex
	random *rand.Rand
}

// NewWeightedPicker returns a picker over source. A nil source uses a randomly seeded PCG.
func NewWeightedPicker(source rand.Source) *WeightedPicker {
	if source == nil {
		source = rand.NewPCG(rand.Uint64(), rand.Uint64())
	}
	return &WeightedPicker{random: rand.New(source)}
}

// Pick draws r uniformly from [0, total weight) and returns the first entry whose
// cumulative weight exceeds r.
func (picker *WeightedPicker) Pick(pool []PrizeEntry) (PrizeEntry, error) {
	var totalWeight int64
	for _, entry := range pool {
		if entry.weight <= 0 {
			return PrizeEntry{}, ErrInvalidPrize
		}
		totalWeight += entry.weight
	}
	if len(pool) == 0 || totalWeight <= 0 {
		return PrizeEntry{}, ErrEmptyPrizePool
	}
	picker.mutex.Lock()
	remaining := picker.random.Int64N(totalWeight)
	picker.mutex.Unlock()
	for _, entry := range pool {
		remaining -= entry.weight
		if remaining < 0 {
			return entry, nil
		}
	}
	return pool[len(pool)-1], nil
}
