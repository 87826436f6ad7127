package rewards

import (
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/MarkoPoloResearchLab/creditmeter/pkg/ledger"
)

func TestWeightedPickerMatchesConfiguredWeights(test *testing.T) {
	test.Parallel()
	picker := NewWeightedPicker(rand.NewPCG(7, 11))
	pool := DefaultPrizeTable().Pool(PoolStandard)

	const draws = 200000
	counts := make(map[string]int, len(pool))
	var totalWeight int64
	for _, entry := range pool {
		totalWeight += entry.Weight()
	}
	for index := 0; index < draws; index++ {
		entry, err := picker.Pick(pool)
		if err != nil {
			test.Fatalf("pick: %v", err)
		}
		counts[entry.Label()]++
	}
	for _, entry := range pool {
		expected := float64(entry.Weight()) / float64(totalWeight)
		observed := float64(counts[entry.Label()]) / draws
		if math.Abs(expected-observed) > 0.01 {
			test.Fatalf("%s: expected share %.3f, observed %.3f", entry.Label(), expected, observed)
		}
	}
}

func TestWeightedPickerRejectsEmptyPool(test *testing.T) {
	test.Parallel()
	_, err := NewWeightedPicker(nil).Pick(nil)
	if !errors.Is(err, ErrEmptyPrizePool) {
		test.Fatalf("expected ErrEmptyPrizePool, got %v", err)
	}
	if !ledger.IsPermanent(err) {
		test.Fatalf("expected empty pool to be a permanent error")
	}
}

func TestWeightedPickerSingleEntry(test *testing.T) {
	test.Parallel()
	only := mustPrize(test, 7, 1, "lucky seven", PoolStandard)
	for index := 0; index < 50; index++ {
		entry, err := NewWeightedPicker(nil).Pick([]PrizeEntry{only})
		if err != nil {
			test.Fatalf("pick: %v", err)
		}
		if entry != only {
			test.Fatalf("expected the only entry, got %+v", entry)
		}
	}
}

func TestNewPrizeEntryValidation(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name    string
		credits int64
		weight  int64
		pool    PoolTag
		wantErr error
	}{
		{name: "valid", credits: 5, weight: 1, pool: PoolWelcome},
		{name: "zero credits", credits: 0, weight: 1, pool: PoolStandard, wantErr: ErrInvalidPrize},
		{name: "zero weight", credits: 5, weight: 0, pool: PoolStandard, wantErr: ErrInvalidPrize},
		{name: "unknown pool", credits: 5, weight: 1, pool: PoolTag("bonus"), wantErr: ErrInvalidPrize},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			entry, err := NewPrizeEntry(testCase.credits, testCase.weight, "", testCase.pool)
			if testCase.wantErr != nil {
				if !errors.Is(err, testCase.wantErr) {
					test.Fatalf("expected %v, got %v", testCase.wantErr, err)
				}
				return
			}
			if err != nil {
				test.Fatalf("unexpected error: %v", err)
			}
			if entry.Label() != "5 credits" {
				test.Fatalf("expected default label, got %q", entry.Label())
			}
		})
	}
}

func TestNewPrizeTableRequiresBothPools(test *testing.T) {
	test.Parallel()
	_, err := NewPrizeTable([]PrizeEntry{mustPrize(test, 1, 1, "", PoolStandard)})
	if !errors.Is(err, ErrEmptyPrizePool) {
		test.Fatalf("expected ErrEmptyPrizePool, got %v", err)
	}
	table, err := NewPrizeTable([]PrizeEntry{
		mustPrize(test, 1, 1, "", PoolStandard),
		mustPrize(test, 2, 1, "", PoolStandard),
		mustPrize(test, 10, 1, "", PoolWelcome),
	})
	if err != nil {
		test.Fatalf("prize table: %v", err)
	}
	if len(table.Pool(PoolStandard)) != 2 || len(table.Pool(PoolWelcome)) != 1 {
		test.Fatalf("unexpected pools %+v", table)
	}
}

func TestDefaultWelcomePoolRange(test *testing.T) {
	test.Parallel()
	for _, entry := range DefaultPrizeTable().Pool(PoolWelcome) {
		if entry.Credits() < 5 || entry.Credits() > 20 {
			test.Fatalf("welcome prize %d outside 5-20", entry.Credits())
		}
	}
}

func mustPrize(test *testing.T, credits int64, weight int64, label string, pool PoolTag) PrizeEntry {
	test.Helper()
	entry, err := NewPrizeEntry(credits, weight, label, pool)
	if err != nil {
		test.Fatalf("prize entry: %v", err)
	}
	return entry
}
