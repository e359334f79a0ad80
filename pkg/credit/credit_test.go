package credit

import (
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

var applyTable = []struct {
	delta    uint64
	factor   uint8
	expected uint64
}{
	{1000, 200, 2000},
	{1000, 100, 1000},
	{1000, 0, 0},
	{1000, 50, 500},
	{999, 50, 499},
	{1, 99, 0},
	{3, 33, 0},
	{100, 255, 255},
	{0, 255, 0},
	{math.MaxUint64, 100, math.MaxUint64},
	{math.MaxUint64, 0, 0},
	{math.MaxUint64, 50, math.MaxUint64 / 2},
	{math.MaxUint64, 255, math.MaxUint64},
	{math.MaxUint64 / 2, 200, math.MaxUint64 - 1},
	{math.MaxUint64/2 + 1, 200, math.MaxUint64},
}

func TestApply(t *testing.T) {
	for _, tt := range applyTable {
		t.Run(fmt.Sprintf("%d*%d", tt.delta, tt.factor), func(t *testing.T) {
			require.Equal(t, tt.expected, Apply(tt.delta, tt.factor))
		})
	}
}

func TestApplyNeutralAndZero(t *testing.T) {
	for _, delta := range []uint64{0, 1, 7, 1 << 20, 1 << 40, math.MaxUint32, math.MaxUint64 - 1, math.MaxUint64} {
		require.Equal(t, delta, Apply(delta, Neutral))
		require.Equal(t, uint64(0), Apply(delta, 0))
	}
}

func TestApplyIsMonotonic(t *testing.T) {
	var prev uint64
	for factor := 0; factor <= math.MaxUint8; factor++ {
		got := Apply(math.MaxUint64/3, uint8(factor))
		require.True(t, got >= prev, "factor %d", factor)
		prev = got
	}
}

func TestDelta(t *testing.T) {
	var table = []struct {
		name     string
		prior    uint64
		current  uint64
		hasPrior bool
		expected uint64
	}{
		{"first announce", 0, 500, false, 500},
		{"progress", 500, 1500, true, 1000},
		{"no progress", 1500, 1500, true, 0},
		{"client reset", 1500, 200, true, 200},
		{"ignores prior when absent", 1500, 200, false, 200},
	}

	for _, tt := range table {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.expected, Delta(tt.prior, tt.current, tt.hasPrior))
		})
	}
}
