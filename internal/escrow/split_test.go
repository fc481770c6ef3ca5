package escrow

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeSplitStandard(t *testing.T) {
	split, err := ComputeSplit(decimal.RequireFromString("1000.00"), DefaultSplitPolicy())
	require.NoError(t, err)
	assert.True(t, split.Deposit.Equal(decimal.RequireFromString("250.00")), "deposit %s", split.Deposit)
	assert.True(t, split.Fitting.Equal(decimal.RequireFromString("500.00")), "fitting %s", split.Fitting)
	assert.True(t, split.Final.Equal(decimal.RequireFromString("250.00")), "final %s", split.Final)
}

func TestComputeSplitSumIdentity(t *testing.T) {
	totals := []string{"0", "0.01", "0.02", "0.03", "1", "7.77", "99.99", "100.01", "123.45", "999.99", "1000000.37"}
	policy := DefaultSplitPolicy()
	for _, s := range totals {
		total := decimal.RequireFromString(s)
		split, err := ComputeSplit(total, policy)
		require.NoError(t, err, "total %s", s)

		sum := split.Deposit.Add(split.Fitting).Add(split.Final)
		assert.True(t, sum.Equal(total), "total %s: parts sum to %s", s, sum)
		assert.False(t, split.Deposit.IsNegative(), "total %s", s)
		assert.False(t, split.Fitting.IsNegative(), "total %s", s)
		assert.False(t, split.Final.IsNegative(), "total %s", s)
	}
}

func TestComputeSplitRemainderGoesToFinal(t *testing.T) {
	third := decimal.NewFromInt(1).Div(decimal.NewFromInt(3))
	policy := SplitPolicy{DepositPct: third, FittingPct: third, FinalPct: decimal.NewFromInt(1).Sub(third).Sub(third)}
	split, err := ComputeSplit(decimal.NewFromInt(100), policy)
	require.NoError(t, err)
	assert.True(t, split.Deposit.Equal(decimal.RequireFromString("33.33")))
	assert.True(t, split.Fitting.Equal(decimal.RequireFromString("33.33")))
	assert.True(t, split.Final.Equal(decimal.RequireFromString("33.34")))
}

func TestComputeSplitRejectsNegativeTotal(t *testing.T) {
	_, err := ComputeSplit(decimal.RequireFromString("-1"), DefaultSplitPolicy())
	assert.Error(t, err)
}

func TestComputeSplitRejectsBadPolicy(t *testing.T) {
	bad := SplitPolicy{
		DepositPct: decimal.RequireFromString("0.5"),
		FittingPct: decimal.RequireFromString("0.5"),
		FinalPct:   decimal.RequireFromString("0.5"),
	}
	_, err := ComputeSplit(decimal.NewFromInt(100), bad)
	assert.Error(t, err)
}
