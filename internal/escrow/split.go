// Package escrow computes installment splits and owns the escrow fields of an
// order: stage, paid markers, balance, and the append-only audit log.
package escrow

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// SplitPolicy holds the configured installment ratios. The defaults are 25%
// deposit, 50% fitting, 25% final.
type SplitPolicy struct {
	DepositPct decimal.Decimal
	FittingPct decimal.Decimal
	FinalPct   decimal.Decimal
}

func DefaultSplitPolicy() SplitPolicy {
	return SplitPolicy{
		DepositPct: decimal.RequireFromString("0.25"),
		FittingPct: decimal.RequireFromString("0.50"),
		FinalPct:   decimal.RequireFromString("0.25"),
	}
}

func (p SplitPolicy) Validate() error {
	if p.DepositPct.IsNegative() || p.FittingPct.IsNegative() || p.FinalPct.IsNegative() {
		return fmt.Errorf("split ratios must be non-negative")
	}
	if !p.DepositPct.Add(p.FittingPct).Add(p.FinalPct).Equal(decimal.NewFromInt(1)) {
		return fmt.Errorf("split ratios must sum to 1")
	}
	return nil
}

// Split is an installment breakdown. Deposit + Fitting + Final equals the
// source total exactly.
type Split struct {
	Deposit decimal.Decimal `json:"deposit"`
	Fitting decimal.Decimal `json:"fitting"`
	Final   decimal.Decimal `json:"final"`
}

// ComputeSplit breaks total into installments at two-decimal precision. Any
// rounding remainder is absorbed into the final installment so the sum
// identity holds for every total.
func ComputeSplit(total decimal.Decimal, policy SplitPolicy) (Split, error) {
	if total.IsNegative() {
		return Split{}, fmt.Errorf("total amount must be non-negative, got %s", total)
	}
	if err := policy.Validate(); err != nil {
		return Split{}, err
	}

	deposit := total.Mul(policy.DepositPct).Round(2)
	fitting := total.Mul(policy.FittingPct).Round(2)
	final := total.Sub(deposit).Sub(fitting)
	if final.IsNegative() {
		// Rounding pushed deposit+fitting past the total; take the shortfall
		// out of fitting instead.
		fitting = fitting.Add(final)
		final = decimal.Zero
	}

	return Split{Deposit: deposit, Fitting: fitting, Final: final}, nil
}
