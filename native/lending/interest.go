package lending

import (
	"context"
	"fmt"
	"math/big"
)

// InterestModel computes interest accrued on a loan since its last accrual.
type InterestModel interface {
	AccruedInterest(ctx context.Context, loan *Loan, now int64) (*big.Int, error)
}

// DefaultModel decides whether a loan with outstanding principal has
// defaulted.
type DefaultModel interface {
	IsDefaulted(ctx context.Context, loan *Loan, now int64) (bool, error)
}

// LiquidationModel returns the minimum settlement a liquidation of a
// defaulted loan must bring, given its total debt.
type LiquidationModel interface {
	MinimumSettlement(ctx context.Context, loan *Loan, debt *big.Int, now int64) (*big.Int, error)
}

// SimpleInterest accrues non-compounding interest on the current principal
// at the loan's APR.
type SimpleInterest struct{}

// AccruedInterest implements InterestModel.
func (SimpleInterest) AccruedInterest(_ context.Context, loan *Loan, now int64) (*big.Int, error) {
	return AccruedInterest(loan.Principal, loan.AccruingInterestAPR, now-loan.LastAccrual)
}

// TimestampDefault defaults a loan once now reaches its default timestamp.
type TimestampDefault struct{}

// IsDefaulted implements DefaultModel.
func (TimestampDefault) IsDefaulted(_ context.Context, loan *Loan, now int64) (bool, error) {
	return now >= loan.DefaultTimestamp, nil
}

// DebtShareLiquidation requires a settlement of at least MinBps of the total
// debt. A zero share accepts any settlement, including none.
type DebtShareLiquidation struct {
	MinBps uint32
}

// MinimumSettlement implements LiquidationModel.
func (m DebtShareLiquidation) MinimumSettlement(_ context.Context, _ *Loan, debt *big.Int, _ int64) (*big.Int, error) {
	if m.MinBps == 0 || isZero(debt) {
		return big.NewInt(0), nil
	}
	min := new(big.Int).Mul(debt, big.NewInt(int64(m.MinBps)))
	return min.Quo(min, big.NewInt(10_000)), nil
}

// Modules groups the pluggable loan models. Nil members fall back to the
// defaults.
type Modules struct {
	Interest    InterestModel
	Default     DefaultModel
	Liquidation LiquidationModel
}

func (m Modules) withDefaults(cfg Config) Modules {
	if m.Interest == nil {
		m.Interest = SimpleInterest{}
	}
	if m.Default == nil {
		m.Default = TimestampDefault{}
	}
	if m.Liquidation == nil {
		m.Liquidation = DebtShareLiquidation{MinBps: cfg.MinLiquidationBps}
	}
	return m
}

// callModule runs a module callout. Errors, panics and negative results are
// reported as ErrNonConformingModule. The loan handed to the module is a copy.
func callModule(name string, fn func() (*big.Int, error)) (out *big.Int, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("%w: %s panicked: %v", ErrNonConformingModule, name, r)
		}
	}()
	value, err := fn()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNonConformingModule, name, err)
	}
	if value == nil || value.Sign() < 0 {
		return nil, fmt.Errorf("%w: %s returned %v", ErrNonConformingModule, name, value)
	}
	return new(big.Int).Set(value), nil
}

func (e *Engine) accrued(ctx context.Context, loan *Loan, now int64) (*big.Int, error) {
	snapshot := loan.Clone()
	return callModule("interest model", func() (*big.Int, error) {
		return e.modules.Interest.AccruedInterest(ctx, snapshot, now)
	})
}

func (e *Engine) minimumSettlement(ctx context.Context, loan *Loan, debt *big.Int, now int64) (*big.Int, error) {
	snapshot := loan.Clone()
	return callModule("liquidation model", func() (*big.Int, error) {
		return e.modules.Liquidation.MinimumSettlement(ctx, snapshot, new(big.Int).Set(debt), now)
	})
}

func (e *Engine) defaulted(ctx context.Context, loan *Loan, now int64) (defaulted bool, err error) {
	snapshot := loan.Clone()
	defer func() {
		if r := recover(); r != nil {
			defaulted, err = false, fmt.Errorf("%w: default model panicked: %v", ErrNonConformingModule, r)
		}
	}()
	defaulted, err = e.modules.Default.IsDefaulted(ctx, snapshot, now)
	if err != nil {
		return false, fmt.Errorf("%w: default model: %v", ErrNonConformingModule, err)
	}
	return defaulted, nil
}
