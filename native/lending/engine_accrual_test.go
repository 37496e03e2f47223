package lending

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"peerlend/core/types"
)

func TestAccruedInterestTruncates(t *testing.T) {
	cases := []struct {
		name      string
		principal *big.Int
		apr       uint32
		elapsed   int64
		want      *big.Int
	}{
		{"no time", big.NewInt(1_000), 1_000, 0, big.NewInt(0)},
		{"negative time", big.NewInt(1_000), 1_000, -5, big.NewInt(0)},
		{"full year at 100%", big.NewInt(1_000), APRDenominator, SecondsPerYear, big.NewInt(1_000)},
		{"just under one unit", big.NewInt(1), APRDenominator, SecondsPerYear - 1, big.NewInt(0)},
		{"ten percent for half a year", big.NewInt(1_000_000_000_000_000_000), 1_000, SecondsPerYear / 2, big.NewInt(50_000_000_000_000_000)},
		{"small loan short window rounds to zero", big.NewInt(100), 1_500, 86_400, big.NewInt(0)},
		{"maximum apr", big.NewInt(1_000), DefaultMaxAccruingAPR, SecondsPerYear, big.NewInt(1_600_000)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := AccruedInterest(tc.principal, tc.apr, tc.elapsed)
			if err != nil {
				t.Fatalf("accrue: %v", err)
			}
			if got.Cmp(tc.want) != 0 {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestAccruedInterestOverflow(t *testing.T) {
	_, err := AccruedInterest(types.MaxAmount, DefaultMaxAccruingAPR, 1<<62)
	if err == nil {
		t.Fatalf("expected overflow error")
	}
}

func accruingHarness(t *testing.T) (*harness, uint64) {
	t.Helper()
	h := newHarness(t)
	h.fund(h.lender, 1_000_000_000)
	h.fund(h.borrower, 1_000_000_000)
	p := h.offer()
	p.CreditAmount = big.NewInt(1_000_000_000)
	p.FixedInterestAmount = big.NewInt(0)
	p.AccruingInterestAPR = 5_000
	p.Duration = 30 * 86_400
	id, err := h.create(p, h.borrower)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	h.now += 7 * 86_400
	return h, id
}

func TestTotalDebtAccrues(t *testing.T) {
	h, id := accruingHarness(t)
	debt, err := h.engine.TotalDebt(context.Background(), id)
	if err != nil {
		t.Fatalf("total debt: %v", err)
	}
	// 1e9 * 5000 * 604800 / (10000 * 31536000) = 9589041.09...
	if debt.Cmp(big.NewInt(1_009_589_041)) != 0 {
		t.Fatalf("unexpected debt %s", debt)
	}
}

func TestPartialRepaymentsCommute(t *testing.T) {
	single, singleID := accruingHarness(t)
	split, splitID := accruingHarness(t)

	debt, err := single.engine.TotalDebt(context.Background(), singleID)
	if err != nil {
		t.Fatalf("total debt: %v", err)
	}
	if err := single.repay(singleID, 0); err != nil {
		t.Fatalf("full repay: %v", err)
	}

	first := big.NewInt(123_456_789)
	if err := split.repay(splitID, first.Int64()); err != nil {
		t.Fatalf("first installment: %v", err)
	}
	rest := new(big.Int).Sub(debt, first)
	if err := split.repay(splitID, rest.Int64()); err != nil {
		t.Fatalf("second installment: %v", err)
	}

	a := single.loan(singleID)
	b := split.loan(splitID)
	if a.Principal.Cmp(b.Principal) != 0 || a.Unclaimed.Cmp(b.Unclaimed) != 0 || a.FixedInterest.Cmp(b.FixedInterest) != 0 {
		t.Fatalf("installments diverged: single=%+v split=%+v", a.Loan, b.Loan)
	}
	if a.Unclaimed.Cmp(debt) != 0 || a.Status != StatusRepaid {
		t.Fatalf("expected repaid loan holding %s, got %+v", debt, a.Loan)
	}
}

func TestRepaymentResetsAccrualClock(t *testing.T) {
	h, id := accruingHarness(t)
	interest := big.NewInt(9_589_041)
	if err := h.repay(id, interest.Int64()); err != nil {
		t.Fatalf("repay interest: %v", err)
	}
	view := h.loan(id)
	if view.LastAccrual != h.now || view.FixedInterest.Sign() != 0 || view.Principal.Int64() != 1_000_000_000 {
		t.Fatalf("unexpected loan after interest payment: %+v", view.Loan)
	}
	if view.TotalDebt.Int64() != 1_000_000_000 {
		t.Fatalf("no interest may accrue at the reset instant, debt %s", view.TotalDebt)
	}
}

type negativeInterest struct{}

func (negativeInterest) AccruedInterest(context.Context, *Loan, int64) (*big.Int, error) {
	return big.NewInt(-1), nil
}

type panickingDefault struct{}

func (panickingDefault) IsDefaulted(context.Context, *Loan, int64) (bool, error) {
	panic("default model exploded")
}

func TestNonConformingModules(t *testing.T) {
	h := newHarness(t)
	id := h.mustCreate()

	h.engine.SetModules(Modules{Interest: negativeInterest{}})
	if err := h.repay(id, 10); !errors.Is(err, ErrNonConformingModule) {
		t.Fatalf("expected ErrNonConformingModule for negative interest, got %v", err)
	}
	h.engine.SetModules(Modules{Default: panickingDefault{}})
	if _, err := h.engine.Status(context.Background(), id); !errors.Is(err, ErrNonConformingModule) {
		t.Fatalf("expected ErrNonConformingModule for panicking default model, got %v", err)
	}
	h.engine.SetModules(Modules{})
	if err := h.repay(id, 10); err != nil {
		t.Fatalf("default modules restored: %v", err)
	}
}
