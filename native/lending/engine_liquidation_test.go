package lending

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"peerlend/core/events"
	"peerlend/crypto"
	"peerlend/native/tags"
)

func defaultedHarness(t *testing.T, cfg Config) (*harness, uint64) {
	t.Helper()
	h := newHarnessWithConfig(t, cfg)
	id := h.mustCreate()
	h.now = startTime + 3_600
	if status, err := h.engine.Status(context.Background(), id); err != nil || status != StatusDefaulted {
		t.Fatalf("expected defaulted loan, got %s err=%v", status, err)
	}
	return h, id
}

func TestLiquidatorSettlesDefaultedLoan(t *testing.T) {
	h, id := defaultedHarness(t, DefaultConfig())
	liquidator := crypto.DeriveAddress("liquidator")
	h.tags[liquidator] = map[string]bool{tags.Liquidator: true}
	h.fund(liquidator, 80)

	err := h.engine.Liquidate(context.Background(), liquidator, LiquidateRequest{LoanID: id, Settlement: big.NewInt(80)})
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if got := h.balance(h.collateral, liquidator); got != 10 {
		t.Fatalf("expected collateral with liquidator, got %d", got)
	}
	view := h.loan(id)
	if view.Status != StatusRepaid || view.Unclaimed.Int64() != 80 || view.Principal.Sign() != 0 {
		t.Fatalf("unexpected loan after liquidation: %+v", view.Loan)
	}
	if err := h.engine.Claim(context.Background(), h.lender, id); err != nil {
		t.Fatalf("claim settlement: %v", err)
	}
	if got := h.balance(h.credit, h.lender); got != 980 {
		t.Fatalf("expected lender balance 980, got %d", got)
	}
	if status, _ := h.engine.Status(context.Background(), id); status != StatusDead {
		t.Fatalf("expected dead loan, got %s", status)
	}
}

func TestLiquidationAuthorization(t *testing.T) {
	h, id := defaultedHarness(t, DefaultConfig())
	stranger := crypto.DeriveAddress("stranger")
	h.fund(stranger, 50)
	err := h.engine.Liquidate(context.Background(), stranger, LiquidateRequest{LoanID: id, Settlement: big.NewInt(50)})
	if !errors.Is(err, ErrCallerNotLiquidator) {
		t.Fatalf("expected ErrCallerNotLiquidator, got %v", err)
	}
	if err := h.engine.Liquidate(context.Background(), h.borrower, LiquidateRequest{LoanID: id}); !errors.Is(err, ErrCallerNotLiquidator) {
		t.Fatalf("borrower may not liquidate, got %v", err)
	}
}

func TestLiquidateRunningLoanRejected(t *testing.T) {
	h := newHarness(t)
	id := h.mustCreate()
	err := h.engine.Liquidate(context.Background(), h.lender, LiquidateRequest{LoanID: id})
	if !errors.Is(err, ErrLoanNotDefaulted) {
		t.Fatalf("expected ErrLoanNotDefaulted, got %v", err)
	}
}

func TestLiquidationMinimumSettlement(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinLiquidationBps = 5_000
	h, id := defaultedHarness(t, cfg)
	liquidator := crypto.DeriveAddress("liquidator")
	h.tags[liquidator] = map[string]bool{tags.Liquidator: true}
	h.fund(liquidator, 100)

	err := h.engine.Liquidate(context.Background(), liquidator, LiquidateRequest{LoanID: id, Settlement: big.NewInt(54)})
	if !errors.Is(err, ErrSettlementTooLow) {
		t.Fatalf("expected ErrSettlementTooLow, got %v", err)
	}
	if got := h.balance(h.collateral, h.vault.Address()); got != 10 {
		t.Fatalf("rejected liquidation moved collateral, vault holds %d", got)
	}
	if err := h.engine.Liquidate(context.Background(), liquidator, LiquidateRequest{LoanID: id, Settlement: big.NewInt(55)}); err != nil {
		t.Fatalf("liquidate at minimum: %v", err)
	}
}

func TestHolderLiquidatesWithoutSettlement(t *testing.T) {
	h, id := defaultedHarness(t, DefaultConfig())
	if err := h.engine.Liquidate(context.Background(), h.lender, LiquidateRequest{LoanID: id}); err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if got := h.balance(h.collateral, h.lender); got != 10 {
		t.Fatalf("expected collateral with lender, got %d", got)
	}
	if _, err := h.engine.Loan(context.Background(), id); !errors.Is(err, ErrLoanNotFound) {
		t.Fatalf("expected loan erased, got %v", err)
	}
	var liquidated int
	for _, evt := range h.recorder.Events() {
		if evt.EventType() == EventTypeLoanLiquidated {
			liquidated++
			if got := events.Render(evt).Attributes["loanId"]; got != "1" {
				t.Fatalf("unexpected loan id attribute %q", got)
			}
		}
	}
	if liquidated != 1 {
		t.Fatalf("expected one liquidation event, got %d", liquidated)
	}
}
