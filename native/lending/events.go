package lending

import (
	"math/big"

	"peerlend/core/events"
	"peerlend/core/types"
	"peerlend/crypto"
)

const (
	EventTypeLoanCreated      = "loan.created"
	EventTypeLoanFeeCollected = "loan.fee_collected"
	EventTypeLoanRepaid       = "loan.repaid"
	EventTypeLoanClaimed      = "loan.claimed"
	EventTypeLoanLiquidated   = "loan.liquidated"
	EventTypeLoanExtended     = "loan.extended"
	EventTypeExtensionMade    = "loan.extension_made"
)

type loanEvent struct {
	evt *types.Event
}

func (e loanEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e loanEvent) Event() *types.Event { return e.evt }

func newLoanEvent(eventType string, loanID uint64, attrs map[string]string) loanEvent {
	if attrs == nil {
		attrs = make(map[string]string)
	}
	attrs["loanId"] = events.FormatUint(loanID)
	return loanEvent{evt: &types.Event{Type: eventType, Attributes: attrs}}
}

func newLoanCreatedEvent(loan *Loan, lender crypto.Address, gross *big.Int) loanEvent {
	return newLoanEvent(EventTypeLoanCreated, loan.ID, map[string]string{
		"borrower":         loan.Borrower.String(),
		"lender":           lender.String(),
		"proposalHash":     loan.ProposalHash.Hex(),
		"proposalType":     loan.ProposalType.String(),
		"collateral":       loan.Collateral.String(),
		"creditAddress":    loan.CreditAddress.String(),
		"creditAmount":     events.FormatAmount(gross),
		"principal":        events.FormatAmount(loan.Principal),
		"fixedInterest":    events.FormatAmount(loan.FixedInterest),
		"apr":              events.FormatUint(uint64(loan.AccruingInterestAPR)),
		"defaultTimestamp": events.FormatInt(loan.DefaultTimestamp),
	})
}

func newFeeCollectedEvent(loanID uint64, credit crypto.Address, fee *big.Int, collector crypto.Address) loanEvent {
	return newLoanEvent(EventTypeLoanFeeCollected, loanID, map[string]string{
		"creditAddress": credit.String(),
		"fee":           events.FormatAmount(fee),
		"collector":     collector.String(),
	})
}

func newRepaidEvent(loan *Loan, payer crypto.Address, amount, interestPaid *big.Int, routedTo crypto.Address) loanEvent {
	return newLoanEvent(EventTypeLoanRepaid, loan.ID, map[string]string{
		"payer":         payer.String(),
		"amount":        events.FormatAmount(amount),
		"interestPaid":  events.FormatAmount(interestPaid),
		"principal":     events.FormatAmount(loan.Principal),
		"fixedInterest": events.FormatAmount(loan.FixedInterest),
		"unclaimed":     events.FormatAmount(loan.Unclaimed),
		"routedTo":      routedTo.String(),
	})
}

func newClaimedEvent(loanID uint64, holder crypto.Address, credit *big.Int, collateral *types.Asset, closed bool) loanEvent {
	attrs := map[string]string{
		"holder": holder.String(),
		"credit": events.FormatAmount(credit),
		"closed": boolString(closed),
	}
	if collateral != nil {
		attrs["collateral"] = collateral.String()
	}
	return newLoanEvent(EventTypeLoanClaimed, loanID, attrs)
}

func newLiquidatedEvent(loan *Loan, liquidator crypto.Address, settlement, debt *big.Int) loanEvent {
	return newLoanEvent(EventTypeLoanLiquidated, loan.ID, map[string]string{
		"liquidator": liquidator.String(),
		"settlement": events.FormatAmount(settlement),
		"debt":       events.FormatAmount(debt),
		"collateral": loan.Collateral.String(),
		"unclaimed":  events.FormatAmount(loan.Unclaimed),
	})
}

func newExtendedEvent(loan *Loan, hash crypto.Hash, duration uint64, compensation *big.Int) loanEvent {
	return newLoanEvent(EventTypeLoanExtended, loan.ID, map[string]string{
		"extensionHash":    hash.Hex(),
		"duration":         events.FormatUint(duration),
		"compensation":     events.FormatAmount(compensation),
		"defaultTimestamp": events.FormatInt(loan.DefaultTimestamp),
	})
}

func newExtensionMadeEvent(ext *Extension, hash crypto.Hash) loanEvent {
	return newLoanEvent(EventTypeExtensionMade, ext.LoanID, map[string]string{
		"extensionHash": hash.Hex(),
		"proposer":      ext.Proposer.String(),
	})
}

func boolString(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
