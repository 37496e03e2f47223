// Package utilization tracks how much credit has been drawn against reusable
// proposals so that repeated partial acceptances never exceed the proposal's
// ceiling.
package utilization

import (
	"fmt"
	"math/big"

	coreerrors "peerlend/core/errors"
	"peerlend/core/events"
	"peerlend/core/state"
	"peerlend/core/types"
	"peerlend/crypto"
	"peerlend/native/tags"
)

const EventTypeCreditUtilized = "credit.utilized"

var (
	ErrCreditLimitExceeded = fmt.Errorf("utilization: %w: credit limit exceeded", coreerrors.ErrExpiredOrRevoked)
	ErrNotLoanProposal     = fmt.Errorf("utilization: %w: caller lacks the loan proposal tag", coreerrors.ErrAuthorization)
	ErrInvalidAmount       = fmt.Errorf("utilization: %w: amount or limit out of range", coreerrors.ErrInvalidTerms)
)

// Tracker keeps (owner, credit id) -> cumulative amount drawn.
type Tracker struct {
	store state.Backend
	tags  tags.View
}

// NewTracker returns a tracker backed by store.
func NewTracker(store state.Backend, tagView tags.View) *Tracker {
	return &Tracker{store: store, tags: tagView}
}

func utilizedKey(owner crypto.Address, creditID crypto.Hash) []byte {
	return state.Key("utilization/", owner[:], creditID[:])
}

// Utilized returns the cumulative credit drawn against creditID.
func (t *Tracker) Utilized(owner crypto.Address, creditID crypto.Hash) (*big.Int, error) {
	return state.GetBig(t.store, utilizedKey(owner, creditID))
}

// Utilize adds amount to the running total for creditID. The call fails
// without mutating when the new total would exceed limit.
func (t *Tracker) Utilize(caller, owner crypto.Address, creditID crypto.Hash, amount, limit *big.Int) error {
	if t.tags == nil || !t.tags.HasTag(caller, tags.LoanProposal) {
		return ErrNotLoanProposal
	}
	if amount == nil || limit == nil || !types.ValidAmount(amount) || !types.ValidAmount(limit) {
		return ErrInvalidAmount
	}
	current, err := t.Utilized(owner, creditID)
	if err != nil {
		return err
	}
	total := new(big.Int).Add(current, amount)
	if total.Cmp(limit) > 0 {
		return fmt.Errorf("%w: used %s + %s > %s", ErrCreditLimitExceeded, current, amount, limit)
	}
	if err := state.PutBig(t.store, utilizedKey(owner, creditID), total); err != nil {
		return err
	}
	t.store.Emit(Utilized{Owner: owner, CreditID: creditID, Amount: new(big.Int).Set(amount), Total: total})
	return nil
}

// Utilized is emitted after credit is drawn against a reusable proposal.
type Utilized struct {
	Owner    crypto.Address
	CreditID crypto.Hash
	Amount   *big.Int
	Total    *big.Int
}

// EventType satisfies events.Event.
func (Utilized) EventType() string { return EventTypeCreditUtilized }

// Event renders the attribute form.
func (e Utilized) Event() *types.Event {
	return &types.Event{Type: EventTypeCreditUtilized, Attributes: map[string]string{
		"owner":    e.Owner.String(),
		"creditId": fmt.Sprintf("%x", e.CreditID[:]),
		"amount":   events.FormatAmount(e.Amount),
		"total":    events.FormatAmount(e.Total),
	}}
}
