// Package loantoken implements the claim token: a transferable receipt minted
// to the lender of each loan. Whoever holds the token is owed the loan's
// settlement. The token stores only ownership, approvals and the engine that
// minted it.
package loantoken

import (
	"fmt"

	coreerrors "peerlend/core/errors"
	"peerlend/core/events"
	"peerlend/core/state"
	"peerlend/core/types"
	"peerlend/crypto"
	"peerlend/native/tags"
)

const (
	EventTypeMinted      = "loantoken.minted"
	EventTypeBurned      = "loantoken.burned"
	EventTypeTransferred = "loantoken.transferred"
	EventTypeApproval    = "loantoken.approval"
)

var (
	ErrNotActiveLoan   = fmt.Errorf("loantoken: %w: caller lacks the active loan tag", coreerrors.ErrAuthorization)
	ErrNotMinter       = fmt.Errorf("loantoken: %w: caller did not mint this token", coreerrors.ErrAuthorization)
	ErrNotOwner        = fmt.Errorf("loantoken: %w: caller is neither owner nor approved", coreerrors.ErrAuthorization)
	ErrTokenNotFound   = fmt.Errorf("loantoken: %w: token does not exist", coreerrors.ErrWrongLifecycleState)
	ErrInvalidReceiver = fmt.Errorf("loantoken: %w: invalid receiver", coreerrors.ErrTransferFailure)
)

// Token is the state-backed claim token collection.
type Token struct {
	store state.Backend
	tags  tags.View
}

type storedToken struct {
	Owner        crypto.Address
	LoanContract crypto.Address
	Approved     crypto.Address
}

// New returns the claim token collection persisted in store.
func New(store state.Backend, tagView tags.View) *Token {
	return &Token{store: store, tags: tagView}
}

var lastIDKey = state.Key("loantoken/last-id")

func tokenKey(id uint64) []byte { return state.Key("loantoken/token/", state.Uint64Key(id)) }

func operatorKey(owner, operator crypto.Address) []byte {
	return state.Key("loantoken/operator/", owner[:], operator[:])
}

// LastID returns the most recently minted id, 0 when nothing was minted.
func (t *Token) LastID() (uint64, error) {
	return state.GetUint64(t.store, lastIDKey)
}

// Mint issues a new token to owner and returns its id. Ids start at 1 and
// increase monotonically.
func (t *Token) Mint(minter, owner crypto.Address) (uint64, error) {
	if t.tags == nil || !t.tags.HasTag(minter, tags.ActiveLoan) {
		return 0, ErrNotActiveLoan
	}
	if owner.IsZero() {
		return 0, ErrInvalidReceiver
	}
	last, err := t.LastID()
	if err != nil {
		return 0, err
	}
	id := last + 1
	if err := state.PutUint64(t.store, lastIDKey, id); err != nil {
		return 0, err
	}
	if err := state.PutRLP(t.store, tokenKey(id), &storedToken{Owner: owner, LoanContract: minter}); err != nil {
		return 0, err
	}
	t.store.Emit(newTokenEvent(EventTypeMinted, id, map[string]string{
		"owner":        owner.String(),
		"loanContract": minter.String(),
	}))
	return id, nil
}

// Burn destroys id. Only the engine that minted the token may burn it.
func (t *Token) Burn(caller crypto.Address, id uint64) error {
	record, err := t.load(id)
	if err != nil {
		return err
	}
	if record.LoanContract != caller {
		return ErrNotMinter
	}
	if err := t.store.Delete(tokenKey(id)); err != nil {
		return err
	}
	t.store.Emit(newTokenEvent(EventTypeBurned, id, map[string]string{
		"owner": record.Owner.String(),
	}))
	return nil
}

// OwnerOf returns the current holder of id.
func (t *Token) OwnerOf(id uint64) (crypto.Address, error) {
	record, err := t.load(id)
	if err != nil {
		return crypto.Address{}, err
	}
	return record.Owner, nil
}

// LoanContract returns the engine that minted id.
func (t *Token) LoanContract(id uint64) (crypto.Address, error) {
	record, err := t.load(id)
	if err != nil {
		return crypto.Address{}, err
	}
	return record.LoanContract, nil
}

// Approve lets spender transfer id once. The caller must own the token or be
// an approved operator of the owner.
func (t *Token) Approve(caller, spender crypto.Address, id uint64) error {
	record, err := t.load(id)
	if err != nil {
		return err
	}
	if caller != record.Owner && !t.IsApprovedForAll(record.Owner, caller) {
		return ErrNotOwner
	}
	record.Approved = spender
	if err := state.PutRLP(t.store, tokenKey(id), record); err != nil {
		return err
	}
	t.store.Emit(newTokenEvent(EventTypeApproval, id, map[string]string{
		"owner":   record.Owner.String(),
		"spender": spender.String(),
	}))
	return nil
}

// SetApprovalForAll lets operator move every token owner holds.
func (t *Token) SetApprovalForAll(owner, operator crypto.Address, approved bool) error {
	key := operatorKey(owner, operator)
	if approved {
		return t.store.Put(key, []byte{1})
	}
	return t.store.Delete(key)
}

// IsApprovedForAll reports whether operator may move owner's tokens.
func (t *Token) IsApprovedForAll(owner, operator crypto.Address) bool {
	raw, err := t.store.Get(operatorKey(owner, operator))
	return err == nil && len(raw) == 1
}

// Transfer moves id from from to to. The caller must be the owner, the
// token's approved spender or an operator of the owner. The lending engine is
// not notified.
func (t *Token) Transfer(caller, from, to crypto.Address, id uint64) error {
	record, err := t.load(id)
	if err != nil {
		return err
	}
	if record.Owner != from {
		return ErrNotOwner
	}
	if caller != from && caller != record.Approved && !t.IsApprovedForAll(from, caller) {
		return ErrNotOwner
	}
	if to.IsZero() {
		return ErrInvalidReceiver
	}
	record.Owner = to
	record.Approved = crypto.Address{}
	if err := state.PutRLP(t.store, tokenKey(id), record); err != nil {
		return err
	}
	t.store.Emit(newTokenEvent(EventTypeTransferred, id, map[string]string{
		"from": from.String(),
		"to":   to.String(),
	}))
	return nil
}

func (t *Token) load(id uint64) (*storedToken, error) {
	record := new(storedToken)
	ok, err := state.GetRLP(t.store, tokenKey(id), record)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrTokenNotFound, id)
	}
	return record, nil
}

type tokenEvent struct {
	evt *types.Event
}

func (e tokenEvent) EventType() string { return e.evt.Type }

func (e tokenEvent) Event() *types.Event { return e.evt }

func newTokenEvent(eventType string, id uint64, attrs map[string]string) tokenEvent {
	attrs["tokenId"] = events.FormatUint(id)
	return tokenEvent{evt: &types.Event{Type: eventType, Attributes: attrs}}
}
