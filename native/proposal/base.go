// Package proposal verifies off-ledger loan proposals. A proposal is a term
// set signed (or registered on-ledger) by its proposer and accepted by a
// counterparty through a lifecycle engine. Base implements the checks every
// proposal type shares: authorization, self-dealing, expiration, nonce
// freshness and credit utilization.
package proposal

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"peerlend/core/state"
	"peerlend/crypto"
	"peerlend/native/accounts"
	"peerlend/native/nonce"
	"peerlend/native/tags"
	"peerlend/native/utilization"
)

// Authorization carries the proposer's consent. Without an inclusion proof
// the signature covers the proposal hash itself; with one it covers the
// multiproposal digest of a Merkle root the hash belongs to.
type Authorization struct {
	Signature      []byte        `json:"signature,omitempty"`
	InclusionProof []crypto.Hash `json:"inclusionProof,omitempty"`
}

// Check is the input of Base.Accept.
type Check struct {
	Hash                 crypto.Hash
	Proposer             crypto.Address
	Acceptor             crypto.Address
	AllowedAcceptor      crypto.Address
	LoanContract         crypto.Address
	CreditAmount         *big.Int
	AvailableCreditLimit *big.Int
	NonceSpace           uint64
	Nonce                *big.Int
	Expiration           uint64
	Auth                 Authorization
}

// Deps groups the collaborators a proposal type consults.
type Deps struct {
	Store       state.Backend
	Tags        tags.View
	Nonces      *nonce.Registry
	Utilization *utilization.Tracker
	Accounts    *accounts.Registry
}

// Base holds the verification logic shared by proposal types. address is the
// proposal type's own address: the identity it uses towards the nonce
// registry and the utilization tracker.
type Base struct {
	address crypto.Address
	chainID uint64
	domain  crypto.Hash
	deps    Deps
	nowFn   func() int64
}

func newBase(address crypto.Address, chainID uint64, deps Deps) *Base {
	if deps.Accounts == nil {
		deps.Accounts = accounts.NewRegistry()
	}
	return &Base{
		address: address,
		chainID: chainID,
		domain:  DomainSeparator(chainID, address),
		deps:    deps,
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// Address returns the proposal type's address.
func (b *Base) Address() crypto.Address { return b.address }

// ChainID returns the chain the type's signatures are bound to.
func (b *Base) ChainID() uint64 { return b.chainID }

// Domain returns the type's signing domain separator.
func (b *Base) Domain() crypto.Hash { return b.domain }

// SetNowFunc overrides the clock used for expiration checks.
func (b *Base) SetNowFunc(now func() int64) {
	if now == nil {
		now = func() int64 { return time.Now().Unix() }
	}
	b.nowFn = now
}

func madeKey(hash crypto.Hash) []byte { return state.Key("proposal/made/", hash[:]) }

// IsMade reports whether hash was registered on-ledger by proposer.
func (b *Base) IsMade(hash crypto.Hash, proposer crypto.Address) (bool, error) {
	raw, err := b.deps.Store.Get(madeKey(hash))
	if err != nil {
		return false, err
	}
	return len(raw) == crypto.AddressLength && crypto.BytesToAddress(raw) == proposer, nil
}

// makeProposal records hash as made by proposer. Only the proposer may do so.
func (b *Base) makeProposal(caller, proposer crypto.Address, hash crypto.Hash) error {
	if caller != proposer {
		return ErrCallerNotProposer
	}
	if err := b.deps.Store.Put(madeKey(hash), proposer.Bytes()); err != nil {
		return err
	}
	b.deps.Store.Emit(newMadeEvent(b.address, hash, proposer))
	return nil
}

// Accept runs the shared acceptance checks in order and records the
// acceptance: a single-use proposal revokes its nonce, a reusable one draws
// CreditAmount against its limit. Nothing is written when a check fails.
func (b *Base) Accept(ctx context.Context, caller crypto.Address, c Check) error {
	if caller != c.LoanContract {
		return ErrCallerNotLoanContract
	}
	if b.deps.Tags == nil || !b.deps.Tags.HasTag(caller, tags.ActiveLoan) {
		return ErrCallerMissingActiveTag
	}
	if err := b.authorize(ctx, c); err != nil {
		return err
	}
	if c.Proposer == c.Acceptor {
		return ErrAcceptorIsProposer
	}
	if !c.AllowedAcceptor.IsZero() && c.Acceptor != c.AllowedAcceptor {
		return ErrCallerNotAllowedAcceptor
	}
	if now := b.nowFn(); now < 0 || uint64(now) >= c.Expiration {
		return fmt.Errorf("%w: expiration %d", ErrExpired, c.Expiration)
	}
	usable, err := b.deps.Nonces.IsUsable(c.Proposer, c.NonceSpace, c.Nonce)
	if err != nil {
		return err
	}
	if !usable {
		return ErrNonceNotUsable
	}
	limit := c.AvailableCreditLimit
	if limit == nil || limit.Sign() == 0 {
		return b.deps.Nonces.RevokeNonceFor(b.address, c.Proposer, c.NonceSpace, c.Nonce)
	}
	return b.deps.Utilization.Utilize(b.address, c.Proposer, c.Hash, c.CreditAmount, limit)
}

func (b *Base) authorize(ctx context.Context, c Check) error {
	if len(c.Auth.InclusionProof) == 0 {
		made, err := b.IsMade(c.Hash, c.Proposer)
		if err != nil {
			return err
		}
		if made || b.deps.Accounts.VerifySignature(ctx, c.Proposer, c.Hash, c.Auth.Signature) {
			return nil
		}
		return ErrInvalidSignature
	}
	root := crypto.ProcessProof(c.Auth.InclusionProof, c.Hash)
	digest := MultiproposalHash(b.chainID, root)
	if b.deps.Accounts.VerifySignature(ctx, c.Proposer, digest, c.Auth.Signature) {
		return nil
	}
	return ErrInvalidSignature
}
