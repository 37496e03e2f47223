package proposal

import (
	"context"
	"math/big"

	"peerlend/core/types"
	"peerlend/crypto"
)

// Simple proposes a loan with fixed collateral and credit amounts.
type Simple struct {
	CollateralCategory   types.Category `json:"collateralCategory"`
	CollateralAddress    crypto.Address `json:"collateralAddress"`
	CollateralID         *big.Int       `json:"collateralId"`
	CollateralAmount     *big.Int       `json:"collateralAmount"`
	CreditAddress        crypto.Address `json:"creditAddress"`
	CreditAmount         *big.Int       `json:"creditAmount"`
	AvailableCreditLimit *big.Int       `json:"availableCreditLimit"`
	FixedInterestAmount  *big.Int       `json:"fixedInterestAmount"`
	AccruingInterestAPR  uint32         `json:"accruingInterestAPR"`
	Duration             uint64         `json:"duration"`
	Expiration           uint64         `json:"expiration"`
	AllowedAcceptor      crypto.Address `json:"allowedAcceptor"`
	Proposer             crypto.Address `json:"proposer"`
	IsOffer              bool           `json:"isOffer"`
	NonceSpace           uint64         `json:"nonceSpace"`
	Nonce                *big.Int       `json:"nonce"`
	LoanContract         crypto.Address `json:"loanContract"`
}

// Kind implements Proposal.
func (*Simple) Kind() string { return KindSimple }

// ProposerAddress implements Proposal.
func (p *Simple) ProposerAddress() crypto.Address { return p.Proposer }

var simpleTypeTag = []byte("Proposal(uint8 collateralCategory,address collateralAddress,uint256 collateralId,uint256 collateralAmount,address creditAddress,uint256 creditAmount,uint256 availableCreditLimit,uint256 fixedInterestAmount,uint32 accruingInterestAPR,uint64 duration,uint64 expiration,address allowedAcceptor,address proposer,bool isOffer,uint64 nonceSpace,uint256 nonce,address loanContract)")

// SimpleType accepts Simple proposals.
type SimpleType struct {
	*Base
}

// NewSimpleType returns the simple proposal type living at address.
func NewSimpleType(address crypto.Address, chainID uint64, deps Deps) *SimpleType {
	return &SimpleType{Base: newBase(address, chainID, deps)}
}

func (t *SimpleType) cast(p Proposal) (*Simple, error) {
	simple, ok := p.(*Simple)
	if !ok || simple == nil {
		return nil, ErrTypeMismatch
	}
	return simple, nil
}

// Hash returns the digest the proposer signs.
func (t *SimpleType) Hash(p Proposal) (crypto.Hash, error) {
	simple, err := t.cast(p)
	if err != nil {
		return crypto.Hash{}, err
	}
	structHash, err := StructHash(simpleTypeTag, simple)
	if err != nil {
		return crypto.Hash{}, err
	}
	return Digest(t.domain, structHash), nil
}

// Make registers p on-ledger so it can be accepted without a signature.
func (t *SimpleType) Make(caller crypto.Address, p Proposal) (crypto.Hash, error) {
	hash, err := t.Hash(p)
	if err != nil {
		return crypto.Hash{}, err
	}
	if err := t.makeProposal(caller, p.ProposerAddress(), hash); err != nil {
		return crypto.Hash{}, err
	}
	return hash, nil
}

// Accept verifies p for acceptor and returns the resulting loan terms.
func (t *SimpleType) Accept(ctx context.Context, caller, acceptor crypto.Address, p Proposal, _ Values, auth Authorization) (*Terms, error) {
	simple, err := t.cast(p)
	if err != nil {
		return nil, err
	}
	if simple.CreditAmount == nil || simple.CollateralAmount == nil || simple.Nonce == nil {
		return nil, ErrMissingField
	}
	hash, err := t.Hash(simple)
	if err != nil {
		return nil, err
	}
	err = t.Base.Accept(ctx, caller, Check{
		Hash:                 hash,
		Proposer:             simple.Proposer,
		Acceptor:             acceptor,
		AllowedAcceptor:      simple.AllowedAcceptor,
		LoanContract:         simple.LoanContract,
		CreditAmount:         simple.CreditAmount,
		AvailableCreditLimit: simple.AvailableCreditLimit,
		NonceSpace:           simple.NonceSpace,
		Nonce:                simple.Nonce,
		Expiration:           simple.Expiration,
		Auth:                 auth,
	})
	if err != nil {
		return nil, err
	}
	lender, borrower := partiesFor(simple.IsOffer, simple.Proposer, acceptor)
	return &Terms{
		Lender:   lender,
		Borrower: borrower,
		Duration: simple.Duration,
		Collateral: types.Asset{
			Category: simple.CollateralCategory,
			Address:  simple.CollateralAddress,
			ID:       cloneInt(simple.CollateralID),
			Amount:   cloneInt(simple.CollateralAmount),
		},
		Credit:              types.Fungible(simple.CreditAddress, simple.CreditAmount),
		FixedInterestAmount: cloneInt(simple.FixedInterestAmount),
		AccruingInterestAPR: simple.AccruingInterestAPR,
		ProposalHash:        hash,
		ProposalType:        t.address,
		Proposer:            simple.Proposer,
		NonceSpace:          simple.NonceSpace,
		Nonce:               cloneInt(simple.Nonce),
	}, nil
}
