package proposal

import (
	"context"
	"math/big"

	"github.com/holiman/uint256"

	"peerlend/core/types"
	"peerlend/crypto"
)

// CreditPerCollateralUnitDenominator scales Fungible.CreditPerCollateralUnit.
var CreditPerCollateralUnitDenominator = new(big.Int).Exp(big.NewInt(10), big.NewInt(38), nil)

// Fungible proposes a loan whose credit amount is derived from the collateral
// amount the acceptor chooses: credit = collateral * rate / 1e38.
type Fungible struct {
	CollateralCategory      types.Category `json:"collateralCategory"`
	CollateralAddress       crypto.Address `json:"collateralAddress"`
	CollateralID            *big.Int       `json:"collateralId"`
	MinCollateralAmount     *big.Int       `json:"minCollateralAmount"`
	CreditAddress           crypto.Address `json:"creditAddress"`
	CreditPerCollateralUnit *big.Int       `json:"creditPerCollateralUnit"`
	AvailableCreditLimit    *big.Int       `json:"availableCreditLimit"`
	FixedInterestAmount     *big.Int       `json:"fixedInterestAmount"`
	AccruingInterestAPR     uint32         `json:"accruingInterestAPR"`
	Duration                uint64         `json:"duration"`
	Expiration              uint64         `json:"expiration"`
	AllowedAcceptor         crypto.Address `json:"allowedAcceptor"`
	Proposer                crypto.Address `json:"proposer"`
	IsOffer                 bool           `json:"isOffer"`
	NonceSpace              uint64         `json:"nonceSpace"`
	Nonce                   *big.Int       `json:"nonce"`
	LoanContract            crypto.Address `json:"loanContract"`
}

// Kind implements Proposal.
func (*Fungible) Kind() string { return KindFungible }

// ProposerAddress implements Proposal.
func (p *Fungible) ProposerAddress() crypto.Address { return p.Proposer }

var fungibleTypeTag = []byte("Proposal(uint8 collateralCategory,address collateralAddress,uint256 collateralId,uint256 minCollateralAmount,address creditAddress,uint256 creditPerCollateralUnit,uint256 availableCreditLimit,uint256 fixedInterestAmount,uint32 accruingInterestAPR,uint64 duration,uint64 expiration,address allowedAcceptor,address proposer,bool isOffer,uint64 nonceSpace,uint256 nonce,address loanContract)")

// FungibleType accepts Fungible proposals.
type FungibleType struct {
	*Base
}

// NewFungibleType returns the fungible proposal type living at address.
func NewFungibleType(address crypto.Address, chainID uint64, deps Deps) *FungibleType {
	return &FungibleType{Base: newBase(address, chainID, deps)}
}

func (t *FungibleType) cast(p Proposal) (*Fungible, error) {
	fungible, ok := p.(*Fungible)
	if !ok || fungible == nil {
		return nil, ErrTypeMismatch
	}
	return fungible, nil
}

// Hash returns the digest the proposer signs.
func (t *FungibleType) Hash(p Proposal) (crypto.Hash, error) {
	fungible, err := t.cast(p)
	if err != nil {
		return crypto.Hash{}, err
	}
	structHash, err := StructHash(fungibleTypeTag, fungible)
	if err != nil {
		return crypto.Hash{}, err
	}
	return Digest(t.domain, structHash), nil
}

// Make registers p on-ledger so it can be accepted without a signature.
func (t *FungibleType) Make(caller crypto.Address, p Proposal) (crypto.Hash, error) {
	hash, err := t.Hash(p)
	if err != nil {
		return crypto.Hash{}, err
	}
	if err := t.makeProposal(caller, p.ProposerAddress(), hash); err != nil {
		return crypto.Hash{}, err
	}
	return hash, nil
}

// CreditAmount derives the credit for collateralAmount units, truncating
// toward zero.
func CreditAmount(collateralAmount, creditPerCollateralUnit *big.Int) (*big.Int, error) {
	collateralBig, rateBig := cloneInt(collateralAmount), cloneInt(creditPerCollateralUnit)
	if collateralBig.Sign() < 0 || rateBig.Sign() < 0 {
		return nil, ErrCreditOverflow
	}
	collateral, overflow := uint256.FromBig(collateralBig)
	if overflow {
		return nil, ErrCreditOverflow
	}
	rate, overflow := uint256.FromBig(rateBig)
	if overflow {
		return nil, ErrCreditOverflow
	}
	denominator, _ := uint256.FromBig(CreditPerCollateralUnitDenominator)
	credit, overflow := new(uint256.Int).MulDivOverflow(collateral, rate, denominator)
	if overflow {
		return nil, ErrCreditOverflow
	}
	return credit.ToBig(), nil
}

// Accept verifies p for acceptor with the collateral amount in values and
// returns the resulting loan terms.
func (t *FungibleType) Accept(ctx context.Context, caller, acceptor crypto.Address, p Proposal, values Values, auth Authorization) (*Terms, error) {
	fungible, err := t.cast(p)
	if err != nil {
		return nil, err
	}
	if fungible.CreditPerCollateralUnit == nil || fungible.Nonce == nil || values.CollateralAmount == nil {
		return nil, ErrMissingField
	}
	if fungible.CollateralCategory == types.CategoryNonFungible {
		return nil, ErrInvalidCollateral
	}
	if fungible.MinCollateralAmount == nil || fungible.MinCollateralAmount.Sign() == 0 {
		return nil, ErrMinCollateralNotSet
	}
	if values.CollateralAmount.Cmp(fungible.MinCollateralAmount) < 0 {
		return nil, ErrInsufficientCollateral
	}
	credit, err := CreditAmount(values.CollateralAmount, fungible.CreditPerCollateralUnit)
	if err != nil {
		return nil, err
	}
	if credit.Sign() == 0 {
		return nil, ErrZeroCredit
	}
	hash, err := t.Hash(fungible)
	if err != nil {
		return nil, err
	}
	err = t.Base.Accept(ctx, caller, Check{
		Hash:                 hash,
		Proposer:             fungible.Proposer,
		Acceptor:             acceptor,
		AllowedAcceptor:      fungible.AllowedAcceptor,
		LoanContract:         fungible.LoanContract,
		CreditAmount:         credit,
		AvailableCreditLimit: fungible.AvailableCreditLimit,
		NonceSpace:           fungible.NonceSpace,
		Nonce:                fungible.Nonce,
		Expiration:           fungible.Expiration,
		Auth:                 auth,
	})
	if err != nil {
		return nil, err
	}
	lender, borrower := partiesFor(fungible.IsOffer, fungible.Proposer, acceptor)
	return &Terms{
		Lender:   lender,
		Borrower: borrower,
		Duration: fungible.Duration,
		Collateral: types.Asset{
			Category: fungible.CollateralCategory,
			Address:  fungible.CollateralAddress,
			ID:       cloneInt(fungible.CollateralID),
			Amount:   cloneInt(values.CollateralAmount),
		},
		Credit:              types.Fungible(fungible.CreditAddress, credit),
		FixedInterestAmount: cloneInt(fungible.FixedInterestAmount),
		AccruingInterestAPR: fungible.AccruingInterestAPR,
		ProposalHash:        hash,
		ProposalType:        t.address,
		Proposer:            fungible.Proposer,
		NonceSpace:          fungible.NonceSpace,
		Nonce:               cloneInt(fungible.Nonce),
	}, nil
}
