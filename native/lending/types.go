package lending

import (
	"fmt"
	"math/big"

	"peerlend/core/types"
	"peerlend/crypto"
)

// Status is the derived lifecycle state of a loan. It is computed on read and
// never stored.
type Status uint8

const (
	// StatusDead marks a loan with nothing left to pay or claim. Dead loans
	// are erased, so the status is only observed for absent records.
	StatusDead Status = iota
	// StatusRunning loans accept repayments and extensions.
	StatusRunning
	// StatusRepaid loans have no outstanding principal but hold settled
	// credit for the claim token holder.
	StatusRepaid
	// StatusDefaulted loans passed their default timestamp with principal
	// outstanding.
	StatusDefaulted
)

func (s Status) String() string {
	switch s {
	case StatusDead:
		return "dead"
	case StatusRunning:
		return "running"
	case StatusRepaid:
		return "repaid"
	case StatusDefaulted:
		return "defaulted"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// MarshalText renders the status name in JSON payloads.
func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Loan is the engine-owned record of one loan, keyed by its claim token id.
type Loan struct {
	ID             uint64         `json:"id"`
	Borrower       crypto.Address `json:"borrower"`
	OriginalLender crypto.Address `json:"originalLender"`
	Collateral     types.Asset    `json:"collateral"`
	CreditAddress  crypto.Address `json:"creditAddress"`
	// Principal only decreases over the life of the loan.
	Principal *big.Int `json:"principal"`
	// FixedInterest is interest owed but not yet paid, including accruals
	// folded in by earlier repayments.
	FixedInterest       *big.Int       `json:"fixedInterest"`
	AccruingInterestAPR uint32         `json:"accruingInterestAPR"`
	LastAccrual         int64          `json:"lastAccrual"`
	StartTimestamp      int64          `json:"startTimestamp"`
	DefaultTimestamp    int64          `json:"defaultTimestamp"`
	Unclaimed           *big.Int       `json:"unclaimed"`
	ProposalHash        crypto.Hash    `json:"proposalHash"`
	ProposalType        crypto.Address `json:"proposalType"`
}

// Clone returns a deep copy of the loan.
func (l *Loan) Clone() *Loan {
	if l == nil {
		return nil
	}
	clone := *l
	clone.Collateral = l.Collateral.Clone()
	clone.Principal = cloneInt(l.Principal)
	clone.FixedInterest = cloneInt(l.FixedInterest)
	clone.Unclaimed = cloneInt(l.Unclaimed)
	return &clone
}

// LoanView is the query result for a loan: the record plus the values derived
// from it at query time.
type LoanView struct {
	Loan
	Status     Status         `json:"status"`
	Holder     crypto.Address `json:"holder"`
	Accrued    *big.Int       `json:"accruedInterest"`
	TotalDebt  *big.Int       `json:"totalDebt"`
	ObservedAt int64          `json:"observedAt"`
}

// storedLoan is the RLP form of Loan. RLP has no signed integers, so
// timestamps are persisted as uint64.
type storedLoan struct {
	Borrower            crypto.Address
	OriginalLender      crypto.Address
	CollateralCategory  uint8
	CollateralAddress   crypto.Address
	CollateralID        *big.Int
	CollateralAmount    *big.Int
	CreditAddress       crypto.Address
	Principal           *big.Int
	FixedInterest       *big.Int
	AccruingInterestAPR uint32
	LastAccrual         uint64
	StartTimestamp      uint64
	DefaultTimestamp    uint64
	Unclaimed           *big.Int
	ProposalHash        crypto.Hash
	ProposalType        crypto.Address
}

func newStoredLoan(l *Loan) *storedLoan {
	return &storedLoan{
		Borrower:            l.Borrower,
		OriginalLender:      l.OriginalLender,
		CollateralCategory:  uint8(l.Collateral.Category),
		CollateralAddress:   l.Collateral.Address,
		CollateralID:        nonNil(l.Collateral.ID),
		CollateralAmount:    nonNil(l.Collateral.Amount),
		CreditAddress:       l.CreditAddress,
		Principal:           nonNil(l.Principal),
		FixedInterest:       nonNil(l.FixedInterest),
		AccruingInterestAPR: l.AccruingInterestAPR,
		LastAccrual:         uint64(l.LastAccrual),
		StartTimestamp:      uint64(l.StartTimestamp),
		DefaultTimestamp:    uint64(l.DefaultTimestamp),
		Unclaimed:           nonNil(l.Unclaimed),
		ProposalHash:        l.ProposalHash,
		ProposalType:        l.ProposalType,
	}
}

func (s *storedLoan) toLoan(id uint64) *Loan {
	return &Loan{
		ID:             id,
		Borrower:       s.Borrower,
		OriginalLender: s.OriginalLender,
		Collateral: types.Asset{
			Category: types.Category(s.CollateralCategory),
			Address:  s.CollateralAddress,
			ID:       nonNil(s.CollateralID),
			Amount:   nonNil(s.CollateralAmount),
		},
		CreditAddress:       s.CreditAddress,
		Principal:           nonNil(s.Principal),
		FixedInterest:       nonNil(s.FixedInterest),
		AccruingInterestAPR: s.AccruingInterestAPR,
		LastAccrual:         int64(s.LastAccrual),
		StartTimestamp:      int64(s.StartTimestamp),
		DefaultTimestamp:    int64(s.DefaultTimestamp),
		Unclaimed:           nonNil(s.Unclaimed),
		ProposalHash:        s.ProposalHash,
		ProposalType:        s.ProposalType,
	}
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

func nonNil(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
