package lending

import (
	"errors"
	"math/big"

	"github.com/holiman/uint256"
)

var (
	accrualDenominator = uint256.NewInt(APRDenominator * SecondsPerYear)
	errAccrualOverflow = errors.New("lending engine: accrued interest overflow")
)

// AccruedInterest returns principal × apr × elapsed / (10_000 × 31_536_000),
// truncated toward zero. Non-positive elapsed time accrues nothing.
func AccruedInterest(principal *big.Int, apr uint32, elapsed int64) (*big.Int, error) {
	if principal == nil || principal.Sign() == 0 || apr == 0 || elapsed <= 0 {
		return big.NewInt(0), nil
	}
	if principal.Sign() < 0 {
		return nil, errors.New("lending engine: negative principal")
	}
	p, overflow := uint256.FromBig(principal)
	if overflow {
		return nil, errAccrualOverflow
	}
	// apr < 2^32 and elapsed < 2^63, so the rate factor always fits.
	factor := new(uint256.Int).Mul(uint256.NewInt(uint64(apr)), uint256.NewInt(uint64(elapsed)))
	result, overflow := new(uint256.Int).MulDivOverflow(p, factor, accrualDenominator)
	if overflow {
		return nil, errAccrualOverflow
	}
	return result.ToBig(), nil
}

// sum adds values, treating nil as zero.
func sum(values ...*big.Int) *big.Int {
	total := new(big.Int)
	for _, v := range values {
		if v != nil {
			total.Add(total, v)
		}
	}
	return total
}

func isZero(v *big.Int) bool { return v == nil || v.Sign() == 0 }
