package fees

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/holiman/uint256"

	coreerrors "peerlend/core/errors"
	"peerlend/crypto"
)

// BasisPoints is the denominator of fee rates.
const BasisPoints = 10_000

var (
	ErrInvalidBps    = fmt.Errorf("fees: %w: basis points out of range", coreerrors.ErrInvalidTerms)
	ErrInvalidAmount = fmt.Errorf("fees: %w: amount out of range", coreerrors.ErrInvalidTerms)
)

var bpsDenominator = uint256.NewInt(BasisPoints)

// Split divides amount into the protocol fee and the net remainder:
// fee = amount * bps / 10000 rounded toward zero, net = amount - fee. The
// multiplication uses a 512-bit intermediate so every 256-bit amount is
// supported, and fee + net == amount always holds.
func Split(bps uint32, amount *big.Int) (fee, net *big.Int, err error) {
	if bps > BasisPoints {
		return nil, nil, ErrInvalidBps
	}
	if amount == nil || amount.Sign() < 0 {
		return nil, nil, ErrInvalidAmount
	}
	value, overflow := uint256.FromBig(amount)
	if overflow {
		return nil, nil, ErrInvalidAmount
	}
	feeValue, overflow := new(uint256.Int).MulDivOverflow(value, uint256.NewInt(uint64(bps)), bpsDenominator)
	if overflow {
		return nil, nil, errors.New("fees: fee overflow")
	}
	netValue := new(uint256.Int).Sub(value, feeValue)
	return feeValue.ToBig(), netValue.ToBig(), nil
}

// Policy is a fee rate together with the address fees are routed to.
type Policy struct {
	FeeBps    uint32
	Collector crypto.Address
}

// ApplyResult summarises a fee applied to a gross amount.
type ApplyResult struct {
	Gross     *big.Int
	Fee       *big.Int
	Net       *big.Int
	Collector crypto.Address
}

// Apply evaluates policy against gross. A zero fee never requires a
// collector.
func Apply(policy Policy, gross *big.Int) (ApplyResult, error) {
	fee, net, err := Split(policy.FeeBps, gross)
	if err != nil {
		return ApplyResult{}, err
	}
	if fee.Sign() > 0 && policy.Collector.IsZero() {
		return ApplyResult{}, ErrCollectorUnset
	}
	return ApplyResult{Gross: new(big.Int).Set(gross), Fee: fee, Net: net, Collector: policy.Collector}, nil
}
