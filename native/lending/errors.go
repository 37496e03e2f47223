package lending

import (
	"fmt"

	coreerrors "peerlend/core/errors"
)

var (
	ErrZeroCaller               = fmt.Errorf("lending engine: %w: caller address required", coreerrors.ErrAuthorization)
	ErrInvalidProposalType      = fmt.Errorf("lending engine: %w: proposal type is not registered or lacks the loan proposal tag", coreerrors.ErrAuthorization)
	ErrCallerNotLoanTokenHolder = fmt.Errorf("lending engine: %w: caller does not hold the loan token", coreerrors.ErrAuthorization)
	ErrCallerNotLiquidator      = fmt.Errorf("lending engine: %w: caller may not liquidate this loan", coreerrors.ErrAuthorization)
	ErrInvalidExtensionSigner   = fmt.Errorf("lending engine: %w: extension proposer must be the borrower or the loan token holder", coreerrors.ErrAuthorization)
	ErrInvalidExtensionCaller   = fmt.Errorf("lending engine: %w: extension must be accepted by the other party", coreerrors.ErrAuthorization)
	ErrInvalidExtensionAuth     = fmt.Errorf("lending engine: %w: extension not signed or made by its proposer", coreerrors.ErrAuthorization)
	ErrCallerNotProposer        = fmt.Errorf("lending engine: %w: caller is not the extension proposer", coreerrors.ErrAuthorization)

	ErrExtensionExpired      = fmt.Errorf("lending engine: %w: extension expired", coreerrors.ErrExpiredOrRevoked)
	ErrExtensionNonceRevoked = fmt.Errorf("lending engine: %w: extension nonce not usable", coreerrors.ErrExpiredOrRevoked)

	ErrInvalidDuration          = fmt.Errorf("lending engine: %w: loan duration below minimum", coreerrors.ErrInvalidTerms)
	ErrInterestAPROutOfBounds   = fmt.Errorf("lending engine: %w: accruing interest APR above maximum", coreerrors.ErrInvalidTerms)
	ErrInvalidCreditAsset       = fmt.Errorf("lending engine: %w: invalid credit asset", coreerrors.ErrInvalidTerms)
	ErrInvalidCollateralAsset   = fmt.Errorf("lending engine: %w: invalid collateral asset", coreerrors.ErrInvalidTerms)
	ErrInvalidExtensionDuration = fmt.Errorf("lending engine: %w: extension duration out of bounds", coreerrors.ErrInvalidTerms)
	ErrInvalidCompensation      = fmt.Errorf("lending engine: %w: invalid extension compensation", coreerrors.ErrInvalidTerms)
	ErrMissingField             = fmt.Errorf("lending engine: %w: missing field", coreerrors.ErrInvalidTerms)
	ErrNonConformingModule      = fmt.Errorf("lending engine: %w: non-conforming module", coreerrors.ErrInvalidTerms)

	ErrLoanNotFound     = fmt.Errorf("lending engine: %w: loan not found", coreerrors.ErrWrongLifecycleState)
	ErrLoanNotRunning   = fmt.Errorf("lending engine: %w: loan is not running", coreerrors.ErrWrongLifecycleState)
	ErrLoanNotDefaulted = fmt.Errorf("lending engine: %w: loan is not defaulted", coreerrors.ErrWrongLifecycleState)

	ErrRepaymentTooLarge = fmt.Errorf("lending engine: %w: repayment exceeds total debt", coreerrors.ErrInsufficientValue)
	ErrInvalidAmount     = fmt.Errorf("lending engine: %w: amount must not be negative", coreerrors.ErrInsufficientValue)
	ErrSettlementTooLow  = fmt.Errorf("lending engine: %w: settlement below liquidation minimum", coreerrors.ErrInsufficientValue)
	ErrNothingToClaim    = fmt.Errorf("lending engine: %w: nothing to claim", coreerrors.ErrInsufficientValue)
)
