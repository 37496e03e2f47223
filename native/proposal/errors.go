package proposal

import (
	"fmt"

	coreerrors "peerlend/core/errors"
)

var (
	ErrCallerNotLoanContract    = fmt.Errorf("proposal: %w: caller is not the stated loan contract", coreerrors.ErrAuthorization)
	ErrCallerMissingActiveTag   = fmt.Errorf("proposal: %w: caller lacks the active loan tag", coreerrors.ErrAuthorization)
	ErrInvalidSignature         = fmt.Errorf("proposal: %w: invalid proposer signature", coreerrors.ErrAuthorization)
	ErrAcceptorIsProposer       = fmt.Errorf("proposal: %w: acceptor is the proposer", coreerrors.ErrAuthorization)
	ErrCallerNotAllowedAcceptor = fmt.Errorf("proposal: %w: caller is not the allowed acceptor", coreerrors.ErrAuthorization)
	ErrCallerNotProposer        = fmt.Errorf("proposal: %w: caller is not the stated proposer", coreerrors.ErrAuthorization)
	ErrExpired                  = fmt.Errorf("proposal: %w: proposal expired", coreerrors.ErrExpiredOrRevoked)
	ErrNonceNotUsable           = fmt.Errorf("proposal: %w: nonce not usable", coreerrors.ErrExpiredOrRevoked)
	ErrTypeMismatch             = fmt.Errorf("proposal: %w: proposal does not belong to this type", coreerrors.ErrInvalidTerms)
	ErrUnknownKind              = fmt.Errorf("proposal: %w: unknown proposal kind", coreerrors.ErrInvalidTerms)
	ErrMissingField             = fmt.Errorf("proposal: %w: missing field", coreerrors.ErrInvalidTerms)
	ErrMinCollateralNotSet      = fmt.Errorf("proposal: %w: minimum collateral amount not set", coreerrors.ErrInvalidTerms)
	ErrInsufficientCollateral   = fmt.Errorf("proposal: %w: collateral below proposal minimum", coreerrors.ErrInsufficientValue)
	ErrZeroCredit               = fmt.Errorf("proposal: %w: derived credit amount is zero", coreerrors.ErrInvalidTerms)
	ErrCreditOverflow           = fmt.Errorf("proposal: %w: derived credit amount overflows", coreerrors.ErrInvalidTerms)
	ErrInvalidCollateral        = fmt.Errorf("proposal: %w: collateral category not supported by proposal type", coreerrors.ErrInvalidTerms)
)
