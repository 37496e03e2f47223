// Package errors defines the failure classes shared by every lending
// component. Component sentinels wrap exactly one class so callers can
// classify any failure with errors.Is.
package errors

import stderrors "errors"

var (
	// ErrAuthorization covers wrong callers, missing tags and self-dealing.
	ErrAuthorization = stderrors.New("authorization error")
	// ErrExpiredOrRevoked covers expired proposals, revoked nonces and
	// exhausted credit limits.
	ErrExpiredOrRevoked = stderrors.New("expired or revoked")
	// ErrInvalidTerms covers malformed assets and out-of-range loan terms.
	ErrInvalidTerms = stderrors.New("invalid terms")
	// ErrWrongLifecycleState is returned when a loan is not in the state the
	// operation requires.
	ErrWrongLifecycleState = stderrors.New("wrong lifecycle state")
	// ErrInsufficientValue covers repayment, settlement and claim amounts that
	// are out of bounds.
	ErrInsufficientValue = stderrors.New("insufficient value")
	// ErrTransferFailure is returned when an underlying asset move is
	// rejected.
	ErrTransferFailure = stderrors.New("transfer failure")
)

var classes = []error{
	ErrAuthorization,
	ErrExpiredOrRevoked,
	ErrInvalidTerms,
	ErrWrongLifecycleState,
	ErrInsufficientValue,
	ErrTransferFailure,
}

// Class returns the failure class wrapped by err, or nil when err does not
// belong to any class.
func Class(err error) error {
	if err == nil {
		return nil
	}
	for _, class := range classes {
		if stderrors.Is(err, class) {
			return class
		}
	}
	return nil
}
