package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"

	"peerlend/crypto"
	"peerlend/native/assets"
	"peerlend/native/proposal"
	"peerlend/services/lending/indexer"
)

const maxBodyBytes = 1 << 20

var errBadRequest = errors.New("bad request")

type proposalEnvelope struct {
	Kind     string          `json:"kind"`
	Proposal json.RawMessage `json:"proposal"`
}

type createLoanRequest struct {
	proposalEnvelope
	Values           proposal.Values        `json:"values"`
	Auth             proposal.Authorization `json:"auth"`
	CollateralPermit *assets.Permit         `json:"collateralPermit,omitempty"`
	CreditPermit     *assets.Permit         `json:"creditPermit,omitempty"`
}

type createLoanResponse struct {
	LoanID uint64 `json:"loanId"`
}

type repayRequest struct {
	Amount *big.Int       `json:"amount,omitempty"`
	Permit *assets.Permit `json:"permit,omitempty"`
}

type repayResponse struct {
	LoanID uint64   `json:"loanId"`
	Paid   *big.Int `json:"paid"`
}

type liquidateRequest struct {
	Settlement *big.Int       `json:"settlement,omitempty"`
	Permit     *assets.Permit `json:"permit,omitempty"`
}

type loanActionResponse struct {
	LoanID uint64 `json:"loanId"`
	Status string `json:"status"`
}

type hashResponse struct {
	Hash crypto.Hash `json:"hash"`
}

type revokeNonceRequest struct {
	NonceSpace uint64   `json:"nonceSpace"`
	Nonce      *big.Int `json:"nonce"`
}

type revokeSpaceResponse struct {
	NonceSpace uint64 `json:"nonceSpace"`
}

type historyResponse struct {
	LoanID uint64          `json:"loanId"`
	Events []indexer.Entry `json:"events"`
}

type balanceResponse struct {
	Contract crypto.Address `json:"contract"`
	Holder   crypto.Address `json:"holder"`
	ID       *big.Int       `json:"id,omitempty"`
	Balance  *big.Int       `json:"balance"`
}

type extendResponse struct {
	LoanID           uint64 `json:"loanId"`
	DefaultTimestamp int64  `json:"defaultTimestamp"`
}

// decodeBody reads a single JSON document into dst. Unknown fields are
// rejected. An empty body leaves dst untouched when optional is set.
func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}, optional bool) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	if decoder.More() {
		return fmt.Errorf("%w: trailing data", errBadRequest)
	}
	return nil
}
