package server

import (
	"encoding/json"
	"errors"
	"net/http"

	coreerrors "peerlend/core/errors"
	"peerlend/core/state"
	nativecommon "peerlend/native/common"
	"peerlend/native/lending"
)

type problem struct {
	Error     string `json:"error"`
	Class     string `json:"class,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// statusFor maps a protocol failure onto an HTTP status code.
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, lending.ErrLoanNotFound):
		return http.StatusNotFound
	case errors.Is(err, nativecommon.ErrModulePaused):
		return http.StatusServiceUnavailable
	case errors.Is(err, state.ErrReentrantCall):
		return http.StatusConflict
	}
	switch coreerrors.Class(err) {
	case coreerrors.ErrAuthorization:
		return http.StatusForbidden
	case coreerrors.ErrExpiredOrRevoked, coreerrors.ErrWrongLifecycleState:
		return http.StatusConflict
	case coreerrors.ErrInvalidTerms, coreerrors.ErrInsufficientValue, coreerrors.ErrTransferFailure:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err for the client. Unclassified failures are logged
// and reported without detail.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		loggerFrom(r.Context()).Error("request failed", "path", r.URL.Path, "error", err)
		writeProblem(w, r, status, "internal error", nil)
		return
	}
	writeProblem(w, r, status, err.Error(), coreerrors.Class(err))
}

func writeProblem(w http.ResponseWriter, r *http.Request, status int, msg string, class error) {
	body := problem{Error: msg, RequestID: w.Header().Get(requestIDHeader)}
	if class != nil {
		body.Class = class.Error()
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
