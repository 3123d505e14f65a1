// Package helpers holds the handler logic shared by the chi and gin routers,
// so both answer every route with the same status codes and bodies.
package helpers

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/mark3labs/signet"
	httpsignet "github.com/mark3labs/signet/http"
)

// maxBody bounds request bodies.
const maxBody = 1 << 20

// Authorized reports whether r carries the bearer token. An empty token
// disables the check.
func Authorized(r *http.Request, token string) bool {
	if token == "" {
		return true
	}
	got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	return ok && subtle.ConstantTimeCompare([]byte(got), []byte(token)) == 1
}

// StatusFor maps an error to an HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, signet.ErrRequestNotFound):
		return http.StatusNotFound
	case errors.Is(err, signet.ErrDuplicateRequest), errors.Is(err, signet.ErrInvalidState):
		return http.StatusConflict
	}

	switch signet.CodeOf(err) {
	case signet.ErrCodeInvalidParams, signet.ErrCodeUnsupportedMethod, signet.ErrCodeUnsupportedChain:
		return http.StatusBadRequest
	case signet.ErrCodeUserRejected, signet.ErrCodeUserRejectedOnDevice:
		return http.StatusForbidden
	case signet.ErrCodeAlreadyResolved:
		return http.StatusConflict
	case signet.ErrCodeInsufficientFunds:
		return http.StatusUnprocessableEntity
	case signet.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	case signet.ErrCodeBroadcastFailed:
		return http.StatusBadGateway
	case signet.ErrCodeSessionTerminated, signet.ErrCodeBackendUnavailable, signet.ErrCodeFeeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ErrorResponse builds the body for err.
func ErrorResponse(err error) httpsignet.ErrorResponse {
	switch {
	case errors.Is(err, signet.ErrRequestNotFound):
		return httpsignet.ErrorResponse{Error: httpsignet.ErrorBody{Code: httpsignet.CodeNotFound, Message: err.Error()}}
	case errors.Is(err, signet.ErrInvalidState):
		return httpsignet.ErrorResponse{Error: httpsignet.ErrorBody{Code: httpsignet.CodeConflict, Message: err.Error()}}
	}

	se := signet.AsSigningError(err)
	return httpsignet.ErrorResponse{Error: httpsignet.ErrorBody{
		Code:    string(se.Code),
		Message: se.UserMessage(),
		RPCCode: se.RPCCode(),
		Details: se.Details,
	}}
}

// WriteJSON writes v with status.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Headers are already sent; an encoding failure leaves a truncated body.
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes the error response for err.
func WriteError(w http.ResponseWriter, err error) {
	WriteJSON(w, StatusFor(err), ErrorResponse(err))
}

// Decode reads a JSON body into v. An empty body leaves v untouched.
func Decode(r io.Reader, v interface{}) error {
	data, err := io.ReadAll(io.LimitReader(r, maxBody+1))
	if err != nil {
		return signet.InvalidParams("body", err.Error())
	}
	if len(data) > maxBody {
		return signet.InvalidParams("body", fmt.Sprintf("larger than %d bytes", maxBody))
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return signet.InvalidParams("body", err.Error())
	}
	return nil
}

// Submit runs POST /requests: it blocks until the request is resolved or the
// caller goes away, which dismisses it.
func Submit(w http.ResponseWriter, r *http.Request, approvals httpsignet.Approvals) {
	var body httpsignet.SubmitRequest
	if err := Decode(r.Body, &body); err != nil {
		WriteError(w, err)
		return
	}
	outcome, err := approvals.Handle(r.Context(), body.Inbound())
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, outcome)
}

// List runs GET /approvals.
func List(w http.ResponseWriter, approvals httpsignet.Approvals) {
	pending := approvals.Pending()
	if pending == nil {
		pending = []signet.DisplayData{}
	}
	WriteJSON(w, http.StatusOK, pending)
}

// Get runs GET /approvals/{id}.
func Get(w http.ResponseWriter, approvals httpsignet.Approvals, id string) {
	display, ok := approvals.Get(id)
	if !ok {
		WriteError(w, fmt.Errorf("%w: %s", signet.ErrRequestNotFound, id))
		return
	}
	WriteJSON(w, http.StatusOK, display)
}

// Approve runs POST /approvals/{id}/approve. The body is the ApprovalContext.
// The response is sent once signing finishes, with the signing error if any.
func Approve(w http.ResponseWriter, r *http.Request, approvals httpsignet.Approvals, id string) {
	var actx signet.ApprovalContext
	if err := Decode(r.Body, &actx); err != nil {
		WriteError(w, err)
		return
	}
	if err := approvals.Approve(id, actx); err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, httpsignet.DecisionResponse{RequestID: id, Status: "approved"})
}

// Reject runs POST /approvals/{id}/reject.
func Reject(w http.ResponseWriter, r *http.Request, approvals httpsignet.Approvals, id string) {
	var body httpsignet.RejectRequest
	if err := Decode(r.Body, &body); err != nil {
		WriteError(w, err)
		return
	}
	if err := approvals.Reject(id, body.Reason); err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, httpsignet.DecisionResponse{RequestID: id, Status: "rejected"})
}

// Dismiss runs POST /approvals/{id}/dismiss.
func Dismiss(w http.ResponseWriter, approvals httpsignet.Approvals, id string) {
	if err := approvals.Dismiss(id); err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, httpsignet.DecisionResponse{RequestID: id, Status: "dismissed"})
}
