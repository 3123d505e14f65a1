// Package http exposes the approval surface over HTTP: submitting requests,
// listing pending approvals, deciding them and streaming presenter events.
//
// The package holds the wire types, a client and the event broadcaster.
// Routers live in the chi and gin subpackages, which share their handler
// logic through internal/helpers.
package http

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/signet"
	"github.com/mark3labs/signet/normalize"
)

// Approvals is the approval surface served over HTTP. Implemented by
// *approval.Controller.
type Approvals interface {
	Handle(ctx context.Context, in normalize.Inbound) (*signet.SignOutcome, error)
	Pending() []signet.DisplayData
	Get(id string) (signet.DisplayData, bool)
	Approve(id string, actx signet.ApprovalContext) error
	Reject(id, reason string) error
	Dismiss(id string) error
}

// Route paths shared by the routers and the client.
const (
	PathRequests  = "/requests"
	PathApprovals = "/approvals"
	PathEvents    = "/events"
)

// SubmitRequest is the body of POST /requests.
type SubmitRequest struct {
	Origin  signet.Origin   `json:"origin"`
	Peer    signet.PeerMeta `json:"peer"`
	ChainID signet.ChainID  `json:"chainId"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// Inbound converts r for the normalizer.
func (r SubmitRequest) Inbound() normalize.Inbound {
	return normalize.Inbound{
		Origin:  r.Origin,
		Peer:    r.Peer,
		ChainID: r.ChainID,
		Method:  r.Method,
		Params:  r.Params,
	}
}

// RejectRequest is the body of POST /approvals/{id}/reject.
type RejectRequest struct {
	Reason string `json:"reason,omitempty"`
}

// DecisionResponse acknowledges a decision.
type DecisionResponse struct {
	RequestID string `json:"requestId"`
	Status    string `json:"status"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody describes a failure. Code is a signet.ErrorCode, or one of
// CodeNotFound and CodeConflict for registry errors that carry no code.
type ErrorBody struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	RPCCode int                    `json:"rpcCode,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Codes for registry errors.
const (
	CodeNotFound = "NOT_FOUND"
	CodeConflict = "CONFLICT"
)
