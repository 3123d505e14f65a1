package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	mcpproto "github.com/mark3labs/mcp-go/mcp"

	"github.com/mark3labs/signet"
)

func (s *Server) listPending(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
	pending := s.approvals.Pending()
	if len(pending) == 0 {
		return mcpproto.NewToolResultText("no pending approvals"), nil
	}
	return jsonResult(pending)
}

func (s *Server) getApproval(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
	id, err := stringArg(req, "id", true)
	if err != nil {
		return mcpproto.NewToolResultError(err.Error()), nil
	}
	display, ok := s.approvals.Get(id)
	if !ok {
		return mcpproto.NewToolResultError(fmt.Sprintf("no pending request %q", id)), nil
	}
	return jsonResult(display)
}

func (s *Server) approve(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
	id, err := stringArg(req, "id", true)
	if err != nil {
		return mcpproto.NewToolResultError(err.Error()), nil
	}
	actx := signet.ApprovalContext{Priority: signet.PriorityMedium}
	if p, _ := stringArg(req, "priority", false); p != "" {
		actx.Priority = signet.Priority(p)
	}
	actx.Backend, _ = stringArg(req, "backend", false)
	if n, ok := req.GetArguments()["account"].(float64); ok {
		if n < 0 || n != float64(uint32(n)) {
			return mcpproto.NewToolResultError("account must be a non-negative integer"), nil
		}
		actx.AccountIndex = uint32(n)
	}

	s.logger.Info("approving request over mcp", "id", id, "priority", actx.Priority)
	if err := s.approvals.Approve(id, actx); err != nil {
		return toolError(err), nil
	}
	return mcpproto.NewToolResultText(fmt.Sprintf("approved %s", id)), nil
}

func (s *Server) reject(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
	id, err := stringArg(req, "id", true)
	if err != nil {
		return mcpproto.NewToolResultError(err.Error()), nil
	}
	reason, _ := stringArg(req, "reason", false)
	if err := s.approvals.Reject(id, reason); err != nil {
		return toolError(err), nil
	}
	return mcpproto.NewToolResultText(fmt.Sprintf("rejected %s", id)), nil
}

func (s *Server) dismiss(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
	id, err := stringArg(req, "id", true)
	if err != nil {
		return mcpproto.NewToolResultError(err.Error()), nil
	}
	if err := s.approvals.Dismiss(id); err != nil {
		return toolError(err), nil
	}
	return mcpproto.NewToolResultText(fmt.Sprintf("dismissed %s", id)), nil
}

func stringArg(req mcpproto.CallToolRequest, name string, required bool) (string, error) {
	v, ok := req.GetArguments()[name]
	if !ok || v == nil {
		if required {
			return "", fmt.Errorf("%s is required", name)
		}
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%s must be a string", name)
	}
	if required && s == "" {
		return "", fmt.Errorf("%s is required", name)
	}
	return s, nil
}

// toolError reports err to the model without internal detail.
func toolError(err error) *mcpproto.CallToolResult {
	switch {
	case errors.Is(err, signet.ErrRequestNotFound):
		return mcpproto.NewToolResultError("request not found")
	case errors.Is(err, signet.ErrInvalidState):
		return mcpproto.NewToolResultError("request is no longer pending")
	}
	se := signet.AsSigningError(err)
	return mcpproto.NewToolResultError(fmt.Sprintf("%s: %s", se.Code, se.UserMessage()))
}

func jsonResult(v interface{}) (*mcpproto.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return mcpproto.NewToolResultText(string(data)), nil
}
