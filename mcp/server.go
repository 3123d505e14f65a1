// Package mcp exposes the approval queue as Model Context Protocol tools, so
// an operator's assistant can review and decide pending requests over the
// streamable HTTP transport.
//
// Approving is only offered when Config.AllowApprove is set; listing,
// rejecting and dismissing are always available.
package mcp

import (
	"log/slog"
	"net/http"

	mcpproto "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/mark3labs/signet"
)

// Tool names.
const (
	ToolListPending = "list_pending_approvals"
	ToolGetApproval = "get_approval"
	ToolApprove     = "approve_request"
	ToolReject      = "reject_request"
	ToolDismiss     = "dismiss_request"
)

// Approvals is the approval surface the tools act on. Implemented by
// *approval.Controller.
type Approvals interface {
	Pending() []signet.DisplayData
	Get(id string) (signet.DisplayData, bool)
	Approve(id string, actx signet.ApprovalContext) error
	Reject(id, reason string) error
	Dismiss(id string) error
}

// Config configures the MCP server.
type Config struct {
	Name    string
	Version string
	// AllowApprove registers the approve tool.
	AllowApprove bool
	Logger       *slog.Logger
}

// Server serves the approval tools.
type Server struct {
	mcpServer *mcpserver.MCPServer
	approvals Approvals
	logger    *slog.Logger
}

// NewServer creates a Server over approvals.
func NewServer(approvals Approvals, config *Config) *Server {
	if config == nil {
		config = &Config{}
	}
	name, version := config.Name, config.Version
	if name == "" {
		name = "signet"
	}
	if version == "" {
		version = "dev"
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		mcpServer: mcpserver.NewMCPServer(name, version, mcpserver.WithToolCapabilities(false)),
		approvals: approvals,
		logger:    logger,
	}

	s.mcpServer.AddTool(mcpproto.NewTool(ToolListPending,
		mcpproto.WithDescription("List signing requests waiting for a decision, oldest first"),
	), s.listPending)

	s.mcpServer.AddTool(mcpproto.NewTool(ToolGetApproval,
		mcpproto.WithDescription("Show one pending signing request with its fee quote and warnings"),
		mcpproto.WithString("id", mcpproto.Required(), mcpproto.Description("Request id")),
	), s.getApproval)

	s.mcpServer.AddTool(mcpproto.NewTool(ToolReject,
		mcpproto.WithDescription("Reject a pending signing request"),
		mcpproto.WithString("id", mcpproto.Required(), mcpproto.Description("Request id")),
		mcpproto.WithString("reason", mcpproto.Description("Reason returned to the requester")),
	), s.reject)

	s.mcpServer.AddTool(mcpproto.NewTool(ToolDismiss,
		mcpproto.WithDescription("Dismiss a pending signing request without a decision"),
		mcpproto.WithString("id", mcpproto.Required(), mcpproto.Description("Request id")),
	), s.dismiss)

	if config.AllowApprove {
		s.mcpServer.AddTool(mcpproto.NewTool(ToolApprove,
			mcpproto.WithDescription("Approve a pending signing request and wait for it to be signed"),
			mcpproto.WithString("id", mcpproto.Required(), mcpproto.Description("Request id")),
			mcpproto.WithString("priority", mcpproto.Description("Fee priority: low, medium or high")),
			mcpproto.WithString("backend", mcpproto.Description("Wallet backend; empty selects the default")),
			mcpproto.WithNumber("account", mcpproto.Description("Account index")),
		), s.approve)
	}
	return s
}

// Handler returns the streamable HTTP handler.
func (s *Server) Handler() http.Handler {
	return mcpserver.NewStreamableHTTPServer(s.mcpServer)
}

// MCPServer returns the underlying server, e.g. to serve it over stdio.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}
