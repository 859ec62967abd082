package rpcwire

import (
	"context"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"wasmorc/internal/orcapi"
)

// Control-Plane-facing tool names (§6): the three RPCs a Node Agent calls
// on the Control Plane, as opposed to ToolStart et al. above, which the
// Control Plane calls on a Node Agent.
const (
	ToolRegisterNode    = "register_node"
	ToolReportStatus    = "report_status"
	ToolResolveProvider = "resolve_provider"
)

// ControlPlaneBackend is the local Control Plane a CPServer dispatches
// Agent-originated tool calls into.
type ControlPlaneBackend interface {
	// RegisterNode records a node's existence/endpoint/advertised
	// provider types and triggers a recovery pull of its instances
	// (§6: "plus a recovery pull of the node's instances", §4.7).
	RegisterNode(ctx context.Context, nodeID, endpoint string, advertised []string) error

	// ReportStatus applies one Agent-originated status report.
	ReportStatus(ctx context.Context, nodeID, instanceID string, status orcapi.InstanceStatus, detail string, timestamp time.Time) error

	// ResolveProvider answers "which node's endpoint hosts provider_id",
	// used by an Agent's distributed-provider forwarding path (§4.5).
	ResolveProvider(providerID string) (endpoint string, ok bool)
}

// CPServer wraps a ControlPlaneBackend with an MCP server exposing
// RegisterNode, ReportStatus and ResolveProvider as tools, mirroring Server's shape for
// the opposite direction of the wire protocol.
type CPServer struct {
	backend   ControlPlaneBackend
	mcpServer *server.MCPServer
}

// NewCPServer builds a CPServer around backend. Call Serve to listen.
func NewCPServer(backend ControlPlaneBackend) *CPServer {
	mcpServer := server.NewMCPServer(
		"wasmorc-controlplane",
		ProtocolVersion,
		server.WithToolCapabilities(false),
	)
	s := &CPServer{backend: backend, mcpServer: mcpServer}
	s.registerTools()
	return s
}

func (s *CPServer) registerTools() {
	s.mcpServer.AddTool(mcp.NewTool(ToolRegisterNode, mcp.WithDescription("register a node agent with the control plane")), s.handleRegisterNode)
	s.mcpServer.AddTool(mcp.NewTool(ToolReportStatus, mcp.WithDescription("report an instance's status")), s.handleReportStatus)
	s.mcpServer.AddTool(mcp.NewTool(ToolResolveProvider, mcp.WithDescription("resolve the node endpoint hosting a provider")), s.handleResolveProvider)
}

type resolveProviderParams struct {
	ProviderID string `json:"provider_id"`
}

func (s *CPServer) handleResolveProvider(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var p resolveProviderParams
	if err := decodeArguments(req, &p); err != nil {
		return errResult(err), nil
	}
	endpoint, ok := s.backend.ResolveProvider(p.ProviderID)
	if !ok {
		return errResult(orcapi.NewProviderUnavailable(p.ProviderID)), nil
	}
	return mcp.NewToolResultText(endpoint), nil
}

type registerNodeParams struct {
	NodeID     string   `json:"node_id"`
	Endpoint   string   `json:"endpoint"`
	Advertised []string `json:"advertised"`
}

func (s *CPServer) handleRegisterNode(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var p registerNodeParams
	if err := decodeArguments(req, &p); err != nil {
		return errResult(err), nil
	}
	if err := s.backend.RegisterNode(ctx, p.NodeID, p.Endpoint, p.Advertised); err != nil {
		return errResult(err), nil
	}
	return mcp.NewToolResultText("registered"), nil
}

type reportStatusParams struct {
	NodeID     string               `json:"node_id"`
	InstanceID string               `json:"instance_id"`
	Status     orcapi.InstanceStatus `json:"status"`
	Detail     string               `json:"detail"`
	Timestamp  time.Time            `json:"timestamp"`
}

func (s *CPServer) handleReportStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var p reportStatusParams
	if err := decodeArguments(req, &p); err != nil {
		return errResult(err), nil
	}
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now()
	}
	if err := s.backend.ReportStatus(ctx, p.NodeID, p.InstanceID, p.Status, p.Detail, p.Timestamp); err != nil {
		return errResult(err), nil
	}
	return mcp.NewToolResultText("acked"), nil
}

// Serve runs the Control Plane's Agent-facing RPC listener on addr.
func (s *CPServer) Serve(ctx context.Context, addr string) error {
	httpServer := server.NewStreamableHTTPServer(s.mcpServer)
	return httpServer.Start(addr)
}
