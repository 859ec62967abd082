package rpcwire

import (
	"context"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"wasmorc/internal/orcapi"
)

// CPClient is the Node-Agent-side RPC client for the Control Plane: it
// calls RegisterNode once at startup and ReportStatus after every local
// state transition (internal/nodeagent.StatusReporter), plus
// ResolveProvider for distributed-provider forwarding
// (internal/nodeagent.RemoteProviderResolver). Connection handling
// mirrors Client's lazy connect-and-initialize.
type CPClient struct {
	endpoint string
	timeout  time.Duration

	mu       sync.Mutex
	mcp      client.MCPClient
	initDone bool
}

// NewCPClient returns a CPClient targeting the Control Plane's
// Agent-facing RPC endpoint.
func NewCPClient(endpoint string) *CPClient {
	return &CPClient{endpoint: endpoint, timeout: 30 * time.Second}
}

func (c *CPClient) ensureConnected(ctx context.Context) (client.MCPClient, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.initDone {
		return c.mcp, nil
	}

	mcpClient, err := client.NewStreamableHttpClient(c.endpoint)
	if err != nil {
		return nil, orcapi.NewCommunicationFailure("could not create rpc client for %s: %v", c.endpoint, err)
	}
	if err := mcpClient.Start(ctx); err != nil {
		return nil, orcapi.NewCommunicationFailure("could not start rpc transport to %s: %v", c.endpoint, err)
	}

	initCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	initReq := mcp.InitializeRequest{
		Params: struct {
			ProtocolVersion string                 `json:"protocolVersion"`
			Capabilities    mcp.ClientCapabilities `json:"capabilities"`
			ClientInfo      mcp.Implementation     `json:"clientInfo"`
		}{
			ProtocolVersion: "2024-11-05",
			ClientInfo:      mcp.Implementation{Name: "wasmorc-nodeagent", Version: ProtocolVersion},
		},
	}
	if _, err := mcpClient.Initialize(initCtx, initReq); err != nil {
		return nil, orcapi.NewCommunicationFailure("handshake with control plane %s failed: %v", c.endpoint, err)
	}

	c.mcp = mcpClient
	c.initDone = true
	return c.mcp, nil
}

func (c *CPClient) callTool(ctx context.Context, name string, args interface{}) (*mcp.CallToolResult, error) {
	mcpClient, err := c.ensureConnected(ctx)
	if err != nil {
		return nil, err
	}

	req := mcp.CallToolRequest{
		Params: struct {
			Name      string    `json:"name"`
			Arguments any       `json:"arguments,omitempty"`
			Meta      *mcp.Meta `json:"_meta,omitempty"`
		}{Name: name, Arguments: args},
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	result, err := mcpClient.CallTool(timeoutCtx, req)
	if err != nil {
		return nil, orcapi.NewCommunicationFailure("rpc call %s to %s failed: %v", name, c.endpoint, err)
	}
	if result.IsError {
		return nil, decodeToolError(result)
	}
	return result, nil
}

// RegisterNode implements the Agent's startup call into the Control
// Plane (§6).
func (c *CPClient) RegisterNode(ctx context.Context, nodeID, endpoint string, advertised []string) error {
	_, err := c.callTool(ctx, ToolRegisterNode, registerNodeParams{NodeID: nodeID, Endpoint: endpoint, Advertised: advertised})
	return err
}

// ReportStatus implements internal/nodeagent.StatusReporter.
func (c *CPClient) ReportStatus(ctx context.Context, nodeID, instanceID string, status orcapi.InstanceStatus, detail string) error {
	_, err := c.callTool(ctx, ToolReportStatus, reportStatusParams{
		NodeID:     nodeID,
		InstanceID: instanceID,
		Status:     status,
		Detail:     detail,
		Timestamp:  time.Now(),
	})
	return err
}

// ResolveProvider implements internal/nodeagent.RemoteProviderResolver.
func (c *CPClient) ResolveProvider(providerID string) (string, bool) {
	result, err := c.callTool(context.Background(), ToolResolveProvider, resolveProviderParams{ProviderID: providerID})
	if err != nil {
		return "", false
	}
	endpoint := resultText(result)
	if endpoint == "" {
		return "", false
	}
	return endpoint, true
}
