package rpcwire

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"wasmorc/internal/orcapi"
)

// Client is the Control-Plane-side RPC client for one Node Agent. It
// wraps an mcp-go client the same way the teacher's internal/agent.Client
// wraps one: lazy connect-and-initialize on first use, a fixed
// per-call timeout, and tool calls marshaled to/from JSON arguments.
type Client struct {
	endpoint string
	timeout  time.Duration

	mu       sync.Mutex
	mcp      client.MCPClient
	initDone bool
}

// NewClient returns a Client targeting a Node Agent's RPC endpoint.
func NewClient(endpoint string) *Client {
	return &Client{endpoint: endpoint, timeout: 30 * time.Second}
}

func (c *Client) ensureConnected(ctx context.Context) (client.MCPClient, error) {
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
			ClientInfo:      mcp.Implementation{Name: "wasmorc-controlplane", Version: ProtocolVersion},
		},
	}
	result, err := mcpClient.Initialize(initCtx, initReq)
	if err != nil {
		return nil, orcapi.NewCommunicationFailure("handshake with %s failed: %v", c.endpoint, err)
	}
	if result.ServerInfo.Version != "" && result.ServerInfo.Version != ProtocolVersion {
		return nil, orcapi.NewCommunicationFailure("node %s runs incompatible protocol version %s (want %s)", c.endpoint, result.ServerInfo.Version, ProtocolVersion)
	}

	c.mcp = mcpClient
	c.initDone = true
	return c.mcp, nil
}

func (c *Client) callTool(ctx context.Context, name string, args interface{}) (*mcp.CallToolResult, error) {
	mcpClient, err := c.ensureConnected(ctx)
	if err != nil {
		return nil, err
	}

	req := mcp.CallToolRequest{
		Params: struct {
			Name      string    `json:"name"`
			Arguments any       `json:"arguments,omitempty"`
			Meta      *mcp.Meta `json:"_meta,omitempty"`
		}{
			Name:      name,
			Arguments: args,
		},
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

func decodeToolError(result *mcp.CallToolResult) error {
	text := resultText(result)
	var wireErr orcapi.Error
	if err := json.Unmarshal([]byte(text), &wireErr); err == nil && wireErr.Kind != "" {
		return &wireErr
	}
	return orcapi.NewInternalError("remote call failed: %s", text)
}

func resultText(result *mcp.CallToolResult) string {
	for _, content := range result.Content {
		if text, ok := content.(mcp.TextContent); ok {
			return text.Text
		}
	}
	return ""
}

// Start implements controlplane.AgentClient.
func (c *Client) Start(ctx context.Context, nodeEndpoint, instanceID, entryPoint string, moduleBytes []byte, policy orcapi.RestartPolicy) error {
	_, err := c.callTool(ctx, ToolStart, startParams{
		InstanceID:  instanceID,
		EntryPoint:  entryPoint,
		ModuleBytes: moduleBytes,
		Policy:      policy,
	})
	return err
}

// Stop implements controlplane.AgentClient.
func (c *Client) Stop(ctx context.Context, nodeEndpoint, instanceID string) error {
	_, err := c.callTool(ctx, ToolStop, instanceIDParams{InstanceID: instanceID})
	return err
}

// AssignCapability implements controlplane.AgentClient.
func (c *Client) AssignCapability(ctx context.Context, nodeEndpoint, instanceID string, assignment orcapi.CapabilityAssignment) error {
	_, err := c.callTool(ctx, ToolAssignCapability, assignCapabilityParams{InstanceID: instanceID, Assignment: assignment})
	return err
}

// RevokeCapability implements controlplane.AgentClient.
func (c *Client) RevokeCapability(ctx context.Context, nodeEndpoint, instanceID, capabilityID string) error {
	_, err := c.callTool(ctx, ToolRevokeCapability, revokeCapabilityParams{InstanceID: instanceID, CapabilityID: capabilityID})
	return err
}

// ListInstances implements recovery.AgentLister.
func (c *Client) ListInstances(ctx context.Context, nodeEndpoint string) ([]orcapi.InstanceSnapshot, error) {
	result, err := c.callTool(ctx, ToolListInstances, struct{}{})
	if err != nil {
		return nil, err
	}
	var snapshots []orcapi.InstanceSnapshot
	if err := json.Unmarshal([]byte(resultText(result)), &snapshots); err != nil {
		return nil, orcapi.NewInternalError("could not decode instance list from %s: %v", nodeEndpoint, err)
	}
	return snapshots, nil
}

// InvokeCapability forwards a capability invocation to this client's
// Node Agent (the node hosting the assigned provider), used when the
// Agent routing layer determines the
// call must cross a node boundary (§4.5).
func (c *Client) InvokeCapability(ctx context.Context, instanceID, capabilityID, operation, domainOrTopic string, params map[string]interface{}) (interface{}, error) {
	result, err := c.callTool(ctx, ToolInvokeCapability, invokeCapabilityParams{
		InstanceID:    instanceID,
		CapabilityID:  capabilityID,
		Operation:     operation,
		DomainOrTopic: domainOrTopic,
		Params:        params,
	})
	if err != nil {
		return nil, err
	}
	var value interface{}
	if text := resultText(result); text != "" {
		if err := json.Unmarshal([]byte(text), &value); err != nil {
			return nil, orcapi.NewInternalError("could not decode invoke result: %v", err)
		}
	}
	return value, nil
}

// Heartbeat asks the Agent for its current active instance count. The
// Control Plane's heartbeat loop calls this periodically and records a
// successful response as the node's last-heartbeat timestamp via
// internal/registry.Heartbeat.
func (c *Client) Heartbeat(ctx context.Context, nodeID string) (int, error) {
	result, err := c.callTool(ctx, ToolHeartbeat, heartbeatParams{NodeID: nodeID})
	if err != nil {
		return 0, err
	}
	var payload struct {
		ActiveInstanceCount int `json:"active_instance_count"`
	}
	if err := json.Unmarshal([]byte(resultText(result)), &payload); err != nil {
		return 0, orcapi.NewInternalError("could not decode heartbeat response: %v", err)
	}
	return payload.ActiveInstanceCount, nil
}
