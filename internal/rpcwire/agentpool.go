package rpcwire

import (
	"context"
	"sync"

	"wasmorc/internal/orcapi"
)

// AgentPool is the Control-Plane-side view of every Node Agent it has
// ever talked to: one cached Client per node_endpoint, dialed lazily.
// It implements both controlplane.AgentClient and recovery.AgentLister,
// whose methods all take nodeEndpoint per call rather than being bound
// to one node at construction time, since a single Control Plane talks
// to many nodes over its lifetime.
type AgentPool struct {
	mu      sync.Mutex
	clients map[string]*Client
}

// NewAgentPool returns an empty AgentPool.
func NewAgentPool() *AgentPool {
	return &AgentPool{clients: make(map[string]*Client)}
}

func (p *AgentPool) clientFor(endpoint string) *Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.clients[endpoint]
	if !ok {
		c = NewClient(endpoint)
		p.clients[endpoint] = c
	}
	return c
}

// Start implements controlplane.AgentClient.
func (p *AgentPool) Start(ctx context.Context, nodeEndpoint, instanceID, entryPoint string, moduleBytes []byte, policy orcapi.RestartPolicy) error {
	return p.clientFor(nodeEndpoint).Start(ctx, nodeEndpoint, instanceID, entryPoint, moduleBytes, policy)
}

// Stop implements controlplane.AgentClient.
func (p *AgentPool) Stop(ctx context.Context, nodeEndpoint, instanceID string) error {
	return p.clientFor(nodeEndpoint).Stop(ctx, nodeEndpoint, instanceID)
}

// AssignCapability implements controlplane.AgentClient.
func (p *AgentPool) AssignCapability(ctx context.Context, nodeEndpoint, instanceID string, assignment orcapi.CapabilityAssignment) error {
	return p.clientFor(nodeEndpoint).AssignCapability(ctx, nodeEndpoint, instanceID, assignment)
}

// RevokeCapability implements controlplane.AgentClient.
func (p *AgentPool) RevokeCapability(ctx context.Context, nodeEndpoint, instanceID, capabilityID string) error {
	return p.clientFor(nodeEndpoint).RevokeCapability(ctx, nodeEndpoint, instanceID, capabilityID)
}

// ListInstances implements recovery.AgentLister.
func (p *AgentPool) ListInstances(ctx context.Context, nodeEndpoint string) ([]orcapi.InstanceSnapshot, error) {
	return p.clientFor(nodeEndpoint).ListInstances(ctx, nodeEndpoint)
}

// Heartbeat asks nodeEndpoint for its current active instance count,
// used by the Control Plane's heartbeat loop (SPEC_FULL supplement).
func (p *AgentPool) Heartbeat(ctx context.Context, nodeID, nodeEndpoint string) (int, error) {
	return p.clientFor(nodeEndpoint).Heartbeat(ctx, nodeID)
}
