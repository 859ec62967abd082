package rpcwire

import (
	"context"
	"sync"
)

// PeerDialer lazily creates and caches one Client per Node Agent
// endpoint, so the forwarding path of internal/nodeagent.PeerInvoker
// (§4.5: distributed providers) can reach any node by endpoint without
// the caller managing connection lifetimes itself.
type PeerDialer struct {
	mu      sync.Mutex
	clients map[string]*Client
}

// NewPeerDialer returns an empty PeerDialer.
func NewPeerDialer() *PeerDialer {
	return &PeerDialer{clients: make(map[string]*Client)}
}

func (d *PeerDialer) clientFor(endpoint string) *Client {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.clients[endpoint]
	if !ok {
		c = NewClient(endpoint)
		d.clients[endpoint] = c
	}
	return c
}

// InvokeCapability implements internal/nodeagent.PeerInvoker by
// forwarding to the Agent at nodeEndpoint.
func (d *PeerDialer) InvokeCapability(ctx context.Context, nodeEndpoint, instanceID, capabilityID, operation, domainOrTopic string, params map[string]interface{}) (interface{}, error) {
	return d.clientFor(nodeEndpoint).InvokeCapability(ctx, instanceID, capabilityID, operation, domainOrTopic, params)
}
