// Package cpbackend adapts internal/controlplane.ControlPlane,
// internal/registry.Registry and internal/recovery.Coordinator into the
// single rpcwire.ControlPlaneBackend a CPServer dispatches
// Agent-originated RPCs into. It exists so none of those three packages
// needs to import internal/rpcwire directly (controlplane and registry
// are transport-agnostic by design; rpcwire already depends on
// orcapi/logging only).
package cpbackend

import (
	"context"
	"time"

	"wasmorc/internal/controlplane"
	"wasmorc/internal/orcapi"
	"wasmorc/internal/recovery"
	"wasmorc/internal/registry"
	"wasmorc/pkg/logging"
)

// Backend implements rpcwire.ControlPlaneBackend.
type Backend struct {
	cp       *controlplane.ControlPlane
	registry *registry.Registry
	recovery *recovery.Coordinator
}

// New constructs a Backend wiring the three Control-Plane-side
// components an Agent's RPCs touch.
func New(cp *controlplane.ControlPlane, reg *registry.Registry, rec *recovery.Coordinator) *Backend {
	return &Backend{cp: cp, registry: reg, recovery: rec}
}

// RegisterNode records the node and kicks off a recovery pull of its
// instances in the background, so RegisterNode itself returns quickly
// (§6: "plus a recovery pull of the node's instances", §4.7).
func (b *Backend) RegisterNode(ctx context.Context, nodeID, endpoint string, advertised []string) error {
	b.registry.RegisterNode(orcapi.NodeRecord{
		NodeID:                 nodeID,
		Endpoint:               endpoint,
		CapabilitiesAdvertised: advertised,
		LastHeartbeat:          time.Now(),
	})
	go func() {
		if err := b.recovery.ReconcileNode(context.Background(), nodeID); err != nil {
			// The node's instances are reconciled again only when it next
			// registers or when the Control Plane starts.
			logging.Warn("ControlPlane", "recovery pull for node %s failed: %v", nodeID, err)
		}
	}()
	return nil
}

// ReportStatus applies an Agent-originated status report. The wire
// protocol's timestamp is accepted for the RPC envelope's deadline
// bookkeeping but ControlPlane.ReportStatus itself is timestamp-free,
// so it is not threaded any further.
func (b *Backend) ReportStatus(ctx context.Context, nodeID, instanceID string, status orcapi.InstanceStatus, detail string, timestamp time.Time) error {
	return b.cp.ReportStatus(nodeID, instanceID, status, detail)
}

// ResolveProvider answers which node's endpoint currently hosts
// provider_id, for an Agent's distributed-provider forwarding path
// (§4.5).
func (b *Backend) ResolveProvider(providerID string) (string, bool) {
	nodeID, ok := b.registry.ProviderNode(providerID)
	if !ok {
		return "", false
	}
	node, ok := b.registry.Node(nodeID)
	if !ok {
		return "", false
	}
	return node.Endpoint, true
}
