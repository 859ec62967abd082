// Package recovery implements the Recovery Coordinator (C7). It runs on
// Control Plane startup and whenever a node (re)registers: it pulls the
// Agent's own view of its instances via ListInstances, reconciles that
// against the Control Plane's metadata and placement maps, and leaves
// capability assignments for instances the Agent no longer reports as
// orphaned, to be garbage-collected on their next explicit stop (§4.7).
package recovery

import (
	"context"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"wasmorc/internal/orcapi"
	"wasmorc/internal/registry"
	"wasmorc/pkg/logging"
)

// AgentLister is the subset of the Agent RPC surface the Recovery
// Coordinator needs: reading back a node's own view of its instances.
// It is satisfied by internal/rpcwire's client, kept as its own small
// interface (distinct from controlplane.AgentClient) since recovery has
// no need for Start/Stop/AssignCapability.
type AgentLister interface {
	ListInstances(ctx context.Context, nodeEndpoint string) ([]orcapi.InstanceSnapshot, error)
}

// MetadataStore is the subset of Control Plane state recovery mutates:
// reconciling one node's reported instances into Control-Plane-owned
// metadata. Kept as an interface so recovery can be tested without a
// full controlplane.ControlPlane.
type MetadataStore interface {
	ReconcileNodeInstances(nodeID string, reported []orcapi.InstanceSnapshot)
}

// Coordinator runs reconciliation for one or all nodes.
type Coordinator struct {
	agents   AgentLister
	registry *registry.Registry
	store    MetadataStore

	// pulls collapses concurrent ListInstances recovery pulls against
	// the same node_id into a single in-flight RPC (e.g. a node
	// reconnecting at the same moment ReconcileAll is already
	// in-progress for it).
	pulls singleflight.Group
}

// New constructs a Coordinator.
func New(agents AgentLister, reg *registry.Registry, store MetadataStore) *Coordinator {
	return &Coordinator{agents: agents, registry: reg, store: store}
}

// ReconcileNode pulls nodeID's current instance list and reapplies it
// (§4.7). Placement counts are rebuilt from the reported list, not
// trusted from stale Control Plane state, since the Agent's runtime
// truth wins over anything the Control Plane remembered before a
// restart.
func (c *Coordinator) ReconcileNode(ctx context.Context, nodeID string) error {
	node, ok := c.registry.Node(nodeID)
	if !ok {
		return orcapi.NewInvalidRequest("unknown node %q", nodeID)
	}

	result, err, _ := c.pulls.Do(nodeID, func() (interface{}, error) {
		return c.agents.ListInstances(ctx, node.Endpoint)
	})
	if err != nil {
		return orcapi.NewCommunicationFailure("could not reach node %q during recovery: %v", nodeID, err)
	}
	reported := result.([]orcapi.InstanceSnapshot)

	for _, snapshot := range reported {
		existingNode, placed := c.registry.InstanceNode(snapshot.InstanceID)
		if placed && existingNode != nodeID {
			// Duplicate instance_id reported by two nodes: prefer the
			// node whose report we are processing now (the most recently
			// observed truth). The other node is not told to stop its copy.
			logging.Warn("Recovery", "instance %s claimed by both %s and %s; preferring %s", snapshot.InstanceID, existingNode, nodeID, nodeID)
		}
		c.registry.PlaceInstance(snapshot.InstanceID, nodeID)
	}

	c.store.ReconcileNodeInstances(nodeID, reported)
	return nil
}

// ReconcileAll reconciles every known node concurrently, e.g. on Control
// Plane startup. A failure to reach one node does not stop reconciliation
// of the others: each node's error is collected rather than aborting the
// group (errgroup.WithContext's cancel-on-first-error is not used here
// since one unreachable node must never block recovery of the rest).
func (c *Coordinator) ReconcileAll(ctx context.Context) []error {
	nodes := c.registry.Nodes()
	errsCh := make(chan error, len(nodes))

	var group errgroup.Group
	for _, node := range nodes {
		node := node
		group.Go(func() error {
			if err := c.ReconcileNode(ctx, node.NodeID); err != nil {
				logging.Error("Recovery", err, "failed to reconcile node %s", node.NodeID)
				errsCh <- err
			}
			return nil
		})
	}
	_ = group.Wait()
	close(errsCh)

	var errs []error
	for err := range errsCh {
		errs = append(errs, err)
	}
	return errs
}
