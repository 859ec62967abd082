// Package controlplane implements the Control Plane API (C6): the
// cluster-facing entry point for starting and stopping instances,
// querying status, and managing capability assignments. It owns no
// instance runtime state itself — that lives on the Agents — only the
// metadata, placement and capability-assignment records described in
// §3, plus the execution event log.
package controlplane

import (
	"context"
	"sync"

	"wasmorc/internal/eventlog"
	"wasmorc/internal/orcapi"
	"wasmorc/internal/registry"
	"wasmorc/pkg/logging"
)

// AgentClient is how the Control Plane reaches a Node Agent: a thin
// interface over the RPC wire protocol (implemented by
// internal/rpcwire), kept separate so controlplane never imports the
// transport package directly and no import cycle can form between
// rpcwire's server-side adapter and controlplane's client-side caller.
type AgentClient interface {
	Start(ctx context.Context, nodeEndpoint, instanceID, entryPoint string, moduleBytes []byte, policy orcapi.RestartPolicy) error
	Stop(ctx context.Context, nodeEndpoint, instanceID string) error
	AssignCapability(ctx context.Context, nodeEndpoint, instanceID string, assignment orcapi.CapabilityAssignment) error
	RevokeCapability(ctx context.Context, nodeEndpoint, instanceID, capabilityID string) error
}

// ControlPlane is the Control-Plane-side API (§4.1).
type ControlPlane struct {
	agents   AgentClient
	registry *registry.Registry
	log      *eventlog.Log

	mu          sync.Mutex
	metadata    map[string]*orcapi.InstanceMetadata
	assignments map[string]map[string]orcapi.CapabilityAssignment // instance_id -> capability_id -> assignment
	providers   map[string]orcapi.ProviderMetadata

	// writeLocks serializes mutations per instance_id (§5).
	writeLocks   map[string]*sync.Mutex
	writeLocksMu sync.Mutex

	idGenerator func() string
}

// New constructs a Control Plane backed by agents (the RPC client), reg
// (the node registry/router) and log (the execution event log).
// idGenerator produces new instance_ids; tests can supply a
// deterministic one.
func New(agents AgentClient, reg *registry.Registry, log *eventlog.Log, idGenerator func() string) *ControlPlane {
	return &ControlPlane{
		agents:      agents,
		registry:    reg,
		log:         log,
		metadata:    make(map[string]*orcapi.InstanceMetadata),
		assignments: make(map[string]map[string]orcapi.CapabilityAssignment),
		providers:   make(map[string]orcapi.ProviderMetadata),
		writeLocks:  make(map[string]*sync.Mutex),
		idGenerator: idGenerator,
	}
}

func (c *ControlPlane) lockFor(instanceID string) *sync.Mutex {
	c.writeLocksMu.Lock()
	defer c.writeLocksMu.Unlock()
	lock, ok := c.writeLocks[instanceID]
	if !ok {
		lock = &sync.Mutex{}
		c.writeLocks[instanceID] = lock
	}
	return lock
}

// RegisterProvider records a provider's existence and placement so
// StartInstance/AssignCapability can validate capability requests
// against it.
func (c *ControlPlane) RegisterProvider(metadata orcapi.ProviderMetadata) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.providers[metadata.ProviderID] = metadata
	c.registry.PlaceProvider(metadata.ProviderID, metadata.NodeID)
}

// CapabilityRequest describes one capability to assign at start time.
type CapabilityRequest struct {
	CapabilityID string
	ProviderID   string
	Operation    string
	DomainOrTopic string
	Permissions  []string
}

// StartInstance implements §4.1's StartInstance: validates the module
// and every requested capability, selects a node, asks its Agent to
// start the instance, and atomically installs metadata plus capability
// assignments.
func (c *ControlPlane) StartInstance(ctx context.Context, entryPoint string, moduleBytes []byte, capabilities []CapabilityRequest, policy orcapi.RestartPolicy) (string, error) {
	if len(moduleBytes) == 0 || !orcapi.IsValidWasmHeader(moduleBytes) {
		return "", orcapi.NewInvalidRequest("module_bytes is empty or not a valid wasm binary")
	}
	if err := policy.Validate(); err != nil {
		return "", err
	}

	resolved := make([]orcapi.CapabilityAssignment, 0, len(capabilities))
	requiredProviderTypes := make([]string, 0, len(capabilities))
	c.mu.Lock()
	for _, req := range capabilities {
		providerMeta, ok := c.providers[req.ProviderID]
		if !ok {
			c.mu.Unlock()
			return "", orcapi.NewInvalidRequest("capability %q references unknown provider %q", req.CapabilityID, req.ProviderID)
		}
		for _, perm := range req.Permissions {
			if err := orcapi.ValidatePermissionString(providerMeta.ProviderType, perm); err != nil {
				c.mu.Unlock()
				return "", err
			}
		}
		resolved = append(resolved, orcapi.NewCapabilityAssignment("", req.CapabilityID, providerMeta.ProviderType, req.ProviderID, req.Permissions))
		requiredProviderTypes = append(requiredProviderTypes, providerMeta.ProviderType)
	}
	c.mu.Unlock()

	instanceID := c.idGenerator()
	lock := c.lockFor(instanceID)
	lock.Lock()
	defer lock.Unlock()

	nodeID, err := c.registry.SelectNode(requiredProviderTypes, nil)
	if err != nil {
		return "", err
	}
	node, _ := c.registry.Node(nodeID)

	if err := c.agents.Start(ctx, node.Endpoint, instanceID, entryPoint, moduleBytes, policy); err != nil {
		return "", err
	}

	for i := range resolved {
		resolved[i].InstanceID = instanceID
		if err := c.agents.AssignCapability(ctx, node.Endpoint, instanceID, resolved[i]); err != nil {
			// The Agent already placed and started the instance; no
			// Control Plane metadata was ever written for it, so without a
			// compensating Stop it would run forever unknown to the
			// Control Plane (§5: "a cancelled Start that already placed
			// the instance must be followed by a best-effort Stop").
			if stopErr := c.agents.Stop(ctx, node.Endpoint, instanceID); stopErr != nil {
				logging.Warn("ControlPlane", "best-effort stop of orphaned instance %s on %s failed after capability assignment error: %v", instanceID, node.Endpoint, stopErr)
			}
			return "", err
		}
	}

	c.mu.Lock()
	c.metadata[instanceID] = &orcapi.InstanceMetadata{
		InstanceID:    instanceID,
		ModuleHash:    "",
		NodeID:        nodeID,
		Status:        orcapi.StatusStarting,
		RestartPolicy: policy,
	}
	assignmentMap := make(map[string]orcapi.CapabilityAssignment, len(resolved))
	for _, a := range resolved {
		assignmentMap[a.CapabilityID] = a
	}
	c.assignments[instanceID] = assignmentMap
	c.mu.Unlock()

	c.registry.PlaceInstance(instanceID, nodeID)
	c.log.Record(instanceID, orcapi.EventStarted, "")

	return instanceID, nil
}

// StopInstance implements §4.1's StopInstance.
func (c *ControlPlane) StopInstance(ctx context.Context, instanceID string) error {
	meta, err := c.instanceMetadata(instanceID)
	if err != nil {
		return err
	}

	lock := c.lockFor(instanceID)
	lock.Lock()
	defer lock.Unlock()

	node, _ := c.registry.Node(meta.NodeID)
	if err := c.agents.Stop(ctx, node.Endpoint, instanceID); err != nil {
		return err
	}

	c.mu.Lock()
	meta.Status = orcapi.StatusStopped
	delete(c.assignments, instanceID)
	c.mu.Unlock()

	c.registry.UnplaceInstance(instanceID)
	c.log.Record(instanceID, orcapi.EventStopped, "")
	return nil
}

// QueryInstance implements §4.1's QueryInstance.
func (c *ControlPlane) QueryInstance(instanceID string) (orcapi.InstanceSnapshot, error) {
	meta, err := c.instanceMetadata(instanceID)
	if err != nil {
		return orcapi.InstanceSnapshot{}, err
	}
	return orcapi.InstanceSnapshot{
		InstanceID: meta.InstanceID,
		NodeID:     meta.NodeID,
		Status:     meta.Status,
		CreatedAt:  meta.CreatedAt,
	}, nil
}

// ListInstances implements §4.1's ListInstances. Iteration order is
// unspecified but stable within this call.
func (c *ControlPlane) ListInstances() []orcapi.InstanceSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]orcapi.InstanceSnapshot, 0, len(c.metadata))
	for _, meta := range c.metadata {
		out = append(out, orcapi.InstanceSnapshot{
			InstanceID: meta.InstanceID,
			NodeID:     meta.NodeID,
			Status:     meta.Status,
			CreatedAt:  meta.CreatedAt,
		})
	}
	return out
}

// AssignCapability implements §4.1's AssignCapability.
func (c *ControlPlane) AssignCapability(ctx context.Context, instanceID, capabilityID, providerID string, permissions []string) error {
	meta, err := c.instanceMetadata(instanceID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	providerMeta, ok := c.providers[providerID]
	c.mu.Unlock()
	if !ok {
		return orcapi.NewInvalidRequest("provider %q does not exist", providerID)
	}
	for _, perm := range permissions {
		if err := orcapi.ValidatePermissionString(providerMeta.ProviderType, perm); err != nil {
			return err
		}
	}

	lock := c.lockFor(instanceID)
	lock.Lock()
	defer lock.Unlock()

	assignment := orcapi.NewCapabilityAssignment(instanceID, capabilityID, providerMeta.ProviderType, providerID, permissions)
	node, _ := c.registry.Node(meta.NodeID)
	if err := c.agents.AssignCapability(ctx, node.Endpoint, instanceID, assignment); err != nil {
		return err
	}

	c.mu.Lock()
	if c.assignments[instanceID] == nil {
		c.assignments[instanceID] = make(map[string]orcapi.CapabilityAssignment)
	}
	c.assignments[instanceID][capabilityID] = assignment
	c.mu.Unlock()
	return nil
}

// RevokeCapability implements §4.1's RevokeCapability.
func (c *ControlPlane) RevokeCapability(ctx context.Context, instanceID, capabilityID string) error {
	meta, err := c.instanceMetadata(instanceID)
	if err != nil {
		return err
	}

	lock := c.lockFor(instanceID)
	lock.Lock()
	defer lock.Unlock()

	node, _ := c.registry.Node(meta.NodeID)
	if err := c.agents.RevokeCapability(ctx, node.Endpoint, instanceID, capabilityID); err != nil {
		return err
	}

	c.mu.Lock()
	delete(c.assignments[instanceID], capabilityID)
	c.mu.Unlock()
	return nil
}

// ReportStatus implements §4.1's ReportStatus, invoked by Agents.
func (c *ControlPlane) ReportStatus(nodeID, instanceID string, newStatus orcapi.InstanceStatus, detail string) error {
	meta, err := c.instanceMetadata(instanceID)
	if err != nil {
		return err
	}

	lock := c.lockFor(instanceID)
	lock.Lock()
	defer lock.Unlock()

	c.mu.Lock()
	meta.Status = newStatus
	c.mu.Unlock()

	switch newStatus {
	case orcapi.StatusCrashed:
		c.log.Record(instanceID, orcapi.EventCrashed, detail)
	case orcapi.StatusStopped:
		c.log.Record(instanceID, orcapi.EventStopped, detail)
	case orcapi.StatusRunning:
		c.log.Record(instanceID, orcapi.EventStarted, detail)
	}
	return nil
}

// ReconcileNodeInstances implements internal/recovery's MetadataStore:
// it reapplies a node's self-reported instance list to Control Plane
// metadata (§4.7). Instances the node reports that the Control Plane
// has never heard of are adopted with fresh metadata; the Agent's
// runtime truth wins over anything the Control Plane previously
// believed about instances it does know.
func (c *ControlPlane) ReconcileNodeInstances(nodeID string, reported []orcapi.InstanceSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, snapshot := range reported {
		meta, exists := c.metadata[snapshot.InstanceID]
		if !exists {
			c.metadata[snapshot.InstanceID] = &orcapi.InstanceMetadata{
				InstanceID: snapshot.InstanceID,
				NodeID:     nodeID,
				Status:     snapshot.Status,
				CreatedAt:  snapshot.CreatedAt,
			}
			continue
		}
		meta.NodeID = nodeID
		meta.Status = snapshot.Status
	}
}

func (c *ControlPlane) instanceMetadata(instanceID string) (*orcapi.InstanceMetadata, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	meta, ok := c.metadata[instanceID]
	if !ok {
		return nil, orcapi.NewInstanceNotFound(instanceID)
	}
	return meta, nil
}
