// Package nodeagent implements the Node Agent (C4): it owns the
// lifecycle of every Wasm instance placed on this node, evaluates the
// restart policy on crash, and dispatches InvokeCapability calls to the
// provider registry after a permission check.
//
// Instance mirrors the state-change-callback pattern of the teacher's
// internal/services.BaseService: state is guarded by a mutex, and any
// registered callback is invoked outside the lock to avoid a callback
// that calls back into the instance deadlocking (internal/services/base.go).
// Unlike BaseService, two distinct instance_ids on the same node run
// fully in parallel; a single instance_id's own mutations are what get
// serialized (§5: "single-writer concurrency per instance_id").
package nodeagent

import (
	"context"
	"sync"
	"time"

	"wasmorc/internal/eventlog"
	"wasmorc/internal/metrics"
	"wasmorc/internal/orcapi"
	"wasmorc/internal/provider"
	"wasmorc/internal/restartpolicy"
	"wasmorc/internal/wasmhost"
	"wasmorc/pkg/logging"
)

// StateChangeCallback is invoked whenever an instance transitions
// status, outside the instance's own lock.
type StateChangeCallback func(instanceID string, oldStatus, newStatus orcapi.InstanceStatus)

// Instance is one running (or stopped, or crashed) Wasm instance owned
// by this node.
type Instance struct {
	mu sync.Mutex

	instanceID    string
	moduleHash    string
	restartPolicy orcapi.RestartPolicy
	status        orcapi.InstanceStatus
	runningSince  time.Time
	crashCount    int

	wasmInstance wasmhost.Instance
	entryPoint   string
	moduleBytes  []byte

	stateChangeCb StateChangeCallback
}

func newInstance(instanceID, moduleHash string, policy orcapi.RestartPolicy, entryPoint string, moduleBytes []byte) *Instance {
	return &Instance{
		instanceID:    instanceID,
		moduleHash:    moduleHash,
		restartPolicy: policy,
		entryPoint:    entryPoint,
		moduleBytes:   moduleBytes,
		status:        orcapi.StatusStarting,
	}
}

// Status returns the instance's current status.
func (i *Instance) Status() orcapi.InstanceStatus {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.status
}

// Snapshot returns a point-in-time InstanceSnapshot (§4.1: "the latest
// known status").
func (i *Instance) Snapshot(nodeID string) orcapi.InstanceSnapshot {
	i.mu.Lock()
	defer i.mu.Unlock()
	return orcapi.InstanceSnapshot{
		InstanceID: i.instanceID,
		NodeID:     nodeID,
		Status:     i.status,
		CreatedAt:  i.runningSince,
	}
}

func (i *Instance) setStatus(newStatus orcapi.InstanceStatus) {
	i.mu.Lock()
	oldStatus := i.status
	i.status = newStatus
	if newStatus == orcapi.StatusRunning {
		i.runningSince = time.Now()
	}
	callback := i.stateChangeCb
	i.mu.Unlock()

	if callback != nil && oldStatus != newStatus {
		callback(i.instanceID, oldStatus, newStatus)
	}
}

// StatusReporter pushes an instance's state transition to the Control
// Plane, per §6's ControlPlane.ReportStatus RPC. Agent calls it
// best-effort and in the background: a report failure never blocks or
// fails the local state transition that triggered it (§4.3: "the Agent
// retries reports on transport failure with its own backoff").
type StatusReporter interface {
	ReportStatus(ctx context.Context, nodeID, instanceID string, status orcapi.InstanceStatus, detail string) error
}

// RemoteProviderResolver tells the Agent which node hosts a provider_id
// it does not have registered locally, so InvokeCapability can forward
// the call instead of returning ProviderUnavailable for a provider that
// is merely not on this node (§4.5: "distributed providers").
type RemoteProviderResolver interface {
	ResolveProvider(providerID string) (nodeEndpoint string, ok bool)
}

// PeerInvoker forwards a capability invocation to the Agent hosting a
// remote provider (§4.5: "forwards the call via the Control Plane's
// routing layer (or directly, if a path is known)").
type PeerInvoker interface {
	InvokeCapability(ctx context.Context, nodeEndpoint, instanceID, capabilityID, operation, domainOrTopic string, params map[string]interface{}) (interface{}, error)
}

// Agent owns every Instance placed on this node, the provider registry
// they invoke against, and the Wasm engine used to run them.
type Agent struct {
	nodeID string
	engine wasmhost.Engine
	log    *eventlog.Log
	registry *provider.Registry

	mu        sync.Mutex
	instances map[string]*Instance
	assignments map[string][]orcapi.CapabilityAssignment // instance_id -> assignments

	// writeLocks serializes mutations against one instance_id (§5): the
	// same instance_id's Start/Stop/InvokeCapability calls never run
	// concurrently, but two different instance_ids proceed in parallel.
	writeLocks   map[string]*sync.Mutex
	writeLocksMu sync.Mutex

	reporter StatusReporter
	resolver RemoteProviderResolver
	peer     PeerInvoker
}

// NewAgent constructs a Node Agent for nodeID, backed by engine and
// registry, logging crash/restart facts to log.
func NewAgent(nodeID string, engine wasmhost.Engine, registry *provider.Registry, log *eventlog.Log) *Agent {
	return &Agent{
		nodeID:      nodeID,
		engine:      engine,
		registry:    registry,
		log:         log,
		instances:   make(map[string]*Instance),
		assignments: make(map[string][]orcapi.CapabilityAssignment),
		writeLocks:  make(map[string]*sync.Mutex),
	}
}

// SetReporter wires the Control-Plane-facing status push used after
// every state transition. Optional: an Agent with no reporter set still
// functions locally (e.g. in unit tests), it just never pushes facts
// upstream.
func (a *Agent) SetReporter(reporter StatusReporter) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reporter = reporter
}

// SetRemoteProviders wires the distributed-provider forwarding path
// (§4.5). Optional: without it, InvokeCapability against a provider not
// registered on this node simply returns ProviderUnavailable.
func (a *Agent) SetRemoteProviders(resolver RemoteProviderResolver, peer PeerInvoker) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resolver = resolver
	a.peer = peer
}

func (a *Agent) report(instanceID string, status orcapi.InstanceStatus, detail string) {
	a.mu.Lock()
	reporter := a.reporter
	a.mu.Unlock()
	if reporter == nil {
		return
	}
	go reportWithRetry(reporter, a.nodeID, instanceID, status, detail)
}

func (a *Agent) lockFor(instanceID string) *sync.Mutex {
	a.writeLocksMu.Lock()
	defer a.writeLocksMu.Unlock()
	lock, ok := a.writeLocks[instanceID]
	if !ok {
		lock = &sync.Mutex{}
		a.writeLocks[instanceID] = lock
	}
	return lock
}

// Start loads moduleBytes, instantiates it, and transitions the
// instance Starting -> Running, recording a Started event in the log
// (§4.1, §4.3). A duplicate instanceID on this node is rejected.
func (a *Agent) Start(ctx context.Context, instanceID, entryPoint string, moduleBytes []byte, policy orcapi.RestartPolicy) error {
	lock := a.lockFor(instanceID)
	lock.Lock()
	defer lock.Unlock()

	a.mu.Lock()
	if _, exists := a.instances[instanceID]; exists {
		a.mu.Unlock()
		return orcapi.NewInvalidRequest("instance %q already exists on node %s", instanceID, a.nodeID)
	}
	a.mu.Unlock()

	return a.startLocked(ctx, instanceID, entryPoint, moduleBytes, policy)
}

// startLocked does the actual load/instantiate/Running transition. The
// caller must already hold instanceID's write lock. Used by both Start
// (rejects a pre-existing instance_id above) and the restart path
// (replaces a Crashed instance's runtime handle under the same
// instance_id, per §4.3's Crashed -> Starting transition).
func (a *Agent) startLocked(ctx context.Context, instanceID, entryPoint string, moduleBytes []byte, policy orcapi.RestartPolicy) error {
	if err := policy.Validate(); err != nil {
		return err
	}

	module, err := a.engine.Load(ctx, moduleBytes)
	if err != nil {
		return err
	}
	wasmInstance, err := a.engine.Instantiate(ctx, module)
	if err != nil {
		return err
	}

	inst := newInstance(instanceID, module.Hash(), policy, entryPoint, moduleBytes)
	inst.wasmInstance = wasmInstance
	inst.stateChangeCb = func(id string, oldStatus, newStatus orcapi.InstanceStatus) {
		logging.Info("NodeAgent", "instance %s transitioned %s -> %s", id, oldStatus, newStatus)
		metrics.InstancesByStatus.WithLabelValues(a.nodeID, string(oldStatus)).Dec()
		metrics.InstancesByStatus.WithLabelValues(a.nodeID, string(newStatus)).Inc()
		a.report(id, newStatus, "")
	}

	metrics.InstancesByStatus.WithLabelValues(a.nodeID, string(orcapi.StatusStarting)).Inc()

	a.mu.Lock()
	a.instances[instanceID] = inst
	a.mu.Unlock()

	inst.setStatus(orcapi.StatusRunning)
	a.log.Record(instanceID, orcapi.EventStarted, "")

	if wasmhost.HasEntryPoint(module.Hash(), entryPoint) {
		go a.runEntryPoint(instanceID)
	}
	return nil
}

// Stop transitions an instance to Stopped and tears down its Wasm
// instance and memory. Stopping is terminal: the restart-policy
// evaluator never restarts a Stopped instance (§4.3, §9).
func (a *Agent) Stop(ctx context.Context, instanceID string) error {
	lock := a.lockFor(instanceID)
	lock.Lock()
	defer lock.Unlock()

	inst, err := a.get(instanceID)
	if err != nil {
		return err
	}

	inst.mu.Lock()
	wasmInstance := inst.wasmInstance
	inst.mu.Unlock()

	if wasmInstance != nil {
		if err := wasmInstance.Close(ctx); err != nil {
			logging.Warn("NodeAgent", "error closing instance %s: %v", instanceID, err)
		}
	}

	inst.setStatus(orcapi.StatusStopped)
	a.log.Record(instanceID, orcapi.EventStopped, "")

	a.mu.Lock()
	delete(a.assignments, instanceID)
	a.mu.Unlock()
	return nil
}

// ReportCrash transitions an instance to Crashed, evaluates the restart
// policy against the event log's derived crash count, and either
// schedules a restart or leaves the instance Crashed for good (§4.3).
// The actual restart (re-Start) is the caller's responsibility once the
// delay elapses; ReportCrash only decides, records the crash and, when
// it decides to restart, records a Restarted event.
func (a *Agent) ReportCrash(ctx context.Context, instanceID, detail string) (restartpolicy.Decision, error) {
	lock := a.lockFor(instanceID)
	lock.Lock()
	defer lock.Unlock()

	inst, err := a.get(instanceID)
	if err != nil {
		return restartpolicy.Decision{}, err
	}

	inst.setStatus(orcapi.StatusCrashed)
	a.log.Record(instanceID, orcapi.EventCrashed, detail)

	inst.mu.Lock()
	policy := inst.restartPolicy
	inst.mu.Unlock()

	crashInfo := a.log.CrashInfo(instanceID, policy, time.Now())

	decision := restartpolicy.Evaluate(policy, crashInfo.ConsecutiveCrashes, orcapi.StatusCrashed, time.Now())
	if decision.Restart {
		a.log.Record(instanceID, orcapi.EventRestarted, decision.Reason)
	}
	return decision, nil
}

// ListInstances returns a snapshot of every instance on this node.
func (a *Agent) ListInstances() []orcapi.InstanceSnapshot {
	a.mu.Lock()
	instances := make([]*Instance, 0, len(a.instances))
	for _, inst := range a.instances {
		instances = append(instances, inst)
	}
	a.mu.Unlock()

	out := make([]orcapi.InstanceSnapshot, 0, len(instances))
	for _, inst := range instances {
		out = append(out, inst.Snapshot(a.nodeID))
	}
	return out
}

// AssignCapability installs a capability assignment for an instance.
// Installation is atomic with respect to concurrent InvokeCapability
// calls for the same instance_id: both take the per-instance write lock
// (§4.1: "installs both atomically").
func (a *Agent) AssignCapability(instanceID string, assignment orcapi.CapabilityAssignment) error {
	lock := a.lockFor(instanceID)
	lock.Lock()
	defer lock.Unlock()

	if _, err := a.get(instanceID); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.assignments[instanceID] = append(a.assignments[instanceID], assignment)
	return nil
}

// RevokeCapability removes a capability assignment by capability_id.
func (a *Agent) RevokeCapability(instanceID, capabilityID string) error {
	lock := a.lockFor(instanceID)
	lock.Lock()
	defer lock.Unlock()

	a.mu.Lock()
	defer a.mu.Unlock()
	assignments := a.assignments[instanceID]
	filtered := assignments[:0]
	for _, assignment := range assignments {
		if assignment.CapabilityID != capabilityID {
			filtered = append(filtered, assignment)
		}
	}
	a.assignments[instanceID] = filtered
	return nil
}

// InvokeCapability checks instanceID's permission for operation against
// providerType/domainOrTopic, then dispatches to the provider registry
// (§4.4, §4.5). A denied or missing assignment never reaches the
// provider.
func (a *Agent) InvokeCapability(ctx context.Context, instanceID, capabilityID, operation, domainOrTopic string, params map[string]interface{}) (interface{}, error) {
	a.mu.Lock()
	inst, exists := a.instances[instanceID]
	assignments := a.assignments[instanceID]
	a.mu.Unlock()
	if !exists {
		return nil, orcapi.NewInstanceNotFound(instanceID)
	}
	if inst.Status() != orcapi.StatusRunning {
		return nil, orcapi.NewInvalidRequest("instance %q is not running", instanceID)
	}

	var assignment *orcapi.CapabilityAssignment
	for idx := range assignments {
		if assignments[idx].CapabilityID == capabilityID {
			assignment = &assignments[idx]
			break
		}
	}
	if assignment == nil {
		logging.Audit(logging.AuditEvent{Action: "capability_invoke", Outcome: "deny", InstanceID: instanceID, Operation: operation, Detail: "no such capability assignment"})
		metrics.CapabilityInvocationsTotal.WithLabelValues("unknown", string(orcapi.KindCapabilityNotFound)).Inc()
		return nil, orcapi.NewCapabilityNotFound(capabilityID)
	}

	if !orcapi.HasRequiredPermission(*assignment, assignment.ProviderType, operation, domainOrTopic) {
		logging.Audit(logging.AuditEvent{Action: "capability_invoke", Outcome: "deny", InstanceID: instanceID, ProviderID: assignment.ProviderID, Operation: operation, Detail: "missing required permission"})
		metrics.CapabilityInvocationsTotal.WithLabelValues(assignment.ProviderType, string(orcapi.KindPermissionDenied)).Inc()
		return nil, orcapi.NewPermissionDenied("instance %q lacks the permission required for %s on %s", instanceID, operation, assignment.ProviderType)
	}

	prov, err := a.registry.Get(assignment.ProviderID)
	if err != nil {
		a.mu.Lock()
		resolver, peer := a.resolver, a.peer
		a.mu.Unlock()
		if resolver == nil || peer == nil {
			metrics.CapabilityInvocationsTotal.WithLabelValues(assignment.ProviderType, string(orcapi.KindProviderUnavailable)).Inc()
			return nil, err
		}
		endpoint, ok := resolver.ResolveProvider(assignment.ProviderID)
		if !ok {
			metrics.CapabilityInvocationsTotal.WithLabelValues(assignment.ProviderType, string(orcapi.KindProviderUnavailable)).Inc()
			return nil, err
		}
		logging.Audit(logging.AuditEvent{Action: "capability_invoke", Outcome: "allow", InstanceID: instanceID, ProviderID: assignment.ProviderID, Operation: operation, Detail: "forwarded to remote node"})
		metrics.CapabilityInvocationsTotal.WithLabelValues(assignment.ProviderType, "forwarded").Inc()
		return peer.InvokeCapability(ctx, endpoint, instanceID, capabilityID, operation, domainOrTopic, params)
	}

	// §4.5 point 3: a provider that exists and is permitted can still be
	// Stopped. Graceful refusal here, before Invoke ever runs, is what
	// makes §8 property 8 ("provider shutdown graciousness") hold — a
	// Stopped provider never runs an operation and never crashes the
	// instance.
	if prov.Metadata().Status != orcapi.ProviderRunning {
		logging.Audit(logging.AuditEvent{Action: "capability_invoke", Outcome: "deny", InstanceID: instanceID, ProviderID: assignment.ProviderID, Operation: operation, Detail: "provider is stopped"})
		metrics.CapabilityInvocationsTotal.WithLabelValues(assignment.ProviderType, string(orcapi.KindProviderUnavailable)).Inc()
		return nil, orcapi.NewProviderUnavailable(assignment.ProviderID)
	}

	logging.Audit(logging.AuditEvent{Action: "capability_invoke", Outcome: "allow", InstanceID: instanceID, ProviderID: assignment.ProviderID, Operation: operation})
	metrics.CapabilityInvocationsTotal.WithLabelValues(assignment.ProviderType, "allowed").Inc()
	return prov.Invoke(ctx, instanceID, operation, params)
}

func (a *Agent) get(instanceID string) (*Instance, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	inst, ok := a.instances[instanceID]
	if !ok {
		return nil, orcapi.NewInstanceNotFound(instanceID)
	}
	return inst, nil
}
