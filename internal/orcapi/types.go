package orcapi

import (
	"strings"
	"time"
)

// InstanceStatus is the lifecycle status of an Instance, per §3 and the
// state machine in §4.3.
type InstanceStatus string

const (
	StatusStarting InstanceStatus = "Starting"
	StatusRunning  InstanceStatus = "Running"
	StatusStopped  InstanceStatus = "Stopped"
	StatusCrashed  InstanceStatus = "Crashed"
)

// ProviderStatus is the lifecycle status of a Capability Provider.
type ProviderStatus string

const (
	ProviderRunning ProviderStatus = "Running"
	ProviderStopped ProviderStatus = "Stopped"
)

// NodeStatus is the reachability status of a Node Record.
type NodeStatus string

const (
	NodeAvailable   NodeStatus = "Available"
	NodeUnreachable NodeStatus = "Unreachable"
)

// RestartPolicyKind selects the restart-policy evaluator behavior (§4.3).
type RestartPolicyKind string

const (
	RestartNever     RestartPolicyKind = "Never"
	RestartAlways    RestartPolicyKind = "Always"
	RestartOnFailure RestartPolicyKind = "OnFailure"
	RestartBackoff   RestartPolicyKind = "Backoff"
)

// RestartPolicy configures the restart-policy evaluator for one instance.
type RestartPolicy struct {
	Kind RestartPolicyKind

	// MaxRetries bounds consecutive crash/restart attempts for OnFailure
	// and Backoff policies. Zero means unbounded.
	MaxRetries int

	// BaseDelay and CapDelay parameterize the exponential backoff:
	// delay = min(BaseDelay * 2^(n-1), CapDelay) for the n-th
	// consecutive crash.
	BaseDelay time.Duration
	CapDelay  time.Duration

	// FixedDelay is the restart delay for the Always and OnFailure
	// policies. Zero means restart immediately.
	FixedDelay time.Duration

	// StabilityWindow is how long an instance must stay Running before
	// its consecutive-crash counter resets to zero (§4.3, §9 supplement).
	StabilityWindow time.Duration
}

// Validate checks a RestartPolicy for the malformed-policy rejection
// required by StartInstance (§4.1).
func (p RestartPolicy) Validate() error {
	switch p.Kind {
	case RestartNever, RestartAlways, RestartOnFailure, RestartBackoff:
	default:
		return NewInvalidRequest("unknown restart policy kind %q", p.Kind)
	}
	if p.MaxRetries < 0 {
		return NewInvalidRequest("restart policy max_retries must be >= 0")
	}
	if p.BaseDelay < 0 || p.CapDelay < 0 || p.FixedDelay < 0 || p.StabilityWindow < 0 {
		return NewInvalidRequest("restart policy durations must be non-negative")
	}
	if (p.Kind == RestartOnFailure || p.Kind == RestartBackoff) && p.CapDelay > 0 && p.BaseDelay > p.CapDelay {
		return NewInvalidRequest("restart policy base delay must not exceed cap delay")
	}
	return nil
}

// InstanceMetadata is the Control-Plane-owned record for one Instance
// (§3). Instance memory is never stored here or anywhere else.
type InstanceMetadata struct {
	InstanceID   string
	ModuleHash   string
	NodeID       string // empty if not yet placed
	Status       InstanceStatus
	RestartPolicy RestartPolicy
	CreatedAt    time.Time
}

// CapabilityAssignment binds an instance to a provider with a permission
// set (§3). Permissions is treated as a set; Has reports membership.
type CapabilityAssignment struct {
	InstanceID   string
	CapabilityID string
	ProviderType string
	ProviderID   string
	Permissions  map[string]struct{}
}

// NewCapabilityAssignment builds an assignment from a permission slice.
func NewCapabilityAssignment(instanceID, capabilityID, providerType, providerID string, permissions []string) CapabilityAssignment {
	set := make(map[string]struct{}, len(permissions))
	for _, p := range permissions {
		set[p] = struct{}{}
	}
	return CapabilityAssignment{
		InstanceID:   instanceID,
		CapabilityID: capabilityID,
		ProviderType: providerType,
		ProviderID:   providerID,
		Permissions:  set,
	}
}

func (a CapabilityAssignment) Has(permission string) bool {
	_, ok := a.Permissions[permission]
	return ok
}

func (a CapabilityAssignment) PermissionList() []string {
	out := make([]string, 0, len(a.Permissions))
	for p := range a.Permissions {
		out = append(out, p)
	}
	return out
}

// ProviderMetadata is the Control-Plane-owned record for one Capability
// Provider (§3), stored separately from instance metadata.
type ProviderMetadata struct {
	ProviderID   string
	ProviderType string
	NodeID       string
	Status       ProviderStatus
}

// NodeRecord is the Control-Plane-owned record for one Node Agent (§3).
type NodeRecord struct {
	NodeID               string
	Endpoint             string
	CapabilitiesAdvertised []string // provider types this node can host
	LastHeartbeat        time.Time
	ActiveInstanceCount   int
	Status                NodeStatus
}

// EventKind enumerates the kinds of Execution Events (§3).
type EventKind string

const (
	EventStarted   EventKind = "Started"
	EventStopped   EventKind = "Stopped"
	EventCrashed   EventKind = "Crashed"
	EventRestarted EventKind = "Restarted"
)

// ExecutionEvent is one append-only fact about an instance (§3, §4.6).
type ExecutionEvent struct {
	InstanceID string
	Kind       EventKind
	Timestamp  time.Time
	Detail     string
}

// CrashInfo tracks the consecutive-crash counter and last crash time used
// by the restart-policy evaluator (§3, §9).
type CrashInfo struct {
	ConsecutiveCrashes int
	LastCrashAt        time.Time
}

// InstanceSnapshot is the read-only view returned by QueryInstance and
// ListInstances (§4.1): "the latest known status — never an intended
// value".
type InstanceSnapshot struct {
	InstanceID string
	NodeID     string
	Status     InstanceStatus
	CreatedAt  time.Time
}

// ValidateInstanceID rejects the empty string; instance_id must be
// non-empty and unique across the cluster (§3).
func ValidateInstanceID(id string) error {
	if strings.TrimSpace(id) == "" {
		return NewInvalidRequest("instance_id must not be empty")
	}
	return nil
}

// WasmMagic and WasmVersion are the header bytes every valid Wasm binary
// begins with, used by StartInstance's module validation (§4.1) and the
// Runtime Host's compile step (§4.4).
var WasmMagic = [4]byte{0x00, 0x61, 0x73, 0x6d} // "\0asm"
var WasmVersion = [4]byte{0x01, 0x00, 0x00, 0x00}

// IsValidWasmHeader checks the 8-byte magic+version header required of
// every Wasm binary.
func IsValidWasmHeader(module []byte) bool {
	if len(module) < 8 {
		return false
	}
	for i := 0; i < 4; i++ {
		if module[i] != WasmMagic[i] {
			return false
		}
	}
	for i := 0; i < 4; i++ {
		if module[4+i] != WasmVersion[i] {
			return false
		}
	}
	return true
}
