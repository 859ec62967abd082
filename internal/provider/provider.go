// Package provider defines the Capability Provider contract (C2) and
// three reference back-ends: an in-memory key-value store, an
// HTTP-passthrough client, and an in-memory publish/subscribe bus.
//
// A Provider is invoked only after the caller (the Node Agent, via
// internal/orcapi.HasRequiredPermission) has confirmed the invoking
// instance's CapabilityAssignment carries the permission the requested
// operation needs; Providers themselves do not see or enforce
// permissions, matching §4.5's split between "permission check" and
// "operation execution".
package provider

import (
	"context"
	"sync"

	"wasmorc/internal/orcapi"
	"wasmorc/pkg/logging"
)

// Provider is the contract every Capability Provider back-end
// implements (§3, §4.5).
type Provider interface {
	// Initialize prepares the provider to serve invocations. config is
	// back-end specific (e.g. an HTTP allow-list, a KV namespace).
	Initialize(ctx context.Context, config map[string]string) error

	// Invoke performs one operation on behalf of instanceID and returns
	// its result, or an *orcapi.Error (ProviderUnavailable,
	// InvalidRequest, Timeout, ...) on failure.
	Invoke(ctx context.Context, instanceID, operation string, params map[string]interface{}) (interface{}, error)

	// Shutdown releases any resources held by the provider. It must be
	// safe to call Shutdown on a provider that was never Initialized.
	Shutdown(ctx context.Context) error

	// Metadata describes the provider for registration with the Control
	// Plane (§4.1 AssignCapability needs ProviderType to validate
	// permission strings).
	Metadata() orcapi.ProviderMetadata
}

// Registry is a thread-safe lookup of live Provider instances by
// provider_id, used by the Node Agent to route InvokeCapability calls
// (§4.4: "the Agent looks up the provider bound to the capability_id").
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry returns an empty provider Registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a live provider under its provider_id.
func (r *Registry) Register(providerID string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[providerID] = p
}

// Unregister removes a provider, e.g. after an explicit revoke or
// shutdown. It is a no-op if the provider_id is unknown.
func (r *Registry) Unregister(providerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.providers, providerID)
}

// Get returns the provider for provider_id, or an error of kind
// ProviderUnavailable if none is registered.
func (r *Registry) Get(providerID string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[providerID]
	if !ok {
		return nil, orcapi.NewProviderUnavailable(providerID)
	}
	return p, nil
}

// All returns every registered provider's metadata, for diagnostics.
func (r *Registry) All() []orcapi.ProviderMetadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]orcapi.ProviderMetadata, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, p.Metadata())
	}
	return out
}

// ShutdownAll calls Shutdown on every registered provider, so a Node
// Agent's own process shutdown graciously drains its providers (§8
// property 8) rather than just dropping their goroutines/connections.
// Errors from individual providers are logged, not returned, so one
// slow or failing provider never blocks the others from shutting down.
func (r *Registry) ShutdownAll(ctx context.Context) {
	r.mu.RLock()
	providers := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		providers = append(providers, p)
	}
	r.mu.RUnlock()

	for _, p := range providers {
		if err := p.Shutdown(ctx); err != nil {
			logging.Warn("Provider", "error shutting down provider %s: %v", p.Metadata().ProviderID, err)
		}
	}
}
