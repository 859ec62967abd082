package provider

import (
	"context"
	"sync"

	"wasmorc/internal/orcapi"
)

// KVProvider is an in-memory key-value store back-end. Operations are
// "get", "list" and "set"/"delete" (orcapi.KVOp* constants); permission
// requirements are computed by the caller via
// orcapi.RequiredPermissions(orcapi.ProviderTypeKV, ...) before Invoke is
// ever reached.
type KVProvider struct {
	providerID string

	mu      sync.RWMutex
	store   map[string]interface{}
	running bool
}

// NewKVProvider returns a KVProvider identified by providerID.
func NewKVProvider(providerID string) *KVProvider {
	return &KVProvider{providerID: providerID, store: make(map[string]interface{})}
}

func (p *KVProvider) Initialize(ctx context.Context, config map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.running = true
	return nil
}

// Invoke rejects every operation once Shutdown has run, per §4.5 point 3
// and §8 property 8: a Stopped provider graciously refuses invocations
// instead of serving them.
func (p *KVProvider) Invoke(ctx context.Context, instanceID, operation string, params map[string]interface{}) (interface{}, error) {
	p.mu.RLock()
	running := p.running
	p.mu.RUnlock()
	if !running {
		return nil, orcapi.NewProviderUnavailable(p.providerID)
	}

	switch operation {
	case orcapi.KVOpGet:
		key, err := stringParam(params, "key")
		if err != nil {
			return nil, err
		}
		p.mu.RLock()
		defer p.mu.RUnlock()
		value, ok := p.store[key]
		if !ok {
			return nil, nil
		}
		return value, nil

	case orcapi.KVOpList:
		p.mu.RLock()
		defer p.mu.RUnlock()
		keys := make([]string, 0, len(p.store))
		for k := range p.store {
			keys = append(keys, k)
		}
		return keys, nil

	case orcapi.KVOpSet:
		key, err := stringParam(params, "key")
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		p.store[key] = params["value"]
		return nil, nil

	case orcapi.KVOpDelete:
		key, err := stringParam(params, "key")
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.store, key)
		return nil, nil

	default:
		return nil, orcapi.NewInvalidRequest("kv provider does not support operation %q", operation)
	}
}

func (p *KVProvider) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.running = false
	return nil
}

func (p *KVProvider) Metadata() orcapi.ProviderMetadata {
	p.mu.RLock()
	defer p.mu.RUnlock()
	status := orcapi.ProviderStopped
	if p.running {
		status = orcapi.ProviderRunning
	}
	return orcapi.ProviderMetadata{
		ProviderID:   p.providerID,
		ProviderType: orcapi.ProviderTypeKV,
		Status:       status,
	}
}

func stringParam(params map[string]interface{}, name string) (string, error) {
	raw, ok := params[name]
	if !ok {
		return "", orcapi.NewInvalidRequest("missing required parameter %q", name)
	}
	s, ok := raw.(string)
	if !ok {
		return "", orcapi.NewInvalidRequest("parameter %q must be a string", name)
	}
	return s, nil
}
