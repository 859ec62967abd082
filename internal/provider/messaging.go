package provider

import (
	"context"
	"sync"

	"wasmorc/internal/orcapi"
	"wasmorc/pkg/logging"
)

// MessagingProvider is an in-memory publish/subscribe back-end.
// Subscribers receive messages on a buffered channel; a publish that
// would block a slow subscriber is dropped for that subscriber rather
// than blocking the publisher, the same non-blocking-send discipline
// the teacher's orchestrator uses for its own event fan-out
// (internal/orchestrator/orchestrator.go).
type MessagingProvider struct {
	providerID string

	mu          sync.RWMutex
	subscribers map[string][]chan interface{}
	running     bool
}

// NewMessagingProvider returns a MessagingProvider identified by providerID.
func NewMessagingProvider(providerID string) *MessagingProvider {
	return &MessagingProvider{
		providerID:  providerID,
		subscribers: make(map[string][]chan interface{}),
	}
}

func (p *MessagingProvider) Initialize(ctx context.Context, config map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.running = true
	return nil
}

// Invoke rejects every operation once Shutdown has run, per §4.5 point 3
// and §8 property 8: a Stopped provider graciously refuses invocations
// instead of serving them.
func (p *MessagingProvider) Invoke(ctx context.Context, instanceID, operation string, params map[string]interface{}) (interface{}, error) {
	p.mu.RLock()
	running := p.running
	p.mu.RUnlock()
	if !running {
		return nil, orcapi.NewProviderUnavailable(p.providerID)
	}

	topic, err := stringParam(params, "topic")
	if err != nil {
		return nil, err
	}

	switch operation {
	case orcapi.MsgOpPublish:
		p.publish(topic, params["message"])
		return nil, nil

	case orcapi.MsgOpSubscribe:
		ch := p.subscribe(topic)
		return ch, nil

	default:
		return nil, orcapi.NewInvalidRequest("messaging provider does not support operation %q", operation)
	}
}

func (p *MessagingProvider) subscribe(topic string) chan interface{} {
	ch := make(chan interface{}, 16)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscribers[topic] = append(p.subscribers[topic], ch)
	return ch
}

func (p *MessagingProvider) publish(topic string, message interface{}) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, ch := range p.subscribers[topic] {
		select {
		case ch <- message:
		default:
			logging.Debug("MessagingProvider", "subscriber channel full, dropping message on topic %s", topic)
		}
	}
}

func (p *MessagingProvider) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, channels := range p.subscribers {
		for _, ch := range channels {
			close(ch)
		}
	}
	p.subscribers = make(map[string][]chan interface{})
	p.running = false
	return nil
}

func (p *MessagingProvider) Metadata() orcapi.ProviderMetadata {
	p.mu.RLock()
	defer p.mu.RUnlock()
	status := orcapi.ProviderStopped
	if p.running {
		status = orcapi.ProviderRunning
	}
	return orcapi.ProviderMetadata{
		ProviderID:   p.providerID,
		ProviderType: orcapi.ProviderTypeMessaging,
		Status:       status,
	}
}
