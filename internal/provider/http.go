package provider

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"wasmorc/internal/orcapi"
)

// HTTPProvider is an HTTP-passthrough back-end: it issues a request on
// behalf of an instance and returns status and body; response headers
// are not returned. The single operation is orcapi.HTTPOpRequest; the
// permission check (http:request plus, when the caller passes a
// non-empty domain, http:domain:<domain>)
// happens in the caller before Invoke runs (§4.5).
type HTTPProvider struct {
	providerID string
	client     *http.Client

	mu      sync.RWMutex
	running bool

	// allowedDomains restricts which hosts this provider will ever
	// dial, independent of the per-instance permission check — a
	// provider-level allow-list configured at Initialize time, not a
	// per-instance concept.
	allowedDomains map[string]struct{}
}

// NewHTTPProvider returns an HTTPProvider identified by providerID.
func NewHTTPProvider(providerID string) *HTTPProvider {
	return &HTTPProvider{
		providerID: providerID,
		client:     &http.Client{Timeout: 30 * time.Second},
	}
}

func (p *HTTPProvider) Initialize(ctx context.Context, config map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if domains, ok := config["allowed_domains"]; ok && domains != "" {
		p.allowedDomains = make(map[string]struct{})
		for _, d := range strings.Split(domains, ",") {
			p.allowedDomains[strings.TrimSpace(d)] = struct{}{}
		}
	}
	p.running = true
	return nil
}

// Invoke rejects every operation once Shutdown has run, per §4.5 point 3
// and §8 property 8: a Stopped provider graciously refuses invocations
// instead of serving them.
func (p *HTTPProvider) Invoke(ctx context.Context, instanceID, operation string, params map[string]interface{}) (interface{}, error) {
	p.mu.RLock()
	running := p.running
	allowedDomains := p.allowedDomains
	p.mu.RUnlock()
	if !running {
		return nil, orcapi.NewProviderUnavailable(p.providerID)
	}

	if operation != orcapi.HTTPOpRequest {
		return nil, orcapi.NewInvalidRequest("http provider does not support operation %q", operation)
	}

	target, err := stringParam(params, "url")
	if err != nil {
		return nil, err
	}
	parsed, err := url.Parse(target)
	if err != nil {
		return nil, orcapi.NewInvalidRequest("invalid url: %v", err)
	}

	if allowedDomains != nil {
		if _, ok := allowedDomains[parsed.Hostname()]; !ok {
			return nil, orcapi.NewPermissionDenied("domain %q is not in this provider's allow-list", parsed.Hostname())
		}
	}

	method := "GET"
	if m, ok := params["method"].(string); ok && m != "" {
		method = strings.ToUpper(m)
	}

	var body io.Reader
	if b, ok := params["body"].(string); ok {
		body = bytes.NewBufferString(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, orcapi.NewInvalidRequest("could not build request: %v", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, orcapi.NewCommunicationFailure("http request failed: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, orcapi.NewCommunicationFailure("failed to read response body: %v", err)
	}

	return map[string]interface{}{
		"status": resp.StatusCode,
		"body":   string(respBody),
	}, nil
}

func (p *HTTPProvider) Shutdown(ctx context.Context) error {
	p.client.CloseIdleConnections()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.running = false
	return nil
}

func (p *HTTPProvider) Metadata() orcapi.ProviderMetadata {
	p.mu.RLock()
	defer p.mu.RUnlock()
	status := orcapi.ProviderStopped
	if p.running {
		status = orcapi.ProviderRunning
	}
	return orcapi.ProviderMetadata{
		ProviderID:   p.providerID,
		ProviderType: orcapi.ProviderTypeHTTP,
		Status:       status,
	}
}
