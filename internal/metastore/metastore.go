// Package metastore wraps the optional external metadata store (§6). It
// is never required for correctness — the Registry and Control Plane
// keep node and provider metadata in memory regardless. When an
// endpoint is configured, controlplane serve writes a node-existence
// record for each statically configured node at startup. Nothing reads
// these records back, and no caller writes provider records.
//
// Its use is restricted by a hard guard to two key prefixes,
// nodes/<node_id> and providers/<provider_id>; any other key is
// rejected before it ever reaches the client. Instance state and
// execution logs are never written here (§6) — the Recovery
// Coordinator, not this store, is how instance state survives a
// restart.
package metastore

import (
	"context"
	"strings"

	"github.com/valkey-io/valkey-go"

	"wasmorc/internal/orcapi"
	"wasmorc/pkg/logging"
)

const (
	nodePrefix     = "nodes/"
	providerPrefix = "providers/"
)

// Store is a guarded valkey-go client restricted to the node-existence
// and provider-metadata key prefixes.
type Store struct {
	client valkey.Client
}

// Open connects to the external metadata store at the given addresses.
// A Store is safe for concurrent use, matching the underlying
// valkey-go client.
func Open(addresses []string) (*Store, error) {
	client, err := valkey.NewClient(valkey.ClientOption{InitAddress: addresses})
	if err != nil {
		return nil, orcapi.NewCommunicationFailure("could not connect to metadata store %v: %v", addresses, err)
	}
	return &Store{client: client}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() {
	s.client.Close()
}

// guard rejects any key outside the two permitted prefixes (§6). It is
// checked on every read and write so a future caller adding a new key
// shape cannot silently widen what this store persists.
func guard(key string) error {
	if strings.HasPrefix(key, nodePrefix) && len(key) > len(nodePrefix) {
		return nil
	}
	if strings.HasPrefix(key, providerPrefix) && len(key) > len(providerPrefix) {
		return nil
	}
	return orcapi.NewInvalidRequest("metadata store key %q is outside the permitted nodes/ and providers/ prefixes", key)
}

// NodeKey returns the guarded key for a node-existence record.
func NodeKey(nodeID string) string { return nodePrefix + nodeID }

// ProviderKey returns the guarded key for a provider-metadata record.
func ProviderKey(providerID string) string { return providerPrefix + providerID }

// PutNode records that nodeID exists, with an opaque value (typically
// its endpoint) for rediscovery after a Control Plane restart.
func (s *Store) PutNode(ctx context.Context, nodeID, endpoint string) error {
	return s.set(ctx, NodeKey(nodeID), endpoint)
}

// Node returns the recorded endpoint for nodeID, or "" if unknown.
func (s *Store) Node(ctx context.Context, nodeID string) (string, error) {
	return s.get(ctx, NodeKey(nodeID))
}

// DeleteNode removes a node-existence record, e.g. on decommission.
func (s *Store) DeleteNode(ctx context.Context, nodeID string) error {
	return s.delete(ctx, NodeKey(nodeID))
}

// PutProvider records provider metadata: the node_id currently hosting
// providerID.
func (s *Store) PutProvider(ctx context.Context, providerID, nodeID string) error {
	return s.set(ctx, ProviderKey(providerID), nodeID)
}

// Provider returns the recorded node for providerID, or "" if unknown.
func (s *Store) Provider(ctx context.Context, providerID string) (string, error) {
	return s.get(ctx, ProviderKey(providerID))
}

// DeleteProvider removes a provider-metadata record.
func (s *Store) DeleteProvider(ctx context.Context, providerID string) error {
	return s.delete(ctx, ProviderKey(providerID))
}

func (s *Store) set(ctx context.Context, key, value string) error {
	if err := guard(key); err != nil {
		return err
	}
	cmd := s.client.B().Set().Key(key).Value(value).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return orcapi.NewCommunicationFailure("metadata store write for %s failed: %v", key, err)
	}
	logging.Debug("Metastore", "wrote %s", key)
	return nil
}

func (s *Store) get(ctx context.Context, key string) (string, error) {
	if err := guard(key); err != nil {
		return "", err
	}
	cmd := s.client.B().Get().Key(key).Build()
	resp := s.client.Do(ctx, cmd)
	if resp.Error() != nil {
		if valkey.IsValkeyNil(resp.Error()) {
			return "", nil
		}
		return "", orcapi.NewCommunicationFailure("metadata store read for %s failed: %v", key, resp.Error())
	}
	value, err := resp.ToString()
	if err != nil {
		return "", orcapi.NewInternalError("metadata store returned non-string value for %s: %v", key, err)
	}
	return value, nil
}

func (s *Store) delete(ctx context.Context, key string) error {
	if err := guard(key); err != nil {
		return err
	}
	cmd := s.client.B().Del().Key(key).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return orcapi.NewCommunicationFailure("metadata store delete for %s failed: %v", key, err)
	}
	return nil
}
