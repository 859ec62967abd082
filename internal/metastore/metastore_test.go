package metastore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wasmorc/internal/orcapi"
)

func TestNodeKeyAndProviderKeyPrefixes(t *testing.T) {
	assert.Equal(t, "nodes/n1", NodeKey("n1"))
	assert.Equal(t, "providers/p1", ProviderKey("p1"))
}

func TestGuardAcceptsPermittedPrefixes(t *testing.T) {
	require.NoError(t, guard(NodeKey("n1")))
	require.NoError(t, guard(ProviderKey("p1")))
}

func TestGuardRejectsEverythingElse(t *testing.T) {
	for _, key := range []string{"instances/i1", "events/i1", "nodes/", "providers/", "", "desired_state/x"} {
		err := guard(key)
		require.Error(t, err, "expected %q to be rejected", key)
		assert.Equal(t, orcapi.KindInvalidRequest, orcapi.KindOf(err))
	}
}

func TestStoreSetRejectsUnguardedKeyWithoutTouchingClient(t *testing.T) {
	// client is left nil deliberately: the guard must fire before any
	// client method is called, so this must not panic on a nil client.
	s := &Store{client: nil}

	err := s.set(context.Background(), "instances/i1", "running")
	require.Error(t, err)
	assert.Equal(t, orcapi.KindInvalidRequest, orcapi.KindOf(err))

	_, err = s.get(context.Background(), "events/i1")
	require.Error(t, err)

	err = s.delete(context.Background(), "desired_state/x")
	require.Error(t, err)
}
