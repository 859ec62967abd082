package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wasmorc/internal/orcapi"
)

var fixedNow = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestSelectNodeFiltersByProviderType(t *testing.T) {
	reg := New()
	reg.RegisterNode(orcapi.NodeRecord{NodeID: "n1", CapabilitiesAdvertised: []string{"kv"}, LastHeartbeat: fixedNow})
	reg.RegisterNode(orcapi.NodeRecord{NodeID: "n2", CapabilitiesAdvertised: []string{"kv", "http"}, LastHeartbeat: fixedNow})

	nodeID, err := reg.SelectNode([]string{"http"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "n2", nodeID)
}

func TestSelectNodePicksLeastLoaded(t *testing.T) {
	reg := New()
	reg.RegisterNode(orcapi.NodeRecord{NodeID: "n1", CapabilitiesAdvertised: []string{"kv"}, ActiveInstanceCount: 5, LastHeartbeat: fixedNow})
	reg.RegisterNode(orcapi.NodeRecord{NodeID: "n2", CapabilitiesAdvertised: []string{"kv"}, ActiveInstanceCount: 2, LastHeartbeat: fixedNow})

	nodeID, err := reg.SelectNode([]string{"kv"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "n2", nodeID)
}

func TestSelectNodeBreaksTiesLexicographically(t *testing.T) {
	reg := New()
	reg.RegisterNode(orcapi.NodeRecord{NodeID: "nodeB", CapabilitiesAdvertised: []string{"kv"}, ActiveInstanceCount: 1, LastHeartbeat: fixedNow})
	reg.RegisterNode(orcapi.NodeRecord{NodeID: "nodeA", CapabilitiesAdvertised: []string{"kv"}, ActiveInstanceCount: 1, LastHeartbeat: fixedNow})

	nodeID, err := reg.SelectNode([]string{"kv"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "nodeA", nodeID)
}

func TestSelectNodeExcludesUnreachable(t *testing.T) {
	reg := New()
	reg.RegisterNode(orcapi.NodeRecord{NodeID: "n1", CapabilitiesAdvertised: []string{"kv"}, LastHeartbeat: fixedNow})
	reg.MarkUnreachableIfStale(time.Minute, fixedNow.Add(time.Hour))

	_, err := reg.SelectNode([]string{"kv"}, nil)
	require.Error(t, err)
	assert.Equal(t, orcapi.KindNoSuitableNode, orcapi.KindOf(err))
}

func TestSelectNodeRespectsExclusionSet(t *testing.T) {
	reg := New()
	reg.RegisterNode(orcapi.NodeRecord{NodeID: "n1", CapabilitiesAdvertised: []string{"kv"}, LastHeartbeat: fixedNow})

	_, err := reg.SelectNode([]string{"kv"}, map[string]struct{}{"n1": {}})
	require.Error(t, err)
	assert.Equal(t, orcapi.KindNoSuitableNode, orcapi.KindOf(err))
}

func TestHeartbeatRestoresAvailability(t *testing.T) {
	reg := New()
	reg.RegisterNode(orcapi.NodeRecord{NodeID: "n1", CapabilitiesAdvertised: []string{"kv"}, LastHeartbeat: fixedNow})
	reg.MarkUnreachableIfStale(time.Minute, fixedNow.Add(time.Hour))

	node, _ := reg.Node("n1")
	require.Equal(t, orcapi.NodeUnreachable, node.Status)

	require.NoError(t, reg.Heartbeat("n1", 0, fixedNow.Add(2*time.Hour)))
	node, _ = reg.Node("n1")
	assert.Equal(t, orcapi.NodeAvailable, node.Status)
}

func TestPlaceAndUnplaceInstanceTracksActiveCount(t *testing.T) {
	reg := New()
	reg.RegisterNode(orcapi.NodeRecord{NodeID: "n1", LastHeartbeat: fixedNow})

	reg.PlaceInstance("i1", "n1")
	node, _ := reg.Node("n1")
	assert.Equal(t, 1, node.ActiveInstanceCount)

	nodeID, ok := reg.InstanceNode("i1")
	require.True(t, ok)
	assert.Equal(t, "n1", nodeID)

	reg.UnplaceInstance("i1")
	node, _ = reg.Node("n1")
	assert.Equal(t, 0, node.ActiveInstanceCount)

	_, ok = reg.InstanceNode("i1")
	assert.False(t, ok)
}

func TestProviderPlacement(t *testing.T) {
	reg := New()
	reg.PlaceProvider("p1", "n1")
	nodeID, ok := reg.ProviderNode("p1")
	require.True(t, ok)
	assert.Equal(t, "n1", nodeID)
}
