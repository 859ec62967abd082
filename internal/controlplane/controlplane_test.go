package controlplane

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wasmorc/internal/eventlog"
	"wasmorc/internal/orcapi"
	"wasmorc/internal/registry"
)

type fakeAgentClient struct {
	startCalls  int
	stopCalls   int
	assignCalls int
	revokeCalls int
	failStart   error
	failAssign  error
}

func (f *fakeAgentClient) Start(ctx context.Context, nodeEndpoint, instanceID, entryPoint string, moduleBytes []byte, policy orcapi.RestartPolicy) error {
	f.startCalls++
	return f.failStart
}
func (f *fakeAgentClient) Stop(ctx context.Context, nodeEndpoint, instanceID string) error {
	f.stopCalls++
	return nil
}
func (f *fakeAgentClient) AssignCapability(ctx context.Context, nodeEndpoint, instanceID string, assignment orcapi.CapabilityAssignment) error {
	f.assignCalls++
	return f.failAssign
}
func (f *fakeAgentClient) RevokeCapability(ctx context.Context, nodeEndpoint, instanceID, capabilityID string) error {
	f.revokeCalls++
	return nil
}

func validModule() []byte {
	return append([]byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}, []byte("body")...)
}

func newTestControlPlane(t *testing.T, agents *fakeAgentClient) (*ControlPlane, *registry.Registry) {
	reg := registry.New()
	reg.RegisterNode(orcapi.NodeRecord{NodeID: "n1", Endpoint: "n1:9000", CapabilitiesAdvertised: []string{"kv"}})
	log := eventlog.New()

	counter := 0
	idGen := func() string {
		counter++
		return "i" + string(rune('0'+counter))
	}
	return New(agents, reg, log, idGen), reg
}

func TestStartInstanceRejectsInvalidModule(t *testing.T) {
	agents := &fakeAgentClient{}
	cp, _ := newTestControlPlane(t, agents)

	_, err := cp.StartInstance(context.Background(), "main", []byte("bad"), nil, orcapi.RestartPolicy{Kind: orcapi.RestartNever})
	require.Error(t, err)
	assert.Equal(t, orcapi.KindInvalidRequest, orcapi.KindOf(err))
	assert.Equal(t, 0, agents.startCalls)
}

func TestStartInstanceRejectsMalformedPolicy(t *testing.T) {
	agents := &fakeAgentClient{}
	cp, _ := newTestControlPlane(t, agents)

	_, err := cp.StartInstance(context.Background(), "main", validModule(), nil, orcapi.RestartPolicy{Kind: "bogus"})
	require.Error(t, err)
	assert.Equal(t, orcapi.KindInvalidRequest, orcapi.KindOf(err))
}

func TestStartInstanceRejectsUnknownProvider(t *testing.T) {
	agents := &fakeAgentClient{}
	cp, _ := newTestControlPlane(t, agents)

	_, err := cp.StartInstance(context.Background(), "main", validModule(), []CapabilityRequest{
		{CapabilityID: "cap-1", ProviderID: "missing-provider", Permissions: []string{"kv:read"}},
	}, orcapi.RestartPolicy{Kind: orcapi.RestartNever})
	require.Error(t, err)
	assert.Equal(t, orcapi.KindInvalidRequest, orcapi.KindOf(err))
}

func TestStartInstanceSucceedsAndInstallsAtomically(t *testing.T) {
	agents := &fakeAgentClient{}
	cp, _ := newTestControlPlane(t, agents)
	cp.RegisterProvider(orcapi.ProviderMetadata{ProviderID: "kv-1", ProviderType: orcapi.ProviderTypeKV, NodeID: "n1"})

	instanceID, err := cp.StartInstance(context.Background(), "main", validModule(), []CapabilityRequest{
		{CapabilityID: "cap-1", ProviderID: "kv-1", Permissions: []string{"kv:read"}},
	}, orcapi.RestartPolicy{Kind: orcapi.RestartNever})
	require.NoError(t, err)
	assert.NotEmpty(t, instanceID)
	assert.Equal(t, 1, agents.startCalls)
	assert.Equal(t, 1, agents.assignCalls)

	snapshot, err := cp.QueryInstance(instanceID)
	require.NoError(t, err)
	assert.Equal(t, orcapi.StatusStarting, snapshot.Status)
}

func TestStartInstanceStopsOrphanedInstanceWhenAssignCapabilityFails(t *testing.T) {
	agents := &fakeAgentClient{failAssign: orcapi.NewInvalidRequest("bad permission string")}
	cp, _ := newTestControlPlane(t, agents)
	cp.RegisterProvider(orcapi.ProviderMetadata{ProviderID: "kv-1", ProviderType: orcapi.ProviderTypeKV, NodeID: "n1"})

	instanceID, err := cp.StartInstance(context.Background(), "main", validModule(), []CapabilityRequest{
		{CapabilityID: "cap-1", ProviderID: "kv-1", Permissions: []string{"kv:read"}},
	}, orcapi.RestartPolicy{Kind: orcapi.RestartNever})
	require.Error(t, err)
	assert.Equal(t, orcapi.KindInvalidRequest, orcapi.KindOf(err))
	assert.Empty(t, instanceID)

	assert.Equal(t, 1, agents.startCalls)
	assert.Equal(t, 1, agents.stopCalls)

	_, queryErr := cp.QueryInstance(instanceID)
	require.Error(t, queryErr)
	assert.Equal(t, orcapi.KindInstanceNotFound, orcapi.KindOf(queryErr))
}

func TestStopInstanceUnknownIsNotFound(t *testing.T) {
	agents := &fakeAgentClient{}
	cp, _ := newTestControlPlane(t, agents)
	err := cp.StopInstance(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, orcapi.KindInstanceNotFound, orcapi.KindOf(err))
}

func TestStopInstanceTransitionsToStopped(t *testing.T) {
	agents := &fakeAgentClient{}
	cp, _ := newTestControlPlane(t, agents)

	instanceID, err := cp.StartInstance(context.Background(), "main", validModule(), nil, orcapi.RestartPolicy{Kind: orcapi.RestartNever})
	require.NoError(t, err)

	require.NoError(t, cp.StopInstance(context.Background(), instanceID))

	snapshot, err := cp.QueryInstance(instanceID)
	require.NoError(t, err)
	assert.Equal(t, orcapi.StatusStopped, snapshot.Status)
}

func TestListInstancesReturnsAllStarted(t *testing.T) {
	agents := &fakeAgentClient{}
	cp, _ := newTestControlPlane(t, agents)

	_, err := cp.StartInstance(context.Background(), "main", validModule(), nil, orcapi.RestartPolicy{Kind: orcapi.RestartNever})
	require.NoError(t, err)
	_, err = cp.StartInstance(context.Background(), "main", validModule(), nil, orcapi.RestartPolicy{Kind: orcapi.RestartNever})
	require.NoError(t, err)

	assert.Len(t, cp.ListInstances(), 2)
}

func TestReportStatusAppendsEvents(t *testing.T) {
	agents := &fakeAgentClient{}
	cp, _ := newTestControlPlane(t, agents)

	instanceID, err := cp.StartInstance(context.Background(), "main", validModule(), nil, orcapi.RestartPolicy{Kind: orcapi.RestartNever})
	require.NoError(t, err)

	require.NoError(t, cp.ReportStatus("n1", instanceID, orcapi.StatusCrashed, "panic"))

	snapshot, err := cp.QueryInstance(instanceID)
	require.NoError(t, err)
	assert.Equal(t, orcapi.StatusCrashed, snapshot.Status)
}

func TestAssignCapabilityRejectsMalformedPermission(t *testing.T) {
	agents := &fakeAgentClient{}
	cp, _ := newTestControlPlane(t, agents)
	cp.RegisterProvider(orcapi.ProviderMetadata{ProviderID: "kv-1", ProviderType: orcapi.ProviderTypeKV, NodeID: "n1"})

	instanceID, err := cp.StartInstance(context.Background(), "main", validModule(), nil, orcapi.RestartPolicy{Kind: orcapi.RestartNever})
	require.NoError(t, err)

	err = cp.AssignCapability(context.Background(), instanceID, "cap-1", "kv-1", []string{"not-a-real-permission"})
	require.Error(t, err)
	assert.Equal(t, orcapi.KindInvalidRequest, orcapi.KindOf(err))
}

func TestRevokeCapability(t *testing.T) {
	agents := &fakeAgentClient{}
	cp, _ := newTestControlPlane(t, agents)
	cp.RegisterProvider(orcapi.ProviderMetadata{ProviderID: "kv-1", ProviderType: orcapi.ProviderTypeKV, NodeID: "n1"})

	instanceID, err := cp.StartInstance(context.Background(), "main", validModule(), nil, orcapi.RestartPolicy{Kind: orcapi.RestartNever})
	require.NoError(t, err)

	require.NoError(t, cp.AssignCapability(context.Background(), instanceID, "cap-1", "kv-1", []string{"kv:read"}))
	require.NoError(t, cp.RevokeCapability(context.Background(), instanceID, "cap-1"))
	assert.Equal(t, 1, agents.revokeCalls)
}
