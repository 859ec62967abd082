package rpcwire

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wasmorc/internal/orcapi"
)

type fakeBackend struct {
	startErr        error
	stopErr         error
	instances       []orcapi.InstanceSnapshot
	invokeResult    interface{}
	invokeErr       error
	assignErr       error
	revokeErr       error
	lastAssignment  orcapi.CapabilityAssignment
}

func (f *fakeBackend) Start(ctx context.Context, instanceID, entryPoint string, moduleBytes []byte, policy orcapi.RestartPolicy) error {
	return f.startErr
}
func (f *fakeBackend) Stop(ctx context.Context, instanceID string) error { return f.stopErr }
func (f *fakeBackend) ListInstances() []orcapi.InstanceSnapshot         { return f.instances }
func (f *fakeBackend) InvokeCapability(ctx context.Context, instanceID, capabilityID, operation, domainOrTopic string, params map[string]interface{}) (interface{}, error) {
	return f.invokeResult, f.invokeErr
}
func (f *fakeBackend) AssignCapability(instanceID string, assignment orcapi.CapabilityAssignment) error {
	f.lastAssignment = assignment
	return f.assignErr
}
func (f *fakeBackend) RevokeCapability(instanceID, capabilityID string) error { return f.revokeErr }

func argsRequest(t *testing.T, args interface{}) mcp.CallToolRequest {
	t.Helper()
	raw, err := json.Marshal(args)
	require.NoError(t, err)
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	return mcp.CallToolRequest{
		Params: struct {
			Name      string    `json:"name"`
			Arguments any       `json:"arguments,omitempty"`
			Meta      *mcp.Meta `json:"_meta,omitempty"`
		}{Arguments: decoded},
	}
}

func TestHandleStartSuccess(t *testing.T) {
	backend := &fakeBackend{}
	s := NewServer(backend)

	result, err := s.handleStart(context.Background(), argsRequest(t, startParams{InstanceID: "i1", EntryPoint: "main"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
}

func TestHandleStartPropagatesBackendError(t *testing.T) {
	backend := &fakeBackend{startErr: orcapi.NewInvalidRequest("bad module")}
	s := NewServer(backend)

	result, err := s.handleStart(context.Background(), argsRequest(t, startParams{InstanceID: "i1"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(result), "InvalidRequest")
}

func TestHandleListInstancesReturnsJSON(t *testing.T) {
	backend := &fakeBackend{instances: []orcapi.InstanceSnapshot{{InstanceID: "i1", Status: orcapi.StatusRunning}}}
	s := NewServer(backend)

	result, err := s.handleListInstances(context.Background(), argsRequest(t, struct{}{}))
	require.NoError(t, err)

	var snapshots []orcapi.InstanceSnapshot
	require.NoError(t, json.Unmarshal([]byte(resultText(result)), &snapshots))
	require.Len(t, snapshots, 1)
	assert.Equal(t, "i1", snapshots[0].InstanceID)
}

func TestHandleAssignCapabilityPassesThrough(t *testing.T) {
	backend := &fakeBackend{}
	s := NewServer(backend)

	assignment := orcapi.NewCapabilityAssignment("i1", "cap-1", orcapi.ProviderTypeKV, "kv-1", []string{"kv:read"})
	_, err := s.handleAssignCapability(context.Background(), argsRequest(t, assignCapabilityParams{InstanceID: "i1", Assignment: assignment}))
	require.NoError(t, err)
	assert.Equal(t, "cap-1", backend.lastAssignment.CapabilityID)
}

func TestHandleInvokeCapabilityDenied(t *testing.T) {
	backend := &fakeBackend{invokeErr: orcapi.NewPermissionDenied("nope")}
	s := NewServer(backend)

	result, err := s.handleInvokeCapability(context.Background(), argsRequest(t, invokeCapabilityParams{InstanceID: "i1", CapabilityID: "cap-1", Operation: "get"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(result), "PermissionDenied")
}

func TestDecodeToolErrorRoundTripsErrorKind(t *testing.T) {
	backend := &fakeBackend{stopErr: orcapi.NewInstanceNotFound("i1")}
	s := NewServer(backend)
	result, err := s.handleStop(context.Background(), argsRequest(t, instanceIDParams{InstanceID: "i1"}))
	require.NoError(t, err)

	decoded := decodeToolError(result)
	assert.Equal(t, orcapi.KindInstanceNotFound, orcapi.KindOf(decoded))
}
