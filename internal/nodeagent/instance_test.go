package nodeagent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wasmorc/internal/eventlog"
	"wasmorc/internal/orcapi"
	"wasmorc/internal/provider"
	"wasmorc/internal/wasmhost"
)

func validModule() []byte {
	return append([]byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}, []byte("body")...)
}

func newTestAgent() *Agent {
	engine := wasmhost.NewEngine()
	registry := provider.NewRegistry()
	log := eventlog.New()
	return NewAgent("node-1", engine, registry, log)
}

func TestStartThenStopRecordsEvents(t *testing.T) {
	agent := newTestAgent()
	ctx := context.Background()

	err := agent.Start(ctx, "i1", "main", validModule(), orcapi.RestartPolicy{Kind: orcapi.RestartNever})
	require.NoError(t, err)

	snapshots := agent.ListInstances()
	require.Len(t, snapshots, 1)
	assert.Equal(t, orcapi.StatusRunning, snapshots[0].Status)

	require.NoError(t, agent.Stop(ctx, "i1"))

	snapshots = agent.ListInstances()
	assert.Equal(t, orcapi.StatusStopped, snapshots[0].Status)
}

func TestStartRejectsDuplicateInstanceID(t *testing.T) {
	agent := newTestAgent()
	ctx := context.Background()
	policy := orcapi.RestartPolicy{Kind: orcapi.RestartNever}

	require.NoError(t, agent.Start(ctx, "i1", "main", validModule(), policy))
	err := agent.Start(ctx, "i1", "main", validModule(), policy)
	require.Error(t, err)
	assert.Equal(t, orcapi.KindInvalidRequest, orcapi.KindOf(err))
}

func TestStartRejectsMalformedRestartPolicy(t *testing.T) {
	agent := newTestAgent()
	err := agent.Start(context.Background(), "i1", "main", validModule(), orcapi.RestartPolicy{Kind: "bogus"})
	require.Error(t, err)
	assert.Equal(t, orcapi.KindInvalidRequest, orcapi.KindOf(err))
}

func TestStartRejectsInvalidModule(t *testing.T) {
	agent := newTestAgent()
	err := agent.Start(context.Background(), "i1", "main", []byte("not wasm"), orcapi.RestartPolicy{Kind: orcapi.RestartNever})
	require.Error(t, err)
}

func TestStopExplicitlyPreventsRestart(t *testing.T) {
	agent := newTestAgent()
	ctx := context.Background()
	policy := orcapi.RestartPolicy{Kind: orcapi.RestartAlways}

	require.NoError(t, agent.Start(ctx, "i1", "main", validModule(), policy))
	require.NoError(t, agent.Stop(ctx, "i1"))

	// After an explicit Stop under an Always policy the instance stays
	// listed with status Stopped; nothing restarts it.
	snapshot := agent.ListInstances()[0]
	assert.Equal(t, orcapi.StatusStopped, snapshot.Status)
}

func TestReportCrashEvaluatesRestartPolicy(t *testing.T) {
	agent := newTestAgent()
	ctx := context.Background()
	policy := orcapi.RestartPolicy{Kind: orcapi.RestartOnFailure, MaxRetries: 2}

	require.NoError(t, agent.Start(ctx, "i1", "main", validModule(), policy))

	decision, err := agent.ReportCrash(ctx, "i1", "oom")
	require.NoError(t, err)
	assert.True(t, decision.Restart)

	decision, err = agent.ReportCrash(ctx, "i1", "oom again")
	require.NoError(t, err)
	assert.False(t, decision.Restart)
}

func TestInvokeCapabilityDeniesWithoutAssignment(t *testing.T) {
	agent := newTestAgent()
	ctx := context.Background()
	require.NoError(t, agent.Start(ctx, "i1", "main", validModule(), orcapi.RestartPolicy{Kind: orcapi.RestartNever}))

	_, err := agent.InvokeCapability(ctx, "i1", "cap-1", orcapi.KVOpGet, "", nil)
	require.Error(t, err)
	assert.Equal(t, orcapi.KindCapabilityNotFound, orcapi.KindOf(err))
}

func TestInvokeCapabilityDeniesMissingPermission(t *testing.T) {
	agent := newTestAgent()
	ctx := context.Background()
	require.NoError(t, agent.Start(ctx, "i1", "main", validModule(), orcapi.RestartPolicy{Kind: orcapi.RestartNever}))

	assignment := orcapi.NewCapabilityAssignment("i1", "cap-1", orcapi.ProviderTypeKV, "kv-1", nil)
	require.NoError(t, agent.AssignCapability("i1", assignment))

	_, err := agent.InvokeCapability(ctx, "i1", "cap-1", orcapi.KVOpGet, "", nil)
	require.Error(t, err)
	assert.Equal(t, orcapi.KindPermissionDenied, orcapi.KindOf(err))
}

func TestInvokeCapabilitySucceedsWithPermission(t *testing.T) {
	agent := newTestAgent()
	ctx := context.Background()
	require.NoError(t, agent.Start(ctx, "i1", "main", validModule(), orcapi.RestartPolicy{Kind: orcapi.RestartNever}))

	kv := provider.NewKVProvider("kv-1")
	require.NoError(t, kv.Initialize(ctx, nil))
	agent.registry.Register("kv-1", kv)

	assignment := orcapi.NewCapabilityAssignment("i1", "cap-1", orcapi.ProviderTypeKV, "kv-1", []string{"kv:write"})
	require.NoError(t, agent.AssignCapability("i1", assignment))

	_, err := agent.InvokeCapability(ctx, "i1", "cap-1", orcapi.KVOpSet, "", map[string]interface{}{"key": "a", "value": "1"})
	require.NoError(t, err)
}

func TestInvokeCapabilityReturnsProviderUnavailableAfterShutdown(t *testing.T) {
	agent := newTestAgent()
	ctx := context.Background()
	require.NoError(t, agent.Start(ctx, "i1", "main", validModule(), orcapi.RestartPolicy{Kind: orcapi.RestartNever}))

	kv := provider.NewKVProvider("kv-1")
	require.NoError(t, kv.Initialize(ctx, nil))
	agent.registry.Register("kv-1", kv)

	assignment := orcapi.NewCapabilityAssignment("i1", "cap-1", orcapi.ProviderTypeKV, "kv-1", []string{"kv:write"})
	require.NoError(t, agent.AssignCapability("i1", assignment))

	require.NoError(t, kv.Shutdown(ctx))

	_, err := agent.InvokeCapability(ctx, "i1", "cap-1", orcapi.KVOpSet, "", map[string]interface{}{"key": "a", "value": "1"})
	require.Error(t, err)
	assert.Equal(t, orcapi.KindProviderUnavailable, orcapi.KindOf(err))

	// The instance must stay Running: a stopped provider is graceful,
	// never a crash (§4.5, §8 property 8).
	inst, getErr := agent.get("i1")
	require.NoError(t, getErr)
	assert.Equal(t, orcapi.StatusRunning, inst.Status())
}

func TestRevokeCapabilityRemovesAssignment(t *testing.T) {
	agent := newTestAgent()
	ctx := context.Background()
	require.NoError(t, agent.Start(ctx, "i1", "main", validModule(), orcapi.RestartPolicy{Kind: orcapi.RestartNever}))

	assignment := orcapi.NewCapabilityAssignment("i1", "cap-1", orcapi.ProviderTypeKV, "kv-1", []string{"kv:read"})
	require.NoError(t, agent.AssignCapability("i1", assignment))
	require.NoError(t, agent.RevokeCapability("i1", "cap-1"))

	_, err := agent.InvokeCapability(ctx, "i1", "cap-1", orcapi.KVOpGet, "", nil)
	require.Error(t, err)
	assert.Equal(t, orcapi.KindCapabilityNotFound, orcapi.KindOf(err))
}
