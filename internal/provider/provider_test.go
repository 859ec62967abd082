package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wasmorc/internal/orcapi"
)

func TestRegistryGetUnknownProviderIsUnavailable(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Get("missing")
	require.Error(t, err)
	assert.Equal(t, orcapi.KindProviderUnavailable, orcapi.KindOf(err))
}

func TestRegistryRegisterAndGet(t *testing.T) {
	reg := NewRegistry()
	kv := NewKVProvider("kv-1")
	reg.Register("kv-1", kv)

	got, err := reg.Get("kv-1")
	require.NoError(t, err)
	assert.Equal(t, kv, got)
	assert.Len(t, reg.All(), 1)

	reg.Unregister("kv-1")
	_, err = reg.Get("kv-1")
	assert.Error(t, err)
}

func TestKVProviderSetGetDelete(t *testing.T) {
	kv := NewKVProvider("kv-1")
	ctx := context.Background()
	require.NoError(t, kv.Initialize(ctx, nil))

	_, err := kv.Invoke(ctx, "i1", orcapi.KVOpSet, map[string]interface{}{"key": "a", "value": "1"})
	require.NoError(t, err)

	val, err := kv.Invoke(ctx, "i1", orcapi.KVOpGet, map[string]interface{}{"key": "a"})
	require.NoError(t, err)
	assert.Equal(t, "1", val)

	keys, err := kv.Invoke(ctx, "i1", orcapi.KVOpList, nil)
	require.NoError(t, err)
	assert.Contains(t, keys, "a")

	_, err = kv.Invoke(ctx, "i1", orcapi.KVOpDelete, map[string]interface{}{"key": "a"})
	require.NoError(t, err)

	val, err = kv.Invoke(ctx, "i1", orcapi.KVOpGet, map[string]interface{}{"key": "a"})
	require.NoError(t, err)
	assert.Nil(t, val)
}

func TestKVProviderMissingKeyParam(t *testing.T) {
	kv := NewKVProvider("kv-1")
	require.NoError(t, kv.Initialize(context.Background(), nil))
	_, err := kv.Invoke(context.Background(), "i1", orcapi.KVOpGet, nil)
	require.Error(t, err)
	assert.Equal(t, orcapi.KindInvalidRequest, orcapi.KindOf(err))
}

func TestKVProviderUnknownOperation(t *testing.T) {
	kv := NewKVProvider("kv-1")
	require.NoError(t, kv.Initialize(context.Background(), nil))
	_, err := kv.Invoke(context.Background(), "i1", "bogus", nil)
	require.Error(t, err)
	assert.Equal(t, orcapi.KindInvalidRequest, orcapi.KindOf(err))
}

func TestKVProviderRejectsInvokeBeforeInitialize(t *testing.T) {
	kv := NewKVProvider("kv-1")
	assert.Equal(t, orcapi.ProviderStopped, kv.Metadata().Status)

	_, err := kv.Invoke(context.Background(), "i1", orcapi.KVOpGet, map[string]interface{}{"key": "a"})
	require.Error(t, err)
	assert.Equal(t, orcapi.KindProviderUnavailable, orcapi.KindOf(err))
}

func TestKVProviderShutdownRefusesFurtherInvocations(t *testing.T) {
	kv := NewKVProvider("kv-1")
	ctx := context.Background()
	require.NoError(t, kv.Initialize(ctx, nil))
	assert.Equal(t, orcapi.ProviderRunning, kv.Metadata().Status)

	require.NoError(t, kv.Shutdown(ctx))
	assert.Equal(t, orcapi.ProviderStopped, kv.Metadata().Status)

	_, err := kv.Invoke(ctx, "i1", orcapi.KVOpGet, map[string]interface{}{"key": "a"})
	require.Error(t, err)
	assert.Equal(t, orcapi.KindProviderUnavailable, orcapi.KindOf(err))
}

func TestHTTPProviderRoundTrip(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	p := NewHTTPProvider("http-1")
	require.NoError(t, p.Initialize(context.Background(), nil))

	result, err := p.Invoke(context.Background(), "i1", orcapi.HTTPOpRequest, map[string]interface{}{
		"url": server.URL,
	})
	require.NoError(t, err)

	asMap, ok := result.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, http.StatusTeapot, asMap["status"])
	assert.Equal(t, "ok", asMap["body"])
}

func TestHTTPProviderDeniesDisallowedDomain(t *testing.T) {
	p := NewHTTPProvider("http-1")
	require.NoError(t, p.Initialize(context.Background(), map[string]string{"allowed_domains": "example.com"}))

	_, err := p.Invoke(context.Background(), "i1", orcapi.HTTPOpRequest, map[string]interface{}{
		"url": "http://evil.test/path",
	})
	require.Error(t, err)
	assert.Equal(t, orcapi.KindPermissionDenied, orcapi.KindOf(err))
}

func TestMessagingProviderPublishSubscribe(t *testing.T) {
	p := NewMessagingProvider("msg-1")
	ctx := context.Background()
	require.NoError(t, p.Initialize(ctx, nil))

	chRaw, err := p.Invoke(ctx, "i1", orcapi.MsgOpSubscribe, map[string]interface{}{"topic": "events"})
	require.NoError(t, err)
	ch := chRaw.(chan interface{})

	_, err = p.Invoke(ctx, "i2", orcapi.MsgOpPublish, map[string]interface{}{"topic": "events", "message": "hello"})
	require.NoError(t, err)

	select {
	case msg := <-ch:
		assert.Equal(t, "hello", msg)
	default:
		t.Fatal("expected message on subscriber channel")
	}
}

func TestMessagingProviderShutdownClosesChannels(t *testing.T) {
	p := NewMessagingProvider("msg-1")
	ctx := context.Background()
	require.NoError(t, p.Initialize(ctx, nil))

	chRaw, err := p.Invoke(ctx, "i1", orcapi.MsgOpSubscribe, map[string]interface{}{"topic": "t"})
	require.NoError(t, err)
	ch := chRaw.(chan interface{})

	require.NoError(t, p.Shutdown(ctx))

	_, ok := <-ch
	assert.False(t, ok)

	// §8 property 8: a Stopped provider keeps refusing, it never crashes
	// the caller or silently serves the operation.
	_, err = p.Invoke(ctx, "i1", orcapi.MsgOpPublish, map[string]interface{}{"topic": "t", "message": "x"})
	require.Error(t, err)
	assert.Equal(t, orcapi.KindProviderUnavailable, orcapi.KindOf(err))
}

func TestHTTPProviderShutdownRefusesFurtherInvocations(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	p := NewHTTPProvider("http-1")
	ctx := context.Background()
	require.NoError(t, p.Initialize(ctx, nil))
	require.NoError(t, p.Shutdown(ctx))

	_, err := p.Invoke(ctx, "i1", orcapi.HTTPOpRequest, map[string]interface{}{"url": server.URL})
	require.Error(t, err)
	assert.Equal(t, orcapi.KindProviderUnavailable, orcapi.KindOf(err))
}

func TestRegistryShutdownAllStopsEveryProvider(t *testing.T) {
	reg := NewRegistry()
	kv := NewKVProvider("kv-1")
	msg := NewMessagingProvider("msg-1")
	ctx := context.Background()
	require.NoError(t, kv.Initialize(ctx, nil))
	require.NoError(t, msg.Initialize(ctx, nil))
	reg.Register("kv-1", kv)
	reg.Register("msg-1", msg)

	reg.ShutdownAll(ctx)

	assert.Equal(t, orcapi.ProviderStopped, kv.Metadata().Status)
	assert.Equal(t, orcapi.ProviderStopped, msg.Metadata().Status)
}
