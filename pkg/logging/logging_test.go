package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	InitForCLI(LevelWarn, &buf)

	Debug("Test", "debug message")
	Info("Test", "info message")
	Warn("Test", "warn message")

	out := buf.String()
	assert.NotContains(t, out, "debug message")
	assert.NotContains(t, out, "info message")
	assert.Contains(t, out, "warn message")
}

func TestErrorIncludesErrorAttribute(t *testing.T) {
	var buf bytes.Buffer
	InitForCLI(LevelDebug, &buf)

	Error("Test", assert.AnError, "operation failed")

	out := buf.String()
	assert.Contains(t, out, "operation failed")
	assert.Contains(t, out, assert.AnError.Error())
}

func TestAuditFormatsKeyValuePairs(t *testing.T) {
	var buf bytes.Buffer
	InitForCLI(LevelDebug, &buf)

	Audit(AuditEvent{
		Action:     "capability_invoke",
		Outcome:    "deny",
		InstanceID: "i1",
		ProviderID: "kv-1",
		Operation:  "set",
		Detail:     "missing permission kv:write",
	})

	out := buf.String()
	require.True(t, strings.Contains(out, "[AUDIT]"))
	assert.Contains(t, out, "action=capability_invoke")
	assert.Contains(t, out, "outcome=deny")
	assert.Contains(t, out, "instance=i1")
	assert.Contains(t, out, "provider=kv-1")
}

func TestTruncateID(t *testing.T) {
	assert.Equal(t, "short", TruncateID("short"))
	assert.Equal(t, "12345678...", TruncateID("123456789012345"))
}
