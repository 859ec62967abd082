package restartpolicy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"wasmorc/internal/orcapi"
)

var fixedNow = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestNeverAlwaysStops(t *testing.T) {
	policy := orcapi.RestartPolicy{Kind: orcapi.RestartNever}
	decision := Evaluate(policy, 1, orcapi.StatusCrashed, fixedNow)
	assert.False(t, decision.Restart)
}

func TestAlwaysRestartsWithFixedDelay(t *testing.T) {
	policy := orcapi.RestartPolicy{Kind: orcapi.RestartAlways, FixedDelay: 2 * time.Second}
	decision := Evaluate(policy, 50, orcapi.StatusCrashed, fixedNow)
	assert.True(t, decision.Restart)
	assert.Equal(t, 2*time.Second, decision.Delay)
}

func TestOnFailureStopsAtMaxRetries(t *testing.T) {
	policy := orcapi.RestartPolicy{Kind: orcapi.RestartOnFailure, MaxRetries: 3}

	d1 := Evaluate(policy, 2, orcapi.StatusCrashed, fixedNow)
	assert.True(t, d1.Restart)

	d2 := Evaluate(policy, 3, orcapi.StatusCrashed, fixedNow)
	assert.False(t, d2.Restart)
	assert.Contains(t, d2.Reason, "max_retries")
}

func TestOnFailureUnboundedWhenMaxRetriesZero(t *testing.T) {
	policy := orcapi.RestartPolicy{Kind: orcapi.RestartOnFailure, MaxRetries: 0}
	decision := Evaluate(policy, 1000, orcapi.StatusCrashed, fixedNow)
	assert.True(t, decision.Restart)
}

func TestBackoffExponentialGrowth(t *testing.T) {
	policy := orcapi.RestartPolicy{
		Kind:      orcapi.RestartBackoff,
		BaseDelay: time.Second,
		CapDelay:  time.Minute,
	}

	cases := []struct {
		crashCount int
		want       time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
	}
	for _, c := range cases {
		d := Evaluate(policy, c.crashCount, orcapi.StatusCrashed, fixedNow)
		assert.Equal(t, c.want, d.Delay, "crashCount=%d", c.crashCount)
	}
}

func TestBackoffCapsDelay(t *testing.T) {
	policy := orcapi.RestartPolicy{
		Kind:      orcapi.RestartBackoff,
		BaseDelay: time.Second,
		CapDelay:  5 * time.Second,
	}
	d := Evaluate(policy, 10, orcapi.StatusCrashed, fixedNow)
	assert.Equal(t, 5*time.Second, d.Delay)
}

func TestBackoffRespectsMaxRetries(t *testing.T) {
	policy := orcapi.RestartPolicy{
		Kind:       orcapi.RestartBackoff,
		BaseDelay:  time.Second,
		CapDelay:   time.Minute,
		MaxRetries: 2,
	}
	d := Evaluate(policy, 2, orcapi.StatusCrashed, fixedNow)
	assert.False(t, d.Restart)
}

func TestExplicitStopOverridesAnyPolicy(t *testing.T) {
	policy := orcapi.RestartPolicy{Kind: orcapi.RestartAlways}
	d := Evaluate(policy, 0, orcapi.StatusStopped, fixedNow)
	assert.False(t, d.Restart)
	assert.Contains(t, d.Reason, "explicitly stopped")
}

func TestStabilityElapsedZeroWindowAlwaysTrue(t *testing.T) {
	policy := orcapi.RestartPolicy{}
	assert.True(t, StabilityElapsed(policy, fixedNow, fixedNow))
}

func TestStabilityElapsedRespectsWindow(t *testing.T) {
	policy := orcapi.RestartPolicy{StabilityWindow: 10 * time.Second}
	assert.False(t, StabilityElapsed(policy, fixedNow, fixedNow.Add(5*time.Second)))
	assert.True(t, StabilityElapsed(policy, fixedNow, fixedNow.Add(10*time.Second)))
}
