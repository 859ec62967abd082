// Package restartpolicy implements the pure restart-policy evaluator
// used by the Node Agent (C4) after an instance transitions to Crashed:
// given a policy, the current consecutive-crash count, the instance's
// last observed status and the current time, decide whether to restart
// after a delay or give up.
//
// The evaluator takes no dependency on a clock or any running instance
// state, so it is directly unit-testable: all state it needs is passed
// in by the caller (the Node Agent reads it from the event log's
// derived CrashInfo, per internal/eventlog).
//
// Backoff math is grounded on the exponential-retry calculator of the
// teacher's MCP server service (internal/services/mcpserver/service.go:
// calculateNextRetryTimeLocked), generalized from a fixed
// InitialBackoff/MaxBackoff pair to per-instance configurable
// BaseDelay/CapDelay.
package restartpolicy

import (
	"time"

	"wasmorc/internal/orcapi"
)

// Decision is the evaluator's verdict.
type Decision struct {
	// Restart is true if the instance should be restarted.
	Restart bool
	// Delay is how long to wait before restarting. Meaningful only when
	// Restart is true.
	Delay time.Duration
	// Reason explains a Stop decision, for logging and the
	// RestartPolicyViolation error detail.
	Reason string
}

// Stop is the zero-restart verdict carrying a reason.
func stop(reason string) Decision {
	return Decision{Restart: false, Reason: reason}
}

func restart(delay time.Duration) Decision {
	return Decision{Restart: true, Delay: delay}
}

// Evaluate decides whether an instance that just crashed should be
// restarted, per §4.3:
//
//   - Never: always Stop.
//   - Always: always Restart after FixedDelay (zero means immediately).
//   - OnFailure: Restart after FixedDelay unless MaxRetries is positive
//     and crashCount has reached it, in which case Stop.
//   - Backoff: Restart after min(BaseDelay*2^(crashCount-1), CapDelay)
//     unless MaxRetries is positive and crashCount has reached it.
//
// lastStatus is checked first: an instance that was deliberately Stopped
// is never restarted regardless of policy, since Stop is an explicit
// operator action that must not be undone by a stale crash signal
// racing it (§9).
func Evaluate(policy orcapi.RestartPolicy, crashCount int, lastStatus orcapi.InstanceStatus, now time.Time) Decision {
	if lastStatus == orcapi.StatusStopped {
		return stop("instance was explicitly stopped")
	}

	switch policy.Kind {
	case orcapi.RestartNever:
		return stop("restart policy is Never")

	case orcapi.RestartAlways:
		return restart(policy.FixedDelay)

	case orcapi.RestartOnFailure:
		if policy.MaxRetries > 0 && crashCount >= policy.MaxRetries {
			return stop("max_retries exhausted")
		}
		return restart(policy.FixedDelay)

	case orcapi.RestartBackoff:
		if policy.MaxRetries > 0 && crashCount >= policy.MaxRetries {
			return stop("max_retries exhausted")
		}
		return restart(backoffDelay(policy, crashCount))

	default:
		return stop("unknown restart policy kind")
	}
}

// backoffDelay computes min(BaseDelay * 2^(crashCount-1), CapDelay) for
// crashCount >= 1. A crashCount of 0 or less is treated as the first
// crash (exponent 0, i.e. BaseDelay itself).
func backoffDelay(policy orcapi.RestartPolicy, crashCount int) time.Duration {
	base := policy.BaseDelay
	if base <= 0 {
		return 0
	}

	exponent := crashCount - 1
	if exponent < 0 {
		exponent = 0
	}

	delay := base
	for i := 0; i < exponent; i++ {
		delay *= 2
		if policy.CapDelay > 0 && delay >= policy.CapDelay {
			return policy.CapDelay
		}
	}
	if policy.CapDelay > 0 && delay > policy.CapDelay {
		return policy.CapDelay
	}
	return delay
}

// StabilityElapsed reports whether an instance that has been Running
// since runningSince has stayed up long enough, per policy's
// StabilityWindow, for its consecutive-crash counter to reset to zero
// (§9 supplement: "the counter resets to zero once the instance has
// been continuously Running for at least StabilityWindow"). A zero
// StabilityWindow means the counter resets on any successful start.
func StabilityElapsed(policy orcapi.RestartPolicy, runningSince time.Time, now time.Time) bool {
	if policy.StabilityWindow <= 0 {
		return true
	}
	return now.Sub(runningSince) >= policy.StabilityWindow
}
