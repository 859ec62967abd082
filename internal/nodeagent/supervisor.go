package nodeagent

import (
	"context"
	"time"

	"wasmorc/internal/metrics"
	"wasmorc/internal/orcapi"
	"wasmorc/internal/restartpolicy"
	"wasmorc/internal/wasmhost"
	"wasmorc/pkg/logging"
)

// runEntryPoint drives one instance's registered entry-point body to
// completion and reacts to how it ends (§4.3's Running -> Crashed/Stopped
// edges, §4.4's trap/exit translation). It runs in its own goroutine,
// started once from startLocked; nothing else calls wasmInstance.Invoke.
func (a *Agent) runEntryPoint(instanceID string) {
	a.mu.Lock()
	inst, ok := a.instances[instanceID]
	a.mu.Unlock()
	if !ok {
		return
	}

	inst.mu.Lock()
	wasmInstance := inst.wasmInstance
	entryPoint := inst.entryPoint
	inst.mu.Unlock()

	invoke := func(ctx context.Context, capabilityID, operation string, params map[string]interface{}) (interface{}, error) {
		return a.InvokeCapability(ctx, instanceID, capabilityID, operation, "", params)
	}

	_, err := wasmInstance.Invoke(context.Background(), entryPoint, invoke, nil)

	lock := a.lockFor(instanceID)
	lock.Lock()
	defer lock.Unlock()

	// The instance may already have been explicitly stopped while the
	// entry point was running; that is terminal and wins over whatever
	// the entry point returns (§9: explicit Stop is never undone by a
	// stale signal racing it).
	a.mu.Lock()
	current, stillTracked := a.instances[instanceID]
	a.mu.Unlock()
	if !stillTracked || current != inst || current.Status() != orcapi.StatusRunning {
		return
	}

	if trap, isTrap := err.(*wasmhost.TrapError); isTrap {
		a.crashAndMaybeRestart(instanceID, trap.Reason)
		return
	}
	if err != nil {
		// Any other error (e.g. the instance closed underneath the
		// entry point) is not a trap; leave the instance as Running and
		// let the caller that produced the error surface it. A capability
		// call returning PermissionDenied, for instance, must not crash
		// the instance (§4.5, §8 property 5).
		logging.Debug("NodeAgent", "instance %s entry point returned a non-trap error: %v", instanceID, err)
		return
	}

	// Clean exit: exit code 0, per §4.4.
	inst.setStatus(orcapi.StatusStopped)
	a.log.Record(instanceID, orcapi.EventStopped, "exit code 0")
}

// crashAndMaybeRestart records the crash, evaluates the restart policy,
// and — if the policy calls for a restart — schedules it after the
// computed delay. Caller must hold instanceID's write lock.
func (a *Agent) crashAndMaybeRestart(instanceID, reason string) {
	a.mu.Lock()
	inst, ok := a.instances[instanceID]
	a.mu.Unlock()
	if !ok {
		return
	}

	inst.setStatus(orcapi.StatusCrashed)
	a.log.Record(instanceID, orcapi.EventCrashed, reason)

	inst.mu.Lock()
	policy := inst.restartPolicy
	entryPoint := inst.entryPoint
	moduleBytes := inst.moduleBytes
	inst.mu.Unlock()

	crashInfo := a.log.CrashInfo(instanceID, policy, time.Now())

	decision := restartpolicy.Evaluate(policy, crashInfo.ConsecutiveCrashes, orcapi.StatusCrashed, time.Now())
	if !decision.Restart {
		violation := orcapi.NewRestartPolicyViolation(instanceID, decision.Reason)
		metrics.RestartsTotal.WithLabelValues("exhausted").Inc()
		logging.Error("NodeAgent", violation, "instance %s exhausted its restart policy", instanceID)
		// Report the violation upstream the same way every other state
		// transition is reported (§4.3): the instance stays Crashed, but the
		// detail carried to the Control Plane now names the violation
		// instead of the bare trap reason, so RestartPolicyViolation is
		// observable beyond this node's local log (§4.3, S4).
		a.report(instanceID, orcapi.StatusCrashed, violation.Error())
		return
	}

	metrics.RestartsTotal.WithLabelValues("restarted").Inc()
	a.log.Record(instanceID, orcapi.EventRestarted, decision.Reason)
	go a.scheduleRestart(instanceID, entryPoint, moduleBytes, policy, decision.Delay)
}

// scheduleRestart waits decision.Delay and then re-instantiates
// instanceID under the same ID, replacing its Crashed runtime handle
// (§4.3: "Crashed -> Starting, retry counter incremented"). Events
// survive this, since the log is keyed by instance_id, not by runtime
// generation (§4.6).
func (a *Agent) scheduleRestart(instanceID, entryPoint string, moduleBytes []byte, policy orcapi.RestartPolicy, delay time.Duration) {
	if delay > 0 {
		time.Sleep(delay)
	}

	lock := a.lockFor(instanceID)
	lock.Lock()
	defer lock.Unlock()

	a.mu.Lock()
	inst, ok := a.instances[instanceID]
	a.mu.Unlock()
	if !ok || inst.Status() != orcapi.StatusCrashed {
		// Stopped explicitly, or already restarted by a racing call:
		// nothing to do.
		return
	}

	if err := a.startLocked(context.Background(), instanceID, entryPoint, moduleBytes, policy); err != nil {
		logging.Error("NodeAgent", err, "restart of instance %s failed", instanceID)
	}
}

// reportWithRetry pushes one status report with the same pure
// exponential-backoff shape the restart policy uses, reused here for a
// different purpose (§4.3: "the Agent retries reports on transport
// failure with its own backoff", SPEC_FULL supplement).
func reportWithRetry(reporter StatusReporter, nodeID, instanceID string, status orcapi.InstanceStatus, detail string) {
	policy := orcapi.RestartPolicy{Kind: orcapi.RestartBackoff, MaxRetries: 5, BaseDelay: 100 * time.Millisecond, CapDelay: 5 * time.Second}
	attempt := 0
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := reporter.ReportStatus(ctx, nodeID, instanceID, status, detail)
		cancel()
		if err == nil {
			return
		}
		attempt++
		decision := restartpolicy.Evaluate(policy, attempt, orcapi.StatusRunning, time.Now())
		if !decision.Restart {
			logging.Warn("NodeAgent", "giving up reporting status %s for instance %s after %d attempts: %v", status, instanceID, attempt, err)
			return
		}
		time.Sleep(decision.Delay)
	}
}
