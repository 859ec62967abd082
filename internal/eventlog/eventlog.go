// Package eventlog implements the Execution Event Log (C1): an
// append-only, per-instance, chronologically ordered record of Started,
// Stopped, Crashed and Restarted facts. The Node Agent's restart-policy
// evaluation derives its crash counter from it (CrashInfo). A Log is
// held in memory only; its events do not outlive the process that holds
// it.
package eventlog

import (
	"sync"
	"time"

	"wasmorc/internal/orcapi"
	"wasmorc/internal/restartpolicy"
)

// Log is an append-only, thread-safe store of ExecutionEvents keyed by
// instance_id. The zero value is not usable; use New. Its locking
// pattern follows the teacher's service registry: a single RWMutex
// guarding a map, read methods taking RLock (internal/services/registry.go).
type Log struct {
	mu     sync.RWMutex
	events map[string][]orcapi.ExecutionEvent
}

// New returns an empty Log.
func New() *Log {
	return &Log{events: make(map[string][]orcapi.ExecutionEvent)}
}

// Append adds one event to the end of instance_id's event sequence.
// Events for the same instance_id are returned by Events in append
// order, which is also chronological order since Append never reorders
// past entries (§4.6: "append-only, chronologically ordered").
func (l *Log) Append(event orcapi.ExecutionEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events[event.InstanceID] = append(l.events[event.InstanceID], event)
}

// Record is a convenience wrapper around Append for the common case of
// logging a kind/detail pair for an instance at the current time.
func (l *Log) Record(instanceID string, kind orcapi.EventKind, detail string) {
	l.Append(orcapi.ExecutionEvent{
		InstanceID: instanceID,
		Kind:       kind,
		Timestamp:  time.Now(),
		Detail:     detail,
	})
}

// Events returns the chronological event sequence for one instance. The
// returned slice is a copy; callers may not mutate the log through it.
func (l *Log) Events(instanceID string) []orcapi.ExecutionEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()
	src := l.events[instanceID]
	out := make([]orcapi.ExecutionEvent, len(src))
	copy(out, src)
	return out
}

// LastEvent returns the most recent event recorded for an instance, and
// false if the instance has no events.
func (l *Log) LastEvent(instanceID string) (orcapi.ExecutionEvent, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	src := l.events[instanceID]
	if len(src) == 0 {
		return orcapi.ExecutionEvent{}, false
	}
	return src[len(src)-1], true
}

// CrashInfo derives the consecutive-crash counter and last-crash time the
// restart-policy evaluator needs (§9), by scanning backward from the most
// recent event: each Crashed entry counts, Restarted entries are passed
// over without counting.
// A Stopped entry (an explicit, deliberate stop) always resets the scan.
// A Started entry only resets the scan if the instance survived at least
// policy.StabilityWindow before the next event in the log — a restart
// that crashes again almost immediately is not a stabilization signal and
// the scan continues past it, so the counter keeps climbing (§4.3: "reset
// to 0 ... on reaching Running and surviving a policy-defined stability
// window"). now is the reference point used to judge stability for the
// most recent event in the log (i.e. whether the instance now running is
// already stable), via internal/restartpolicy.StabilityElapsed.
//
// This derivation exists so the counter is always reconstructible purely
// from the log — no separate counter is kept.
func (l *Log) CrashInfo(instanceID string, policy orcapi.RestartPolicy, now time.Time) orcapi.CrashInfo {
	l.mu.RLock()
	defer l.mu.RUnlock()
	src := l.events[instanceID]

	var info orcapi.CrashInfo
	afterTime := now
	for i := len(src) - 1; i >= 0; i-- {
		e := src[i]
		switch e.Kind {
		case orcapi.EventCrashed:
			info.ConsecutiveCrashes++
			if info.LastCrashAt.IsZero() {
				info.LastCrashAt = e.Timestamp
			}
			afterTime = e.Timestamp
		case orcapi.EventRestarted:
			// A restart following a crash continues the scan; it is not
			// itself a stabilization signal.
			afterTime = e.Timestamp
		case orcapi.EventStarted:
			if restartpolicy.StabilityElapsed(policy, e.Timestamp, afterTime) {
				return info
			}
			afterTime = e.Timestamp
		case orcapi.EventStopped:
			return info
		}
	}
	return info
}

// InstanceIDs returns every instance_id with at least one recorded
// event, in no particular order.
func (l *Log) InstanceIDs() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.events))
	for id := range l.events {
		out = append(out, id)
	}
	return out
}
