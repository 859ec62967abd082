package cmd

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"wasmorc/internal/metrics"
	"wasmorc/internal/orcapi"
	"wasmorc/internal/registry"
	"wasmorc/pkg/logging"
)

// heartbeatClient is the subset of rpcwire.AgentPool the heartbeat loop
// needs: asking one node for its current liveness/load.
type heartbeatClient interface {
	Heartbeat(ctx context.Context, nodeID, nodeEndpoint string) (int, error)
}

// runHeartbeatLoop polls every known node on interval via errgroup fan-out
// (SPEC_FULL's supplemented heartbeat mechanism), recording successful
// responses in the registry and marking nodes that missed timeout worth
// of heartbeats Unreachable. It blocks until ctx is cancelled.
func runHeartbeatLoop(ctx context.Context, reg *registry.Registry, client heartbeatClient, interval, timeout time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			pollOnce(ctx, reg, client)
			newlyUnreachable := reg.MarkUnreachableIfStale(timeout, time.Now())
			for _, nodeID := range newlyUnreachable {
				logging.Warn("ControlPlane", "node %s missed its heartbeat timeout; marked Unreachable", nodeID)
			}
			reportNodeGauges(reg)
		}
	}
}

func pollOnce(ctx context.Context, reg *registry.Registry, client heartbeatClient) {
	group, groupCtx := errgroup.WithContext(ctx)
	for _, node := range reg.Nodes() {
		node := node
		group.Go(func() error {
			count, err := client.Heartbeat(groupCtx, node.NodeID, node.Endpoint)
			if err != nil {
				logging.Debug("ControlPlane", "heartbeat to node %s failed: %v", node.NodeID, err)
				return nil
			}
			if err := reg.Heartbeat(node.NodeID, count, time.Now()); err != nil {
				logging.Warn("ControlPlane", "recording heartbeat for %s: %v", node.NodeID, err)
			}
			return nil
		})
	}
	_ = group.Wait()
}

func reportNodeGauges(reg *registry.Registry) {
	counts := map[orcapi.NodeStatus]int{}
	for _, node := range reg.Nodes() {
		counts[node.Status]++
	}
	for status, count := range counts {
		metrics.NodesByStatus.WithLabelValues(string(status)).Set(float64(count))
	}
}
