// Package metrics exposes wasmorc's ambient /metrics endpoint
// (METRICS_BIND, §6), grounded on the Prometheus client style used
// across the retrieved pack (e.g. the machine-config-operator's
// internal/controller/metrics.go): package-level vectors registered
// once, updated by whichever component owns the fact they describe.
//
// Metrics are observability only; nothing in the Control Plane or Node
// Agent reads them back, matching spec.md §1's "metrics/log shipping"
// being out of core scope but still carried as ambient infrastructure.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"wasmorc/pkg/logging"
)

var (
	// InstancesByStatus tracks the current count of instances in each
	// status, labeled by node_id and status (§3).
	InstancesByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wasmorc_instances",
			Help: "Current number of instances by node and status.",
		},
		[]string{"node_id", "status"},
	)

	// RestartsTotal counts restart attempts the policy evaluator decided
	// on, labeled by outcome (restarted vs exhausted).
	RestartsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wasmorc_restarts_total",
			Help: "Total restart-policy decisions, by outcome.",
		},
		[]string{"outcome"},
	)

	// CapabilityInvocationsTotal counts InvokeCapability calls by
	// provider type and result kind (§4.5, §7).
	CapabilityInvocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wasmorc_capability_invocations_total",
			Help: "Total capability invocations, by provider type and result.",
		},
		[]string{"provider_type", "result"},
	)

	// NodesByStatus tracks node-registry membership, labeled by status
	// (Available/Unreachable, §3).
	NodesByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wasmorc_nodes",
			Help: "Current number of known nodes by status.",
		},
		[]string{"status"},
	)
)

// Serve starts the /metrics HTTP endpoint on addr and blocks until ctx
// is cancelled or the listener fails. A Non-goal here would be wiring
// authentication on this endpoint — matching the rest of the pack's
// plain promhttp.Handler exposure for operator-network-internal
// scraping.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	logging.Info("Metrics", "serving /metrics on %s", addr)
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}
