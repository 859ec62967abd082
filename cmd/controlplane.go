package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"wasmorc/internal/config"
	"wasmorc/internal/controlplane"
	"wasmorc/internal/cpbackend"
	"wasmorc/internal/eventlog"
	"wasmorc/internal/metastore"
	"wasmorc/internal/metrics"
	"wasmorc/internal/orcapi"
	"wasmorc/internal/recovery"
	"wasmorc/internal/registry"
	"wasmorc/internal/rpcwire"
	"wasmorc/pkg/logging"
)

func newControlPlaneCmd() *cobra.Command {
	controlPlaneCmd := &cobra.Command{
		Use:   "controlplane",
		Short: "Run Control Plane operations",
	}
	controlPlaneCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Start the Control Plane RPC server",
		Args:  cobra.NoArgs,
		RunE:  runControlPlaneServe,
	})
	return controlPlaneCmd
}

func runControlPlaneServe(cmd *cobra.Command, args []string) error {
	logging.InitForCLI(logging.LevelInfo, os.Stderr)

	cfg, err := config.Load()
	if err != nil {
		if ve, ok := err.(*config.ValidationErrors); ok {
			fmt.Fprintln(os.Stderr, ve.Report())
		}
		return err
	}
	if cfg.ControlPlaneEndpoint == "" {
		return orcapi.NewInvalidRequest("CONTROL_PLANE_ENDPOINT must be set for controlplane serve")
	}

	reg := registry.New()
	log := eventlog.New()
	agents := rpcwire.NewAgentPool()
	cp := controlplane.New(agents, reg, log, uuid.NewString)
	rec := recovery.New(agents, reg, cp)
	backend := cpbackend.New(cp, reg, rec)

	for nodeID, endpoint := range cfg.StaticNodeAgents {
		reg.RegisterNode(orcapi.NodeRecord{NodeID: nodeID, Endpoint: endpoint, LastHeartbeat: time.Now()})
	}
	for _, decl := range cfg.Providers {
		cp.RegisterProvider(orcapi.ProviderMetadata{
			ProviderID:   decl.ProviderID,
			ProviderType: decl.ProviderType,
			NodeID:       decl.NodeID,
			Status:       orcapi.ProviderRunning,
		})
	}

	var store *metastore.Store
	if len(cfg.MetastoreAddresses) > 0 {
		store, err = metastore.Open(cfg.MetastoreAddresses)
		if err != nil {
			return err
		}
		defer store.Close()
		for nodeID, endpoint := range cfg.StaticNodeAgents {
			_ = store.PutNode(context.Background(), nodeID, endpoint)
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if len(cfg.StaticNodeAgents) > 0 {
		if errs := rec.ReconcileAll(ctx); len(errs) > 0 {
			logging.Warn("ControlPlane", "startup reconciliation reported %d error(s)", len(errs))
		}
	}

	group, groupCtx := errgroup.WithContext(ctx)

	cpServer := rpcwire.NewCPServer(backend)
	group.Go(func() error {
		logging.Info("ControlPlane", "serving agent RPCs on %s", cfg.ControlPlaneEndpoint)
		return cpServer.Serve(groupCtx, cfg.ControlPlaneEndpoint)
	})

	if cfg.MetricsBind != "" {
		group.Go(func() error {
			return metrics.Serve(groupCtx, cfg.MetricsBind)
		})
	}

	group.Go(func() error {
		return runHeartbeatLoop(groupCtx, reg, agents, cfg.HeartbeatInterval, cfg.HeartbeatTimeout)
	})

	<-groupCtx.Done()
	return group.Wait()
}
