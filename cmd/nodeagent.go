package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"wasmorc/internal/config"
	"wasmorc/internal/eventlog"
	"wasmorc/internal/metrics"
	"wasmorc/internal/nodeagent"
	"wasmorc/internal/orcapi"
	"wasmorc/internal/provider"
	"wasmorc/internal/rpcwire"
	"wasmorc/internal/wasmhost"
	"wasmorc/pkg/logging"
)

func newNodeAgentCmd() *cobra.Command {
	nodeAgentCmd := &cobra.Command{
		Use:   "nodeagent",
		Short: "Run Node Agent operations",
	}
	nodeAgentCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Start a Node Agent and register it with the Control Plane",
		Args:  cobra.NoArgs,
		RunE:  runNodeAgentServe,
	})
	return nodeAgentCmd
}

func runNodeAgentServe(cmd *cobra.Command, args []string) error {
	logging.InitForCLI(logging.LevelInfo, os.Stderr)

	cfg, err := config.Load()
	if err != nil {
		if ve, ok := err.(*config.ValidationErrors); ok {
			fmt.Fprintln(os.Stderr, ve.Report())
		}
		return err
	}
	if cfg.NodeAgentBind == "" {
		return orcapi.NewInvalidRequest("NODE_AGENT_BIND must be set for nodeagent serve")
	}
	if cfg.NodeID == "" {
		return orcapi.NewInvalidRequest("NODE_ID must be set (via WASMORC_CONFIG_FILE or NODE_ID) for nodeagent serve")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eventLog := eventlog.New()
	providerRegistry := provider.NewRegistry()
	if err := registerLocalProviders(ctx, providerRegistry); err != nil {
		return err
	}

	agent := nodeagent.NewAgent(cfg.NodeID, wasmhost.NewEngine(), providerRegistry, eventLog)

	var cpClient *rpcwire.CPClient
	if cfg.ControlPlaneEndpoint != "" {
		cpClient = rpcwire.NewCPClient(cfg.ControlPlaneEndpoint)
		agent.SetReporter(cpClient)
		agent.SetRemoteProviders(cpClient, rpcwire.NewPeerDialer())
	}

	if cpClient != nil {
		registerCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err := cpClient.RegisterNode(registerCtx, cfg.NodeID, cfg.NodeAgentBind, cfg.CapabilitiesAdvertised)
		cancel()
		if err != nil {
			return err
		}
		logging.Info("NodeAgent", "registered with control plane at %s", cfg.ControlPlaneEndpoint)
	}

	group, groupCtx := errgroup.WithContext(ctx)

	server := rpcwire.NewServer(agent)
	group.Go(func() error {
		logging.Info("NodeAgent", "serving control-plane RPCs on %s", cfg.NodeAgentBind)
		return server.Serve(groupCtx, cfg.NodeAgentBind)
	})

	if cfg.MetricsBind != "" {
		group.Go(func() error {
			return metrics.Serve(groupCtx, cfg.MetricsBind)
		})
	}

	<-groupCtx.Done()
	err = group.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	providerRegistry.ShutdownAll(shutdownCtx)

	return err
}

// registerLocalProviders installs the three reference Capability
// Provider back-ends on every node, under the fixed provider_ids "kv",
// "http" and "messaging" (provider types kv, http and msg). cfg.Providers
// is not consulted: a bootstrap file's `providers:` entry is servable on
// this node only when it uses one of these provider_ids.
func registerLocalProviders(ctx context.Context, reg *provider.Registry) error {
	kv := provider.NewKVProvider("kv")
	httpProvider := provider.NewHTTPProvider("http")
	messaging := provider.NewMessagingProvider("messaging")

	for _, p := range []provider.Provider{kv, httpProvider, messaging} {
		if err := p.Initialize(ctx, nil); err != nil {
			return orcapi.NewInternalError("failed to initialize provider %s: %v", p.Metadata().ProviderID, err)
		}
	}

	reg.Register("kv", kv)
	reg.Register("http", httpProvider)
	reg.Register("messaging", messaging)
	return nil
}
