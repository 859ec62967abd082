// Package config loads wasmorc's configuration surface from environment
// variables (§6), plus an optional YAML bootstrap file for the
// declarative parts of that surface (the static node list and a Node
// Agent's own identity) that are awkward to spell as a single
// environment variable. This mirrors the teacher's own config package,
// which layers a YAML config.yaml under environment/flag overrides
// rather than using YAML exclusively.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// RuntimeBackend selects among available Wasm engine implementations
// (§4.4). Only "stub" exists today; the field exists so a future
// engine can be selected without changing the configuration surface.
type RuntimeBackend string

const (
	RuntimeBackendStub RuntimeBackend = "stub"
)

// Config is the full, validated configuration surface of §6. Both the
// Control Plane and the Node Agent parse the same struct; each only
// reads the fields relevant to its role.
type Config struct {
	// ControlPlaneEndpoint is the Control Plane RPC address a Node
	// Agent reports to, and the address controlplane serve listens on.
	// Required for controlplane serve; optional for nodeagent serve,
	// which skips registration and status reporting when it is empty.
	ControlPlaneEndpoint string

	// NodeAgentBind is the local address a Node Agent's RPC server
	// listens on. Required for nodeagent serve.
	NodeAgentBind string

	// StaticNodeAgents is the Control Plane's static node discovery
	// list: comma-separated node_id=endpoint pairs, or the
	// static_node_agents map of a WASMORC_CONFIG_FILE.
	StaticNodeAgents map[string]string

	// NodeID and CapabilitiesAdvertised identify a Node Agent to the
	// Control Plane at RegisterNode time (§3, §6). They are read from a
	// YAML bootstrap file's node_id and capabilities_advertised, and the
	// NODE_ID and CAPABILITIES_ADVERTISED (comma-separated) environment
	// variables override them when set.
	NodeID                 string
	CapabilitiesAdvertised []string

	// Providers is the Control Plane's static declaration of which
	// Capability Providers exist and which node hosts each one (§3's
	// ProviderMetadata is Control-Plane-owned, not something an Agent
	// reports over the wire). Only ever set from a YAML bootstrap file.
	Providers []ProviderDeclaration

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	RestartMaxRetries  int
	RestartBackoffBase time.Duration
	RestartBackoffCap  time.Duration

	// MetricsBind is the address the Prometheus /metrics endpoint
	// listens on. Empty disables it.
	MetricsBind string

	RuntimeBackend RuntimeBackend

	// MetastoreAddresses, when non-empty, enables the optional
	// external metadata store (§6) restricted to node-existence and
	// provider-metadata keys.
	MetastoreAddresses []string
}

func defaults() Config {
	return Config{
		HeartbeatInterval:  5 * time.Second,
		HeartbeatTimeout:   15 * time.Second,
		RestartMaxRetries:  5,
		RestartBackoffBase: 30 * time.Second,
		RestartBackoffCap:  30 * time.Minute,
		RuntimeBackend:     RuntimeBackendStub,
	}
}

// Load reads the environment variables named in §6 and returns a fully
// validated Config, or a *ValidationErrors collecting every problem
// found. Callers should format the error with Report() before exiting.
func Load() (Config, error) {
	cfg := defaults()
	errs := &ValidationErrors{}

	if path := os.Getenv("WASMORC_CONFIG_FILE"); path != "" {
		if err := loadBootstrapFile(path, &cfg); err != nil {
			errs.Add("WASMORC_CONFIG_FILE", path, err.Error(), "must be a readable YAML file matching the bootstrap schema")
		}
	}

	cfg.ControlPlaneEndpoint = os.Getenv("CONTROL_PLANE_ENDPOINT")
	cfg.NodeAgentBind = os.Getenv("NODE_AGENT_BIND")
	cfg.MetricsBind = os.Getenv("METRICS_BIND")
	if nodeID := os.Getenv("NODE_ID"); nodeID != "" {
		cfg.NodeID = nodeID
	}
	if raw := os.Getenv("CAPABILITIES_ADVERTISED"); raw != "" {
		cfg.CapabilitiesAdvertised = splitAndTrim(raw)
	}

	if raw := os.Getenv("STATIC_NODE_AGENTS"); raw != "" {
		nodes, err := parseStaticNodeAgents(raw)
		if err != nil {
			errs.Add("STATIC_NODE_AGENTS", raw, err.Error(), "use comma-separated node_id=host:port pairs")
		} else {
			cfg.StaticNodeAgents = nodes
		}
	}

	parseDuration(errs, "HEARTBEAT_INTERVAL", os.Getenv("HEARTBEAT_INTERVAL"), &cfg.HeartbeatInterval)
	parseDuration(errs, "HEARTBEAT_TIMEOUT", os.Getenv("HEARTBEAT_TIMEOUT"), &cfg.HeartbeatTimeout)
	parseMillisDuration(errs, "RESTART_BACKOFF_BASE_MS", os.Getenv("RESTART_BACKOFF_BASE_MS"), &cfg.RestartBackoffBase)
	parseMillisDuration(errs, "RESTART_BACKOFF_CAP_MS", os.Getenv("RESTART_BACKOFF_CAP_MS"), &cfg.RestartBackoffCap)

	if raw := os.Getenv("RESTART_MAX_RETRIES"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			errs.Add("RESTART_MAX_RETRIES", raw, "must be a non-negative integer", "e.g. 5")
		} else {
			cfg.RestartMaxRetries = n
		}
	}

	if raw := os.Getenv("RUNTIME_BACKEND"); raw != "" {
		switch RuntimeBackend(raw) {
		case RuntimeBackendStub:
			cfg.RuntimeBackend = RuntimeBackend(raw)
		default:
			errs.Add("RUNTIME_BACKEND", raw, "unknown runtime backend", "currently only \"stub\" is available")
		}
	}

	if raw := os.Getenv("METASTORE_ADDRESSES"); raw != "" {
		cfg.MetastoreAddresses = splitAndTrim(raw)
	}

	if cfg.HeartbeatTimeout <= cfg.HeartbeatInterval {
		errs.Add("HEARTBEAT_TIMEOUT", cfg.HeartbeatTimeout.String(),
			"must be greater than HEARTBEAT_INTERVAL or a node would be marked unreachable between successive heartbeats", "")
	}

	if errs.HasErrors() {
		return Config{}, errs
	}
	return cfg, nil
}

func parseDuration(errs *ValidationErrors, field, raw string, out *time.Duration) {
	if raw == "" {
		return
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		errs.Add(field, raw, "must be a positive duration", "e.g. 5s, 250ms")
		return
	}
	*out = d
}

func parseMillisDuration(errs *ValidationErrors, field, raw string, out *time.Duration) {
	if raw == "" {
		return
	}
	ms, err := strconv.Atoi(raw)
	if err != nil || ms <= 0 {
		errs.Add(field, raw, "must be a positive integer number of milliseconds", "e.g. 30000")
		return
	}
	*out = time.Duration(ms) * time.Millisecond
}

func splitAndTrim(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseStaticNodeAgents(raw string) (map[string]string, error) {
	nodes := make(map[string]string)
	for _, pair := range splitAndTrim(raw) {
		nodeID, endpoint, ok := strings.Cut(pair, "=")
		if !ok || nodeID == "" || endpoint == "" {
			return nil, invalidPairError{pair: pair}
		}
		nodes[nodeID] = endpoint
	}
	return nodes, nil
}

type invalidPairError struct{ pair string }

func (e invalidPairError) Error() string {
	return "\"" + e.pair + "\" is not a node_id=endpoint pair"
}

// ProviderDeclaration is one entry of a bootstrap file's providers list.
type ProviderDeclaration struct {
	ProviderID   string `yaml:"provider_id"`
	ProviderType string `yaml:"provider_type"`
	NodeID       string `yaml:"node_id"`
}

// bootstrapFile is the schema of WASMORC_CONFIG_FILE: the declarative
// parts of the configuration surface that don't fit naturally into one
// environment variable.
type bootstrapFile struct {
	StaticNodeAgents       map[string]string     `yaml:"static_node_agents"`
	NodeID                 string                `yaml:"node_id"`
	CapabilitiesAdvertised []string              `yaml:"capabilities_advertised"`
	Providers              []ProviderDeclaration `yaml:"providers"`
}

// loadBootstrapFile parses path as YAML and merges it into cfg. Values
// set here are overridden by any corresponding environment variable
// processed afterward by Load, matching the teacher's config.yaml
// layering: the file supplies a declarative baseline, the environment
// supplies per-deployment overrides.
func loadBootstrapFile(path string, cfg *Config) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var bf bootstrapFile
	if err := yaml.Unmarshal(raw, &bf); err != nil {
		return err
	}
	if len(bf.StaticNodeAgents) > 0 {
		cfg.StaticNodeAgents = bf.StaticNodeAgents
	}
	if bf.NodeID != "" {
		cfg.NodeID = bf.NodeID
	}
	if len(bf.CapabilitiesAdvertised) > 0 {
		cfg.CapabilitiesAdvertised = bf.CapabilitiesAdvertised
	}
	if len(bf.Providers) > 0 {
		cfg.Providers = bf.Providers
	}
	return nil
}
