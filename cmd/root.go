// Package cmd wires wasmorc's cobra CLI: "controlplane serve" and
// "nodeagent serve" start the two long-running daemons described in
// SPEC_FULL.md; "version" prints the build version. The root-command
// plus SetVersion/Execute/exit-code shape is adapted from the teacher's
// cmd/root.go.
package cmd

import (
	"errors"
	"os"

	"github.com/spf13/cobra"

	"wasmorc/internal/orcapi"
)

// Exit codes for CLI commands.
const (
	// ExitCodeSuccess indicates successful execution.
	ExitCodeSuccess = 0
	// ExitCodeError indicates a general error (bad config, command failed).
	ExitCodeError = 1
	// ExitCodeInvalidRequest indicates a validation error in configuration
	// or request arguments (orcapi.KindInvalidRequest).
	ExitCodeInvalidRequest = 2
	// ExitCodeCommunicationFailure indicates an RPC or transport failure
	// reaching a peer node (orcapi.KindCommunicationFailure).
	ExitCodeCommunicationFailure = 3
)

// rootCmd is the base command for the wasmorc binary.
var rootCmd = &cobra.Command{
	Use:   "wasmorc",
	Short: "Distributed orchestrator for capability-sandboxed WebAssembly instances",
	Long: `wasmorc runs a Control Plane and one or more Node Agents that start,
stop and supervise WebAssembly module instances across a cluster,
enforcing permission-scoped access to Capability Providers (key-value,
HTTP, messaging).`,
	SilenceUsage: true,
}

// SetVersion sets the version for the root command, injected from main
// at build time.
func SetVersion(v string) {
	rootCmd.Version = v
}

// GetVersion returns the current version string.
func GetVersion() string {
	return rootCmd.Version
}

// Execute runs the root command and maps a returned error to a process
// exit code.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "wasmorc version %s\n" .Version}}`)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(getExitCode(err))
	}
}

// getExitCode maps an *orcapi.Error's kind to a semantic exit code for
// scripting, falling back to a general error code for anything else
// (including *config.ValidationErrors, which is reported to stderr by
// the failing command before returning).
func getExitCode(err error) int {
	var oerr *orcapi.Error
	if errors.As(err, &oerr) {
		switch oerr.Kind {
		case orcapi.KindInvalidRequest:
			return ExitCodeInvalidRequest
		case orcapi.KindCommunicationFailure:
			return ExitCodeCommunicationFailure
		}
	}
	return ExitCodeError
}

func init() {
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newControlPlaneCmd())
	rootCmd.AddCommand(newNodeAgentCmd())
}
