package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/giantswarm/celixdm/internal/cmerrors"
)

// Exit codes for CLI commands.
const (
	// ExitCodeSuccess indicates successful execution.
	ExitCodeSuccess = 0
	// ExitCodeError indicates a general error (command failed, invalid arguments).
	ExitCodeError = 1
	// ExitCodeInvalidState indicates an operation rejected with a cmerrors.InvalidStateError.
	ExitCodeInvalidState = 2
)

// rootCmd represents the base command for the celixdm application.
// It is the entry point when the application is called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "celixdm",
	Short: "Run and introspect a Component Manager / Service Dependency graph",
	Long: `celixdm drives a set of Component Managers through their lifecycle as
services appear and disappear in an in-process service registry, and
reports on component state and dependency resolution.

It is an introspection tool, not a REPL or bundle loader: it loads a
scenario description, runs it to a steady state, and prints a snapshot.`,
	SilenceUsage: true,
}

// SetVersion sets the version for the root command.
func SetVersion(v string) {
	rootCmd.Version = v
}

// GetVersion returns the current version of the application.
func GetVersion() string {
	return rootCmd.Version
}

// Execute is the main entry point for the CLI application.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "celixdm version %s\n" .Version}}`)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(getExitCode(err))
	}
}

// getExitCode determines the appropriate exit code based on the error type.
func getExitCode(err error) int {
	if cmerrors.IsInvalidState(err) {
		return ExitCodeInvalidState
	}
	return ExitCodeError
}

func init() {
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newScenarioCmd())
}
