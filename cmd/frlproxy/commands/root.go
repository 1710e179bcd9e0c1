// SPDX-License-Identifier: MIT

// Package commands implements the frlproxy CLI.
package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/frlproxy/frlproxy/internal/config"
	"github.com/frlproxy/frlproxy/internal/log"
	"github.com/frlproxy/frlproxy/internal/version"
)

// Exit codes.
const (
	exitOK          = 0
	exitUsage       = 1
	exitRuntime     = 2
	exitUnreachable = 3
)

// errUnreachable marks a forward run that could not reach the upstream.
var errUnreachable = errors.New("upstream unreachable")

var configPath string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "frlproxy",
		Short:         "Caching, store-and-forward proxy for FRL licensing traffic",
		Long: `frlproxy sits between licensing clients and the Adobe license and log
services. It caches successful activations, journals every request it
handles, and replays the journal when connectivity returns.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the configuration file (default ./frlproxy.yaml)")

	root.AddCommand(
		newServeCmd(),
		newConfigureCmd(),
		newForwardCmd(),
		newExportCmd(),
		newImportCmd(),
		newClearCmd(),
		newVersionCmd(),
	)
	return root
}

// Execute runs the CLI and maps errors to exit codes.
func Execute() int {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "frlproxy: %v\n", err)
		return exitCode(err)
	}
	return exitOK
}

// exitCode maps a command error to the process exit code: 1 for operator
// mistakes, 2 for runtime failures, 3 for an unreachable upstream.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, errUnreachable):
		return exitUnreachable
	case isUsageError(err):
		return exitUsage
	}
	return exitRuntime
}

// usageError marks operator mistakes (bad flags, invalid configuration).
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

func isUsageError(err error) bool {
	var ue usageError
	return errors.As(err, &ue)
}

// loadConfig reads the configuration honoring the global --config flag.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, usageError{err}
	}
	return cfg, nil
}

// configureLogging wires the global logger from the configuration.
func configureLogging(cfg *config.Config) {
	lc := log.Config{
		Level:   cfg.Logging.Level,
		Version: version.Version,
	}
	if cfg.Logging.Destination == "file" {
		lc.FilePath = cfg.Logging.FilePath
		lc.RotateSizeKB = cfg.Logging.RotateSizeKB
		lc.RotateCount = cfg.Logging.RotateCount
	}
	log.Configure(lc)
}
