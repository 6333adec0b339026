// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-devicevault.
//
// go-devicevault is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package cli implements the devicevault command line.
package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/jeremyhahn/go-devicevault/pkg/types"
	"github.com/spf13/cobra"
)

// Options holds the global flags.
type Options struct {
	// ConfigFile is the path to the configuration file. Empty searches
	// the default locations.
	ConfigFile string

	// Backend overrides storage.backend (memory, file, sqlite)
	Backend string

	// DataDir overrides storage.path
	DataDir string

	// OutputFormat controls output formatting (text, json)
	OutputFormat string

	// Verbose lowers the log level to debug
	Verbose bool
}

// NewRootCommand builds the command tree. Each call returns an
// independent tree so tests can run commands side by side.
func NewRootCommand() *cobra.Command {
	opts := &Options{}

	root := &cobra.Command{
		Use:   "devicevault",
		Short: "devicevault - encrypted on-device secret storage",
		Long: `devicevault stores small secrets encrypted at rest behind owner
authentication, classifies every failure and watches the runtime for
signs of tampering.

Supported storage backends:
  - file:    one file per record under a directory
  - sqlite:  a single SQLite database
  - memory:  process memory, lost on exit`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&opts.ConfigFile, "config", "",
		"config file (default searches ./devicevault.yaml, $HOME/.devicevault, /etc/devicevault)")
	root.PersistentFlags().StringVar(&opts.Backend, "backend", "",
		"storage backend override (memory, file, sqlite)")
	root.PersistentFlags().StringVar(&opts.DataDir, "data-dir", "",
		"storage path override")
	root.PersistentFlags().StringVarP(&opts.OutputFormat, "output", "o", "text",
		"output format (text, json)")
	root.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false,
		"verbose output")

	root.AddCommand(
		newPutCommand(opts),
		newGetCommand(opts),
		newDeleteCommand(opts),
		newListCommand(opts),
		newAuthCommand(opts),
		newPassphraseCommand(opts),
		newPasswordCommand(opts),
		newIntegrityCommand(opts),
		newStatusCommand(opts),
		newConfigCommand(opts),
		newVersionCommand(opts),
	)
	return root
}

// Execute runs the command line and returns the process exit code.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := NewRootCommand()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	cmd, err := root.ExecuteContextC(ctx)
	if err == nil {
		return 0
	}
	format, _ := root.PersistentFlags().GetString("output")
	_ = NewPrinter(format, stderr).PrintError(err) // best-effort
	if cmd != nil && verboseFlag(cmd) {
		fmt.Fprintf(stderr, "[VERBOSE] %s failed with code %s\n", cmd.CommandPath(), types.CodeOf(err))
	}
	return exitCode(err)
}

// exitCode maps failures to distinct exit statuses for scripts.
func exitCode(err error) int {
	switch types.KindOf(err) {
	case types.KindNotFound:
		return 3
	case types.KindAuthenticationFailed, types.KindBiometricsUnavailable, types.KindCancelled:
		return 4
	case types.KindLockedOut:
		return 5
	default:
		return 1
	}
}

func verboseFlag(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool("verbose")
	return v
}

func printerFor(cmd *cobra.Command, opts *Options) *Printer {
	return NewPrinter(opts.OutputFormat, cmd.OutOrStdout())
}

// verbosef writes to stderr when verbose mode is enabled
func verbosef(cmd *cobra.Command, opts *Options, format string, args ...any) {
	if opts.Verbose {
		fmt.Fprintf(cmd.ErrOrStderr(), "[VERBOSE] "+format+"\n", args...)
	}
}
