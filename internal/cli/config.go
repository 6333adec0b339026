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

package cli

import (
	"fmt"
	"path/filepath"

	"github.com/jeremyhahn/go-devicevault/internal/config"
	"github.com/spf13/cobra"
)

func newConfigCommand(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}

	var (
		path  string
		force bool
	)
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a configuration file with the defaults",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if path == "" {
				path = opts.ConfigFile
			}
			if path == "" {
				path = filepath.Join(config.DefaultDataDir(), config.ConfigName+".yaml")
			}
			cfg := config.Default()
			if opts.Backend != "" {
				cfg.Storage.Backend = opts.Backend
			}
			if opts.DataDir != "" {
				cfg.Storage.Path = opts.DataDir
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := cfg.Write(path, force); err != nil {
				return err
			}
			return printerFor(cmd, opts).PrintSuccess(fmt.Sprintf("Wrote %s", path))
		},
	}
	initCmd.Flags().StringVar(&path, "path", "", "where to write the file (default $HOME/.devicevault/devicevault.yaml)")
	initCmd.Flags().BoolVar(&force, "force", false, "replace an existing file")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			data, err := cfg.Marshal()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}

	cmd.AddCommand(initCmd, showCmd)
	return cmd
}
