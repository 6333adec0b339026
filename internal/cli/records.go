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
	"context"
	"fmt"
	"io"
	"os"

	"github.com/jeremyhahn/go-devicevault/pkg/keychain"
	"github.com/jeremyhahn/go-devicevault/pkg/storage"
	"github.com/spf13/cobra"
)

// maxValueSize bounds values read from stdin or a file.
const maxValueSize = 1 << 20

func addNamespaceFlag(cmd *cobra.Command, ns *string) {
	cmd.Flags().StringVarP(ns, "namespace", "n", storage.NamespaceDefault, "record namespace")
}

func newPutCommand(opts *Options) *cobra.Command {
	var namespace, fromFile string
	cmd := &cobra.Command{
		Use:   "put <id> [value]",
		Short: "Encrypt and store a value",
		Long: `Store a value under id. The value is taken from the second argument,
from --file, or from stdin when neither is given.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := readValue(cmd, args[1:], fromFile)
			if err != nil {
				return err
			}
			return withVault(cmd, opts, func(ctx context.Context, v *vault) error {
				if err := v.svc.SecureStore(ctx, args[0], value, keychain.InNamespace(namespace)); err != nil {
					return err
				}
				return printerFor(cmd, opts).PrintSuccess(fmt.Sprintf("Stored %s/%s", namespace, args[0]))
			})
		},
	}
	addNamespaceFlag(cmd, &namespace)
	cmd.Flags().StringVarP(&fromFile, "file", "f", "", "read the value from a file")
	return cmd
}

func readValue(cmd *cobra.Command, args []string, fromFile string) ([]byte, error) {
	switch {
	case len(args) == 1 && fromFile != "":
		return nil, fmt.Errorf("give the value as an argument or with --file, not both")
	case len(args) == 1:
		return []byte(args[0]), nil
	case fromFile != "":
		// #nosec G304 - path is supplied by the operator
		f, err := os.Open(fromFile)
		if err != nil {
			return nil, fmt.Errorf("failed to open value file: %w", err)
		}
		defer f.Close()
		return readLimited(f)
	default:
		return readLimited(cmd.InOrStdin())
	}
}

func readLimited(r io.Reader) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, maxValueSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read value: %w", err)
	}
	if len(b) > maxValueSize {
		return nil, fmt.Errorf("value exceeds %d bytes", maxValueSize)
	}
	return b, nil
}

func newGetCommand(opts *Options) *cobra.Command {
	var namespace string
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Retrieve and decrypt a value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withVault(cmd, opts, func(ctx context.Context, v *vault) error {
				value, err := v.svc.SecureRetrieve(ctx, args[0], keychain.InNamespace(namespace))
				if err != nil {
					return err
				}
				return printerFor(cmd, opts).PrintValue(namespace, args[0], value)
			})
		},
	}
	addNamespaceFlag(cmd, &namespace)
	return cmd
}

func newDeleteCommand(opts *Options) *cobra.Command {
	var namespace string
	cmd := &cobra.Command{
		Use:     "delete <id>",
		Aliases: []string{"rm"},
		Short:   "Delete a value",
		Long:    `Delete the value stored under id. Deleting an absent id succeeds.`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withVault(cmd, opts, func(ctx context.Context, v *vault) error {
				if err := v.svc.SecureDelete(ctx, args[0], keychain.InNamespace(namespace)); err != nil {
					return err
				}
				return printerFor(cmd, opts).PrintSuccess(fmt.Sprintf("Deleted %s/%s", namespace, args[0]))
			})
		},
	}
	addNamespaceFlag(cmd, &namespace)
	return cmd
}

func newListCommand(opts *Options) *cobra.Command {
	var namespace string
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List record ids",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withVault(cmd, opts, func(ctx context.Context, v *vault) error {
				ids, err := v.svc.List(ctx, keychain.InNamespace(namespace))
				if err != nil {
					return err
				}
				return printerFor(cmd, opts).PrintRecordList(namespace, ids)
			})
		},
	}
	addNamespaceFlag(cmd, &namespace)
	return cmd
}
