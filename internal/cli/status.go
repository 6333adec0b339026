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

	"github.com/jeremyhahn/go-devicevault/pkg/keychain"
	"github.com/jeremyhahn/go-devicevault/pkg/storage"
	"github.com/spf13/cobra"
)

func newStatusCommand(opts *Options) *cobra.Command {
	var (
		namespace string
		scan      bool
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show vault health, lockout state and error counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withVault(cmd, opts, func(ctx context.Context, v *vault) error {
				if scan {
					if _, err := v.svc.ScanIntegrity(ctx); err != nil {
						return err
					}
				}
				status := Status{
					Version:  keychain.Version(),
					Backend:  v.cfg.Storage.Backend,
					Cipher:   v.cfg.Storage.Cipher,
					Security: v.svc.Security(),
					Health:   v.svc.Health(ctx),
					Attempts: v.svc.AttemptState(ctx, namespace),
					Records:  v.svc.Records(),
				}
				if n, ok := v.svc.TrackedNonces(); ok {
					status.Nonces = &n
				}
				if v.passphrase != nil {
					enrolled, err := v.passphrase.Enrolled(ctx)
					if err != nil {
						return err
					}
					status.Enrolled = &enrolled
				}
				return printerFor(cmd, opts).PrintStatus(status)
			})
		},
	}
	cmd.Flags().StringVarP(&namespace, "namespace", "n", storage.NamespaceDefault, "namespace to report lockout state for")
	cmd.Flags().BoolVar(&scan, "scan", false, "run an integrity scan first")
	return cmd
}
