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
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/jeremyhahn/go-devicevault/pkg/auth"
	"github.com/jeremyhahn/go-devicevault/pkg/password"
	"github.com/jeremyhahn/go-devicevault/pkg/storage"
	"github.com/spf13/cobra"
)

// NewPassphraseEnv supplies the new passphrase when re-enrolling
// non-interactively.
const NewPassphraseEnv = "DEVICEVAULT_NEW_PASSPHRASE"

var (
	// ErrPassphraseMismatch is returned when the confirmation differs.
	ErrPassphraseMismatch = errors.New("passphrases do not match")

	// ErrAuthDisabled is returned by passphrase commands when the
	// configured auth backend is not passphrase.
	ErrAuthDisabled = errors.New("passphrase authentication is not configured")
)

func newAuthCommand(opts *Options) *cobra.Command {
	var namespace string
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Authenticate as the device owner",
		Long: `Prove owner presence for a namespace. Repeated failures lock the
namespace out for the configured lockout duration.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withVault(cmd, opts, func(ctx context.Context, v *vault) error {
				if err := v.svc.Authenticate(ctx, namespace, "Unlock devicevault", auth.AlwaysReauth()); err != nil {
					return err
				}
				return printerFor(cmd, opts).PrintSuccess("Authenticated")
			})
		},
	}
	cmd.Flags().StringVarP(&namespace, "namespace", "n", storage.NamespaceDefault, "namespace to authenticate for")
	return cmd
}

func newPassphraseCommand(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "passphrase",
		Short: "Manage the owner passphrase",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "enroll",
		Short: "Set or replace the owner passphrase",
		Long: `Enroll a passphrase. Replacing an existing passphrase requires
authenticating with the current one first. Set ` + PassphraseEnv + ` (and
` + NewPassphraseEnv + ` when replacing) to run without a terminal.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withVault(cmd, opts, func(ctx context.Context, v *vault) error {
				return enroll(ctx, cmd, opts, v)
			})
		},
	})
	return cmd
}

func enroll(ctx context.Context, cmd *cobra.Command, opts *Options, v *vault) error {
	if v.passphrase == nil {
		return ErrAuthDisabled
	}
	enrolled, err := v.passphrase.Enrolled(ctx)
	if err != nil {
		return err
	}

	prompter := v.prompter
	if enrolled {
		verbosef(cmd, opts, "Passphrase already enrolled, verifying the current one")
		if err := v.svc.Authenticate(ctx, "", "Current passphrase", auth.AlwaysReauth()); err != nil {
			return err
		}
		if pw, ok := os.LookupEnv(NewPassphraseEnv); ok {
			prompter = auth.StaticPrompter{Passphrase: pw}
		}
	}

	secret, err := prompter.Prompt(ctx, "Enter new passphrase")
	if err != nil {
		return err
	}
	defer secret.Clear()
	confirm, err := prompter.Prompt(ctx, "Confirm new passphrase")
	if err != nil {
		return err
	}
	defer confirm.Clear()

	same, err := password.Equal(secret, confirm)
	if err != nil {
		return err
	}
	if !same {
		return ErrPassphraseMismatch
	}
	if err := v.passphrase.Enroll(ctx, secret); err != nil {
		return err
	}
	v.svc.ForceReauth()
	return printerFor(cmd, opts).PrintSuccess("Passphrase enrolled")
}

func newPasswordCommand(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "password",
		Short: "Password policy tools",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check [password]",
		Short: "Check a password against the configured policy",
		Long: `Check a password against the configured policy. The password is read
from the first line of stdin when not given as an argument.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			pw, err := passwordArg(cmd, args)
			if err != nil {
				return err
			}
			policy := password.FromConfiguration(cfg.Security)
			checkErr := policy.Check(pw)
			if err := printerFor(cmd, opts).PrintPasswordCheck(policy, checkErr); err != nil {
				return err
			}
			if checkErr != nil {
				return fmt.Errorf("password rejected by policy")
			}
			return nil
		},
	})
	return cmd
}

func passwordArg(cmd *cobra.Command, args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	scanner := bufio.NewScanner(cmd.InOrStdin())
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return "", nil
	}
	return strings.TrimRight(scanner.Text(), "\r"), nil
}
