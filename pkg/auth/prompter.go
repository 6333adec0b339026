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

package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/jeremyhahn/go-devicevault/pkg/password"
	"golang.org/x/term"
)

var (
	// ErrPromptCancelled is returned when the owner dismisses the prompt.
	ErrPromptCancelled = errors.New("auth: prompt cancelled")

	// ErrNotATerminal is returned when stdin is not an interactive terminal.
	ErrNotATerminal = errors.New("auth: input is not a terminal")
)

// Prompter asks the device owner for a passphrase.
type Prompter interface {
	Prompt(ctx context.Context, reason string) (*password.Secret, error)
}

// PrompterFunc adapts a function to Prompter.
type PrompterFunc func(ctx context.Context, reason string) (*password.Secret, error)

func (f PrompterFunc) Prompt(ctx context.Context, reason string) (*password.Secret, error) {
	return f(ctx, reason)
}

// StaticPrompter answers every prompt with the same passphrase. It serves
// non-interactive hosts that read the passphrase from the environment.
type StaticPrompter struct {
	Passphrase string
}

func (p StaticPrompter) Prompt(ctx context.Context, _ string) (*password.Secret, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.Passphrase == "" {
		return nil, ErrPromptCancelled
	}
	return password.NewSecretFromString(p.Passphrase)
}

// TerminalPrompter reads a passphrase from a terminal without echo.
type TerminalPrompter struct {
	In  *os.File
	Out io.Writer
}

// NewTerminalPrompter prompts on stderr and reads from stdin.
func NewTerminalPrompter() *TerminalPrompter {
	return &TerminalPrompter{In: os.Stdin, Out: os.Stderr}
}

type readResult struct {
	b   []byte
	err error
}

// Prompt writes reason and reads one line. An empty line counts as a
// cancelled prompt. If ctx ends first the pending read is abandoned.
func (p *TerminalPrompter) Prompt(ctx context.Context, reason string) (*password.Secret, error) {
	fd := int(p.In.Fd())
	if !term.IsTerminal(fd) {
		return nil, ErrNotATerminal
	}
	fmt.Fprintf(p.Out, "%s\nPassphrase: ", reason)

	ch := make(chan readResult, 1)
	go func() {
		b, err := term.ReadPassword(fd)
		ch <- readResult{b, err}
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(p.Out)
		return nil, ctx.Err()
	case r := <-ch:
		fmt.Fprintln(p.Out)
		if r.err != nil {
			return nil, fmt.Errorf("read passphrase: %w", r.err)
		}
		defer password.Zero(r.b)
		if len(r.b) == 0 {
			return nil, ErrPromptCancelled
		}
		return password.NewSecret(r.b)
	}
}
