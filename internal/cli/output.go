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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/jeremyhahn/go-devicevault/pkg/classifier"
	"github.com/jeremyhahn/go-devicevault/pkg/health"
	"github.com/jeremyhahn/go-devicevault/pkg/integrity"
	"github.com/jeremyhahn/go-devicevault/pkg/password"
	"github.com/jeremyhahn/go-devicevault/pkg/types"
)

// OutputFormat defines the output format type
type OutputFormat string

const (
	OutputFormatText OutputFormat = "text"
	OutputFormatJSON OutputFormat = "json"
)

// Printer handles formatted output
type Printer struct {
	format OutputFormat
	writer io.Writer
}

// NewPrinter creates a new Printer
func NewPrinter(format string, writer io.Writer) *Printer {
	return &Printer{
		format: OutputFormat(format),
		writer: writer,
	}
}

// PrintSuccess prints a success message
func (p *Printer) PrintSuccess(message string) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]any{
			"status":  "success",
			"message": message,
		})
	case OutputFormatText:
		fmt.Fprintln(p.writer, message)
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintError prints an error with its classifier code.
func (p *Printer) PrintError(err error) error {
	code := types.CodeOf(err)
	switch p.format {
	case OutputFormatJSON:
		out := map[string]any{
			"status": "error",
			"code":   code,
			"error":  err.Error(),
		}
		var te *types.Error
		if errors.As(err, &te) && te.Kind == types.KindLockedOut {
			out["remaining_seconds"] = te.RemainingSeconds()
		}
		return p.printJSON(out)
	default:
		fmt.Fprintf(p.writer, "Error: %v (%s)\n", err, code)
		return nil
	}
}

// PrintValue prints a retrieved record value.
func (p *Printer) PrintValue(namespace, id string, value []byte) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]any{
			"namespace": namespace,
			"id":        id,
			"value":     string(value),
		})
	case OutputFormatText:
		_, err := p.writer.Write(value)
		if err == nil && (len(value) == 0 || value[len(value)-1] != '\n') {
			_, err = fmt.Fprintln(p.writer)
		}
		return err
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintRecordList prints the record ids of a namespace.
func (p *Printer) PrintRecordList(namespace string, ids []string) error {
	switch p.format {
	case OutputFormatJSON:
		if ids == nil {
			ids = []string{}
		}
		return p.printJSON(map[string]any{
			"namespace": namespace,
			"records":   ids,
		})
	case OutputFormatText:
		if len(ids) == 0 {
			fmt.Fprintln(p.writer, "No records found")
			return nil
		}
		fmt.Fprintf(p.writer, "Records in %s:\n", namespace)
		for _, id := range ids {
			fmt.Fprintf(p.writer, "  - %s\n", id)
		}
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintPasswordCheck prints the result of a password policy check.
func (p *Printer) PrintPasswordCheck(policy password.Policy, err error) error {
	var violations []string
	if err != nil {
		violations = strings.Split(err.Error(), "\n")
	}
	switch p.format {
	case OutputFormatJSON:
		if violations == nil {
			violations = []string{}
		}
		return p.printJSON(map[string]any{
			"valid":      err == nil,
			"min_length": policy.MinLength,
			"complexity": policy.ComplexityRequired,
			"violations": violations,
		})
	case OutputFormatText:
		if err == nil {
			fmt.Fprintln(p.writer, "Password meets the policy")
			return nil
		}
		fmt.Fprintln(p.writer, "Password does not meet the policy:")
		for _, v := range violations {
			fmt.Fprintf(p.writer, "  - %s\n", v)
		}
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintScan prints an integrity report.
func (p *Printer) PrintScan(r integrity.Report) error {
	switch p.format {
	case OutputFormatJSON:
		events := r.Events
		if events == nil {
			events = []integrity.SecurityEvent{}
		}
		return p.printJSON(map[string]any{
			"clean":       r.Clean(),
			"compromised": r.Compromised(),
			"started_at":  r.StartedAt,
			"finished_at": r.FinishedAt,
			"events":      events,
			"errors":      r.Errors,
		})
	case OutputFormatText:
		switch {
		case r.Clean():
			fmt.Fprintln(p.writer, "Integrity: clean")
		case r.Compromised():
			fmt.Fprintln(p.writer, "Integrity: COMPROMISED")
		default:
			fmt.Fprintln(p.writer, "Integrity: suspicious")
		}
		for _, e := range r.Events {
			fmt.Fprintf(p.writer, "  [%s] %s: %s\n", e.Detector, e.Kind, e.Detail)
		}
		for _, name := range sortedKeys(r.Errors) {
			fmt.Fprintf(p.writer, "  [%s] error: %s\n", name, r.Errors[name])
		}
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// Status is the aggregate shown by the status command.
type Status struct {
	Version  string                      `json:"version"`
	Backend  string                      `json:"backend"`
	Cipher   string                      `json:"cipher"`
	Nonces   *int                        `json:"tracked_nonces,omitempty"`
	Security types.SecurityConfiguration `json:"security"`
	Health   health.Report               `json:"health"`
	Attempts classifier.AuthAttemptState `json:"attempts"`
	Enrolled *bool                       `json:"passphrase_enrolled,omitempty"`
	Records  []classifier.ErrorRecord    `json:"errors"`
}

// PrintStatus prints the vault status.
func (p *Printer) PrintStatus(s Status) error {
	switch p.format {
	case OutputFormatJSON:
		if s.Records == nil {
			s.Records = []classifier.ErrorRecord{}
		}
		return p.printJSON(s)
	case OutputFormatText:
		fmt.Fprintf(p.writer, "Version:          %s\n", s.Version)
		fmt.Fprintf(p.writer, "Backend:          %s\n", s.Backend)
		fmt.Fprintf(p.writer, "Cipher:           %s\n", s.Cipher)
		if s.Nonces != nil {
			fmt.Fprintf(p.writer, "Tracked nonces:   %d\n", *s.Nonces)
		}
		fmt.Fprintf(p.writer, "Encrypt data:     %t\n", s.Security.EncryptData)
		fmt.Fprintf(p.writer, "Require auth:     %t\n", s.Security.RequireBiometrics)
		if s.Enrolled != nil {
			fmt.Fprintf(p.writer, "Passphrase:       %s\n", enrolledText(*s.Enrolled))
		}
		fmt.Fprintf(p.writer, "Failed attempts:  %d/%d\n", s.Attempts.FailureCount, s.Security.MaxFailedAttempts)
		if !s.Attempts.LockedUntil.IsZero() {
			fmt.Fprintf(p.writer, "Locked until:     %s\n", s.Attempts.LockedUntil.Format("2006-01-02 15:04:05 MST"))
		}
		fmt.Fprintf(p.writer, "Health:           %s\n", s.Health.Status)
		for _, c := range s.Health.Checks {
			fmt.Fprintf(p.writer, "  %-10s %-10s %s\n", c.Name, c.Status, c.Message)
		}
		if len(s.Records) > 0 {
			fmt.Fprintln(p.writer, "Errors:")
			for _, r := range s.Records {
				fmt.Fprintf(p.writer, "  %-32s %-8s x%d\n", r.Code, r.Severity, r.Count)
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

func enrolledText(enrolled bool) string {
	if enrolled {
		return "enrolled"
	}
	return "not enrolled"
}

// printJSON prints data as JSON
func (p *Printer) printJSON(data any) error {
	encoder := json.NewEncoder(p.writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
