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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jeremyhahn/go-devicevault/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPassphrase = "Correct-Horse1"

type result struct {
	stdout string
	stderr string
	err    error
}

// testEnv writes a configuration over a file backend in a temp dir with
// cheap argon2 costs and integrity detection off.
func testEnv(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	path := filepath.Join(dir, "devicevault.yaml")
	content := fmt.Sprintf(`
storage:
  backend: file
  path: %s
auth:
  argon2_memory_kib: 8192
  argon2_threads: 1
integrity:
  enabled: false
logging:
  level: error
%s`, filepath.Join(dir, "data"), extra)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func run(t *testing.T, configPath, stdin string, args ...string) result {
	t.Helper()
	root := NewRootCommand()
	var stdout, stderr bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(append([]string{"--config", configPath}, args...))
	err := root.ExecuteContext(context.Background())
	return result{stdout: stdout.String(), stderr: stderr.String(), err: err}
}

func enrollPassphrase(t *testing.T, configPath string) {
	t.Helper()
	t.Setenv(PassphraseEnv, testPassphrase)
	r := run(t, configPath, "", "passphrase", "enroll")
	require.NoError(t, r.err)
	assert.Contains(t, r.stdout, "Passphrase enrolled")
}

func TestVersion(t *testing.T) {
	cfg := testEnv(t, "")
	r := run(t, cfg, "", "version")
	require.NoError(t, r.err)
	assert.Contains(t, r.stdout, "devicevault version")

	r = run(t, cfg, "", "version", "-o", "json")
	require.NoError(t, r.err)
	var out map[string]string
	require.NoError(t, json.Unmarshal([]byte(r.stdout), &out))
	assert.NotEmpty(t, out["version"])
	assert.NotEmpty(t, out["go_version"])
}

func TestRecordLifecycle(t *testing.T) {
	cfg := testEnv(t, "")
	enrollPassphrase(t, cfg)

	r := run(t, cfg, "", "put", "api-token", "s3cr3t-value")
	require.NoError(t, r.err)
	assert.Contains(t, r.stdout, "Stored default/api-token")

	r = run(t, cfg, "", "get", "api-token")
	require.NoError(t, r.err)
	assert.Equal(t, "s3cr3t-value\n", r.stdout)

	r = run(t, cfg, "", "get", "api-token", "-o", "json")
	require.NoError(t, r.err)
	var value map[string]string
	require.NoError(t, json.Unmarshal([]byte(r.stdout), &value))
	assert.Equal(t, "s3cr3t-value", value["value"])
	assert.Equal(t, "default", value["namespace"])

	r = run(t, cfg, "", "list")
	require.NoError(t, r.err)
	assert.Contains(t, r.stdout, "api-token")

	r = run(t, cfg, "", "delete", "api-token")
	require.NoError(t, r.err)
	r = run(t, cfg, "", "delete", "api-token")
	require.NoError(t, r.err, "deleting an absent id succeeds")

	r = run(t, cfg, "", "get", "api-token")
	require.ErrorIs(t, r.err, types.ErrNotFound)
	assert.Equal(t, 3, exitCode(r.err))
}

func TestPut_FromStdinAndFile(t *testing.T) {
	cfg := testEnv(t, "")
	enrollPassphrase(t, cfg)

	r := run(t, cfg, "line one\nline two\n", "put", "notes", "-n", "personal")
	require.NoError(t, r.err)

	r = run(t, cfg, "", "get", "notes", "-n", "personal")
	require.NoError(t, r.err)
	assert.Equal(t, "line one\nline two\n", r.stdout)

	file := filepath.Join(t.TempDir(), "value.bin")
	require.NoError(t, os.WriteFile(file, []byte("from-file"), 0600))
	r = run(t, cfg, "", "put", "blob", "--file", file)
	require.NoError(t, r.err)
	r = run(t, cfg, "", "get", "blob")
	require.NoError(t, r.err)
	assert.Equal(t, "from-file\n", r.stdout)

	r = run(t, cfg, "", "put", "blob", "inline", "--file", file)
	assert.Error(t, r.err)
}

func TestPut_ReservedNamespace(t *testing.T) {
	cfg := testEnv(t, "")
	enrollPassphrase(t, cfg)

	r := run(t, cfg, "", "get", "encryption-key.v1", "-n", "keys")
	require.Error(t, r.err)
	assert.Equal(t, "store.read_failed", types.CodeOf(r.err))
}

func TestPut_NotEnrolled(t *testing.T) {
	cfg := testEnv(t, "")
	t.Setenv(PassphraseEnv, testPassphrase)

	r := run(t, cfg, "", "put", "token", "value")
	require.ErrorIs(t, r.err, types.ErrBiometricsUnavailable)
	assert.Equal(t, 4, exitCode(r.err))
}

func TestAuth_LockoutPersistsAcrossRuns(t *testing.T) {
	cfg := testEnv(t, "security:\n  max_failed_attempts: 3\n  lockout_duration: 1h\n")
	enrollPassphrase(t, cfg)

	t.Setenv(PassphraseEnv, "Wrong-Horse2")
	for i := 0; i < 3; i++ {
		r := run(t, cfg, "", "auth")
		require.ErrorIs(t, r.err, types.ErrAuthenticationFailed, "attempt %d", i+1)
		assert.Equal(t, 4, exitCode(r.err))
	}

	t.Setenv(PassphraseEnv, testPassphrase)
	r := run(t, cfg, "", "auth")
	require.ErrorIs(t, r.err, types.ErrLockedOut, "correct passphrase is refused while locked out")
	assert.Equal(t, 5, exitCode(r.err))

	r = run(t, cfg, "", "status", "-o", "json")
	require.NoError(t, r.err)
	var status struct {
		Attempts struct {
			FailureCount int `json:"failure_count"`
		} `json:"attempts"`
	}
	require.NoError(t, json.Unmarshal([]byte(r.stdout), &status))
	assert.Equal(t, 3, status.Attempts.FailureCount)
}

func TestAuth_CancelledPromptIsNotCounted(t *testing.T) {
	cfg := testEnv(t, "")
	enrollPassphrase(t, cfg)

	t.Setenv(PassphraseEnv, "")
	r := run(t, cfg, "", "auth")
	require.ErrorIs(t, r.err, types.ErrAuthenticationFailed)

	r = run(t, cfg, "", "status", "-o", "json")
	require.NoError(t, r.err)
	assert.Contains(t, r.stdout, `"failure_count": 0`)
}

func TestPassphrase_Reenroll(t *testing.T) {
	cfg := testEnv(t, "")
	enrollPassphrase(t, cfg)

	t.Setenv(NewPassphraseEnv, "Battery-Staple9")
	r := run(t, cfg, "", "passphrase", "enroll")
	require.NoError(t, r.err)

	t.Setenv(PassphraseEnv, "Battery-Staple9")
	r = run(t, cfg, "", "auth")
	require.NoError(t, r.err)
	assert.Contains(t, r.stdout, "Authenticated")
}

func TestPassphrase_PolicyEnforced(t *testing.T) {
	cfg := testEnv(t, "")
	t.Setenv(PassphraseEnv, "weak")
	r := run(t, cfg, "", "passphrase", "enroll")
	require.Error(t, r.err)
	assert.Contains(t, r.err.Error(), "too short")
}

func TestPasswordCheck(t *testing.T) {
	cfg := testEnv(t, "")

	r := run(t, cfg, "", "password", "check", "Passw0rd!")
	require.NoError(t, r.err)
	assert.Contains(t, r.stdout, "meets the policy")

	r = run(t, cfg, "password\n", "password", "check", "-o", "json")
	require.Error(t, r.err)
	var out struct {
		Valid      bool     `json:"valid"`
		Violations []string `json:"violations"`
	}
	require.NoError(t, json.Unmarshal([]byte(r.stdout), &out))
	assert.False(t, out.Valid)
	assert.Len(t, out.Violations, 3, "upper, digit and symbol are missing")
}

func TestMemoryBackendWithoutAuth(t *testing.T) {
	cfg := testEnv(t, "")
	t.Setenv("DEVICEVAULT_AUTH_BACKEND", "none")
	t.Setenv("DEVICEVAULT_SECURITY_REQUIRE_BIOMETRICS", "false")

	r := run(t, cfg, "", "--backend", "memory", "put", "token", "value")
	require.NoError(t, r.err)

	// Every run starts with an empty memory backend.
	r = run(t, cfg, "", "--backend", "memory", "get", "token")
	require.ErrorIs(t, r.err, types.ErrNotFound)
}

func TestIntegrityScan(t *testing.T) {
	cfg := testEnv(t, "")

	r := run(t, cfg, "", "integrity", "scan", "-o", "json")
	require.NoError(t, r.err)
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(r.stdout), &out))
	assert.Equal(t, true, out["clean"])
	assert.Equal(t, false, out["compromised"])
}

func TestIntegrityWatch(t *testing.T) {
	cfg := testEnv(t, "")

	r := run(t, cfg, "", "integrity", "watch", "--duration", "100ms", "--metrics-addr", "127.0.0.1:0")
	require.NoError(t, r.err)
	assert.Contains(t, r.stdout, "Integrity: clean")
}

func TestStatus(t *testing.T) {
	cfg := testEnv(t, "")
	enrollPassphrase(t, cfg)

	r := run(t, cfg, "", "status", "--scan")
	require.NoError(t, r.err)
	assert.Contains(t, r.stdout, "Passphrase:       enrolled")
	assert.Contains(t, r.stdout, "Health:           healthy")
}

func TestConfigInitAndShow(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	path := filepath.Join(dir, "conf", "devicevault.yaml")

	r := run(t, path, "", "config", "init", "--data-dir", filepath.Join(dir, "data"))
	require.NoError(t, r.err)
	assert.Contains(t, r.stdout, "Wrote "+path)

	r = run(t, path, "", "config", "init")
	require.Error(t, r.err, "existing file is kept without --force")

	r = run(t, path, "", "config", "show")
	require.NoError(t, r.err)
	assert.Contains(t, r.stdout, "backend: file")
	assert.Contains(t, r.stdout, "lockout_duration: 5m0s")
}

func TestExecute_ExitCodes(t *testing.T) {
	cfg := testEnv(t, "")
	var stdout, stderr bytes.Buffer

	code := Execute(context.Background(), []string{"--config", cfg, "get", "missing", "-o", "json"}, &stdout, &stderr)
	assert.Equal(t, 4, code, "not enrolled means authentication is unavailable")

	var out map[string]any
	require.NoError(t, json.Unmarshal(stderr.Bytes(), &out))
	assert.Equal(t, "error", out["status"])
	assert.Equal(t, "auth.biometrics_unavailable", out["code"])

	stderr.Reset()
	code = Execute(context.Background(), []string{"--config", cfg, "no-such-command"}, &stdout, &stderr)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "unknown command")
}
