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

package integrity

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/afero"
)

const (
	// DefaultStatusPath is the Linux per-process status file.
	DefaultStatusPath = "/proc/self/status"

	// DefaultPreloadFile is the system-wide loader preload list.
	DefaultPreloadFile = "/etc/ld.so.preload"
)

// DefaultArtifactPaths are files left behind by common rooting and
// jailbreak tool chains.
var DefaultArtifactPaths = []string{
	"/sbin/su",
	"/system/bin/su",
	"/system/xbin/su",
	"/data/local/xbin/su",
	"/data/local/bin/su",
	"/system/app/Superuser.apk",
	"/system/xbin/busybox",
	"/data/adb/magisk",
	"/Applications/Cydia.app",
	"/Library/MobileSubstrate/MobileSubstrate.dylib",
	"/usr/sbin/frida-server",
	"/usr/bin/cycript",
	"/private/var/lib/apt",
}

// injectionVars are loader variables that inject code into the process.
var injectionVars = []string{"LD_PRELOAD", "LD_AUDIT", "DYLD_INSERT_LIBRARIES"}

// DebuggerDetector reports an attached tracer by reading TracerPid from
// the process status file. Platforms without the file report nothing.
type DebuggerDetector struct {
	Fs         afero.Fs
	StatusPath string
}

// NewDebuggerDetector creates a detector over fsys.
func NewDebuggerDetector(fsys afero.Fs) *DebuggerDetector {
	return &DebuggerDetector{Fs: fsys, StatusPath: DefaultStatusPath}
}

func (d *DebuggerDetector) Name() string { return "debugger" }

func (d *DebuggerDetector) Detect(ctx context.Context) ([]SecurityEvent, error) {
	data, err := afero.ReadFile(d.Fs, d.StatusPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", d.StatusPath, err)
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "TracerPid:") {
			continue
		}
		value := strings.TrimSpace(strings.TrimPrefix(line, "TracerPid:"))
		pid, err := strconv.Atoi(value)
		if err != nil {
			return nil, fmt.Errorf("parse TracerPid %q: %w", value, err)
		}
		if pid == 0 {
			return nil, nil
		}
		return []SecurityEvent{{
			Kind:        KindDebuggerAttached,
			Detector:    d.Name(),
			Detail:      fmt.Sprintf("traced by pid %d", pid),
			Compromised: true,
		}}, nil
	}
	return nil, scanner.Err()
}

// ArtifactDetector reports known tamper files that exist on disk.
type ArtifactDetector struct {
	Fs    afero.Fs
	Paths []string
}

// NewArtifactDetector creates a detector for DefaultArtifactPaths.
func NewArtifactDetector(fsys afero.Fs) *ArtifactDetector {
	return &ArtifactDetector{Fs: fsys, Paths: DefaultArtifactPaths}
}

func (d *ArtifactDetector) Name() string { return "artifact" }

func (d *ArtifactDetector) Detect(ctx context.Context) ([]SecurityEvent, error) {
	var events []SecurityEvent
	for _, path := range d.Paths {
		if err := ctx.Err(); err != nil {
			return events, err
		}
		exists, err := afero.Exists(d.Fs, path)
		if err != nil {
			if errors.Is(err, fs.ErrPermission) {
				continue
			}
			return events, fmt.Errorf("stat %s: %w", path, err)
		}
		if exists {
			events = append(events, SecurityEvent{
				Kind:        KindTamperArtifact,
				Detector:    d.Name(),
				Detail:      path,
				Compromised: true,
			})
		}
	}
	return events, nil
}

// PreloadDetector reports loader-level code injection through
// environment variables or a non-empty preload file.
type PreloadDetector struct {
	Fs          afero.Fs
	PreloadFile string
	Getenv      func(string) string
}

// NewPreloadDetector creates a detector reading the process environment.
func NewPreloadDetector(fsys afero.Fs) *PreloadDetector {
	return &PreloadDetector{Fs: fsys, PreloadFile: DefaultPreloadFile, Getenv: os.Getenv}
}

func (d *PreloadDetector) Name() string { return "preload" }

func (d *PreloadDetector) Detect(ctx context.Context) ([]SecurityEvent, error) {
	var events []SecurityEvent
	for _, name := range injectionVars {
		if v := d.Getenv(name); v != "" {
			events = append(events, SecurityEvent{
				Kind:        KindLibraryInjection,
				Detector:    d.Name(),
				Detail:      fmt.Sprintf("%s=%s", name, v),
				Compromised: true,
			})
		}
	}

	if d.PreloadFile == "" {
		return events, nil
	}
	data, err := afero.ReadFile(d.Fs, d.PreloadFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return events, nil
		}
		return events, fmt.Errorf("read %s: %w", d.PreloadFile, err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		events = append(events, SecurityEvent{
			Kind:        KindLibraryInjection,
			Detector:    d.Name(),
			Detail:      fmt.Sprintf("%s lists %s", d.PreloadFile, line),
			Compromised: true,
		})
	}
	return events, nil
}

// PrivilegeDetector warns when the process runs with an effective uid of
// 0. Running as root weakens isolation but is not proof of compromise.
type PrivilegeDetector struct {
	Geteuid func() int
}

// NewPrivilegeDetector creates a detector for the current process.
func NewPrivilegeDetector() *PrivilegeDetector {
	return &PrivilegeDetector{Geteuid: effectiveUID}
}

func (d *PrivilegeDetector) Name() string { return "privilege" }

func (d *PrivilegeDetector) Detect(ctx context.Context) ([]SecurityEvent, error) {
	if d.Geteuid() != 0 {
		return nil, nil
	}
	return []SecurityEvent{{
		Kind:     KindElevatedPrivilege,
		Detector: d.Name(),
		Detail:   "running with effective uid 0",
	}}, nil
}

// DefaultDetectors returns the built-in detectors over fsys.
func DefaultDetectors(fsys afero.Fs) []Detector {
	return []Detector{
		NewDebuggerDetector(fsys),
		NewArtifactDetector(fsys),
		NewPreloadDetector(fsys),
		NewPrivilegeDetector(),
	}
}
