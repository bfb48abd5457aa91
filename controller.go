// Copyright 2026 The Tunnelguard Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tunnelguard

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Result carries the outcome of one process-manager command: the exit
// status plus captured output.  A non-zero exit is a failure; it is
// surfaced to the caller and never retried internally.
type Result struct {
	Success    bool   `json:"success"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ReturnCode int    `json:"returncode"`
}

// Controller is the thin command proxy in front of the supervised service.
// Implementations keep no local state beyond what they need to issue
// commands, so the guardian logic stays independent of the init system.
type Controller interface {
	Start() Result
	Stop() Result
	Restart() Result

	// MainPID resolves the current main PID of the service.  Absence
	// (not running, query failed or timed out) is a normal state.
	MainPID() (int32, bool)

	// IsActive reports the service's run state; Stdout carries the
	// state text ("active", "inactive", ...).
	IsActive() Result

	// Logs returns up to lines recent log lines for the service.
	Logs(lines int) Result
}

// Command timeouts.  Mutating commands get longer to complete than status
// queries; a stuck query should not stall a whole guardian tick for long.
const (
	actionTimeout = 30 * time.Second
	queryTimeout  = 10 * time.Second
)

// cmdRunner runs one external command to completion and reports its
// Result.  It exists so controller tests can substitute a fake.
type cmdRunner func(ctx context.Context, name string, args ...string) Result

func runCommand(ctx context.Context, name string, args ...string) Result {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()

	rv := Result{
		Stdout: strings.TrimSpace(stdout.String()),
		Stderr: strings.TrimSpace(stderr.String()),
	}
	if err == nil {
		rv.Success = true
		return rv
	}
	rv.ReturnCode = -1
	var xe *exec.ExitError
	if errors.As(err, &xe) {
		rv.ReturnCode = xe.ExitCode()
	}
	if ctx.Err() == context.DeadlineExceeded {
		rv.Stderr = "Timeout"
	} else if rv.Stderr == "" {
		rv.Stderr = err.Error()
	}
	return rv
}

// SystemdController drives the supervised service through systemctl and
// reads its logs through journalctl.
type SystemdController struct {
	unit string
	run  cmdRunner
}

func NewSystemdController(unit string) *SystemdController {
	return &SystemdController{unit: unit, run: runCommand}
}

func (c *SystemdController) systemctl(timeout time.Duration, args ...string) Result {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return c.run(ctx, "systemctl", args...)
}

func (c *SystemdController) Start() Result {
	return c.systemctl(actionTimeout, "start", c.unit)
}

func (c *SystemdController) Stop() Result {
	return c.systemctl(actionTimeout, "stop", c.unit)
}

func (c *SystemdController) Restart() Result {
	return c.systemctl(actionTimeout, "restart", c.unit)
}

func (c *SystemdController) MainPID() (int32, bool) {
	r := c.systemctl(queryTimeout, "show", "--property", "MainPID", "--value", c.unit)
	if !r.Success {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(r.Stdout))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return int32(pid), true
}

func (c *SystemdController) IsActive() Result {
	// NB: is-active exits non-zero for anything but "active"; Stdout
	// still names the state, which is what callers want.
	return c.systemctl(queryTimeout, "is-active", c.unit)
}

func (c *SystemdController) Logs(lines int) Result {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()
	return c.run(ctx, "journalctl", "-u", c.unit,
		"-n", strconv.Itoa(lines), "--no-pager")
}
