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
	"bufio"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// DirectController supervises the tunnel binary as a direct child process,
// for hosts without systemd.  It launches the configured command, captures
// its stdout and stderr into an in-memory tail (served by Logs), and stops
// it with SIGTERM followed by a kill if the process lingers past stopTime.
type DirectController struct {
	name     string
	command  []string
	dir      string
	stopTime time.Duration
	tail     *Log

	lock   sync.Mutex
	cmd    *exec.Cmd
	waiter sync.WaitGroup
}

// NewDirectController returns a controller that runs command (program plus
// arguments) in dir.  name is used only in status details.
func NewDirectController(name string, command []string, dir string) *DirectController {
	return &DirectController{
		name:     name,
		command:  command,
		dir:      dir,
		stopTime: 10 * time.Second,
		tail:     NewLog(),
	}
}

func (c *DirectController) doLog(r io.ReadCloser, prefix string) {
	// Gather stdout/stderr in chunks of lines
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadString('\n')
		if len(line) != 0 {
			c.tail.Write([]byte(prefix + strings.Trim(line, "\n")))
		}
		if err != nil {
			return
		}
	}
}

func (c *DirectController) doWait(cmd *exec.Cmd) {
	cmd.Wait()
	c.lock.Lock()
	if c.cmd == cmd {
		c.cmd = nil
	}
	c.lock.Unlock()
	c.waiter.Done()
}

func (c *DirectController) running() bool {
	return c.cmd != nil && c.cmd.Process != nil
}

func (c *DirectController) Start() Result {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.running() {
		return Result{Success: true, Stdout: "already running"}
	}
	if len(c.command) == 0 {
		return Result{Stderr: "no command configured", ReturnCode: -1}
	}

	cmd := exec.Command(c.command[0], c.command[1:]...)
	cmd.Dir = c.dir
	if stdout, err := cmd.StdoutPipe(); err == nil {
		go c.doLog(stdout, "stdout> ")
	}
	if stderr, err := cmd.StderrPipe(); err == nil {
		go c.doLog(stderr, "stderr> ")
	}

	if err := cmd.Start(); err != nil {
		return Result{Stderr: err.Error(), ReturnCode: -1}
	}
	c.cmd = cmd
	c.waiter.Add(1)
	go c.doWait(cmd)
	return Result{Success: true}
}

func (c *DirectController) Stop() Result {
	c.lock.Lock()
	cmd := c.cmd
	if cmd == nil || cmd.Process == nil {
		c.lock.Unlock()
		return Result{Success: true, Stdout: "not running"}
	}
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		c.lock.Unlock()
		return Result{Stderr: err.Error(), ReturnCode: -1}
	}
	timer := time.AfterFunc(c.stopTime, func() {
		// Graceful shutdown timed out
		cmd.Process.Kill()
	})
	c.lock.Unlock()

	c.waiter.Wait()
	timer.Stop()
	return Result{Success: true}
}

func (c *DirectController) Restart() Result {
	if r := c.Stop(); !r.Success {
		return r
	}
	return c.Start()
}

func (c *DirectController) MainPID() (int32, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if !c.running() {
		return 0, false
	}
	return int32(c.cmd.Process.Pid), true
}

func (c *DirectController) IsActive() Result {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.running() {
		return Result{Success: true, Stdout: "active"}
	}
	return Result{Stdout: "inactive", ReturnCode: 3}
}

func (c *DirectController) Logs(lines int) Result {
	return Result{
		Success: true,
		Stdout:  strings.Join(c.tail.Tail(lines), "\n"),
	}
}
