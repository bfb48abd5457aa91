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
	"fmt"
	"strings"
	"sync"
	"time"
)

// System memory percentage above which the guardian asks the kernel to
// drop caches, when cleanup is enabled.
const memoryCleanupThreshold = 85.0

// MaxLogLines caps how many log lines the collaborator surface returns.
const MaxLogLines = 200

// Decision is the outcome of one restart-policy evaluation.
type Decision struct {
	Restart bool
	Reason  string
}

// Status is the summary served to the HTTP panel.
type Status struct {
	Active     bool   `json:"active"`
	StatusText string `json:"status"`
	Details    string `json:"details"`
}

// Guardian is the supervisory control loop.  On each tick it resolves the
// service PID, samples statistics, evaluates the restart policy, issues a
// restart when warranted, and optionally drops system caches when host
// memory is critical.  The loop is a single goroutine and ticks never
// overlap; the mutex exists only because the HTTP panel reads status and
// performs actions concurrently with the loop.
type Guardian struct {
	cfg     Config
	ctrl    Controller
	metrics MetricsSource
	logger  *Logger

	mx               sync.Mutex
	lastRestart      time.Time // zero means never restarted
	restartCount     int
	lastCounterReset time.Time
}

func New(cfg Config, ctrl Controller, metrics MetricsSource, logger *Logger) *Guardian {
	return &Guardian{
		cfg:              cfg,
		ctrl:             ctrl,
		metrics:          metrics,
		logger:           logger,
		lastCounterReset: time.Now(),
	}
}

// Config returns the immutable per-run settings.
func (g *Guardian) Config() Config {
	return g.cfg
}

// decide evaluates the restart policy for one snapshot.  Rules are checked
// in strict precedence; the first matching rule wins and later rules are
// not consulted.  Memory is deliberately checked before CPU so that the
// memory reason wins when both limits are breached at once.
// Call with the lock held.
func (g *Guardian) decide(ps ProcessStats, now time.Time) Decision {
	if !g.cfg.AutoRestart {
		return Decision{false, "auto-restart disabled"}
	}
	cooldown := time.Duration(g.cfg.RestartCooldown) * time.Second
	if !g.lastRestart.IsZero() {
		if since := now.Sub(g.lastRestart); since < cooldown {
			return Decision{false, fmt.Sprintf(
				"restart cooldown active (%.0fs remaining)",
				(cooldown - since).Seconds())}
		}
	}
	if g.restartCount >= g.cfg.MaxRestartsPerHour {
		return Decision{false, "max restarts per hour reached"}
	}
	if ps.MemoryMB > float64(g.cfg.MemoryLimitMB) {
		return Decision{true, fmt.Sprintf(
			"memory usage (%.1fMB) exceeds limit (%dMB)",
			ps.MemoryMB, g.cfg.MemoryLimitMB)}
	}
	if ps.CPUPercent > float64(g.cfg.CPULimitPercent) {
		return Decision{true, fmt.Sprintf(
			"cpu usage (%.1f%%) exceeds limit (%d%%)",
			ps.CPUPercent, g.cfg.CPULimitPercent)}
	}
	return Decision{false, "all metrics within limits"}
}

// Tick runs one full health-check-and-decide cycle.  Every failure mode
// inside a tick is absorbed and logged; nothing escapes to the loop.
func (g *Guardian) Tick(now time.Time) {
	// The hourly reset runs before health evaluation so a reset never
	// starves a legitimate restart in the same tick.
	g.mx.Lock()
	if now.Sub(g.lastCounterReset) >= time.Hour {
		g.restartCount = 0
		g.lastCounterReset = now
		g.logger.Infof("restart counter reset")
	}
	g.mx.Unlock()

	pid, ok := g.ctrl.MainPID()
	if !ok {
		// A down service is handled by starting it, not by the
		// restart-rate machinery.
		g.logger.Warningf("service %s not running, attempting to start",
			g.cfg.ServiceName)
		if r := g.ctrl.Start(); r.Success {
			g.logger.Infof("service start issued")
		} else {
			g.logger.Errorf("failed to start %s: %s",
				g.cfg.ServiceName, r.Stderr)
		}
		return
	}

	ps, ok := g.metrics.ProcessStats(pid)
	if !ok {
		// Process vanished between PID resolution and sampling.
		g.logger.Errorf("could not get process statistics for pid %d", pid)
		return
	}

	ss, haveSys := g.metrics.SystemStats()

	sysMem := "n/a"
	if haveSys {
		sysMem = fmt.Sprintf("%.1f%%", ss.MemoryPercent)
	}
	g.logger.Infof("stats - pid: %d, memory: %.1fMB (%.1f%%), cpu: %.1f%%, "+
		"threads: %d, state: %s, system memory: %s",
		pid, ps.MemoryMB, ps.MemoryPercent, ps.CPUPercent,
		ps.NumThreads, ps.Status, sysMem)

	g.mx.Lock()
	d := g.decide(ps, now)
	g.mx.Unlock()

	if d.Restart {
		g.restartService(d.Reason, now)
	} else {
		g.logger.Infof("restart check: %s", d.Reason)
	}

	// Independently of the restart decision, relieve critical system
	// memory pressure.
	if haveSys && ss.MemoryPercent > memoryCleanupThreshold {
		g.cleanupMemory()
	}
}

// restartService issues the restart and advances the rate-limit state only
// when the controller reports the command as issued.  A failed attempt
// leaves the state untouched so the next tick may retry immediately.
func (g *Guardian) restartService(reason string, now time.Time) {
	g.logger.Warningf("restarting service: %s", reason)
	r := g.ctrl.Restart()
	if !r.Success {
		g.logger.Errorf("service restart failed: %s", r.Stderr)
		return
	}
	g.mx.Lock()
	g.lastRestart = now
	g.restartCount++
	g.mx.Unlock()
	g.logger.Infof("service restarted successfully")
}

func (g *Guardian) cleanupMemory() {
	if !g.cfg.MemoryCleanup {
		return
	}
	if err := g.metrics.DropCaches(); err != nil {
		g.logger.Errorf("memory cleanup failed: %v", err)
		return
	}
	g.logger.Infof("memory cleanup performed")
}

// Run executes the guardian loop until stop is closed.  CheckInterval is a
// minimum spacing floor between ticks, not a precise timer, because a tick
// itself can block for seconds on sampling or on a restart command.  A
// panic escaping a tick is recovered here, logged, and returned as an
// error: the supervisory contract is violated if the loop cannot be
// trusted to keep ticking, so the caller should exit non-zero.
func (g *Guardian) Run(stop <-chan struct{}) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("guardian loop failure: %v", r)
			g.logger.Errorf("%v", err)
		}
	}()

	g.logger.Infof("resource guardian started for service: %s", g.cfg.ServiceName)
	g.logger.Infof("memory limit: %dMB, cpu limit: %d%%",
		g.cfg.MemoryLimitMB, g.cfg.CPULimitPercent)

	interval := time.Duration(g.cfg.CheckInterval) * time.Second
	for {
		g.Tick(time.Now())
		select {
		case <-stop:
			g.logger.Infof("resource guardian stopped")
			return nil
		case <-time.After(interval):
		}
	}
}

// Status reports the service's current run state for the panel.
func (g *Guardian) Status() Status {
	r := g.ctrl.IsActive()
	text := strings.TrimSpace(r.Stdout)
	if text == "" {
		text = "unknown"
	}
	return Status{
		Active:     text == "active",
		StatusText: text,
		Details: fmt.Sprintf("Service: %s | Status: %s",
			g.cfg.ServiceName, text),
	}
}

// Logs returns up to lines recent service log lines as one string.
func (g *Guardian) Logs(lines int) string {
	if lines <= 0 {
		lines = 50
	}
	if lines > MaxLogLines {
		lines = MaxLogLines
	}
	r := g.ctrl.Logs(lines)
	if !r.Success {
		return "Error: " + r.Stderr
	}
	return r.Stdout
}

// PerformAction executes a manual start, stop or restart on behalf of the
// panel.  Anything else is rejected before reaching the controller.  A
// successful manual restart is recorded in the rate-limit state, so manual
// and automatic restarts share one cooldown and one hourly budget; the
// panel cannot be used to sidestep the guardian's pacing.
func (g *Guardian) PerformAction(action string) (Result, error) {
	var r Result
	switch action {
	case "start":
		r = g.ctrl.Start()
	case "stop":
		r = g.ctrl.Stop()
	case "restart":
		r = g.ctrl.Restart()
	default:
		return Result{}, ErrInvalidAction
	}
	if action == "restart" && r.Success {
		g.mx.Lock()
		g.lastRestart = time.Now()
		g.restartCount++
		g.mx.Unlock()
	}
	if r.Success {
		g.logger.Infof("manual %s of %s succeeded", action, g.cfg.ServiceName)
	} else {
		g.logger.Warningf("manual %s of %s failed: %s",
			action, g.cfg.ServiceName, r.Stderr)
	}
	return r, nil
}

// GuardianLog returns up to lines recent lines of the guardian's own log.
func (g *Guardian) GuardianLog(lines int) []string {
	if lines <= 0 || lines > MaxLogLines {
		lines = MaxLogLines
	}
	return g.logger.Ring().Tail(lines)
}
