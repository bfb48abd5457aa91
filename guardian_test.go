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
	"strings"
	"sync"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

type testWriter struct {
	t *testing.T
}

func (tw *testWriter) Write(p []byte) (int, error) {
	tw.t.Log(strings.Trim(string(p), "\n"))
	return len(p), nil
}

func newTestLogger(t *testing.T) *Logger {
	l := NewLogger("")
	l.out = &testWriter{t}
	return l
}

type fakeController struct {
	mu       sync.Mutex
	pid      int32
	havePid  bool
	start    Result
	stop     Result
	restart  Result
	active   Result
	logs     Result
	starts   int
	stops    int
	restarts int
}

func (c *fakeController) Start() Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.starts++
	return c.start
}

func (c *fakeController) Stop() Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stops++
	return c.stop
}

func (c *fakeController) Restart() Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.restarts++
	return c.restart
}

func (c *fakeController) MainPID() (int32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pid, c.havePid
}

func (c *fakeController) IsActive() Result {
	return c.active
}

func (c *fakeController) Logs(lines int) Result {
	return c.logs
}

type fakeMetrics struct {
	ps      ProcessStats
	psOK    bool
	ss      SystemStats
	ssOK    bool
	drops   int
	dropErr error
}

func (m *fakeMetrics) ProcessStats(pid int32) (ProcessStats, bool) {
	return m.ps, m.psOK
}

func (m *fakeMetrics) SystemStats() (SystemStats, bool) {
	return m.ss, m.ssOK
}

func (m *fakeMetrics) DropCaches() error {
	m.drops++
	return m.dropErr
}

func testConfig() Config {
	return Config{
		ServiceName:        "frps",
		MemoryLimitMB:      100,
		CPULimitPercent:    80,
		CheckInterval:      30,
		RestartCooldown:    300,
		MaxRestartsPerHour: 3,
		AutoRestart:        true,
		MemoryCleanup:      true,
	}
}

func TestDecisionPrecedence(t *testing.T) {
	now := time.Now()

	Convey("With auto-restart disabled no reading triggers a restart", t, func() {
		cfg := testConfig()
		cfg.AutoRestart = false
		g := New(cfg, &fakeController{}, &fakeMetrics{}, newTestLogger(t))

		d := g.decide(ProcessStats{MemoryMB: 9999, CPUPercent: 100}, now)
		So(d.Restart, ShouldBeFalse)
		So(d.Reason, ShouldContainSubstring, "disabled")
	})

	Convey("Cooldown blocks a restart even when limits are exceeded", t, func() {
		g := New(testConfig(), &fakeController{}, &fakeMetrics{}, newTestLogger(t))
		g.lastRestart = now.Add(-100 * time.Second)

		d := g.decide(ProcessStats{MemoryMB: 500, CPUPercent: 100}, now)
		So(d.Restart, ShouldBeFalse)
		So(d.Reason, ShouldContainSubstring, "cooldown")
		So(d.Reason, ShouldContainSubstring, "200s remaining")
	})

	Convey("An exhausted hourly budget blocks a restart", t, func() {
		g := New(testConfig(), &fakeController{}, &fakeMetrics{}, newTestLogger(t))
		g.restartCount = 3

		d := g.decide(ProcessStats{MemoryMB: 500}, now)
		So(d.Restart, ShouldBeFalse)
		So(d.Reason, ShouldContainSubstring, "max restarts")
	})

	Convey("Memory wins the tie-break when both limits are breached", t, func() {
		g := New(testConfig(), &fakeController{}, &fakeMetrics{}, newTestLogger(t))

		d := g.decide(ProcessStats{MemoryMB: 500, CPUPercent: 100}, now)
		So(d.Restart, ShouldBeTrue)
		So(d.Reason, ShouldContainSubstring, "memory")
		So(d.Reason, ShouldNotContainSubstring, "cpu")
	})

	Convey("CPU alone over the limit triggers a restart", t, func() {
		g := New(testConfig(), &fakeController{}, &fakeMetrics{}, newTestLogger(t))

		d := g.decide(ProcessStats{MemoryMB: 50, CPUPercent: 95.5}, now)
		So(d.Restart, ShouldBeTrue)
		So(d.Reason, ShouldContainSubstring, "cpu")
		So(d.Reason, ShouldContainSubstring, "95.5")
	})

	Convey("Memory over the limit reports measured vs limit", t, func() {
		g := New(testConfig(), &fakeController{}, &fakeMetrics{}, newTestLogger(t))

		d := g.decide(ProcessStats{MemoryMB: 150, CPUPercent: 10}, now)
		So(d.Restart, ShouldBeTrue)
		So(d.Reason, ShouldContainSubstring, "150")
		So(d.Reason, ShouldContainSubstring, "100")
	})

	Convey("Readings inside the limits decide against a restart", t, func() {
		g := New(testConfig(), &fakeController{}, &fakeMetrics{}, newTestLogger(t))

		d := g.decide(ProcessStats{MemoryMB: 50, CPUPercent: 10}, now)
		So(d.Restart, ShouldBeFalse)
		So(d.Reason, ShouldContainSubstring, "within limits")
	})
}

func TestTickRestartState(t *testing.T) {
	overLimit := ProcessStats{PID: 42, MemoryMB: 500, CPUPercent: 10}

	Convey("A successful restart advances both timestamp and count", t, func() {
		ctrl := &fakeController{
			pid: 42, havePid: true,
			restart: Result{Success: true},
		}
		m := &fakeMetrics{ps: overLimit, psOK: true}
		g := New(testConfig(), ctrl, m, newTestLogger(t))

		now := time.Now()
		g.Tick(now)

		So(ctrl.restarts, ShouldEqual, 1)
		So(g.lastRestart.Equal(now), ShouldBeTrue)
		So(g.restartCount, ShouldEqual, 1)
	})

	Convey("A failed restart leaves the rate-limit state untouched", t, func() {
		ctrl := &fakeController{
			pid: 42, havePid: true,
			restart: Result{Stderr: "unit jammed", ReturnCode: 1},
		}
		m := &fakeMetrics{ps: overLimit, psOK: true}
		g := New(testConfig(), ctrl, m, newTestLogger(t))

		g.Tick(time.Now())

		So(ctrl.restarts, ShouldEqual, 1)
		So(g.lastRestart.IsZero(), ShouldBeTrue)
		So(g.restartCount, ShouldEqual, 0)

		Convey("So the next tick retries immediately", func() {
			g.Tick(time.Now())
			So(ctrl.restarts, ShouldEqual, 2)
		})
	})

	Convey("The hourly reset zeroes the count before policy evaluation", t, func() {
		ctrl := &fakeController{
			pid: 42, havePid: true,
			restart: Result{Success: true},
		}
		m := &fakeMetrics{ps: overLimit, psOK: true}
		g := New(testConfig(), ctrl, m, newTestLogger(t))
		g.restartCount = 3
		g.lastCounterReset = time.Now().Add(-2 * time.Hour)

		g.Tick(time.Now())

		// The reset must not starve the restart in the same tick.
		So(ctrl.restarts, ShouldEqual, 1)
		So(g.restartCount, ShouldEqual, 1)
	})

	Convey("A recent reset leaves the exhausted budget in force", t, func() {
		ctrl := &fakeController{
			pid: 42, havePid: true,
			restart: Result{Success: true},
		}
		m := &fakeMetrics{ps: overLimit, psOK: true}
		g := New(testConfig(), ctrl, m, newTestLogger(t))
		g.restartCount = 3

		g.Tick(time.Now())
		So(ctrl.restarts, ShouldEqual, 0)
	})
}

func TestTickDownService(t *testing.T) {
	Convey("An absent PID is handled by starting, not restarting", t, func() {
		ctrl := &fakeController{start: Result{Success: true}}
		m := &fakeMetrics{ps: ProcessStats{MemoryMB: 500}, psOK: true}
		g := New(testConfig(), ctrl, m, newTestLogger(t))

		g.Tick(time.Now())

		So(ctrl.starts, ShouldEqual, 1)
		So(ctrl.restarts, ShouldEqual, 0)
		So(g.restartCount, ShouldEqual, 0)
	})

	Convey("A vanished process skips the rest of the tick", t, func() {
		ctrl := &fakeController{pid: 42, havePid: true}
		m := &fakeMetrics{psOK: false, ss: SystemStats{MemoryPercent: 99}, ssOK: true}
		g := New(testConfig(), ctrl, m, newTestLogger(t))

		g.Tick(time.Now())

		So(ctrl.starts, ShouldEqual, 0)
		So(ctrl.restarts, ShouldEqual, 0)
		So(m.drops, ShouldEqual, 0)
	})
}

func TestMemoryCleanup(t *testing.T) {
	healthy := ProcessStats{PID: 42, MemoryMB: 50, CPUPercent: 10}

	Convey("Critical system memory triggers a cache drop", t, func() {
		ctrl := &fakeController{pid: 42, havePid: true}
		m := &fakeMetrics{
			ps: healthy, psOK: true,
			ss: SystemStats{MemoryPercent: 90}, ssOK: true,
		}
		g := New(testConfig(), ctrl, m, newTestLogger(t))

		g.Tick(time.Now())
		So(m.drops, ShouldEqual, 1)
	})

	Convey("Cleanup is gated by the config switch", t, func() {
		cfg := testConfig()
		cfg.MemoryCleanup = false
		ctrl := &fakeController{pid: 42, havePid: true}
		m := &fakeMetrics{
			ps: healthy, psOK: true,
			ss: SystemStats{MemoryPercent: 90}, ssOK: true,
		}
		g := New(cfg, ctrl, m, newTestLogger(t))

		g.Tick(time.Now())
		So(m.drops, ShouldEqual, 0)
	})

	Convey("A missing system snapshot means no cleanup either way", t, func() {
		ctrl := &fakeController{pid: 42, havePid: true}
		m := &fakeMetrics{ps: healthy, psOK: true, ssOK: false}
		g := New(testConfig(), ctrl, m, newTestLogger(t))

		g.Tick(time.Now())
		So(m.drops, ShouldEqual, 0)
	})
}

type panicController struct {
	fakeController
}

func (c *panicController) MainPID() (int32, bool) {
	panic("wiring snapped")
}

func TestRunLoop(t *testing.T) {
	Convey("Run exits cleanly on the stop signal", t, func() {
		ctrl := &fakeController{pid: 42, havePid: true}
		m := &fakeMetrics{ps: ProcessStats{MemoryMB: 10}, psOK: true}
		cfg := testConfig()
		g := New(cfg, ctrl, m, newTestLogger(t))

		stop := make(chan struct{})
		close(stop)
		So(g.Run(stop), ShouldBeNil)
	})

	Convey("A panic escaping a tick is fatal to the loop", t, func() {
		g := New(testConfig(), &panicController{}, &fakeMetrics{}, newTestLogger(t))

		stop := make(chan struct{})
		err := g.Run(stop)
		So(err, ShouldNotBeNil)
		So(err.Error(), ShouldContainSubstring, "guardian loop failure")
	})
}

func TestCollaboratorSurface(t *testing.T) {
	Convey("Status maps the controller's state text", t, func() {
		ctrl := &fakeController{active: Result{Success: true, Stdout: "active"}}
		g := New(testConfig(), ctrl, &fakeMetrics{}, newTestLogger(t))

		st := g.Status()
		So(st.Active, ShouldBeTrue)
		So(st.StatusText, ShouldEqual, "active")
		So(st.Details, ShouldContainSubstring, "frps")

		ctrl.active = Result{Stdout: "inactive", ReturnCode: 3}
		st = g.Status()
		So(st.Active, ShouldBeFalse)
		So(st.StatusText, ShouldEqual, "inactive")
	})

	Convey("Logs surfaces controller errors as text", t, func() {
		ctrl := &fakeController{logs: Result{Stderr: "journal gone", ReturnCode: 1}}
		g := New(testConfig(), ctrl, &fakeMetrics{}, newTestLogger(t))

		So(g.Logs(50), ShouldContainSubstring, "journal gone")
	})

	Convey("PerformAction rejects unknown actions before the controller", t, func() {
		ctrl := &fakeController{}
		g := New(testConfig(), ctrl, &fakeMetrics{}, newTestLogger(t))

		_, err := g.PerformAction("reboot")
		So(err, ShouldEqual, ErrInvalidAction)
		So(ctrl.starts+ctrl.stops+ctrl.restarts, ShouldEqual, 0)
	})

	Convey("A manual restart shares the rate-limit accounting", t, func() {
		ctrl := &fakeController{restart: Result{Success: true}}
		g := New(testConfig(), ctrl, &fakeMetrics{}, newTestLogger(t))

		r, err := g.PerformAction("restart")
		So(err, ShouldBeNil)
		So(r.Success, ShouldBeTrue)
		So(g.restartCount, ShouldEqual, 1)
		So(g.lastRestart.IsZero(), ShouldBeFalse)

		Convey("And the loop honors the cooldown it created", func() {
			d := g.decide(ProcessStats{MemoryMB: 500}, time.Now())
			So(d.Restart, ShouldBeFalse)
			So(d.Reason, ShouldContainSubstring, "cooldown")
		})
	})

	Convey("A manual start does not consume the restart budget", t, func() {
		ctrl := &fakeController{start: Result{Success: true}}
		g := New(testConfig(), ctrl, &fakeMetrics{}, newTestLogger(t))

		_, err := g.PerformAction("start")
		So(err, ShouldBeNil)
		So(g.restartCount, ShouldEqual, 0)
		So(g.lastRestart.IsZero(), ShouldBeTrue)
	})
}
