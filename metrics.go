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
	"context"
	"os"
	"os/exec"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// Process run states, as reported in ProcessStats.Status.
const (
	StatusRunning  = "running"
	StatusSleeping = "sleeping"
	StatusStopped  = "stopped"
	StatusZombie   = "zombie"
	StatusUnknown  = "unknown"
)

// ProcessStats is a point-in-time snapshot of the supervised process.
// MemoryPercent is the resident set as a share of total system memory;
// the limit check in the guardian compares MemoryMB against the
// configured limit directly, the percentage is informational.
type ProcessStats struct {
	PID           int32   `json:"pid"`
	MemoryMB      float64 `json:"memory_mb"`
	MemoryPercent float64 `json:"memory_percent"`
	CPUPercent    float64 `json:"cpu_percent"`
	NumThreads    int32   `json:"num_threads"`
	Status        string  `json:"status"`
}

// SystemStats is a point-in-time snapshot of the host.
type SystemStats struct {
	MemoryTotalMB     float64 `json:"memory_total_mb"`
	MemoryAvailableMB float64 `json:"memory_available_mb"`
	MemoryPercent     float64 `json:"memory_percent"`
	CPUPercent        float64 `json:"cpu_percent"`
	DiskFreeGB        float64 `json:"disk_free_gb"`
	DiskPercent       float64 `json:"disk_percent"`
}

// MetricsSource reads process and system level statistics.  Absence is a
// normal state on both calls: the process may have vanished between PID
// resolution and sampling, and a failed system collection means "stats
// unknown", not a health signal of either polarity.
type MetricsSource interface {
	// ProcessStats samples the given process.  CPU usage is measured
	// over an interval, so the call blocks for roughly one second.
	ProcessStats(pid int32) (ProcessStats, bool)

	// SystemStats samples the host.  The system-wide CPU reading has
	// the same interval-based blocking contract as ProcessStats.
	SystemStats() (SystemStats, bool)

	// DropCaches asks the kernel to drop page cache, dentries and
	// inodes.  Best effort.
	DropCaches() error
}

const (
	mb = 1024 * 1024
	gb = 1024 * 1024 * 1024
)

// SysMetrics is the gopsutil-backed MetricsSource.
type SysMetrics struct {
	sampleInterval time.Duration
	diskPath       string
	dropCachesPath string
}

func NewSysMetrics() *SysMetrics {
	return &SysMetrics{
		sampleInterval: time.Second,
		diskPath:       "/",
		dropCachesPath: "/proc/sys/vm/drop_caches",
	}
}

func (s *SysMetrics) ProcessStats(pid int32) (ProcessStats, bool) {
	p, err := process.NewProcess(pid)
	if err != nil {
		return ProcessStats{}, false
	}
	mi, err := p.MemoryInfo()
	if err != nil {
		return ProcessStats{}, false
	}
	cpuPct, err := p.Percent(s.sampleInterval)
	if err != nil {
		return ProcessStats{}, false
	}

	// The remaining fields are informational; the process outliving the
	// calls above is enough, so their errors degrade to zero values.
	memPct, _ := p.MemoryPercent()
	threads, _ := p.NumThreads()

	return ProcessStats{
		PID:           pid,
		MemoryMB:      float64(mi.RSS) / mb,
		MemoryPercent: float64(memPct),
		CPUPercent:    cpuPct,
		NumThreads:    threads,
		Status:        runState(p),
	}, true
}

func runState(p *process.Process) string {
	st, err := p.Status()
	if err != nil || len(st) == 0 {
		return StatusUnknown
	}
	switch st[0] {
	case process.Running:
		return StatusRunning
	case process.Sleep, process.Idle, process.Wait:
		return StatusSleeping
	case process.Stop:
		return StatusStopped
	case process.Zombie:
		return StatusZombie
	}
	return StatusUnknown
}

func (s *SysMetrics) SystemStats() (SystemStats, bool) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return SystemStats{}, false
	}
	cpuPct, err := cpu.Percent(s.sampleInterval, false)
	if err != nil || len(cpuPct) == 0 {
		return SystemStats{}, false
	}
	du, err := disk.Usage(s.diskPath)
	if err != nil {
		return SystemStats{}, false
	}

	return SystemStats{
		MemoryTotalMB:     float64(vm.Total) / mb,
		MemoryAvailableMB: float64(vm.Available) / mb,
		MemoryPercent:     vm.UsedPercent,
		CPUPercent:        cpuPct[0],
		DiskFreeGB:        float64(du.Free) / gb,
		DiskPercent:       du.UsedPercent,
	}, true
}

// DropCaches flushes dirty pages and then drops the page cache, dentries
// and inodes.  Requires root; callers treat failure as non-fatal.
func (s *SysMetrics) DropCaches() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := exec.CommandContext(ctx, "sync").Run(); err != nil {
		return err
	}
	return os.WriteFile(s.dropCachesPath, []byte("3\n"), 0200)
}
