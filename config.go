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
	"encoding/json"
	"os"
	"path/filepath"
)

// Default locations for the guardian's own files.
const (
	DefaultConfigPath = "/etc/tunnelguard/config.json"
	DefaultLogPath    = "/var/log/tunnelguard.log"
)

// Config holds the per-run guardian settings.  It is loaded once at startup
// and never mutated afterwards.
type Config struct {
	ServiceName        string `json:"service_name"`
	MemoryLimitMB      int    `json:"memory_limit_mb"`
	CPULimitPercent    int    `json:"cpu_limit_percent"`
	CheckInterval      int    `json:"check_interval"`
	RestartCooldown    int    `json:"restart_cooldown"`
	MaxRestartsPerHour int    `json:"max_restarts_per_hour"`
	AutoRestart        bool   `json:"enable_auto_restart"`
	MemoryCleanup      bool   `json:"enable_memory_cleanup"`
}

// DefaultConfig returns the settings used when no configuration file is
// present.  The limits suit a 2-core half-gigabyte host running frps.
func DefaultConfig() Config {
	return Config{
		ServiceName:        "frps",
		MemoryLimitMB:      400,
		CPULimitPercent:    80,
		CheckInterval:      30,
		RestartCooldown:    300,
		MaxRestartsPerHour: 3,
		AutoRestart:        true,
		MemoryCleanup:      true,
	}
}

// LoadConfig reads the configuration file at path.  A missing file yields
// the defaults.  A malformed file is logged and the defaults are used
// wholesale; a half-parsed file never leaks into the guardian.  Fields that
// are present but out of range are reset to their defaults individually.
func LoadConfig(path string, logger *Logger) Config {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warningf("error reading config %s: %v, using defaults", path, err)
		}
		return cfg
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		logger.Warningf("error loading config %s: %v, using defaults", path, err)
		return DefaultConfig()
	}
	return cfg.sanitized(logger)
}

func (c Config) sanitized(logger *Logger) Config {
	def := DefaultConfig()
	if c.ServiceName == "" {
		c.ServiceName = def.ServiceName
	}
	if c.MemoryLimitMB <= 0 {
		logger.Warningf("memory_limit_mb must be positive, using %d", def.MemoryLimitMB)
		c.MemoryLimitMB = def.MemoryLimitMB
	}
	if c.CPULimitPercent <= 0 || c.CPULimitPercent > 100 {
		logger.Warningf("cpu_limit_percent must be in (0,100], using %d", def.CPULimitPercent)
		c.CPULimitPercent = def.CPULimitPercent
	}
	if c.CheckInterval <= 0 {
		logger.Warningf("check_interval must be positive, using %d", def.CheckInterval)
		c.CheckInterval = def.CheckInterval
	}
	if c.RestartCooldown < 0 {
		logger.Warningf("restart_cooldown must not be negative, using %d", def.RestartCooldown)
		c.RestartCooldown = def.RestartCooldown
	}
	if c.MaxRestartsPerHour < 0 {
		logger.Warningf("max_restarts_per_hour must not be negative, using %d", def.MaxRestartsPerHour)
		c.MaxRestartsPerHour = def.MaxRestartsPerHour
	}
	return c
}

// WriteDefaultConfig creates the configuration file at path with the
// default settings, creating parent directories as needed.
func WriteDefaultConfig(path string) error {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	data, err := json.MarshalIndent(DefaultConfig(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0644)
}
