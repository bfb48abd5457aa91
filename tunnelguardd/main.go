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

// tunnelguardd is the resource guardian daemon.  With no arguments it
// supervises the configured service indefinitely and serves the control
// panel API.  "create-config" writes the default configuration file and
// exits; "check-once" runs a single health-check tick and exits.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"tunnelguard"
	"tunnelguard/rest"
)

var (
	cfgPath = tunnelguard.DefaultConfigPath
	logPath = tunnelguard.DefaultLogPath
	addr    = "127.0.0.1:5000"
	panel   = true
	execCmd = ""
)

func main() {
	flag.StringVar(&cfgPath, "c", cfgPath, "configuration file")
	flag.StringVar(&logPath, "l", logPath, "guardian log file")
	flag.StringVar(&addr, "a", addr, "panel listen address")
	flag.BoolVar(&panel, "p", panel, "serve the control panel")
	flag.StringVar(&execCmd, "exec", execCmd,
		"supervise this command directly instead of a systemd unit")
	flag.Parse()

	if flag.Arg(0) == "create-config" {
		if err := tunnelguard.WriteDefaultConfig(cfgPath); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to create config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Default configuration created: %s\n", cfgPath)
		return
	}

	logger := tunnelguard.NewLogger(logPath)
	cfg := tunnelguard.LoadConfig(cfgPath, logger)

	var ctrl tunnelguard.Controller
	if execCmd != "" {
		ctrl = tunnelguard.NewDirectController(cfg.ServiceName,
			strings.Fields(execCmd), "")
	} else {
		ctrl = tunnelguard.NewSystemdController(cfg.ServiceName)
	}
	g := tunnelguard.New(cfg, ctrl, tunnelguard.NewSysMetrics(), logger)

	if flag.Arg(0) == "check-once" {
		g.Tick(time.Now())
		return
	}

	if panel {
		h := rest.NewHandler(g, panelOptions())
		go func() {
			if err := http.ListenAndServe(addr, h); err != nil {
				logger.Errorf("panel server failed: %v", err)
			}
		}()
		logger.Infof("control panel listening on %s", addr)
	}

	sigs := make(chan os.Signal, 1)
	stop := make(chan struct{})
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		<-sigs
		close(stop)
	}()

	if err := g.Run(stop); err != nil {
		os.Exit(1)
	}
}

// panelOptions applies environment overrides to the panel defaults, the
// way a lightweight deployment configures its credentials.
func panelOptions() rest.Options {
	opts := rest.DefaultOptions()
	if v := os.Getenv("GUARD_USER"); v != "" {
		opts.Username = v
	}
	if v := os.Getenv("GUARD_PASS"); v != "" {
		opts.Password = v
	}
	if strings.EqualFold(os.Getenv("LOGIN_REQUIRED"), "false") {
		opts.LoginRequired = false
	}
	return opts
}
