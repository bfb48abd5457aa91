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

// Package tunnelguard supervises a single long-running network-tunnel
// service (such as an frps unit) on a resource-constrained host.  A
// Guardian periodically samples process and system statistics, and when
// the supervised process exceeds its configured memory or CPU limits it
// restarts the service, subject to a cooldown period and an hourly
// restart budget, so that the guardian never amplifies load on a host
// that is already struggling.
//
// The guardian also exposes a small status/log/action surface for an
// HTTP control panel; see the rest subpackage.  The concrete process
// manager integration (systemd, or direct child-process supervision) is
// hidden behind the Controller interface, so the guardian logic does not
// depend on how the service is actually started and stopped.
package tunnelguard
