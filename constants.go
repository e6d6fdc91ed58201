/*
Copyright 2017 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package portcullis is the root of the jump host core: a protocol
// terminating proxy for SSH and RDP that resolves access by source IP,
// destination IP, login and time of day before splicing a session through
// to a backend.
package portcullis

import "strings"

const (
	// ComponentSSHProxy is the two-sided SSH data-plane worker.
	ComponentSSHProxy = "sshproxy"
	// ComponentRDPShim is the RDP access-control pre-connect hook.
	ComponentRDPShim = "rdpshim"
	// ComponentPolicy is the policy decision engine.
	ComponentPolicy = "policy"
	// ComponentSupervisor is the top-level accept loop.
	ComponentSupervisor = "supervisor"
	// ComponentRecorder is the session transcript writer.
	ComponentRecorder = "recorder"
	// ComponentExpiry is the grant-expiry monitor.
	ComponentExpiry = "expiry"
	// ComponentAudit is the audit sink.
	ComponentAudit = "audit"
	// ComponentStore is the grant store read model.
	ComponentStore = "store"
)

const (
	// MetricDeniedLogins counts SSH logins denied before a password prompt.
	MetricDeniedLogins = "portcullis_denied_logins_total"
	// MetricActiveSessions is a gauge of live sessions across both protocols.
	MetricActiveSessions = "portcullis_active_sessions"
	// MetricBackendDialFailures counts failed dials to a resolved backend.
	MetricBackendDialFailures = "portcullis_backend_dial_failures_total"
	// MetricGrantExpirations counts sessions torn down by the expiry monitor.
	MetricGrantExpirations = "portcullis_grant_expirations_total"
)

// SCP is the exec command prefix that triggers transfer classification.
const SCP = "scp"

// Version is the daemon's reported version string.
const Version = "0.1.0"

// Component joins components into a "component:subcomponent" string used in
// structured log fields, e.g. Component(ComponentSSHProxy, "portforward").
func Component(components ...string) string {
	return strings.Join(components, ":")
}
