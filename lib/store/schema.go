/*
Copyright 2020 Gravitational, Inc.

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

package store

// schema is applied idempotently on every startup. SQLite's relaxed
// typing means column types here are documentation, not enforcement;
// the Go struct tags in api/types are the source of truth.
const schema = `
CREATE TABLE IF NOT EXISTS users (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	username TEXT NOT NULL UNIQUE,
	active BOOLEAN NOT NULL DEFAULT 1,
	port_forwarding_allowed BOOLEAN NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS source_ips (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id INTEGER NOT NULL REFERENCES users(id),
	address TEXT NOT NULL,
	label TEXT,
	active BOOLEAN NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_source_ips_address ON source_ips(address) WHERE active = 1;

CREATE TABLE IF NOT EXISTS user_groups (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	parent_group_id INTEGER REFERENCES user_groups(id),
	port_forwarding_allowed BOOLEAN NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS user_group_members (
	user_id INTEGER NOT NULL REFERENCES users(id),
	group_id INTEGER NOT NULL REFERENCES user_groups(id),
	PRIMARY KEY (user_id, group_id)
);

CREATE TABLE IF NOT EXISTS backends (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	address TEXT NOT NULL,
	ssh_port INTEGER NOT NULL DEFAULT 22,
	rdp_port INTEGER NOT NULL DEFAULT 3389,
	active BOOLEAN NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS backend_groups (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	parent_group_id INTEGER REFERENCES backend_groups(id)
);

CREATE TABLE IF NOT EXISTS backend_group_members (
	backend_id INTEGER NOT NULL REFERENCES backends(id),
	group_id INTEGER NOT NULL REFERENCES backend_groups(id),
	PRIMARY KEY (backend_id, group_id)
);

CREATE TABLE IF NOT EXISTS ip_allocations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	proxy_address TEXT NOT NULL,
	backend_id INTEGER NOT NULL REFERENCES backends(id),
	user_id INTEGER REFERENCES users(id),
	session_id TEXT,
	expires_at DATETIME,
	active BOOLEAN NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_ip_allocations_proxy ON ip_allocations(proxy_address) WHERE active = 1;

CREATE TABLE IF NOT EXISTS policies (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id INTEGER REFERENCES users(id),
	user_group_id INTEGER REFERENCES user_groups(id),
	source_ip_id INTEGER REFERENCES source_ips(id),
	scope_kind TEXT NOT NULL,
	scope_target_group_id INTEGER,
	scope_target_backend_id INTEGER,
	protocol TEXT,
	start_time DATETIME NOT NULL,
	end_time DATETIME,
	port_forwarding_allowed BOOLEAN NOT NULL DEFAULT 0,
	use_schedules BOOLEAN NOT NULL DEFAULT 0,
	active BOOLEAN NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_policies_active_window ON policies(active, start_time, end_time);

CREATE TABLE IF NOT EXISTS policy_ssh_logins (
	policy_id INTEGER NOT NULL REFERENCES policies(id),
	allowed_login TEXT NOT NULL,
	PRIMARY KEY (policy_id, allowed_login)
);

CREATE TABLE IF NOT EXISTS schedule_rules (
	policy_id INTEGER NOT NULL REFERENCES policies(id),
	name TEXT NOT NULL,
	weekdays TEXT,
	time_start TEXT,
	time_end TEXT,
	months TEXT,
	days_of_month TEXT,
	timezone TEXT NOT NULL DEFAULT 'Europe/Warsaw',
	is_active BOOLEAN NOT NULL DEFAULT 1,
	PRIMARY KEY (policy_id, name)
);

CREATE TABLE IF NOT EXISTS access_grants (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id INTEGER NOT NULL REFERENCES users(id),
	backend_id INTEGER NOT NULL REFERENCES backends(id),
	start_time DATETIME NOT NULL,
	end_time DATETIME NOT NULL,
	active BOOLEAN NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS sessions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL UNIQUE,
	user_id INTEGER NOT NULL REFERENCES users(id),
	backend_id INTEGER NOT NULL REFERENCES backends(id),
	protocol TEXT NOT NULL,
	source_ip TEXT NOT NULL,
	proxy_ip TEXT NOT NULL,
	backend_ip TEXT NOT NULL,
	backend_port INTEGER NOT NULL,
	ssh_login TEXT,
	subsystem TEXT,
	agent_used BOOLEAN NOT NULL DEFAULT 0,
	started_at DATETIME NOT NULL,
	ended_at DATETIME,
	duration_seconds INTEGER,
	recording_path TEXT,
	recording_size INTEGER,
	active BOOLEAN NOT NULL DEFAULT 1,
	termination_reason TEXT,
	policy_id INTEGER REFERENCES policies(id)
);
CREATE INDEX IF NOT EXISTS idx_sessions_active ON sessions(active) WHERE active = 1;

CREATE TABLE IF NOT EXISTS session_transfers (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id INTEGER NOT NULL REFERENCES sessions(id),
	transfer_type TEXT NOT NULL,
	file_path TEXT,
	local_addr TEXT,
	local_port INTEGER,
	remote_addr TEXT,
	remote_port INTEGER,
	bytes_sent INTEGER NOT NULL DEFAULT 0,
	bytes_received INTEGER NOT NULL DEFAULT 0,
	started_at DATETIME NOT NULL,
	ended_at DATETIME
);

CREATE TABLE IF NOT EXISTS audit_records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id INTEGER,
	action TEXT NOT NULL,
	resource_type TEXT NOT NULL,
	resource_id TEXT,
	source_ip TEXT,
	success BOOLEAN NOT NULL,
	details TEXT,
	timestamp DATETIME NOT NULL
);
`
