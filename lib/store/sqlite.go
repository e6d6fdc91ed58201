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

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/gravitational/trace"

	"github.com/pawelmojski/portcullis/api/types"
)

// SQLiteStore is the sqlite-backed implementation of Store. SQLite was
// picked over Teleport's own lib/backend KV abstraction because the
// policy model here is genuinely relational (foreign-keyed groups,
// policies, schedules) rather than a flat key-value namespace.
type SQLiteStore struct {
	db *sqlx.DB
}

// Open creates (if needed) and migrates the sqlite database at path, or
// opens an in-memory database when path is ":memory:".
func Open(path string) (*SQLiteStore, error) {
	db, err := sqlx.Connect("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, trace.Wrap(err, "opening sqlite database at %q", path)
	}
	db.SetMaxOpenConns(1) // sqlite3 driver does not support concurrent writers.

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, trace.Wrap(err, "applying schema")
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return trace.Wrap(s.db.Close())
}

// DB exposes the underlying handle for callers (migrations, tests, ad hoc
// reporting queries) that need direct SQL access beyond the Store
// interface.
func (s *SQLiteStore) DB() *sqlx.DB {
	return s.db
}

func (s *SQLiteStore) GetActiveSourceIP(ctx context.Context, address string) (*types.SourceIP, *types.User, error) {
	var row struct {
		types.SourceIP
		Username              string `db:"username"`
		UserActive            bool   `db:"user_active"`
		PortForwardingAllowed bool   `db:"user_pfa"`
	}
	err := s.db.GetContext(ctx, &row, `
		SELECT si.id, si.user_id, si.address, COALESCE(si.label, '') AS label, si.active,
		       u.username AS username, u.active AS user_active,
		       u.port_forwarding_allowed AS user_pfa
		FROM source_ips si JOIN users u ON u.id = si.user_id
		WHERE si.address = ? AND si.active = 1 AND u.active = 1
		LIMIT 1`, address)
	if err == sql.ErrNoRows {
		return nil, nil, trace.NotFound("no active source IP registration for %q", address)
	}
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	user := &types.User{ID: row.UserID, Username: row.Username, Active: row.UserActive, PortForwardingAllowed: row.PortForwardingAllowed}
	return &row.SourceIP, user, nil
}

func (s *SQLiteStore) GetActiveIPAllocation(ctx context.Context, proxyAddress string) (*types.IPAllocation, *types.Backend, error) {
	var row struct {
		types.IPAllocation
		Name    string `db:"b_name"`
		Address string `db:"b_address"`
		SSHPort int    `db:"b_ssh_port"`
		RDPPort int    `db:"b_rdp_port"`
		Active  bool   `db:"b_active"`
	}
	err := s.db.GetContext(ctx, &row, `
		SELECT a.id, a.proxy_address, a.backend_id, a.user_id, a.session_id, a.expires_at, a.active,
		       b.name AS b_name, b.address AS b_address, b.ssh_port AS b_ssh_port,
		       b.rdp_port AS b_rdp_port, b.active AS b_active
		FROM ip_allocations a JOIN backends b ON b.id = a.backend_id
		WHERE a.proxy_address = ? AND a.active = 1 AND b.active = 1
		LIMIT 1`, proxyAddress)
	if err == sql.ErrNoRows {
		return nil, nil, trace.NotFound("no active IP allocation for proxy address %q", proxyAddress)
	}
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	backend := &types.Backend{ID: row.BackendID, Name: row.Name, Address: row.Address, SSHPort: row.SSHPort, RDPPort: row.RDPPort, Active: row.Active}
	return &row.IPAllocation, backend, nil
}

func (s *SQLiteStore) ListUserGroups(ctx context.Context) ([]types.UserGroup, error) {
	var out []types.UserGroup
	err := s.db.SelectContext(ctx, &out, `SELECT id, name, parent_group_id, port_forwarding_allowed FROM user_groups`)
	return out, trace.Wrap(err)
}

func (s *SQLiteStore) ListUserGroupMemberships(ctx context.Context) ([]types.UserGroupMember, error) {
	var out []types.UserGroupMember
	err := s.db.SelectContext(ctx, &out, `SELECT user_id, group_id FROM user_group_members`)
	return out, trace.Wrap(err)
}

func (s *SQLiteStore) ListBackendGroups(ctx context.Context) ([]types.BackendGroup, error) {
	var out []types.BackendGroup
	err := s.db.SelectContext(ctx, &out, `SELECT id, name, parent_group_id FROM backend_groups`)
	return out, trace.Wrap(err)
}

func (s *SQLiteStore) ListBackendGroupMemberships(ctx context.Context) ([]types.BackendGroupMember, error) {
	var out []types.BackendGroupMember
	err := s.db.SelectContext(ctx, &out, `SELECT backend_id, group_id FROM backend_group_members`)
	return out, trace.Wrap(err)
}

// policyRow mirrors the policies table layout, flattening the Scope value
// object into its three constituent columns for storage.
type policyRow struct {
	ID                    int64      `db:"id"`
	UserID                *int64     `db:"user_id"`
	UserGroupID           *int64     `db:"user_group_id"`
	SourceIPID            *int64     `db:"source_ip_id"`
	ScopeKind             string     `db:"scope_kind"`
	ScopeTargetGroupID    *int64     `db:"scope_target_group_id"`
	ScopeTargetBackendID  *int64     `db:"scope_target_backend_id"`
	Protocol              *string    `db:"protocol"`
	StartTime             time.Time  `db:"start_time"`
	EndTime               *time.Time `db:"end_time"`
	PortForwardingAllowed bool       `db:"port_forwarding_allowed"`
	UseSchedules          bool       `db:"use_schedules"`
	Active                bool       `db:"active"`
}

func (r policyRow) toPolicy() types.Policy {
	var proto *types.Protocol
	if r.Protocol != nil {
		p := types.Protocol(*r.Protocol)
		proto = &p
	}
	return types.Policy{
		ID:          r.ID,
		UserID:      r.UserID,
		UserGroupID: r.UserGroupID,
		SourceIPID:  r.SourceIPID,
		Scope: types.Scope{
			Kind:            types.ScopeKind(r.ScopeKind),
			TargetGroupID:   r.ScopeTargetGroupID,
			TargetBackendID: r.ScopeTargetBackendID,
		},
		Protocol:              proto,
		StartTime:             r.StartTime,
		EndTime:               r.EndTime,
		PortForwardingAllowed: r.PortForwardingAllowed,
		UseSchedules:          r.UseSchedules,
		Active:                r.Active,
	}
}

// ListCandidatePolicies returns every active policy whose window contains
// now and whose protocol column is either unset (applies to both
// protocols) or matches. Scope, direct-vs-group and schedule filtering
// happen in the policy engine, not here.
func (s *SQLiteStore) ListCandidatePolicies(ctx context.Context, protocol types.Protocol, now time.Time) ([]types.Policy, error) {
	var rows []policyRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, user_id, user_group_id, source_ip_id, scope_kind,
		       scope_target_group_id, scope_target_backend_id, protocol,
		       start_time, end_time, port_forwarding_allowed, use_schedules, active
		FROM policies
		WHERE active = 1
		  AND start_time <= ?
		  AND (end_time IS NULL OR end_time >= ?)
		  AND (protocol IS NULL OR protocol = ?)`, now, now, string(protocol))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out := make([]types.Policy, len(rows))
	for i, r := range rows {
		out[i] = r.toPolicy()
	}
	return out, nil
}

func (s *SQLiteStore) ListSSHLogins(ctx context.Context, policyID int64) ([]string, error) {
	var out []string
	err := s.db.SelectContext(ctx, &out, `SELECT allowed_login FROM policy_ssh_logins WHERE policy_id = ?`, policyID)
	return out, trace.Wrap(err)
}

type scheduleRuleRow struct {
	PolicyID    int64   `db:"policy_id"`
	Name        string  `db:"name"`
	Weekdays    *string `db:"weekdays"`
	TimeStart   *string `db:"time_start"`
	TimeEnd     *string `db:"time_end"`
	Months      *string `db:"months"`
	DaysOfMonth *string `db:"days_of_month"`
	Timezone    string  `db:"timezone"`
	Active      bool    `db:"is_active"`
}

func parseIntList(csv *string) []int {
	if csv == nil || *csv == "" {
		return nil
	}
	parts := strings.Split(*csv, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		if v, err := strconv.Atoi(strings.TrimSpace(p)); err == nil {
			out = append(out, v)
		}
	}
	return out
}

func parseClockTime(s *string) (*types.ClockTime, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	var h, m, sec int
	if _, err := fmt.Sscanf(*s, "%d:%d:%d", &h, &m, &sec); err != nil {
		return nil, trace.BadParameter("malformed clock time %q: %v", *s, err)
	}
	ct := types.ClockTime{Hour: h, Minute: m, Second: sec}
	return &ct, nil
}

func (r scheduleRuleRow) toRule() (types.ScheduleRule, error) {
	start, err := parseClockTime(r.TimeStart)
	if err != nil {
		return types.ScheduleRule{}, err
	}
	end, err := parseClockTime(r.TimeEnd)
	if err != nil {
		return types.ScheduleRule{}, err
	}
	return types.ScheduleRule{
		PolicyID:    r.PolicyID,
		Name:        r.Name,
		Weekdays:    parseIntList(r.Weekdays),
		TimeStart:   start,
		TimeEnd:     end,
		Months:      parseIntList(r.Months),
		DaysOfMonth: parseIntList(r.DaysOfMonth),
		Timezone:    r.Timezone,
		Active:      r.Active,
	}, nil
}

func (s *SQLiteStore) ListScheduleRules(ctx context.Context, policyID int64) ([]types.ScheduleRule, error) {
	var rows []scheduleRuleRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT policy_id, name, weekdays, time_start, time_end, months, days_of_month, timezone, is_active
		FROM schedule_rules WHERE policy_id = ?`, policyID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out := make([]types.ScheduleRule, len(rows))
	for i, r := range rows {
		rule, err := r.toRule()
		if err != nil {
			return nil, trace.Wrap(err)
		}
		out[i] = rule
	}
	return out, nil
}

func (s *SQLiteStore) GetActiveGrant(ctx context.Context, sourceAddress, proxyAddress string, now time.Time) (*types.AccessGrant, error) {
	var grant types.AccessGrant
	err := s.db.GetContext(ctx, &grant, `
		SELECT ag.id, ag.user_id, ag.backend_id, ag.start_time, ag.end_time, ag.active
		FROM access_grants ag
		JOIN source_ips si ON si.user_id = ag.user_id AND si.address = ?
		JOIN ip_allocations ia ON ia.backend_id = ag.backend_id AND ia.proxy_address = ?
		WHERE ag.active = 1 AND ag.start_time <= ? AND ag.end_time >= ?
		LIMIT 1`, sourceAddress, proxyAddress, now, now)
	if err == sql.ErrNoRows {
		return nil, trace.NotFound("no active legacy grant for %q -> %q", sourceAddress, proxyAddress)
	}
	return &grant, trace.Wrap(err)
}

func (s *SQLiteStore) CreateSession(ctx context.Context, sess *types.Session) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, user_id, backend_id, protocol, source_ip, proxy_ip, backend_ip,
			backend_port, ssh_login, subsystem, agent_used, started_at, active, policy_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)`,
		sess.SessionID, sess.UserID, sess.BackendID, string(sess.Protocol), sess.SourceIP, sess.ProxyIP,
		sess.BackendIP, sess.BackendPort, sess.SSHLogin, sess.Subsystem, sess.AgentUsed, sess.StartedAt, sess.PolicyID)
	if err != nil {
		return 0, trace.Wrap(err, "creating session %s", sess.SessionID)
	}
	id, err := res.LastInsertId()
	return id, trace.Wrap(err)
}

func (s *SQLiteStore) SealSession(ctx context.Context, sessionID string, endedAt time.Time, reason types.TerminationReason, recordingPath *string, recordingSize *int64) error {
	var startedAt time.Time
	if err := s.db.GetContext(ctx, &startedAt, `SELECT started_at FROM sessions WHERE session_id = ?`, sessionID); err != nil {
		return trace.Wrap(err, "looking up session %s", sessionID)
	}
	duration := int64(endedAt.Sub(startedAt).Seconds())
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET active = 0, ended_at = ?, duration_seconds = ?, termination_reason = ?,
			recording_path = ?, recording_size = ?
		WHERE session_id = ?`, endedAt, duration, string(reason), recordingPath, recordingSize, sessionID)
	return trace.Wrap(err, "sealing session %s", sessionID)
}

func (s *SQLiteStore) ListActiveSessions(ctx context.Context) ([]types.Session, error) {
	var out []types.Session
	err := s.db.SelectContext(ctx, &out, `SELECT * FROM sessions WHERE active = 1`)
	return out, trace.Wrap(err)
}

func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*types.Session, error) {
	var sess types.Session
	err := s.db.GetContext(ctx, &sess, `SELECT * FROM sessions WHERE session_id = ?`, sessionID)
	if err == sql.ErrNoRows {
		return nil, trace.NotFound("no session %q", sessionID)
	}
	return &sess, trace.Wrap(err)
}

func (s *SQLiteStore) RecordTransfer(ctx context.Context, t *types.SessionTransfer) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO session_transfers (session_id, transfer_type, file_path, local_addr, local_port,
			remote_addr, remote_port, bytes_sent, bytes_received, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.SessionID, string(t.TransferType), t.FilePath, t.LocalAddr, t.LocalPort,
		t.RemoteAddr, t.RemotePort, t.BytesSent, t.BytesReceived, t.StartedAt, t.EndedAt)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	id, err := res.LastInsertId()
	return id, trace.Wrap(err)
}

func (s *SQLiteStore) AppendAudit(ctx context.Context, rec *types.AuditRecord) error {
	var details []byte
	if len(rec.Details) > 0 {
		var err error
		details, err = json.Marshal(rec.Details)
		if err != nil {
			return trace.Wrap(err, "marshaling audit details")
		}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_records (user_id, action, resource_type, resource_id, source_ip, success, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.UserID, rec.Action, rec.ResourceType, rec.ResourceID, rec.SourceIP, rec.Success, string(details), rec.Timestamp)
	return trace.Wrap(err, "appending audit record")
}
