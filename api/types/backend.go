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

package types

import "time"

// Backend is a real server a proxied session may terminate at.
type Backend struct {
	ID      int64  `db:"id" json:"id"`
	Name    string `db:"name" json:"name"`
	Address string `db:"address" json:"address"`
	SSHPort int    `db:"ssh_port" json:"ssh_port"`
	RDPPort int    `db:"rdp_port" json:"rdp_port"`
	Active  bool   `db:"active" json:"active"`
}

// DefaultSSHPort and DefaultRDPPort are applied when a Backend row omits
// the corresponding column.
const (
	DefaultSSHPort = 22
	DefaultRDPPort = 3389
)

// BackendGroup is a node in the server-group forest. ParentID is nil at a
// root. Cycles are forbidden at insert/update time by lib/groups.
type BackendGroup struct {
	ID       int64  `db:"id" json:"id"`
	Name     string `db:"name" json:"name"`
	ParentID *int64 `db:"parent_group_id" json:"parent_id,omitempty"`
}

// BackendGroupMember is a (BackendID, GroupID) membership edge.
type BackendGroupMember struct {
	BackendID int64 `db:"backend_id" json:"backend_id"`
	GroupID   int64 `db:"group_id" json:"group_id"`
}

// IPAllocation binds a proxy address on the jump host's NIC to a Backend.
// Two shapes coexist in one table: a permanent backend address
// (UserID/SessionID/ExpiresAt all nil/zero) and an ephemeral per-session
// lease (UserID, SessionID, ExpiresAt set). At most one Active row exists
// per ProxyAddress at any moment.
type IPAllocation struct {
	ID           int64      `db:"id" json:"id"`
	ProxyAddress string     `db:"proxy_address" json:"proxy_address"`
	BackendID    int64      `db:"backend_id" json:"backend_id"`
	UserID       *int64     `db:"user_id" json:"user_id,omitempty"`
	SessionID    *string    `db:"session_id" json:"session_id,omitempty"`
	ExpiresAt    *time.Time `db:"expires_at" json:"expires_at,omitempty"`
	Active       bool       `db:"active" json:"active"`
}

// Permanent reports whether this allocation is the permanent mapping for a
// Backend's proxy address, as opposed to an ephemeral per-session lease.
func (a IPAllocation) Permanent() bool {
	return a.UserID == nil && a.SessionID == nil && a.ExpiresAt == nil
}
