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

// Package types holds the jump host's data model: users, source IPs,
// groups, backends, IP allocations, policies, schedules, sessions and
// transfers, and audit records. Persistence form is immaterial to these
// types; lib/store maps them onto a relational schema.
package types

// User is an operator identity that owns source IPs and group memberships.
type User struct {
	ID                     int64  `db:"id" json:"id"`
	Username               string `db:"username" json:"username"`
	Active                 bool   `db:"active" json:"active"`
	PortForwardingAllowed  bool   `db:"port_forwarding_allowed" json:"port_forwarding_allowed"`
}

// SourceIP links an authenticated client address to a User. An
// (Address, Active=true) pair identifies at most one user; this is the
// invariant that lets the system identify a client by its IP alone.
type SourceIP struct {
	ID      int64  `db:"id" json:"id"`
	UserID  int64  `db:"user_id" json:"user_id"`
	Address string `db:"address" json:"address"`
	Label   string `db:"label" json:"label"`
	Active  bool   `db:"active" json:"active"`
}

// UserGroup is a node in the user-group forest. ParentID is nil at a root.
// Cycles are forbidden at insert/update time by lib/groups.
type UserGroup struct {
	ID                    int64  `db:"id" json:"id"`
	Name                  string `db:"name" json:"name"`
	ParentID              *int64 `db:"parent_group_id" json:"parent_id,omitempty"`
	PortForwardingAllowed bool   `db:"port_forwarding_allowed" json:"port_forwarding_allowed"`
}

// UserGroupMember is a (UserID, GroupID) membership edge.
type UserGroupMember struct {
	UserID  int64 `db:"user_id" json:"user_id"`
	GroupID int64 `db:"group_id" json:"group_id"`
}
