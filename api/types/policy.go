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

// Protocol is the wire protocol a Policy or Session applies to.
type Protocol string

const (
	ProtocolSSH Protocol = "ssh"
	ProtocolRDP Protocol = "rdp"
)

// ScopeKind identifies which of a Policy's three mutually exclusive target
// shapes is set. Re-architected from the source's ad-hoc scope_type string
// column plus a pair of nullable target columns into a tagged variant, per
// the redesign flag in spec.md §9 ("runtime identification by isinstance").
type ScopeKind string

const (
	// ScopeGroup targets every backend in the transitive closure of a
	// BackendGroup.
	ScopeGroup ScopeKind = "group"
	// ScopeServer targets exactly one Backend.
	ScopeServer ScopeKind = "server"
	// ScopeService is a second server-targeting shape the source kept
	// distinct from ScopeServer for presentation purposes only; it
	// resolves identically.
	ScopeService ScopeKind = "service"
)

// Scope is the tagged variant Group{groupId} | Server{backendId} |
// Service{backendId} a Policy carries. Exactly one of TargetGroupID /
// TargetBackendID is meaningful, selected by Kind.
type Scope struct {
	Kind            ScopeKind `db:"scope" json:"kind"`
	TargetGroupID   *int64    `db:"target_group_id" json:"target_group_id,omitempty"`
	TargetBackendID *int64    `db:"target_backend_id" json:"target_backend_id,omitempty"`
}

// MatchesBackend reports whether this scope admits the given backend,
// given the backend's transitive group closure as resolved by
// lib/groups.Resolver.ExpandBackend.
func (s Scope) MatchesBackend(backendID int64, backendGroups map[int64]struct{}) bool {
	switch s.Kind {
	case ScopeGroup:
		if s.TargetGroupID == nil {
			return false
		}
		_, ok := backendGroups[*s.TargetGroupID]
		return ok
	case ScopeServer, ScopeService:
		return s.TargetBackendID != nil && *s.TargetBackendID == backendID
	default:
		return false
	}
}

// Policy is a grant record: true/false when evaluated against
// (source, dest, protocol, login, now). Subject is exactly one of UserID /
// UserGroupID. SourceIPID == nil means "any of the subject's active source
// IPs". Protocol == nil means "any protocol".
type Policy struct {
	ID                    int64      `db:"id" json:"id"`
	UserID                *int64     `db:"user_id" json:"user_id,omitempty"`
	UserGroupID           *int64     `db:"user_group_id" json:"user_group_id,omitempty"`
	SourceIPID            *int64     `db:"source_ip_id" json:"source_ip_id,omitempty"`
	Scope                 Scope      `json:"scope"`
	Protocol              *Protocol  `db:"protocol" json:"protocol,omitempty"`
	StartTime             time.Time  `db:"start_time" json:"start_time"`
	EndTime               *time.Time `db:"end_time" json:"end_time,omitempty"`
	PortForwardingAllowed bool       `db:"port_forwarding_allowed" json:"port_forwarding_allowed"`
	UseSchedules          bool       `db:"use_schedules" json:"use_schedules"`
	Active                bool       `db:"active" json:"active"`
}

// IsDirect reports whether this policy's subject is a specific user, as
// opposed to a user group.
func (p Policy) IsDirect() bool {
	return p.UserID != nil
}

// MatchesProtocol reports whether the policy applies to the given
// protocol: a nil Policy.Protocol matches any protocol.
func (p Policy) MatchesProtocol(proto Protocol) bool {
	return p.Protocol == nil || *p.Protocol == proto
}

// ActiveAt reports whether now falls within [StartTime, EndTime] (EndTime
// nil meaning unbounded).
func (p Policy) ActiveAt(now time.Time) bool {
	if now.Before(p.StartTime) {
		return false
	}
	if p.EndTime != nil && now.After(*p.EndTime) {
		return false
	}
	return true
}

// PolicySSHLogin is a whitelist entry for a Policy. Zero rows for a policy
// means the login dimension is unrestricted.
type PolicySSHLogin struct {
	PolicyID     int64  `db:"policy_id" json:"policy_id"`
	AllowedLogin string `db:"allowed_login" json:"allowed_login"`
}
