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

// Package store is the read/write persistence layer backing the policy
// engine, session lifecycle and audit sink: users, backends, their group
// forests, policies, schedules and recorded sessions.
package store

import (
	"context"
	"time"

	"github.com/pawelmojski/portcullis/api/types"
)

// Store is the full persistence surface the core depends on. The sqlite
// implementation in sqlite.go is the only implementation shipped; the
// interface exists so the policy engine and session lifecycle code can be
// exercised against an in-memory fake in tests without a real database.
type Store interface {
	// Identity and topology, read by the policy engine on every decision.
	GetActiveSourceIP(ctx context.Context, address string) (*types.SourceIP, *types.User, error)
	GetActiveIPAllocation(ctx context.Context, proxyAddress string) (*types.IPAllocation, *types.Backend, error)
	ListUserGroups(ctx context.Context) ([]types.UserGroup, error)
	ListUserGroupMemberships(ctx context.Context) ([]types.UserGroupMember, error)
	ListBackendGroups(ctx context.Context) ([]types.BackendGroup, error)
	ListBackendGroupMemberships(ctx context.Context) ([]types.BackendGroupMember, error)

	// Policy surface.
	ListCandidatePolicies(ctx context.Context, protocol types.Protocol, now time.Time) ([]types.Policy, error)
	ListSSHLogins(ctx context.Context, policyID int64) ([]string, error)
	ListScheduleRules(ctx context.Context, policyID int64) ([]types.ScheduleRule, error)

	// Legacy flat-grant fallback (spec.md §4.4 "Legacy path"). Resolves
	// straight from the source/proxy address pair, bypassing the
	// SourceIP/IPAllocation active-flag checks the policy model requires -
	// that's the point: it serves grants issued before the policy model
	// existed, for identities the new model no longer considers active.
	GetActiveGrant(ctx context.Context, sourceAddress, proxyAddress string, now time.Time) (*types.AccessGrant, error)

	// Session lifecycle.
	CreateSession(ctx context.Context, s *types.Session) (int64, error)
	SealSession(ctx context.Context, sessionID string, endedAt time.Time, reason types.TerminationReason, recordingPath *string, recordingSize *int64) error
	ListActiveSessions(ctx context.Context) ([]types.Session, error)
	GetSession(ctx context.Context, sessionID string) (*types.Session, error)
	RecordTransfer(ctx context.Context, t *types.SessionTransfer) (int64, error)

	// Audit sink.
	AppendAudit(ctx context.Context, rec *types.AuditRecord) error

	Close() error
}
