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

// Package policy implements the access decision the proxy consults
// before admitting a connection and before granting any request that
// moves data over it: can this source IP, on this protocol, reach this
// backend (and, for SSH, as this login) right now.
package policy

import (
	"context"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/pawelmojski/portcullis"
	"github.com/pawelmojski/portcullis/api/types"
	"github.com/pawelmojski/portcullis/lib/groups"
	"github.com/pawelmojski/portcullis/lib/metrics"
	"github.com/pawelmojski/portcullis/lib/schedule"
	"github.com/pawelmojski/portcullis/lib/store"
)

// DecisionReason is the closed set of reasons a Decision carries, in
// place of the exceptions the original control flow used.
type DecisionReason string

const (
	ReasonGranted            DecisionReason = "granted"
	ReasonUnknownSourceIP    DecisionReason = "unknown_source_ip"
	ReasonUnknownBackend     DecisionReason = "unknown_backend"
	ReasonNoMatchingPolicy   DecisionReason = "no_matching_policy"
	ReasonSSHLoginNotAllowed DecisionReason = "ssh_login_not_allowed"
	ReasonOutsideSchedule    DecisionReason = "outside_schedule"
	ReasonLegacyGrant        DecisionReason = "legacy_grant"
)

// Decision is the outcome of a single access check. Deadline, when set, is
// the instant at which the grant backing this decision expires - the
// minimum of the winning policy's own end time and the earliest closing
// edge of any schedule window it relied on - and is what lib/expiry
// schedules its warnings and teardown against.
type Decision struct {
	Granted     bool
	Reason      DecisionReason
	Policy      *types.Policy
	ScheduleTag string
	Deadline    *time.Time
}

// Request is everything the engine needs to reach a Decision.
type Request struct {
	SourceAddress string
	ProxyAddress  string
	Protocol      types.Protocol
	SSHLogin      string // empty for RDP, or when the SSH login dimension is not yet known

	// LegacyFallback opts into consulting the deprecated flat AccessGrant
	// table when the policy model denies with ReasonUnknownSourceIP. It
	// is never consulted for any other denial reason - an explicit
	// login-whitelist or schedule exclusion from the policy model is
	// final and must not be overridden by a stale legacy row.
	LegacyFallback bool
}

// Engine is the Policy Decision Engine. It holds no session state of its
// own; every Decide call re-reads the store, so policy edits take effect
// on the next connection attempt without a restart.
type Engine struct {
	store store.Store
	clock clockwork.Clock
	log   *logrus.Entry
}

// Config configures an Engine.
type Config struct {
	Store store.Store
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates c and fills in a real clock when none was
// supplied.
func (c *Config) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("policy.Config: Store is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// New constructs an Engine from cfg.
func New(cfg Config) (*Engine, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Engine{
		store: cfg.Store,
		clock: cfg.Clock,
		log:   logrus.WithField(trace.Component, portcullis.Component(portcullis.ComponentPolicy)),
	}, nil
}

// resolution is the shared outcome of steps 1-7 (identify user, resolve
// backend, gather candidates, split direct/group, scope + source-IP
// filter, priority rule). Decide and PortForwardingAllowed both build on
// it and diverge only in what they do with the surviving policies.
// reason is set, and survivors/user/backend are zero, when resolution
// failed outright (unknown source IP or backend).
type resolution struct {
	reason    DecisionReason
	user      *types.User
	backend   *types.Backend
	survivors []types.Policy
}

func (e *Engine) resolve(ctx context.Context, sourceAddress, proxyAddress string, protocol types.Protocol, now time.Time) (*resolution, error) {
	sourceIP, user, err := e.store.GetActiveSourceIP(ctx, sourceAddress)
	if trace.IsNotFound(err) {
		return &resolution{reason: ReasonUnknownSourceIP}, nil
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}

	alloc, backend, err := e.store.GetActiveIPAllocation(ctx, proxyAddress)
	if trace.IsNotFound(err) {
		return &resolution{reason: ReasonUnknownBackend}, nil
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}
	_ = alloc // the allocation itself carries no further decision-relevant state

	candidates, err := e.store.ListCandidatePolicies(ctx, protocol, now)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	backendGroups, err := e.backendGroupClosure(ctx, backend.ID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	userGroups, err := e.userGroupClosure(ctx, user.ID)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	var direct, group []types.Policy
	for _, p := range candidates {
		if !p.Scope.MatchesBackend(backend.ID, backendGroups) {
			continue
		}
		switch {
		case p.IsDirect():
			if p.UserID == nil || *p.UserID != user.ID {
				continue
			}
			// Source IP filter applies only to direct-user policies.
			if p.SourceIPID != nil && *p.SourceIPID != sourceIP.ID {
				continue
			}
			direct = append(direct, p)
		case p.UserGroupID != nil:
			if _, ok := userGroups[*p.UserGroupID]; !ok {
				continue
			}
			group = append(group, p)
		}
	}

	// Priority rule: a surviving direct-user policy always wins; the
	// user's group memberships are consulted only when no direct policy
	// applies at all.
	survivors := direct
	if len(survivors) == 0 {
		survivors = group
	}

	return &resolution{user: user, backend: backend, survivors: survivors}, nil
}

// PortForwardingAllowed is the dedicated port-forwarding permission check
// (spec.md §4.4 "Port-forwarding permission"). It reuses the same
// resolve/scope/source-IP/priority steps Decide does, then a schedule
// filter, and grants iff at least one surviving policy, the user, or one
// of the user's expanded groups carries PortForwardingAllowed=true. An
// unresolvable source IP or backend denies, same as Decide.
func (e *Engine) PortForwardingAllowed(ctx context.Context, sourceAddress, proxyAddress string) (bool, error) {
	now := e.clock.Now().UTC()

	res, err := e.resolve(ctx, sourceAddress, proxyAddress, types.ProtocolSSH, now)
	if err != nil {
		return false, trace.Wrap(err)
	}
	if res.reason != "" {
		return false, nil
	}
	if res.user.PortForwardingAllowed {
		return true, nil
	}

	granted, _, err := e.filterBySchedule(ctx, res.survivors, now)
	if err != nil {
		return false, trace.Wrap(err)
	}
	for _, p := range granted {
		if p.PortForwardingAllowed {
			return true, nil
		}
	}

	userGroups, err := e.userGroupClosure(ctx, res.user.ID)
	if err != nil {
		return false, trace.Wrap(err)
	}
	allGroups, err := e.store.ListUserGroups(ctx)
	if err != nil {
		return false, trace.Wrap(err)
	}
	for _, g := range allGroups {
		if _, ok := userGroups[g.ID]; ok && g.PortForwardingAllowed {
			return true, nil
		}
	}
	return false, nil
}

// Decide runs the ten-step access check: identify the user from an active
// SourceIP registration, resolve the backend from an active IPAllocation,
// gather active time-windowed protocol-matching candidate policies, split
// into direct-user and group policies, filter by scope and (direct-only)
// source IP, apply the direct-over-group priority rule, filter by SSH
// login whitelist, filter by schedule, and finally grant or deny with a
// specific reason. Falls back to the legacy flat AccessGrant table only
// when the source IP is unknown (UnknownSourceIP) and the caller set
// Request.LegacyFallback; every other denial is returned as is.
func (e *Engine) Decide(ctx context.Context, req Request) (decision *Decision, err error) {
	defer func() {
		if err == nil && decision != nil && !decision.Granted && req.Protocol == types.ProtocolSSH {
			metrics.DeniedLogins.Inc()
		}
	}()

	now := e.clock.Now().UTC()

	res, err := e.resolve(ctx, req.SourceAddress, req.ProxyAddress, req.Protocol, now)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if res.reason != "" {
		if res.reason == ReasonUnknownSourceIP && req.LegacyFallback {
			return e.legacyFallback(ctx, req.SourceAddress, req.ProxyAddress, now)
		}
		return &Decision{Granted: false, Reason: res.reason}, nil
	}
	survivors := res.survivors

	preLoginCount := len(survivors)
	if req.Protocol == types.ProtocolSSH && req.SSHLogin != "" {
		survivors, err = e.filterBySSHLogin(ctx, survivors, req.SSHLogin)
		if err != nil {
			return nil, trace.Wrap(err)
		}
	}
	// A policy that survived scope/source-IP/priority filtering but was
	// excluded here is final: spec.md's boundary behavior requires
	// LoginNotAllowed even when a group policy for the same user would
	// otherwise permit the login.
	loginExcluded := preLoginCount > 0 && len(survivors) == 0

	granted, scheduleTag, err := e.filterBySchedule(ctx, survivors, now)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	if len(granted) == 0 {
		reason := ReasonNoMatchingPolicy
		switch {
		case loginExcluded:
			reason = ReasonSSHLoginNotAllowed
		case len(survivors) > 0:
			reason = ReasonOutsideSchedule
		}
		return &Decision{Granted: false, Reason: reason}, nil
	}

	winner := granted[0]
	deadline, err := e.effectiveDeadline(ctx, winner, now)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	return &Decision{
		Granted:     true,
		Reason:      ReasonGranted,
		Policy:      &winner,
		ScheduleTag: scheduleTag,
		Deadline:    deadline,
	}, nil
}

func (e *Engine) backendGroupClosure(ctx context.Context, backendID int64) (map[int64]struct{}, error) {
	memberships, err := e.store.ListBackendGroupMemberships(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	all, err := e.store.ListBackendGroups(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := groups.ValidateBackendGroups(all); err != nil {
		return nil, trace.Wrap(err)
	}
	return groups.ExpandBackend(backendID, memberships, all), nil
}

func (e *Engine) userGroupClosure(ctx context.Context, userID int64) (map[int64]struct{}, error) {
	memberships, err := e.store.ListUserGroupMemberships(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	all, err := e.store.ListUserGroups(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := groups.ValidateUserGroups(all); err != nil {
		return nil, trace.Wrap(err)
	}
	return groups.ExpandUser(userID, memberships, all), nil
}

func (e *Engine) filterBySSHLogin(ctx context.Context, candidates []types.Policy, login string) ([]types.Policy, error) {
	var out []types.Policy
	for _, p := range candidates {
		logins, err := e.store.ListSSHLogins(ctx, p.ID)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if len(logins) == 0 {
			// No whitelist rows: the login dimension is unrestricted.
			out = append(out, p)
			continue
		}
		for _, allowed := range logins {
			if allowed == login {
				out = append(out, p)
				break
			}
		}
	}
	return out, nil
}

func (e *Engine) filterBySchedule(ctx context.Context, candidates []types.Policy, now time.Time) ([]types.Policy, string, error) {
	var out []types.Policy
	var tag string
	for _, p := range candidates {
		if !p.UseSchedules {
			out = append(out, p)
			continue
		}
		rules, err := e.store.ListScheduleRules(ctx, p.ID)
		if err != nil {
			return nil, "", trace.Wrap(err)
		}
		ok, name, err := schedule.AnyMatches(rules, now)
		if err != nil {
			return nil, "", trace.Wrap(err)
		}
		if ok {
			out = append(out, p)
			if tag == "" {
				tag = name
			}
		}
	}
	return out, tag, nil
}

// effectiveDeadline is the earlier of the policy's own end time and the
// earliest closing edge among its (currently satisfied) schedule rules.
func (e *Engine) effectiveDeadline(ctx context.Context, p types.Policy, now time.Time) (*time.Time, error) {
	deadline := p.EndTime

	if p.UseSchedules {
		rules, err := e.store.ListScheduleRules(ctx, p.ID)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		windowEnd, ok, err := schedule.EarliestWindowEnd(rules, now)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if ok && (deadline == nil || windowEnd.Before(*deadline)) {
			deadline = &windowEnd
		}
	}
	return deadline, nil
}

// legacyFallback consults the flat AccessGrant table kept only to serve
// grants issued before the policy model existed, for source/proxy address
// pairs the new model no longer recognizes at all. It is reached only from
// the UnknownSourceIP branch of Decide and only when the caller opted in;
// an explicit login-whitelist or schedule denial is never second-guessed
// here.
func (e *Engine) legacyFallback(ctx context.Context, sourceAddress, proxyAddress string, now time.Time) (*Decision, error) {
	grant, err := e.store.GetActiveGrant(ctx, sourceAddress, proxyAddress, now)
	if trace.IsNotFound(err) {
		return &Decision{Granted: false, Reason: ReasonUnknownSourceIP}, nil
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}
	deadline := grant.EndTime
	return &Decision{Granted: true, Reason: ReasonLegacyGrant, Deadline: &deadline}, nil
}
