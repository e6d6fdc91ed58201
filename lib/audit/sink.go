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

// Package audit is the append-only trail of policy decisions, session
// lifecycle transitions and administrative actions. A write failure here
// must never take down the data plane it's observing, so every Emit
// failure is logged and swallowed rather than propagated.
package audit

import (
	"context"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/pawelmojski/portcullis"
	"github.com/pawelmojski/portcullis/api/types"
	"github.com/pawelmojski/portcullis/lib/store"
)

// Sink appends AuditRecords to the store.
type Sink struct {
	store store.Store
	clock clockwork.Clock
	log   *logrus.Entry
}

// New constructs a Sink over st, using clock for record timestamps.
func New(st store.Store, clock clockwork.Clock) *Sink {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Sink{
		store: st,
		clock: clock,
		log:   logrus.WithField(trace.Component, portcullis.Component(portcullis.ComponentAudit)),
	}
}

// Emit records an audit event. Failures are logged at error level and
// otherwise swallowed: the caller's own operation has already happened by
// the time its audit record is written and must not be rolled back or
// retried because logging it failed.
func (s *Sink) Emit(ctx context.Context, rec types.AuditRecord) {
	rec.Timestamp = s.clock.Now().UTC()
	if err := s.store.AppendAudit(ctx, &rec); err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"action":        rec.Action,
			"resource_type": rec.ResourceType,
		}).Error("failed to append audit record")
	}
}

// PolicyDecision is a convenience wrapper recording a policy engine
// outcome for the given resource.
func (s *Sink) PolicyDecision(ctx context.Context, userID *int64, backendID string, sourceIP string, granted bool, reason string) {
	s.Emit(ctx, types.AuditRecord{
		UserID:       userID,
		Action:       "policy_decision",
		ResourceType: "backend",
		ResourceID:   &backendID,
		SourceIP:     &sourceIP,
		Success:      granted,
		Details:      map[string]string{"reason": reason},
	})
}

// SessionLifecycle is a convenience wrapper recording a session start or
// end event.
func (s *Sink) SessionLifecycle(ctx context.Context, userID int64, sessionID, event string, details map[string]string) {
	s.Emit(ctx, types.AuditRecord{
		UserID:       &userID,
		Action:       event,
		ResourceType: "session",
		ResourceID:   &sessionID,
		Success:      true,
		Details:      details,
	})
}
