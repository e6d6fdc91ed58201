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

// Package expiry watches the deadline every granted session carries and
// fires warnings ahead of it, then tears the session down on the first
// poll after it passes - a policy's end time or schedule window close is enforced for
// the session's whole lifetime, not just at connection admission.
package expiry

import (
	"context"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/pawelmojski/portcullis"
	"github.com/pawelmojski/portcullis/lib/metrics"
)

// WarnAt lists how far ahead of a deadline a warning fires, in the order
// they should be emitted.
var WarnAt = []time.Duration{5 * time.Minute, 1 * time.Minute}

// TeardownFunc is invoked exactly once, when a tracked session's deadline
// passes.
type TeardownFunc func(ctx context.Context, sessionID string)

// WarnFunc is invoked once per WarnAt threshold crossed, ahead of
// teardown.
type WarnFunc func(sessionID string, remaining time.Duration)

// Config configures a Monitor.
type Config struct {
	// PollInterval is how often tracked deadlines are checked (optional,
	// defaults to 10s; must be short enough that WarnAt's tightest
	// threshold is never skipped over entirely).
	PollInterval time.Duration
	OnWarn       WarnFunc
	OnTeardown   TeardownFunc
	Clock        clockwork.Clock
}

// CheckAndSetDefaults validates c and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.OnTeardown == nil {
		return trace.BadParameter("expiry.Config: OnTeardown is required")
	}
	if c.PollInterval == 0 {
		c.PollInterval = 10 * time.Second
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

type tracked struct {
	deadline time.Time
	warned   map[time.Duration]bool
}

// Monitor tracks a set of (sessionID, deadline) pairs and drives warnings
// and teardown off a single poll loop.
type Monitor struct {
	cfg Config
	log *logrus.Entry

	mu      sync.Mutex
	entries map[string]*tracked
}

// New constructs a Monitor from cfg.
func New(cfg Config) (*Monitor, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Monitor{
		cfg:     cfg,
		log:     logrus.WithField(trace.Component, portcullis.Component(portcullis.ComponentExpiry)),
		entries: make(map[string]*tracked),
	}, nil
}

// Track registers sessionID for expiry monitoring against deadline. A
// zero deadline means "no expiry" (a permanent grant) and is silently
// ignored.
func (m *Monitor) Track(sessionID string, deadline time.Time) {
	if deadline.IsZero() {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[sessionID] = &tracked{deadline: deadline, warned: map[time.Duration]bool{}}
}

// Untrack removes sessionID, called once the session has ended through
// any path (including the monitor's own teardown).
func (m *Monitor) Untrack(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, sessionID)
}

// Run polls tracked deadlines until ctx is canceled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := m.cfg.Clock.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			m.sweep(ctx)
		}
	}
}

func (m *Monitor) sweep(ctx context.Context) {
	now := m.cfg.Clock.Now().UTC()

	var expired []string
	m.mu.Lock()
	for sessionID, t := range m.entries {
		remaining := t.deadline.Sub(now)
		if remaining <= 0 {
			expired = append(expired, sessionID)
			continue
		}
		for _, threshold := range WarnAt {
			if remaining <= threshold && !t.warned[threshold] {
				t.warned[threshold] = true
				if m.cfg.OnWarn != nil {
					m.cfg.OnWarn(sessionID, remaining)
				}
			}
		}
	}
	for _, sessionID := range expired {
		delete(m.entries, sessionID)
	}
	m.mu.Unlock()

	for _, sessionID := range expired {
		m.log.WithField("session_id", sessionID).Info("grant expired, tearing down session")
		metrics.GrantExpirations.Inc()
		m.cfg.OnTeardown(ctx, sessionID)
	}
}
