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

// Package supervisor owns the process lifecycle: it reconciles session
// state left behind by an unclean shutdown, then brings up the SSH proxy
// listener and the grant-expiry monitor and keeps them running until
// asked to stop.
package supervisor

import (
	"context"
	"net"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/pawelmojski/portcullis"
	"github.com/pawelmojski/portcullis/api/types"
	"github.com/pawelmojski/portcullis/lib/expiry"
	"github.com/pawelmojski/portcullis/lib/srv"
	"github.com/pawelmojski/portcullis/lib/store"
)

// Config configures a Supervisor.
type Config struct {
	Store         store.Store
	Proxy         *srv.Proxy
	ExpiryMonitor *expiry.Monitor
	Listener      net.Listener
	Clock         clockwork.Clock
}

// CheckAndSetDefaults validates c and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("supervisor.Config: Store is required")
	}
	if c.Proxy == nil {
		return trace.BadParameter("supervisor.Config: Proxy is required")
	}
	if c.ExpiryMonitor == nil {
		return trace.BadParameter("supervisor.Config: ExpiryMonitor is required")
	}
	if c.Listener == nil {
		return trace.BadParameter("supervisor.Config: Listener is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Supervisor drives process startup, reconciliation and shutdown.
type Supervisor struct {
	cfg Config
	log *logrus.Entry
}

// New constructs a Supervisor from cfg.
func New(cfg Config) (*Supervisor, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Supervisor{
		cfg: cfg,
		log: logrus.WithField(trace.Component, portcullis.Component(portcullis.ComponentSupervisor)),
	}, nil
}

// Reconcile seals every session the store still shows active: if the
// process is starting up, any such row was left behind by a crash or an
// unclean shutdown, since a live session would have sealed itself on the
// connection that owned it.
func (s *Supervisor) Reconcile(ctx context.Context) error {
	active, err := s.cfg.Store.ListActiveSessions(ctx)
	if err != nil {
		return trace.Wrap(err, "listing active sessions during startup reconciliation")
	}
	now := s.cfg.Clock.Now().UTC()
	for _, sess := range active {
		s.log.WithField("session_id", sess.SessionID).Warn("sealing orphaned session found at startup")
		if err := s.cfg.Store.SealSession(ctx, sess.SessionID, now, types.TerminationServiceRestart, nil, nil); err != nil {
			s.log.WithError(err).WithField("session_id", sess.SessionID).Error("failed to seal orphaned session")
		}
	}
	return nil
}

// Run performs startup reconciliation, then serves the proxy listener and
// the expiry monitor until ctx is canceled.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.Reconcile(ctx); err != nil {
		return trace.Wrap(err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.cfg.Proxy.Serve(ctx, s.cfg.Listener)
	}()
	go s.cfg.ExpiryMonitor.Run(ctx)

	select {
	case <-ctx.Done():
		s.cfg.Proxy.Close()
		s.cfg.Proxy.Wait()
		return nil
	case err := <-errCh:
		return trace.Wrap(err)
	}
}

// waitForDrain gives in-flight connections a grace period to finish their
// current channel before the caller forcibly moves on (e.g. process exit
// after a SIGTERM).
func waitForDrain(p *srv.Proxy, grace time.Duration) {
	done := make(chan struct{})
	go func() {
		p.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
	}
}
