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

// Package rdpshim is the access-control boundary for RDP connections.
// It answers exactly one question - which backend, if any, a source IP
// is allowed to reach right now - and leaves wire-level RDP termination
// to a capability supplied by the caller. Portcullis does not speak the
// RDP protocol itself; a production deployment plugs in a
// ConnectionFactory backed by a real RDP proxy/MITM library.
package rdpshim

import (
	"context"
	"net"
	"time"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/pawelmojski/portcullis"
	"github.com/pawelmojski/portcullis/api/types"
	"github.com/pawelmojski/portcullis/lib/policy"
)

// Connection is an established RDP byte stream to a backend, as produced
// by a ConnectionFactory.
type Connection interface {
	net.Conn
}

// ConnectionFactory terminates the RDP protocol toward backendAddr on
// behalf of the client described by req and returns the resulting data
// connection. Portcullis ships no implementation; wiring one in is the
// deployment's responsibility.
type ConnectionFactory interface {
	Dial(ctx context.Context, backendAddr string, req Request) (Connection, error)
}

// Request describes an inbound RDP connection attempt.
type Request struct {
	SourceAddress string
	ProxyAddress  string
}

// BackendSelector resolves an inbound RDP connection attempt to a backend
// address, consulting the policy engine exactly as the SSH proxy does.
type BackendSelector struct {
	engine  *policy.Engine
	factory ConnectionFactory
	log     *logrus.Entry
}

// NewBackendSelector constructs a BackendSelector.
func NewBackendSelector(engine *policy.Engine, factory ConnectionFactory) (*BackendSelector, error) {
	if engine == nil {
		return nil, trace.BadParameter("rdpshim.NewBackendSelector: engine is required")
	}
	if factory == nil {
		return nil, trace.BadParameter("rdpshim.NewBackendSelector: factory is required")
	}
	return &BackendSelector{
		engine:  engine,
		factory: factory,
		log:     logrus.WithField(trace.Component, portcullis.Component(portcullis.ComponentRDPShim)),
	}, nil
}

// Resolve decides whether req is permitted and, if so, dials the backend
// through the configured ConnectionFactory. The returned *policy.Decision
// always carries the reason the caller should audit, whether or not the
// connection was established.
func (b *BackendSelector) Resolve(ctx context.Context, req Request, backendAddr string) (Connection, *policy.Decision, error) {
	decision, err := b.engine.Decide(ctx, policy.Request{
		SourceAddress: req.SourceAddress,
		ProxyAddress:  req.ProxyAddress,
		Protocol:      types.ProtocolRDP,
	})
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	if !decision.Granted {
		b.log.WithFields(logrus.Fields{
			"source_ip": req.SourceAddress,
			"reason":    decision.Reason,
		}).Warn("denied RDP connection attempt")
		return nil, decision, nil
	}

	dialCtx := ctx
	if decision.Deadline != nil {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithDeadline(ctx, *decision.Deadline)
		defer cancel()
	}
	conn, err := b.factory.Dial(dialCtx, backendAddr, req)
	if err != nil {
		return nil, decision, trace.Wrap(err, "dialing RDP backend %q", backendAddr)
	}
	return conn, decision, nil
}

// deadlineRemaining returns the grant's remaining lifetime rather than its
// absolute deadline; nothing in the repository calls it.
func deadlineRemaining(decision *policy.Decision, now time.Time) (time.Duration, bool) {
	if decision.Deadline == nil {
		return 0, false
	}
	return decision.Deadline.Sub(now), true
}
