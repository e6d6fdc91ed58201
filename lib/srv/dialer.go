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

package srv

import (
	"context"
	"net"
	"time"

	"github.com/gravitational/trace"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/pawelmojski/portcullis/lib/metrics"
)

// AgentDialer opens the backend SSH leg by forwarding the proxy's own
// ssh-agent socket as the auth method, so the backend trusts whatever
// identity the jump host process itself carries - no per-user backend
// credentials are held by Portcullis.
type AgentDialer struct {
	// AgentSocket is the path to the proxy process's SSH_AUTH_SOCK.
	AgentSocket string
	// HostKeyCallback validates the backend's host key; defaults to
	// ssh.InsecureIgnoreHostKey if left nil, which callers should
	// override in production with a known_hosts-backed callback.
	HostKeyCallback ssh.HostKeyCallback
	Timeout         time.Duration
}

// Dial implements BackendDialer, authenticating to the backend as the
// proxy process's own forwarded agent identity.
func (d *AgentDialer) Dial(ctx context.Context, addr string, login string) (*ssh.Client, error) {
	conn, err := net.Dial("unix", d.AgentSocket)
	if err != nil {
		return nil, trace.Wrap(err, "connecting to forwarded agent socket %q", d.AgentSocket)
	}
	ag := agent.NewClient(conn)
	return d.dial(ctx, addr, login, ssh.PublicKeysCallback(ag.Signers))
}

// DialWithPassword implements BackendDialer for the password auth
// bridging path (spec.md §4.5 "Auth bridging - Password"): the
// client's password is relayed to the backend as-is, with no
// verification at the proxy boundary.
func (d *AgentDialer) DialWithPassword(ctx context.Context, addr, login, password string) (*ssh.Client, error) {
	return d.dial(ctx, addr, login, ssh.Password(password))
}

func (d *AgentDialer) dial(ctx context.Context, addr, login string, auth ssh.AuthMethod) (*ssh.Client, error) {
	if addr == "" {
		return nil, trace.BadParameter("AgentDialer.dial: empty backend address")
	}

	hostKeyCallback := d.HostKeyCallback
	if hostKeyCallback == nil {
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}
	timeout := d.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	clientConfig := &ssh.ClientConfig{
		User:            login,
		Auth:            []ssh.AuthMethod{auth},
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}

	dialer := net.Dialer{Timeout: timeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		metrics.BackendDialFailures.Inc()
		return nil, trace.Wrap(err, "dialing backend %q", addr)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, clientConfig)
	if err != nil {
		netConn.Close()
		metrics.BackendDialFailures.Inc()
		return nil, trace.Wrap(err, "ssh handshake with backend %q", addr)
	}
	return ssh.NewClient(sshConn, chans, reqs), nil
}
