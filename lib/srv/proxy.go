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

// Package srv is the SSH Proxy Data-Plane: it terminates the client's SSH
// transport, consults the Policy Decision Engine for every connection and
// every channel-level request that moves data, and re-establishes a
// second SSH leg to the resolved backend. Identity here is carried by
// source IP, not by the key a client authenticates with - the proxy's
// pre-auth gate re-runs the policy engine the moment the client offers
// "none" auth, before any password or key is examined, and denies a
// no-grant source IP a real chance to authenticate at all.
package srv

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"github.com/pawelmojski/portcullis"
	"github.com/pawelmojski/portcullis/api/types"
	"github.com/pawelmojski/portcullis/lib/audit"
	"github.com/pawelmojski/portcullis/lib/expiry"
	"github.com/pawelmojski/portcullis/lib/metrics"
	"github.com/pawelmojski/portcullis/lib/policy"
	"github.com/pawelmojski/portcullis/lib/recorder"
	"github.com/pawelmojski/portcullis/lib/store"
)

// BackendDialer opens the second SSH leg to a backend on behalf of a
// proxied client. Split out from Config so tests can substitute an
// in-memory backend. DialWithPassword exists for the password-auth
// bridging path, where the backend - not the proxy - is the one that
// actually verifies the credential.
type BackendDialer interface {
	Dial(ctx context.Context, addr string, login string) (*ssh.Client, error)
	DialWithPassword(ctx context.Context, addr, login, password string) (*ssh.Client, error)
}

// Config configures a Proxy.
type Config struct {
	HostSigner    ssh.Signer
	PolicyEngine  *policy.Engine
	Store         store.Store
	Audit         *audit.Sink
	ExpiryMonitor *expiry.Monitor
	BackendDialer BackendDialer
	RecordingDir  string
	ProxyAddress  string // the local address clients dial, used to resolve the IPAllocation
	Clock         clockwork.Clock
	// LegacyFallback opts every policy decision made on this proxy into
	// consulting the deprecated flat access_grants table when the
	// policy engine denies with UnknownSourceIP.
	LegacyFallback bool
}

// CheckAndSetDefaults validates c and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.HostSigner == nil {
		return trace.BadParameter("srv.Config: HostSigner is required")
	}
	if c.PolicyEngine == nil {
		return trace.BadParameter("srv.Config: PolicyEngine is required")
	}
	if c.Store == nil {
		return trace.BadParameter("srv.Config: Store is required")
	}
	if c.BackendDialer == nil {
		return trace.BadParameter("srv.Config: BackendDialer is required")
	}
	if c.RecordingDir == "" {
		return trace.BadParameter("srv.Config: RecordingDir is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// preAuthResult is the outcome of the AUTH_NONE pre-auth gate, keyed by
// the client's remote address for the lifetime of one TCP connection.
// password is filled in only if the client goes on to authenticate with
// a password, so the session channel handler can bridge it to the
// backend unchanged.
type preAuthResult struct {
	decision *policy.Decision
	password string
}

// Proxy accepts client SSH connections and multiplexes their channels
// through to policy-approved backends.
type Proxy struct {
	cfg        Config
	sshConfig  *ssh.ServerConfig
	log        *logrus.Entry
	wg         sync.WaitGroup
	closeOnce  sync.Once
	shutdownCh chan struct{}

	preAuthMu sync.Mutex
	preAuth   map[string]*preAuthResult

	sessMu   sync.Mutex
	sessions map[string]*clientSession
}

// New constructs a Proxy from cfg.
func New(cfg Config) (*Proxy, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	p := &Proxy{
		cfg:        cfg,
		log:        logrus.WithField(trace.Component, portcullis.Component(portcullis.ComponentSSHProxy)),
		shutdownCh: make(chan struct{}),
		preAuth:    make(map[string]*preAuthResult),
		sessions:   make(map[string]*clientSession),
	}
	p.sshConfig = &ssh.ServerConfig{
		// NoClientAuthCallback fires when the client offers "none" as
		// its first auth method (every well-behaved SSH client does
		// this to discover the server's banner and method list). This
		// is the AUTH_NONE pre-auth gate: the policy engine is run here,
		// with no SSH login yet known, purely to decide what to tell
		// the client before it wastes a real credential. "none" itself
		// never succeeds - the return value is always an error - so the
		// client always proceeds to a real auth method next.
		// golang.org/x/crypto/ssh only invokes the callback when
		// NoClientAuth is set.
		NoClientAuth:         true,
		NoClientAuthCallback: p.noClientAuthCallback,
		// BannerCallback surfaces the pre-auth decision's denial reason
		// to the client before it authenticates, as required by the
		// AUTH_NONE design: a source IP with no grant is told so, with
		// its own address and the specific reason, rather than being
		// left to fail silently after key exchange.
		BannerCallback: p.bannerCallback,
		// Authorization for a *granted* source IP still lives entirely
		// in the policy engine, re-consulted with the real SSH login
		// once a channel is opened; these two callbacks only decide
		// whether the connection is allowed to reach that point. A
		// denied pre-auth makes both of them fail unconditionally -
		// golang.org/x/crypto/ssh fixes a server's offered auth methods
		// for the lifetime of the ServerConfig, so the proxy cannot
		// literally narrow the advertised method list per connection;
		// it gets the same effect by guaranteeing every subsequent
		// attempt on a denied connection fails.
		PublicKeyCallback: p.publicKeyCallback,
		PasswordCallback:  p.passwordCallback,
	}
	p.sshConfig.AddHostKey(cfg.HostSigner)
	return p, nil
}

func sourceAddrOf(conn ssh.ConnMetadata) string {
	addr, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return addr
}

func (p *Proxy) noClientAuthCallback(conn ssh.ConnMetadata) (*ssh.Permissions, error) {
	decision, err := p.cfg.PolicyEngine.Decide(context.Background(), policy.Request{
		SourceAddress:  sourceAddrOf(conn),
		ProxyAddress:   p.cfg.ProxyAddress,
		Protocol:       types.ProtocolSSH,
		LegacyFallback: p.cfg.LegacyFallback,
	})
	if err != nil {
		p.log.WithError(err).Warn("pre-auth policy check failed")
		return nil, trace.Wrap(err)
	}

	p.preAuthMu.Lock()
	p.preAuth[conn.RemoteAddr().String()] = &preAuthResult{decision: decision}
	p.preAuthMu.Unlock()

	return nil, trace.AccessDenied("none auth is never granted; present a real credential")
}

func (p *Proxy) bannerCallback(conn ssh.ConnMetadata) string {
	p.preAuthMu.Lock()
	st := p.preAuth[conn.RemoteAddr().String()]
	p.preAuthMu.Unlock()
	if st == nil || st.decision.Granted {
		return ""
	}
	return fmt.Sprintf("Access denied for %s: %s\r\n", sourceAddrOf(conn), st.decision.Reason)
}

// preAuthDenied reports whether this connection's AUTH_NONE gate already
// ran and came back without a grant.
func (p *Proxy) preAuthDenied(conn ssh.ConnMetadata) bool {
	p.preAuthMu.Lock()
	defer p.preAuthMu.Unlock()
	st := p.preAuth[conn.RemoteAddr().String()]
	return st != nil && !st.decision.Granted
}

func (p *Proxy) publicKeyCallback(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
	if p.preAuthDenied(conn) {
		return nil, trace.AccessDenied("source IP has no grant for this backend")
	}
	// Public key auth is accepted provisionally at the proxy boundary;
	// the key itself is never checked against anything here. Real
	// authorization for the backend login happens over the forwarded
	// agent once a channel is opened, per spec.md §4.5 "Auth bridging -
	// Public key".
	return &ssh.Permissions{Extensions: map[string]string{
		"auth-method": "publickey",
		"pubkey-fp":   ssh.FingerprintSHA256(key),
	}}, nil
}

func (p *Proxy) passwordCallback(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
	if p.preAuthDenied(conn) {
		return nil, trace.AccessDenied("source IP has no grant for this backend")
	}
	// The password itself is never verified at the proxy; it is relayed
	// to the backend as-is once a channel is opened (spec.md §4.5 "Auth
	// bridging - Password"), so it's stashed here for that dial.
	p.preAuthMu.Lock()
	st := p.preAuth[conn.RemoteAddr().String()]
	if st == nil {
		st = &preAuthResult{}
		p.preAuth[conn.RemoteAddr().String()] = st
	}
	st.password = string(password)
	p.preAuthMu.Unlock()

	return &ssh.Permissions{Extensions: map[string]string{"auth-method": "password"}}, nil
}

func (p *Proxy) takePreAuth(connKey string) *preAuthResult {
	p.preAuthMu.Lock()
	defer p.preAuthMu.Unlock()
	st := p.preAuth[connKey]
	delete(p.preAuth, connKey)
	return st
}

func (p *Proxy) registerSession(s *clientSession) {
	p.sessMu.Lock()
	p.sessions[s.id] = s
	p.sessMu.Unlock()
}

func (p *Proxy) unregisterSession(id string) {
	p.sessMu.Lock()
	delete(p.sessions, id)
	p.sessMu.Unlock()
}

// Notify delivers an in-band message to a tracked session's client, used
// by the grant-expiry monitor's warning callback. A session with no
// interactive channel currently open drops the message silently.
func (p *Proxy) Notify(sessionID, message string) {
	p.sessMu.Lock()
	s := p.sessions[sessionID]
	p.sessMu.Unlock()
	if s != nil {
		s.writeBanner(message)
	}
}

// ExpireSession is called by the expiry monitor's teardown callback. It
// writes a final in-band notice to any open channel and closes the
// underlying SSH connection, which unwinds every channel goroutine and
// triggers teardown through their own defers.
func (p *Proxy) ExpireSession(sessionID string) {
	p.sessMu.Lock()
	s := p.sessions[sessionID]
	p.sessMu.Unlock()
	if s == nil {
		return
	}
	s.writeBanner("Grant expired; connection closing.")
	s.teardown(context.Background(), types.TerminationGrantExpired)
	s.sshConn.Close()
}

// Serve accepts connections from listener until ctx is canceled or Close
// is called.
func (p *Proxy) Serve(ctx context.Context, listener net.Listener) error {
	go func() {
		select {
		case <-ctx.Done():
			p.Close()
		case <-p.shutdownCh:
		}
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-p.shutdownCh:
				return nil
			default:
				return trace.Wrap(err)
			}
		}
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.handleConn(ctx, conn)
		}()
	}
}

// Close stops Serve from accepting new connections. It does not wait for
// in-flight connections; Wait does that.
func (p *Proxy) Close() {
	p.closeOnce.Do(func() { close(p.shutdownCh) })
}

// Wait blocks until every accepted connection has finished.
func (p *Proxy) Wait() {
	p.wg.Wait()
}

func (p *Proxy) handleConn(ctx context.Context, nc net.Conn) {
	defer nc.Close()

	connKey := nc.RemoteAddr().String()
	sourceAddr, _, err := net.SplitHostPort(connKey)
	if err != nil {
		sourceAddr = connKey
	}

	sshConn, chans, reqs, err := ssh.NewServerConn(nc, p.sshConfig)
	if err != nil {
		p.log.WithError(err).WithField("source_ip", sourceAddr).Debug("ssh handshake failed")
		p.takePreAuth(connKey)
		return
	}
	defer sshConn.Close()

	sess := &clientSession{
		proxy:      p,
		sshConn:    sshConn,
		sourceAddr: sourceAddr,
		id:         uuid.NewString(),
	}
	if st := p.takePreAuth(connKey); st != nil {
		sess.password = st.password
	}

	p.registerSession(sess)
	defer p.unregisterSession(sess.id)

	go sess.handleGlobalRequests(ctx, reqs)
	sess.run(ctx, chans)
}

// clientSession tracks one client SSH connection's worth of state: the
// resolved backend (learned the first time a channel requiring one is
// opened), its policy decision, its recorder/transcript, and whatever
// port-forward or session channels are currently open on it.
type clientSession struct {
	proxy      *Proxy
	sshConn    *ssh.ServerConn
	sourceAddr string
	id         string
	password   string // set only when the client authenticated with a password

	mu               sync.Mutex
	backend          *types.Backend
	decision         *policy.Decision
	backendConn      *ssh.Client
	rec              *recorder.Recorder
	storeRow         int64
	sealed           bool
	interactiveChans []ssh.Channel
	forwardListeners []net.Listener
}

func (s *clientSession) run(ctx context.Context, chans <-chan ssh.NewChannel) {
	defer s.teardown(ctx, types.TerminationNormal)

	for newChannel := range chans {
		switch newChannel.ChannelType() {
		case "session":
			go s.handleSessionChannel(ctx, newChannel)
		case "direct-tcpip":
			go s.handlePortForward(ctx, newChannel, types.TransferPortForwardLocal)
		case "dynamic-tcpip":
			go s.handlePortForward(ctx, newChannel, types.TransferSOCKSConnection)
		default:
			newChannel.Reject(ssh.UnknownChannelType, fmt.Sprintf("unsupported channel type %q", newChannel.ChannelType()))
		}
	}
}

// handleGlobalRequests services connection-level requests: tcpip-forward
// is the only kind the proxy understands (the -R cascade), everything
// else is replied to negatively rather than silently discarded, since a
// client waiting on a reply would otherwise hang.
func (s *clientSession) handleGlobalRequests(ctx context.Context, reqs <-chan *ssh.Request) {
	for req := range reqs {
		switch req.Type {
		case "tcpip-forward":
			s.handleTCPIPForward(ctx, req)
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

// resolveBackend runs the policy decision for sshLogin (the backend
// account the client is asking to use), the first time it's known for
// this connection, and tracks the resulting deadline with the expiry
// monitor. Subsequent channels on the same connection reuse the cached
// decision rather than re-querying the store on every exec/shell request.
func (s *clientSession) resolveBackend(ctx context.Context, sshLogin string) (*policy.Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.decision != nil {
		return s.decision, nil
	}

	decision, err := s.proxy.cfg.PolicyEngine.Decide(ctx, policy.Request{
		SourceAddress:  s.sourceAddr,
		ProxyAddress:   s.proxy.cfg.ProxyAddress,
		Protocol:       types.ProtocolSSH,
		SSHLogin:       sshLogin,
		LegacyFallback: s.proxy.cfg.LegacyFallback,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	s.decision = decision

	if _, backend, berr := s.proxy.cfg.Store.GetActiveIPAllocation(ctx, s.proxy.cfg.ProxyAddress); berr == nil {
		s.backend = backend
	}

	if s.proxy.cfg.Audit != nil {
		var uid *int64
		backendID := ""
		if s.backend != nil {
			backendID = fmt.Sprint(s.backend.ID)
		}
		s.proxy.cfg.Audit.PolicyDecision(ctx, uid, backendID, s.sourceAddr, decision.Granted, string(decision.Reason))
	}
	if decision.Granted && decision.Deadline != nil && s.proxy.cfg.ExpiryMonitor != nil {
		s.proxy.cfg.ExpiryMonitor.Track(s.id, *decision.Deadline)
	}
	return decision, nil
}

// dialBackend opens a fresh SSH leg to the resolved backend as login,
// using whichever auth method the client itself authenticated with:
// the client's own password, bridged unchanged, or the proxy's
// forwarded agent identity for public-key sessions.
func (s *clientSession) dialBackend(ctx context.Context, login string) (*ssh.Client, error) {
	authMethod := ""
	if s.sshConn.Permissions != nil {
		authMethod = s.sshConn.Permissions.Extensions["auth-method"]
	}
	if authMethod == "password" {
		client, err := s.proxy.cfg.BackendDialer.DialWithPassword(ctx, s.backendAddr(), login, s.password)
		return client, trace.Wrap(err)
	}
	client, err := s.proxy.cfg.BackendDialer.Dial(ctx, s.backendAddr(), login)
	return client, trace.Wrap(err)
}

// ensureBackendConn lazily dials and caches a single backend SSH
// connection for this session, used by the port-forwarding channel
// types which need a live backend leg but no interactive session on it.
func (s *clientSession) ensureBackendConn(ctx context.Context) (*ssh.Client, error) {
	decision, err := s.resolveBackend(ctx, s.sshConn.User())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if !decision.Granted {
		return nil, trace.AccessDenied("not permitted by policy: %s", decision.Reason)
	}

	s.mu.Lock()
	if s.backendConn != nil {
		conn := s.backendConn
		s.mu.Unlock()
		return conn, nil
	}
	s.mu.Unlock()

	client, err := s.dialBackend(ctx, s.sshConn.User())
	if err != nil {
		return nil, trace.Wrap(err)
	}

	s.mu.Lock()
	if s.backendConn == nil {
		s.backendConn = client
	} else {
		client.Close()
	}
	conn := s.backendConn
	s.mu.Unlock()
	return conn, nil
}

func (s *clientSession) handleSessionChannel(ctx context.Context, newChannel ssh.NewChannel) {
	channel, requests, err := newChannel.Accept()
	if err != nil {
		s.proxy.log.WithError(err).Debug("failed to accept session channel")
		return
	}
	defer channel.Close()

	s.trackInteractiveChannel(channel)
	defer s.untrackInteractiveChannel(channel)

	var backendConn *ssh.Client

	for req := range requests {
		switch req.Type {
		case "exec", "shell", "subsystem":
			login := s.sshConn.User()
			decision, err := s.resolveBackend(ctx, login)
			if err != nil || !decision.Granted {
				req.Reply(false, nil)
				channel.Close()
				return
			}

			client, err := s.dialBackend(ctx, login)
			if err != nil {
				if s.sshConn.Permissions != nil && s.sshConn.Permissions.Extensions["auth-method"] == "password" {
					fmt.Fprint(channel.Stderr(), "ERROR: Password failed on backend.\r\n")
				}
				s.proxy.log.WithError(err).Warn("failed to dial backend")
				req.Reply(false, nil)
				channel.Close()
				return
			}
			backendConn = client

			bsess, err := client.NewSession()
			if err != nil {
				req.Reply(false, nil)
				channel.Close()
				return
			}

			s.startRecording(login)
			s.pipe(channel, bsess, req, classifyTransfer(req))
			return
		default:
			req.Reply(false, nil)
		}
	}

	if backendConn != nil {
		backendConn.Close()
	}
}

func (s *clientSession) trackInteractiveChannel(ch ssh.Channel) {
	s.mu.Lock()
	s.interactiveChans = append(s.interactiveChans, ch)
	s.mu.Unlock()
}

func (s *clientSession) untrackInteractiveChannel(ch ssh.Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.interactiveChans {
		if c == ch {
			s.interactiveChans = append(s.interactiveChans[:i], s.interactiveChans[i+1:]...)
			return
		}
	}
}

// writeBanner delivers an in-band notice (grant-expiry warnings and the
// final teardown message) to every currently open interactive channel on
// this connection, over the SSH stderr extended-data stream so it never
// corrupts a shell's stdout.
func (s *clientSession) writeBanner(message string) {
	s.mu.Lock()
	chans := append([]ssh.Channel(nil), s.interactiveChans...)
	s.mu.Unlock()
	for _, ch := range chans {
		fmt.Fprintf(ch.Stderr(), "\r\n*** %s ***\r\n", message)
	}
}

// classifyTransfer inspects an exec/subsystem request and reports the
// SessionTransfer kind it represents, if any, along with the file path
// scp names. Plain interactive shells and ordinary exec commands carry
// no transfer classification - only scp's `-t`/`-f` exec forms and the
// sftp subsystem do.
func classifyTransfer(req *ssh.Request) *transferInfo {
	switch req.Type {
	case "exec":
		var payload struct{ Command string }
		if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
			return nil
		}
		fields := strings.Fields(payload.Command)
		if len(fields) == 0 || fields[0] != "scp" {
			return nil
		}
		var kind *types.TransferType
		var path string
		for i, f := range fields[1:] {
			switch {
			case strings.HasPrefix(f, "-t"):
				tt := types.TransferSCPUpload
				kind = &tt
			case strings.HasPrefix(f, "-f"):
				tt := types.TransferSCPDownload
				kind = &tt
			case !strings.HasPrefix(f, "-") && i == len(fields[1:])-1:
				path = f
			}
		}
		if kind == nil {
			return nil
		}
		return &transferInfo{kind: *kind, path: path}
	case "subsystem":
		var payload struct{ Subsystem string }
		if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
			return nil
		}
		if payload.Subsystem == "sftp" {
			return &transferInfo{kind: types.TransferSFTPSession}
		}
		return nil
	default:
		return nil
	}
}

// transferInfo is what classifyTransfer extracts from an exec/subsystem
// request: the SessionTransfer kind, and the file path for scp.
type transferInfo struct {
	kind types.TransferType
	path string
}

// pipe wires the client channel to the backend session's stdin/stdout,
// replies to the originating request, and runs it until either side
// closes. Plain interactive sessions are mirrored into the session
// recorder byte for byte; scp/sftp transfers identified by xfer are not -
// spec.md §4.5 "Transfer classification" requires suppressing the
// transcript for those and recording only a SessionTransfer row with the
// parsed path and byte counts.
func (s *clientSession) pipe(channel ssh.Channel, backendSess *ssh.Session, req *ssh.Request, xfer *transferInfo) {
	defer backendSess.Close()

	backendIn, err := backendSess.StdinPipe()
	if err != nil {
		req.Reply(false, nil)
		return
	}
	backendOut, err := backendSess.StdoutPipe()
	if err != nil {
		req.Reply(false, nil)
		return
	}

	switch req.Type {
	case "exec":
		var payload struct{ Command string }
		if err = ssh.Unmarshal(req.Payload, &payload); err == nil {
			err = backendSess.Start(payload.Command)
		}
	case "subsystem":
		var payload struct{ Subsystem string }
		if err = ssh.Unmarshal(req.Payload, &payload); err == nil {
			err = backendSess.RequestSubsystem(payload.Subsystem)
		}
	default:
		err = backendSess.Shell()
	}
	if err != nil {
		req.Reply(false, nil)
		return
	}
	req.Reply(true, nil)

	recordTranscript := xfer == nil

	started := s.proxy.cfg.Clock.Now().UTC()
	var bytesOut, bytesIn int64
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		bytesOut = s.copy(backendIn, channel, false, recordTranscript)
	}()
	go func() {
		defer wg.Done()
		bytesIn = s.copy(channel, backendOut, true, recordTranscript)
	}()
	wg.Wait()

	if xfer != nil && s.proxy.cfg.Store != nil {
		ended := s.proxy.cfg.Clock.Now().UTC()
		var path *string
		if xfer.path != "" {
			path = &xfer.path
		}
		s.proxy.cfg.Store.RecordTransfer(context.Background(), &types.SessionTransfer{
			SessionID:     s.storeRow,
			TransferType:  xfer.kind,
			FilePath:      path,
			BytesSent:     bytesOut,
			BytesReceived: bytesIn,
			StartedAt:     started,
			EndedAt:       &ended,
		})
	}

	s.teardown(context.Background(), types.TerminationNormal)
}

// copy copies from src to dst, returning the number of bytes copied.
// When record is true every chunk read is also mirrored into the
// session recorder; fromServer selects which transcript direction it's
// attributed to. record is false for classified scp/sftp transfers,
// which get a SessionTransfer row instead of a byte-level transcript.
func (s *clientSession) copy(dst io.Writer, src io.Reader, fromServer, record bool) int64 {
	var total int64
	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			total += int64(n)
			chunk := buf[:n]
			dst.Write(chunk)
			if record {
				s.mu.Lock()
				rec := s.rec
				s.mu.Unlock()
				if rec != nil {
					if fromServer {
						rec.ServerToClient(chunk)
					} else {
						rec.ClientToServer(chunk)
					}
				}
			}
		}
		if err != nil {
			return total
		}
	}
}

// handlePortForward serves a client's -L local forward (direct-tcpip) or
// -D dynamic forward (dynamic-tcpip): both gate on the dedicated
// portForwardingAllowed permission, dial the destination through the
// backend's own SSH leg (so traffic reaches the destination from the
// backend's network view, the same as a real jump host), and bridge
// bytes, recording the transfer as kind once complete.
func (s *clientSession) handlePortForward(ctx context.Context, newChannel ssh.NewChannel, kind types.TransferType) {
	var payload struct {
		DestAddr string
		DestPort uint32
		SrcAddr  string
		SrcPort  uint32
	}
	if err := ssh.Unmarshal(newChannel.ExtraData(), &payload); err != nil {
		newChannel.Reject(ssh.ConnectionFailed, "malformed forward request")
		return
	}

	allowed, err := s.proxy.cfg.PolicyEngine.PortForwardingAllowed(ctx, s.sourceAddr, s.proxy.cfg.ProxyAddress)
	if err != nil {
		newChannel.Reject(ssh.ConnectionFailed, "policy check failed")
		return
	}
	if !allowed {
		newChannel.Reject(ssh.Prohibited, "port forwarding not permitted by policy")
		return
	}

	backendConn, err := s.ensureBackendConn(ctx)
	if err != nil {
		newChannel.Reject(ssh.Prohibited, "not permitted by policy")
		return
	}

	target := net.JoinHostPort(payload.DestAddr, fmt.Sprint(payload.DestPort))
	targetConn, err := backendConn.Dial("tcp", target)
	if err != nil {
		newChannel.Reject(ssh.ConnectionFailed, "unable to reach destination via backend")
		return
	}
	defer targetConn.Close()

	channel, requests, err := newChannel.Accept()
	if err != nil {
		return
	}
	defer channel.Close()
	go ssh.DiscardRequests(requests)

	started := s.proxy.cfg.Clock.Now().UTC()
	var bytesOut, bytesIn int64
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); n, _ := io.Copy(targetConn, channel); bytesOut = n }()
	go func() { defer wg.Done(); n, _ := io.Copy(channel, targetConn); bytesIn = n }()
	wg.Wait()

	if s.proxy.cfg.Store != nil {
		ended := s.proxy.cfg.Clock.Now().UTC()
		s.proxy.cfg.Store.RecordTransfer(ctx, &types.SessionTransfer{
			SessionID:     s.storeRow,
			TransferType:  kind,
			RemoteAddr:    &payload.DestAddr,
			BytesSent:     bytesOut,
			BytesReceived: bytesIn,
			StartedAt:     started,
			EndedAt:       &ended,
		})
	}
}

// handleTCPIPForward services a client's -R remote forward request with
// the cascaded design: rather than the proxy itself exposing a listening
// socket, it asks the backend (over the already-established backend SSH
// leg) to listen on the same bind address/port, via the standard
// tcpip-forward/forwarded-tcpip exchange the ssh.Client.Listen helper
// implements. Every inbound connection the backend accepts is relayed
// back to the original client as a forwarded-tcpip channel.
func (s *clientSession) handleTCPIPForward(ctx context.Context, req *ssh.Request) {
	var payload struct {
		BindAddr string
		BindPort uint32
	}
	if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
		if req.WantReply {
			req.Reply(false, nil)
		}
		return
	}

	allowed, err := s.proxy.cfg.PolicyEngine.PortForwardingAllowed(ctx, s.sourceAddr, s.proxy.cfg.ProxyAddress)
	if err != nil || !allowed {
		if req.WantReply {
			req.Reply(false, nil)
		}
		return
	}

	backendConn, err := s.ensureBackendConn(ctx)
	if err != nil {
		if req.WantReply {
			req.Reply(false, nil)
		}
		return
	}

	backendListener, err := backendConn.Listen("tcp", net.JoinHostPort(payload.BindAddr, fmt.Sprint(payload.BindPort)))
	if err != nil {
		if req.WantReply {
			req.Reply(false, nil)
		}
		return
	}

	if req.WantReply {
		req.Reply(true, nil)
	}

	s.mu.Lock()
	s.forwardListeners = append(s.forwardListeners, backendListener)
	s.mu.Unlock()

	go s.acceptCascadedForwards(ctx, backendListener, payload.BindAddr, payload.BindPort)
}

func (s *clientSession) acceptCascadedForwards(ctx context.Context, ln net.Listener, bindAddr string, bindPort uint32) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go s.relayCascadedForward(ctx, conn, bindAddr, bindPort)
	}
}

// relayCascadedForward pushes one backend-accepted connection back to
// the client as a forwarded-tcpip channel and bridges bytes between the
// two, recording the transfer as a remote port forward.
func (s *clientSession) relayCascadedForward(ctx context.Context, backendConn net.Conn, bindAddr string, bindPort uint32) {
	defer backendConn.Close()

	originAddr, originPortStr, _ := net.SplitHostPort(backendConn.RemoteAddr().String())
	originPort, _ := strconv.Atoi(originPortStr)

	extra := struct {
		ConnectedAddress  string
		ConnectedPort     uint32
		OriginatorAddress string
		OriginatorPort    uint32
	}{
		ConnectedAddress:  bindAddr,
		ConnectedPort:     bindPort,
		OriginatorAddress: originAddr,
		OriginatorPort:    uint32(originPort),
	}

	clientChannel, clientReqs, err := s.sshConn.OpenChannel("forwarded-tcpip", ssh.Marshal(&extra))
	if err != nil {
		return
	}
	defer clientChannel.Close()
	go ssh.DiscardRequests(clientReqs)

	started := s.proxy.cfg.Clock.Now().UTC()
	var bytesOut, bytesIn int64
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); n, _ := io.Copy(backendConn, clientChannel); bytesIn = n }()
	go func() { defer wg.Done(); n, _ := io.Copy(clientChannel, backendConn); bytesOut = n }()
	wg.Wait()

	if s.proxy.cfg.Store != nil {
		ended := s.proxy.cfg.Clock.Now().UTC()
		remote := bindAddr
		s.proxy.cfg.Store.RecordTransfer(ctx, &types.SessionTransfer{
			SessionID:     s.storeRow,
			TransferType:  types.TransferPortForwardRemote,
			RemoteAddr:    &remote,
			BytesSent:     bytesOut,
			BytesReceived: bytesIn,
			StartedAt:     started,
			EndedAt:       &ended,
		})
	}
}

func (s *clientSession) backendAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.backend == nil {
		return ""
	}
	return net.JoinHostPort(s.backend.Address, fmt.Sprint(s.backend.SSHPort))
}

func (s *clientSession) startRecording(sshLogin string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec != nil {
		return
	}
	rec, err := recorder.New(recorder.Config{
		Dir:       s.proxy.cfg.RecordingDir,
		SessionID: s.id,
		Clock:     s.proxy.cfg.Clock,
	})
	if err != nil {
		s.proxy.log.WithError(err).Warn("failed to start session recorder")
		return
	}
	s.rec = rec
	metrics.ActiveSessions.Inc()

	now := s.proxy.cfg.Clock.Now().UTC()
	row := &types.Session{
		SessionID: s.id,
		SourceIP:  s.sourceAddr,
		ProxyIP:   s.proxy.cfg.ProxyAddress,
		Protocol:  types.ProtocolSSH,
		SSHLogin:  &sshLogin,
		StartedAt: now,
	}
	if id, err := s.proxy.cfg.Store.CreateSession(context.Background(), row); err == nil {
		s.storeRow = id
	}
}

func (s *clientSession) teardown(ctx context.Context, reason types.TerminationReason) {
	s.mu.Lock()
	if s.sealed {
		s.mu.Unlock()
		return
	}
	s.sealed = true
	rec := s.rec
	backendConn := s.backendConn
	listeners := s.forwardListeners
	s.mu.Unlock()

	for _, ln := range listeners {
		ln.Close()
	}
	if backendConn != nil {
		backendConn.Close()
	}

	if s.proxy.cfg.ExpiryMonitor != nil {
		s.proxy.cfg.ExpiryMonitor.Untrack(s.id)
	}
	if rec != nil {
		rec.End()
		size, _ := rec.Size()
		path := rec.Path()
		s.proxy.cfg.Store.SealSession(ctx, s.id, s.proxy.cfg.Clock.Now().UTC(), reason, &path, &size)
		metrics.ActiveSessions.Dec()
	}
	if s.proxy.cfg.Audit != nil {
		s.proxy.cfg.Audit.SessionLifecycle(ctx, 0, s.id, "session_end", map[string]string{"reason": string(reason)})
	}
}
