package policy

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/pawelmojski/portcullis/api/types"
	"github.com/pawelmojski/portcullis/lib/store"
)

func newTestEngine(t *testing.T, now time.Time) (*Engine, *store.SQLiteStore) {
	t.Helper()
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	clock := clockwork.NewFakeClockAt(now)
	e, err := New(Config{Store: s, Clock: clock})
	require.NoError(t, err)
	return e, s
}

func TestDecideGrantsDirectPolicy(t *testing.T) {
	now := time.Date(2026, 7, 29, 10, 0, 0, 0, time.UTC)
	e, s := newTestEngine(t, now)

	s.DB().MustExec(`INSERT INTO users (id, username) VALUES (1, 'alice')`)
	s.DB().MustExec(`INSERT INTO source_ips (id, user_id, address) VALUES (1, 1, '10.0.0.5')`)
	s.DB().MustExec(`INSERT INTO backends (id, name, address) VALUES (1, 'db1', '10.1.0.5')`)
	s.DB().MustExec(`INSERT INTO ip_allocations (proxy_address, backend_id) VALUES ('10.2.0.1', 1)`)
	s.DB().MustExec(`
		INSERT INTO policies (id, user_id, scope_kind, scope_target_backend_id, protocol, start_time, end_time)
		VALUES (1, 1, 'server', 1, 'ssh', ?, ?)`, now.Add(-time.Hour), now.Add(time.Hour))

	d, err := e.Decide(context.Background(), Request{SourceAddress: "10.0.0.5", ProxyAddress: "10.2.0.1", Protocol: types.ProtocolSSH})
	require.NoError(t, err)
	require.True(t, d.Granted)
	require.Equal(t, ReasonGranted, d.Reason)
	require.NotNil(t, d.Deadline)
	require.True(t, d.Deadline.Equal(now.Add(time.Hour)))
}

func TestDecideDeniesUnknownSourceIP(t *testing.T) {
	now := time.Date(2026, 7, 29, 10, 0, 0, 0, time.UTC)
	e, _ := newTestEngine(t, now)

	d, err := e.Decide(context.Background(), Request{SourceAddress: "192.168.1.1", ProxyAddress: "10.2.0.1", Protocol: types.ProtocolSSH})
	require.NoError(t, err)
	require.False(t, d.Granted)
	require.Equal(t, ReasonUnknownSourceIP, d.Reason)
}

func TestDecideDirectPolicyTakesPriorityOverGroup(t *testing.T) {
	now := time.Date(2026, 7, 29, 10, 0, 0, 0, time.UTC)
	e, s := newTestEngine(t, now)

	s.DB().MustExec(`INSERT INTO users (id, username) VALUES (1, 'alice')`)
	s.DB().MustExec(`INSERT INTO source_ips (id, user_id, address) VALUES (1, 1, '10.0.0.5')`)
	s.DB().MustExec(`INSERT INTO backends (id, name, address) VALUES (1, 'db1', '10.1.0.5')`)
	s.DB().MustExec(`INSERT INTO ip_allocations (proxy_address, backend_id) VALUES ('10.2.0.1', 1)`)
	s.DB().MustExec(`INSERT INTO user_groups (id, name) VALUES (1, 'ops')`)
	s.DB().MustExec(`INSERT INTO user_group_members (user_id, group_id) VALUES (1, 1)`)

	// A group policy that would grant by itself (same backend scope)...
	s.DB().MustExec(`
		INSERT INTO policies (id, user_group_id, scope_kind, scope_target_backend_id, protocol, start_time, end_time, active)
		VALUES (1, 1, 'server', 1, 'ssh', ?, ?, 1)`, now.Add(-time.Hour), now.Add(time.Hour))
	// ...and a direct policy that also matches; direct must win and be used exclusively.
	s.DB().MustExec(`
		INSERT INTO policies (id, user_id, scope_kind, scope_target_backend_id, protocol, start_time, end_time, active)
		VALUES (2, 1, 'server', 1, 'ssh', ?, ?, 1)`, now.Add(-time.Hour), now.Add(2*time.Hour))

	d, err := e.Decide(context.Background(), Request{SourceAddress: "10.0.0.5", ProxyAddress: "10.2.0.1", Protocol: types.ProtocolSSH})
	require.NoError(t, err)
	require.True(t, d.Granted)
	require.NotNil(t, d.Policy)
	require.Equal(t, int64(2), d.Policy.ID)
}

// TestDecideDirectLoginExclusionWinsOverGroup is scenario S4: a direct
// user policy exists for the backend but its SSH login whitelist
// excludes the requested login. A group policy for the same user would
// permit that login, but the direct policy's priority is absolute - the
// decision must be LoginNotAllowed, not a silent fall-through to the
// group policy.
func TestDecideDirectLoginExclusionWinsOverGroup(t *testing.T) {
	now := time.Date(2026, 7, 29, 10, 0, 0, 0, time.UTC)
	e, s := newTestEngine(t, now)

	s.DB().MustExec(`INSERT INTO users (id, username) VALUES (1, 'bob')`)
	s.DB().MustExec(`INSERT INTO source_ips (id, user_id, address) VALUES (1, 1, '10.0.0.9')`)
	s.DB().MustExec(`INSERT INTO backends (id, name, address) VALUES (1, 'b1', '10.1.0.9')`)
	s.DB().MustExec(`INSERT INTO ip_allocations (proxy_address, backend_id) VALUES ('10.2.0.9', 1)`)
	s.DB().MustExec(`INSERT INTO user_groups (id, name) VALUES (1, 'ops')`)
	s.DB().MustExec(`INSERT INTO user_group_members (user_id, group_id) VALUES (1, 1)`)

	// Direct policy restricts logins to "bob" only.
	s.DB().MustExec(`
		INSERT INTO policies (id, user_id, scope_kind, scope_target_backend_id, protocol, start_time, end_time, active)
		VALUES (1, 1, 'server', 1, 'ssh', ?, ?, 1)`, now.Add(-time.Hour), now.Add(time.Hour))
	s.DB().MustExec(`INSERT INTO policy_ssh_logins (policy_id, allowed_login) VALUES (1, 'bob')`)

	// Group policy would permit "root" - must never be consulted while
	// the direct policy survives.
	s.DB().MustExec(`
		INSERT INTO policies (id, user_group_id, scope_kind, scope_target_backend_id, protocol, start_time, end_time, active)
		VALUES (2, 1, 'server', 1, 'ssh', ?, ?, 1)`, now.Add(-time.Hour), now.Add(time.Hour))
	s.DB().MustExec(`INSERT INTO policy_ssh_logins (policy_id, allowed_login) VALUES (2, 'root')`)

	// A pre-existing legacy grant for the same user/backend must not
	// rescue this request either - login exclusion is final.
	s.DB().MustExec(`
		INSERT INTO access_grants (user_id, backend_id, start_time, end_time)
		VALUES (1, 1, ?, ?)`, now.Add(-time.Hour), now.Add(time.Hour))

	d, err := e.Decide(context.Background(), Request{
		SourceAddress:  "10.0.0.9",
		ProxyAddress:   "10.2.0.9",
		Protocol:       types.ProtocolSSH,
		SSHLogin:       "root",
		LegacyFallback: true,
	})
	require.NoError(t, err)
	require.False(t, d.Granted)
	require.Equal(t, ReasonSSHLoginNotAllowed, d.Reason)
}

func TestDecideLegacyFallbackOnlyFiresOnUnknownSourceIP(t *testing.T) {
	now := time.Date(2026, 7, 29, 10, 0, 0, 0, time.UTC)
	e, s := newTestEngine(t, now)

	s.DB().MustExec(`INSERT INTO users (id, username) VALUES (1, 'carol')`)
	s.DB().MustExec(`INSERT INTO source_ips (id, user_id, address, active) VALUES (1, 1, '10.9.9.9', 0)`)
	s.DB().MustExec(`INSERT INTO backends (id, name, address) VALUES (1, 'b2', '10.1.0.2')`)
	s.DB().MustExec(`INSERT INTO ip_allocations (proxy_address, backend_id) VALUES ('10.2.0.2', 1)`)
	s.DB().MustExec(`
		INSERT INTO access_grants (user_id, backend_id, start_time, end_time)
		VALUES (1, 1, ?, ?)`, now.Add(-time.Hour), now.Add(time.Hour))

	// The only source_ips row is inactive: resolution fails with
	// UnknownSourceIP, and the legacy grant above, matched through that
	// row's user and the proxy address's backend, is what the fallback
	// actually serves.
	d, err := e.Decide(context.Background(), Request{
		SourceAddress:  "10.9.9.9",
		ProxyAddress:   "10.2.0.2",
		Protocol:       types.ProtocolSSH,
		LegacyFallback: true,
	})
	require.NoError(t, err)
	require.True(t, d.Granted)
	require.Equal(t, ReasonLegacyGrant, d.Reason)

	// Without the opt-in, the same request must deny outright.
	d2, err := e.Decide(context.Background(), Request{SourceAddress: "10.9.9.9", ProxyAddress: "10.2.0.2", Protocol: types.ProtocolSSH})
	require.NoError(t, err)
	require.False(t, d2.Granted)
	require.Equal(t, ReasonUnknownSourceIP, d2.Reason)
}

func TestPortForwardingAllowedByPolicyFlag(t *testing.T) {
	now := time.Date(2026, 7, 29, 10, 0, 0, 0, time.UTC)
	e, s := newTestEngine(t, now)

	s.DB().MustExec(`INSERT INTO users (id, username) VALUES (1, 'dave')`)
	s.DB().MustExec(`INSERT INTO source_ips (id, user_id, address) VALUES (1, 1, '10.0.0.7')`)
	s.DB().MustExec(`INSERT INTO backends (id, name, address) VALUES (1, 'b3', '10.1.0.7')`)
	s.DB().MustExec(`INSERT INTO ip_allocations (proxy_address, backend_id) VALUES ('10.2.0.7', 1)`)
	s.DB().MustExec(`
		INSERT INTO policies (id, user_id, scope_kind, scope_target_backend_id, protocol, start_time, end_time, port_forwarding_allowed, active)
		VALUES (1, 1, 'server', 1, 'ssh', ?, ?, 1, 1)`, now.Add(-time.Hour), now.Add(time.Hour))

	ok, err := e.PortForwardingAllowed(context.Background(), "10.0.0.7", "10.2.0.7")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestPortForwardingDeniedWithoutFlag(t *testing.T) {
	now := time.Date(2026, 7, 29, 10, 0, 0, 0, time.UTC)
	e, s := newTestEngine(t, now)

	s.DB().MustExec(`INSERT INTO users (id, username) VALUES (1, 'erin')`)
	s.DB().MustExec(`INSERT INTO source_ips (id, user_id, address) VALUES (1, 1, '10.0.0.8')`)
	s.DB().MustExec(`INSERT INTO backends (id, name, address) VALUES (1, 'b4', '10.1.0.8')`)
	s.DB().MustExec(`INSERT INTO ip_allocations (proxy_address, backend_id) VALUES ('10.2.0.8', 1)`)
	s.DB().MustExec(`
		INSERT INTO policies (id, user_id, scope_kind, scope_target_backend_id, protocol, start_time, end_time, active)
		VALUES (1, 1, 'server', 1, 'ssh', ?, ?, 1)`, now.Add(-time.Hour), now.Add(time.Hour))

	ok, err := e.PortForwardingAllowed(context.Background(), "10.0.0.8", "10.2.0.8")
	require.NoError(t, err)
	require.False(t, ok)
}
