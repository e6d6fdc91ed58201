package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pawelmojski/portcullis/api/types"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSourceIPAndIPAllocationLookup(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.db.MustExec(`INSERT INTO users (id, username, active) VALUES (1, 'alice', 1)`)
	s.db.MustExec(`INSERT INTO source_ips (user_id, address, active) VALUES (1, '10.0.0.5', 1)`)
	s.db.MustExec(`INSERT INTO backends (id, name, address, active) VALUES (1, 'db1', '10.1.0.5', 1)`)
	s.db.MustExec(`INSERT INTO ip_allocations (proxy_address, backend_id, active) VALUES ('10.2.0.1', 1, 1)`)

	srcIP, user, err := s.GetActiveSourceIP(ctx, "10.0.0.5")
	require.NoError(t, err)
	require.Equal(t, "alice", user.Username)
	require.Equal(t, "10.0.0.5", srcIP.Address)

	alloc, backend, err := s.GetActiveIPAllocation(ctx, "10.2.0.1")
	require.NoError(t, err)
	require.Equal(t, "db1", backend.Name)
	require.Equal(t, "10.2.0.1", alloc.ProxyAddress)

	_, _, err = s.GetActiveSourceIP(ctx, "192.168.1.1")
	require.Error(t, err, "expected not-found error for unregistered source IP")
}

func TestSessionLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	s.db.MustExec(`INSERT INTO users (id, username) VALUES (1, 'alice')`)
	s.db.MustExec(`INSERT INTO backends (id, name, address) VALUES (1, 'db1', '10.1.0.5')`)

	start := time.Date(2026, 7, 29, 10, 0, 0, 0, time.UTC)
	sess := &types.Session{
		SessionID: "sess-1", UserID: 1, BackendID: 1, Protocol: types.ProtocolSSH,
		SourceIP: "10.0.0.5", ProxyIP: "10.2.0.1", BackendIP: "10.1.0.5", BackendPort: 22,
		StartedAt: start,
	}
	_, err := s.CreateSession(ctx, sess)
	require.NoError(t, err)

	active, err := s.ListActiveSessions(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)

	end := start.Add(5 * time.Minute)
	require.NoError(t, s.SealSession(ctx, "sess-1", end, types.TerminationNormal, nil, nil))

	sealed, err := s.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	require.False(t, sealed.Active, "expected session to be sealed")
	require.NotNil(t, sealed.DurationSeconds)
	require.Equal(t, int64(300), *sealed.DurationSeconds)
}

func TestAppendAudit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	rec := &types.AuditRecord{
		Action: "policy_decision", ResourceType: "backend", Success: true,
		Details: map[string]string{"reason": "granted"}, Timestamp: time.Now().UTC(),
	}
	require.NoError(t, s.AppendAudit(ctx, rec))
	var count int
	require.NoError(t, s.db.Get(&count, `SELECT COUNT(*) FROM audit_records`))
	require.Equal(t, 1, count)
}
