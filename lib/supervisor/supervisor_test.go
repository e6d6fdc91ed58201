package supervisor

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/pawelmojski/portcullis/api/types"
	"github.com/pawelmojski/portcullis/lib/expiry"
	"github.com/pawelmojski/portcullis/lib/policy"
	"github.com/pawelmojski/portcullis/lib/srv"
	"github.com/pawelmojski/portcullis/lib/store"
)

type noopDialer struct{}

func (noopDialer) Dial(ctx context.Context, addr, login string) (*ssh.Client, error) {
	return nil, nil
}

func (noopDialer) DialWithPassword(ctx context.Context, addr, login, password string) (*ssh.Client, error) {
	return nil, nil
}

func TestReconcileSealsOrphanedSessions(t *testing.T) {
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	s.DB().MustExec(`INSERT INTO users (id, username) VALUES (1, 'alice')`)
	s.DB().MustExec(`INSERT INTO backends (id, name, address) VALUES (1, 'db1', '10.1.0.5')`)
	started := time.Date(2026, 7, 29, 9, 0, 0, 0, time.UTC)
	_, err = s.CreateSession(ctx, &types.Session{
		SessionID: "orphan-1", UserID: 1, BackendID: 1, Protocol: types.ProtocolSSH,
		SourceIP: "10.0.0.5", ProxyIP: "10.2.0.1", BackendIP: "10.1.0.5", BackendPort: 22,
		StartedAt: started,
	})
	require.NoError(t, err)

	engine, err := policy.New(policy.Config{Store: s})
	require.NoError(t, err)
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)
	proxy, err := srv.New(srv.Config{
		HostSigner: signer, PolicyEngine: engine, Store: s,
		BackendDialer: noopDialer{}, RecordingDir: t.TempDir(),
	})
	require.NoError(t, err)
	monitor, err := expiry.New(expiry.Config{OnTeardown: func(ctx context.Context, sessionID string) {}})
	require.NoError(t, err)
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	sup, err := New(Config{
		Store: s, Proxy: proxy, ExpiryMonitor: monitor, Listener: listener,
		Clock: clockwork.NewFakeClockAt(started.Add(time.Hour)),
	})
	require.NoError(t, err)

	require.NoError(t, sup.Reconcile(ctx))

	sealed, err := s.GetSession(ctx, "orphan-1")
	require.NoError(t, err)
	require.False(t, sealed.Active, "expected orphaned session to be sealed")
	require.NotNil(t, sealed.TerminationReason)
	require.Equal(t, types.TerminationServiceRestart, *sealed.TerminationReason)
}
