package rdpshim

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/pawelmojski/portcullis/lib/policy"
	"github.com/pawelmojski/portcullis/lib/store"
)

type fakeFactory struct {
	dialed string
}

func (f *fakeFactory) Dial(ctx context.Context, backendAddr string, req Request) (Connection, error) {
	f.dialed = backendAddr
	c1, _ := net.Pipe()
	return c1, nil
}

func TestResolveDeniesWithoutDialing(t *testing.T) {
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	defer s.Close()

	now := time.Date(2026, 7, 29, 10, 0, 0, 0, time.UTC)
	engine, err := policy.New(policy.Config{Store: s, Clock: clockwork.NewFakeClockAt(now)})
	require.NoError(t, err)
	factory := &fakeFactory{}
	selector, err := NewBackendSelector(engine, factory)
	require.NoError(t, err)

	conn, decision, err := selector.Resolve(context.Background(), Request{SourceAddress: "10.0.0.9", ProxyAddress: "10.2.0.1"}, "10.1.0.5:3389")
	require.NoError(t, err)
	require.False(t, decision.Granted)
	require.Nil(t, conn)
	require.Empty(t, factory.dialed)
}
