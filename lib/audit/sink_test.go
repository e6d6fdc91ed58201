package audit

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/pawelmojski/portcullis/lib/store"
)

func TestEmitStampsTimestampFromClock(t *testing.T) {
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	defer s.Close()

	now := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(now)
	sink := New(s, clock)

	uid := int64(1)
	sink.PolicyDecision(context.Background(), &uid, "backend-1", "10.0.0.5", true, "granted")

	var count int
	require.NoError(t, s.DB().Get(&count, `SELECT COUNT(*) FROM audit_records WHERE timestamp = ?`, now))
	require.Equal(t, 1, count)
}
