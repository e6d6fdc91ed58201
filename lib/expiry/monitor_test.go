package expiry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func TestMonitorWarnsThenTearsDown(t *testing.T) {
	clock := clockwork.NewFakeClock()

	var mu sync.Mutex
	var warnings []time.Duration
	var torndown []string

	m, err := New(Config{
		PollInterval: time.Second,
		Clock:        clock,
		OnWarn: func(sessionID string, remaining time.Duration) {
			mu.Lock()
			defer mu.Unlock()
			warnings = append(warnings, remaining)
		},
		OnTeardown: func(ctx context.Context, sessionID string) {
			mu.Lock()
			defer mu.Unlock()
			torndown = append(torndown, sessionID)
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	m.Track("sess-1", clock.Now().Add(6*time.Minute))

	clock.BlockUntil(1)
	clock.Advance(2 * time.Minute) // remaining: 4m, crosses the 5m threshold
	waitForCondition(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(warnings) >= 1
	})

	clock.BlockUntil(1)
	clock.Advance(3*time.Minute + 30*time.Second) // remaining: 30s, crosses the 1m threshold
	waitForCondition(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(warnings) >= 2
	})

	clock.BlockUntil(1)
	clock.Advance(time.Minute) // now past the deadline
	waitForCondition(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(torndown) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"sess-1"}, torndown)
}

func waitForCondition(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
