package recorder

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func TestRecorderWritesValidJSONAfterEveryEvent(t *testing.T) {
	dir := t.TempDir()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 7, 29, 10, 0, 0, 0, time.UTC))

	r, err := New(Config{Dir: dir, SessionID: "sess-1", Clock: clock})
	require.NoError(t, err)
	require.NoError(t, r.ClientToServer([]byte("ls -la\n")))
	require.NoError(t, r.ServerToClient([]byte("total 0\n")))
	require.NoError(t, r.End())

	body, err := os.ReadFile(filepath.Join(dir, "sess-1.json"))
	require.NoError(t, err)
	var events []Event
	require.NoError(t, json.Unmarshal(body, &events), "transcript must be valid JSON")
	require.Len(t, events, 4)
	require.Equal(t, EventSessionStart, events[0].Kind)
	require.Equal(t, EventSessionEnd, events[len(events)-1].Kind)
}

func TestRecorderTruncatesOversizedChunks(t *testing.T) {
	dir := t.TempDir()
	r, err := New(Config{Dir: dir, SessionID: "sess-2"})
	require.NoError(t, err)
	big := strings.Repeat("x", MaxChunkBytes+500)
	require.NoError(t, r.ServerToClient([]byte(big)))

	body, err := os.ReadFile(filepath.Join(dir, "sess-2.json"))
	require.NoError(t, err)
	var events []Event
	require.NoError(t, json.Unmarshal(body, &events))
	last := events[len(events)-1]
	require.True(t, last.Truncated)
	require.Len(t, last.Data, MaxChunkBytes)
}

func TestRecorderSuppressesKeystrokes(t *testing.T) {
	dir := t.TempDir()
	r, err := New(Config{Dir: dir, SessionID: "sess-3", SuppressKeystrokes: true})
	require.NoError(t, err)
	require.NoError(t, r.ClientToServer([]byte("super-secret-password\n")))
	body, err := os.ReadFile(filepath.Join(dir, "sess-3.json"))
	require.NoError(t, err)
	require.NotContains(t, string(body), "secret")
}
