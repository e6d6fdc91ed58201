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

// Package recorder writes the crash-safe transcript of an SSH session to
// disk: a session_start event, a truncated copy of every direction's data
// flow, and a session_end event. The whole file is rewritten on every
// event, so the file on disk after
// any event is a complete, independently-parseable JSON document - a
// recorder that dies mid-session leaves behind everything captured up to
// that point rather than a truncated stream.
package recorder

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

// MaxChunkBytes is the per-event truncation limit applied to captured
// client/server data. Larger writes are recorded as a single truncated
// chunk rather than split across multiple events.
const MaxChunkBytes = 1000

// EventKind is the closed set of transcript event kinds.
type EventKind string

const (
	EventSessionStart  EventKind = "session_start"
	EventClientToServer EventKind = "client_to_server"
	EventServerToClient EventKind = "server_to_client"
	EventSessionEnd    EventKind = "session_end"
)

// Event is one entry in a session transcript.
type Event struct {
	Kind      EventKind `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	Data      string    `json:"data,omitempty"`
	Truncated bool      `json:"truncated,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}

// Recorder accumulates Events for a single session and rewrites the
// target file in full on every Append, so the file is always valid JSON
// reflecting everything recorded so far.
type Recorder struct {
	mu         sync.Mutex
	path       string
	clock      clockwork.Clock
	events     []Event
	suppressIO bool // when true, each client_to_server payload is replaced by a data-less "keystrokes suppressed" event: a raw pty stream is keystrokes, not a transcript worth keeping verbatim
}

// Config configures a Recorder.
type Config struct {
	// Dir is the directory session transcripts are written under.
	Dir string
	// SessionID names the transcript file (sessionID + ".json").
	SessionID string
	// SuppressKeystrokes replaces each client_to_server payload with an
	// event that carries only the reason "keystrokes suppressed" (no data
	// and no length) - used for interactive PTY sessions, where the raw
	// stream is keystrokes rather than meaningful transcript content.
	SuppressKeystrokes bool
	Clock              clockwork.Clock
}

// New creates a Recorder and writes its session_start event.
func New(cfg Config) (*Recorder, error) {
	if cfg.Dir == "" || cfg.SessionID == "" {
		return nil, trace.BadParameter("recorder.Config: Dir and SessionID are required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, trace.Wrap(err, "creating recording directory %q", cfg.Dir)
	}
	r := &Recorder{
		path:       filepath.Join(cfg.Dir, cfg.SessionID+".json"),
		clock:      cfg.Clock,
		suppressIO: cfg.SuppressKeystrokes,
	}
	r.events = append(r.events, Event{Kind: EventSessionStart, Timestamp: r.clock.Now().UTC()})
	return r, trace.Wrap(r.flush())
}

// Path returns the on-disk location of the transcript.
func (r *Recorder) Path() string {
	return r.path
}

// ClientToServer records a chunk of client-originated data.
func (r *Recorder) ClientToServer(data []byte) error {
	if r.suppressIO {
		return r.append(Event{Kind: EventClientToServer, Reason: "keystrokes suppressed"})
	}
	return r.appendChunk(EventClientToServer, data)
}

// ServerToClient records a chunk of server-originated data.
func (r *Recorder) ServerToClient(data []byte) error {
	return r.appendChunk(EventServerToClient, data)
}

func (r *Recorder) appendChunk(kind EventKind, data []byte) error {
	truncated := false
	if len(data) > MaxChunkBytes {
		data = data[:MaxChunkBytes]
		truncated = true
	}
	return r.append(Event{Kind: kind, Data: string(data), Truncated: truncated})
}

// End records the session_end event and performs a final flush.
func (r *Recorder) End() error {
	return r.append(Event{Kind: EventSessionEnd})
}

// Size returns the current on-disk size of the transcript file.
func (r *Recorder) Size() (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, err := os.Stat(r.path)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	return info.Size(), nil
}

func (r *Recorder) append(e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e.Timestamp = r.clock.Now().UTC()
	r.events = append(r.events, e)
	return trace.Wrap(r.flush())
}

// flush rewrites the transcript file in full. Called with mu held.
func (r *Recorder) flush() error {
	body, err := json.Marshal(r.events)
	if err != nil {
		return trace.Wrap(err, "marshaling transcript")
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, body, 0o640); err != nil {
		return trace.Wrap(err, "writing transcript temp file")
	}
	return trace.Wrap(os.Rename(tmp, r.path))
}
