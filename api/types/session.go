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

package types

import "time"

// TerminationReason is the closed set of reasons a Session can end with.
type TerminationReason string

const (
	TerminationNormal         TerminationReason = "normal"
	TerminationError          TerminationReason = "error"
	TerminationGrantExpired   TerminationReason = "grant_expired"
	TerminationServiceRestart TerminationReason = "service_restart"
)

// Session is a live or sealed protocol-terminated connection through the
// jump host. Active is true iff EndedAt is nil.
type Session struct {
	ID               int64              `db:"id" json:"id"`
	SessionID        string             `db:"session_id" json:"session_id"`
	UserID           int64              `db:"user_id" json:"user_id"`
	BackendID        int64              `db:"backend_id" json:"backend_id"`
	Protocol         Protocol           `db:"protocol" json:"protocol"`
	SourceIP         string             `db:"source_ip" json:"source_ip"`
	ProxyIP          string             `db:"proxy_ip" json:"proxy_ip"`
	BackendIP        string             `db:"backend_ip" json:"backend_ip"`
	BackendPort      int                `db:"backend_port" json:"backend_port"`
	SSHLogin         *string            `db:"ssh_login" json:"ssh_login,omitempty"`
	Subsystem        *string            `db:"subsystem" json:"subsystem,omitempty"`
	AgentUsed        bool               `db:"agent_used" json:"agent_used"`
	StartedAt        time.Time          `db:"started_at" json:"started_at"`
	EndedAt          *time.Time         `db:"ended_at" json:"ended_at,omitempty"`
	DurationSeconds  *int64             `db:"duration_seconds" json:"duration_seconds,omitempty"`
	RecordingPath    *string            `db:"recording_path" json:"recording_path,omitempty"`
	RecordingSize    *int64             `db:"recording_size" json:"recording_size,omitempty"`
	Active           bool               `db:"active" json:"active"`
	TerminationReason *TerminationReason `db:"termination_reason" json:"termination_reason,omitempty"`
	PolicyID         *int64             `db:"policy_id" json:"policy_id,omitempty"`
}

// Seal marks the session ended at now with the given reason, keeping the
// Active/EndedAt invariant (spec.md §8: Active iff EndedAt is nil).
func (s *Session) Seal(now time.Time, reason TerminationReason) {
	s.Active = false
	s.EndedAt = &now
	s.TerminationReason = &reason
	d := int64(now.Sub(s.StartedAt).Seconds())
	s.DurationSeconds = &d
}

// TransferType is the closed set of SessionTransfer sub-event kinds.
type TransferType string

const (
	TransferSCPUpload        TransferType = "scp_upload"
	TransferSCPDownload      TransferType = "scp_download"
	TransferSFTPSession      TransferType = "sftp_session"
	TransferPortForwardLocal TransferType = "port_forward_local"
	TransferPortForwardRemote TransferType = "port_forward_remote"
	TransferSOCKSConnection  TransferType = "socks_connection"
)

// SessionTransfer is an observed data-movement sub-event within a Session:
// an SCP/SFTP file operation, a port forward, or a SOCKS connection.
type SessionTransfer struct {
	ID             int64        `db:"id" json:"id"`
	SessionID      int64        `db:"session_id" json:"session_id"`
	TransferType   TransferType `db:"transfer_type" json:"transfer_type"`
	FilePath       *string      `db:"file_path" json:"file_path,omitempty"`
	LocalAddr      *string      `db:"local_addr" json:"local_addr,omitempty"`
	LocalPort      *int         `db:"local_port" json:"local_port,omitempty"`
	RemoteAddr     *string      `db:"remote_addr" json:"remote_addr,omitempty"`
	RemotePort     *int         `db:"remote_port" json:"remote_port,omitempty"`
	BytesSent      int64        `db:"bytes_sent" json:"bytes_sent"`
	BytesReceived  int64        `db:"bytes_received" json:"bytes_received"`
	StartedAt      time.Time    `db:"started_at" json:"started_at"`
	EndedAt        *time.Time   `db:"ended_at" json:"ended_at,omitempty"`
}
