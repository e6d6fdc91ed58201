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

// AuditRecord is an append-only event: a policy decision, a session
// lifecycle transition, or an administrative action observed by the core.
type AuditRecord struct {
	UserID       *int64            `db:"user_id" json:"user_id,omitempty"`
	Action       string            `db:"action" json:"action"`
	ResourceType string            `db:"resource_type" json:"resource_type"`
	ResourceID   *string           `db:"resource_id" json:"resource_id,omitempty"`
	SourceIP     *string           `db:"source_ip" json:"source_ip,omitempty"`
	Success      bool              `db:"success" json:"success"`
	Details      map[string]string `json:"details,omitempty"`
	Timestamp    time.Time         `db:"timestamp" json:"timestamp"`
}
