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

// ClockTime is a wall-clock time of day, with second precision, evaluated
// in a ScheduleRule's own timezone. A nil *ClockTime on a rule dimension
// means "any".
type ClockTime struct {
	Hour   int
	Minute int
	Second int
}

// Before reports whether t sorts strictly before other within a day.
func (t ClockTime) Before(other ClockTime) bool {
	return t.asSeconds() < other.asSeconds()
}

// After reports whether t sorts strictly after other within a day.
func (t ClockTime) After(other ClockTime) bool {
	return t.asSeconds() > other.asSeconds()
}

func (t ClockTime) asSeconds() int {
	return t.Hour*3600 + t.Minute*60 + t.Second
}

// EndOfDay is the ClockTime substituted when a rule's TimeEnd is nil.
var EndOfDay = ClockTime{Hour: 23, Minute: 59, Second: 59}

// StartOfDay is the ClockTime substituted when a rule's TimeStart is nil.
var StartOfDay = ClockTime{Hour: 0, Minute: 0, Second: 0}

// ScheduleRule is a recurring time window attached to a Policy, evaluated
// in its own timezone. A nil dimension means "any"; the rule is satisfied
// iff every non-nil dimension matches. Weekdays use 0=Monday..6=Sunday;
// Months use 1..12; DaysOfMonth use 1..31.
type ScheduleRule struct {
	PolicyID    int64      `db:"policy_id" json:"policy_id"`
	Name        string     `db:"name" json:"name"`
	Weekdays    []int      `db:"weekdays" json:"weekdays,omitempty"`
	TimeStart   *ClockTime `json:"time_start,omitempty"`
	TimeEnd     *ClockTime `json:"time_end,omitempty"`
	Months      []int      `db:"months" json:"months,omitempty"`
	DaysOfMonth []int      `db:"days_of_month" json:"days_of_month,omitempty"`
	Timezone    string     `db:"timezone" json:"timezone"`
	Active      bool       `db:"is_active" json:"active"`
}

// DefaultTimezone is the schema default applied when a ScheduleRule omits
// a timezone. spec.md §9 open question 2: this is a schema default only,
// not a policy statement.
const DefaultTimezone = "Europe/Warsaw"
