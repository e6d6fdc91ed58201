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

// Package schedule evaluates the recurring time windows (ScheduleRule)
// attached to a Policy: whether "now" falls inside one, and how soon the
// window currently open will close.
package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/gravitational/trace"

	"github.com/pawelmojski/portcullis/api/types"
)

var weekdayNames = [...]string{"Mon", "Tue", "Wed", "Thu", "Fri", "Sat", "Sun"}

// Describe renders a ScheduleRule as a short human-readable string, e.g.
// "Mon-Fri 08:00-16:00 Europe/Warsaw".
func Describe(rule types.ScheduleRule) string {
	var days string
	switch {
	case len(rule.Weekdays) == 0:
		days = "every day"
	case isContiguousRun(rule.Weekdays):
		days = fmt.Sprintf("%s-%s", weekdayNames[rule.Weekdays[0]], weekdayNames[rule.Weekdays[len(rule.Weekdays)-1]])
	default:
		names := make([]string, len(rule.Weekdays))
		for i, wd := range rule.Weekdays {
			names[i] = weekdayNames[wd]
		}
		days = strings.Join(names, ",")
	}

	start, end := rangeBounds(rule)
	tz := rule.Timezone
	if tz == "" {
		tz = types.DefaultTimezone
	}
	return fmt.Sprintf("%s %02d:%02d-%02d:%02d %s", days, start.Hour, start.Minute, end.Hour, end.Minute, tz)
}

func isContiguousRun(weekdays []int) bool {
	if len(weekdays) < 2 {
		return true
	}
	for i := 1; i < len(weekdays); i++ {
		if weekdays[i] != weekdays[i-1]+1 {
			return false
		}
	}
	return true
}

// Matches reports whether nowUTC falls inside rule, evaluated in the
// rule's own timezone. Every non-empty dimension (weekday, time-of-day,
// month, day-of-month) must match; a nil or empty dimension is "any".
func Matches(rule types.ScheduleRule, nowUTC time.Time) (bool, error) {
	loc, err := resolveLocation(rule.Timezone)
	if err != nil {
		return false, trace.Wrap(err)
	}
	local := nowUTC.In(loc)

	if len(rule.Weekdays) > 0 && !containsInt(rule.Weekdays, isoWeekday(local)) {
		return false, nil
	}
	if len(rule.Months) > 0 && !containsInt(rule.Months, int(local.Month())) {
		return false, nil
	}
	if len(rule.DaysOfMonth) > 0 && !containsInt(rule.DaysOfMonth, local.Day()) {
		return false, nil
	}
	if !inTimeRange(rule, local) {
		return false, nil
	}
	return true, nil
}

// WindowEnd returns, for a rule that currently matches nowUTC, the UTC
// instant at which its time-of-day range next closes. For a range that
// wraps past midnight (TimeStart after TimeEnd), the close is tomorrow's
// TimeEnd unless the current local time already sits in the post-midnight
// portion of the wrap, in which case it's today's.
func WindowEnd(rule types.ScheduleRule, nowUTC time.Time) (time.Time, error) {
	loc, err := resolveLocation(rule.Timezone)
	if err != nil {
		return time.Time{}, trace.Wrap(err)
	}
	local := nowUTC.In(loc)
	start, end := rangeBounds(rule)

	day := local
	if start.After(end) && !local.Before(localAt(local, start)) {
		// Currently in the pre-midnight leg of a wrapping range; the
		// range closes tomorrow.
		day = local.AddDate(0, 0, 1)
	}
	return localAt(day, end).In(time.UTC), nil
}

// EarliestWindowEnd returns the soonest WindowEnd among the rules that
// currently match nowUTC. ok is false when no rule in rules matches.
func EarliestWindowEnd(rules []types.ScheduleRule, nowUTC time.Time) (deadline time.Time, ok bool, err error) {
	for _, rule := range rules {
		if !rule.Active {
			continue
		}
		matched, err := Matches(rule, nowUTC)
		if err != nil {
			return time.Time{}, false, trace.Wrap(err)
		}
		if !matched {
			continue
		}
		end, err := WindowEnd(rule, nowUTC)
		if err != nil {
			return time.Time{}, false, trace.Wrap(err)
		}
		if !ok || end.Before(deadline) {
			deadline = end
			ok = true
		}
	}
	return deadline, ok, nil
}

// AnyMatches reports whether a policy's schedule permits access at
// nowUTC. An empty or all-inactive rule set means the policy carries no
// schedule restriction at all and is always open. Otherwise access is
// permitted iff at least one active rule matches, and the name of the
// first such rule is returned for audit logging.
func AnyMatches(rules []types.ScheduleRule, nowUTC time.Time) (bool, string, error) {
	var active []types.ScheduleRule
	for _, rule := range rules {
		if rule.Active {
			active = append(active, rule)
		}
	}
	if len(active) == 0 {
		return true, "", nil
	}
	for _, rule := range active {
		matched, err := Matches(rule, nowUTC)
		if err != nil {
			return false, "", trace.Wrap(err)
		}
		if matched {
			return true, rule.Name, nil
		}
	}
	return false, "", nil
}

func rangeBounds(rule types.ScheduleRule) (types.ClockTime, types.ClockTime) {
	start := types.StartOfDay
	if rule.TimeStart != nil {
		start = *rule.TimeStart
	}
	end := types.EndOfDay
	if rule.TimeEnd != nil {
		end = *rule.TimeEnd
	}
	return start, end
}

func inTimeRange(rule types.ScheduleRule, local time.Time) bool {
	start, end := rangeBounds(rule)
	cur := types.ClockTime{Hour: local.Hour(), Minute: local.Minute(), Second: local.Second()}

	if !start.After(end) {
		return !cur.Before(start) && !cur.After(end)
	}
	// Wrapping range, e.g. 22:00-06:00: matches the late leg of today or
	// the early leg of tomorrow.
	return !cur.Before(start) || !cur.After(end)
}

// localAt returns day's date combined with clock t, in day's own location.
func localAt(day time.Time, t types.ClockTime) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), t.Hour, t.Minute, t.Second, 0, day.Location())
}

// isoWeekday converts Go's Sunday=0..Saturday=6 to the rule convention of
// Monday=0..Sunday=6.
func isoWeekday(t time.Time) int {
	wd := int(t.Weekday())
	return (wd + 6) % 7
}

func containsInt(haystack []int, needle int) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}

func resolveLocation(tz string) (*time.Location, error) {
	if tz == "" {
		tz = types.DefaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, trace.BadParameter("unknown timezone %q: %v", tz, err)
	}
	return loc, nil
}
