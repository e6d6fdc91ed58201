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

// Package duration translates the human-readable grant durations used
// throughout the admin plane ("2h30m", "1.5d", "1y6M", "permanent") to a
// count of minutes, and back.
package duration

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/gravitational/trace"
)

// units maps each recognized duration suffix to its value in minutes.
var units = map[string]int64{
	"y": 525600, "year": 525600, "years": 525600,
	"mo": 43200, "mon": 43200, "month": 43200, "months": 43200,
	"w": 10080, "week": 10080, "weeks": 10080,
	"d": 1440, "day": 1440, "days": 1440,
	"h": 60, "hour": 60, "hours": 60, "hr": 60, "hrs": 60,
	"m": 1, "min": 1, "mins": 1, "minute": 1, "minutes": 1,
}

// bareMonth matches a bare uppercase-M month marker ("1M", "6M") not
// followed by further letters (so "1Month" is left alone - it already
// spells out a unit in the table once lowercased) and normalizes it to
// "mo" before the rest of the string is lowercased, since a lowercase "m"
// means minutes.
var bareMonth = regexp.MustCompile(`(\d+(?:\.\d+)?)M([^a-zA-Z]|$)`)

// component matches one (value, unit) pair within a combined duration
// string such as "1h30m" or "2d12h".
var component = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*([a-zA-Z]+)`)

// zeroAliases are the inputs that conventionally mean "no end".
var zeroAliases = map[string]bool{
	"0": true, "permanent": true, "never": true, "infinity": true,
}

// Parse translates a duration string to a whole number of minutes,
// truncating any fractional remainder toward zero. "permanent", "never",
// "infinity" and "0" all parse to 0, conventionally meaning "no end".
func Parse(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}

	// Normalize a bare "M" (month) marker before the rest of the string
	// is folded to lowercase, so it isn't confused with minutes' "m".
	s = bareMonth.ReplaceAllStringFunc(s, func(match string) string {
		groups := bareMonth.FindStringSubmatch(match)
		return groups[1] + "mo" + groups[2]
	})
	s = strings.ToLower(s)

	if zeroAliases[s] {
		return 0, nil
	}

	matches := component.FindAllStringSubmatch(s, -1)
	if matches == nil {
		return 0, trace.BadParameter("malformed duration %q", s)
	}

	var total float64
	for _, m := range matches {
		value, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return 0, trace.BadParameter("malformed duration component %q: %v", m[0], err)
		}
		multiplier, ok := units[m[2]]
		if !ok {
			return 0, trace.BadParameter("unknown duration unit %q in %q", m[2], s)
		}
		total += value * float64(multiplier)
	}

	return int64(total), nil
}

// unitOrder lists the units Format emits, from largest to smallest.
var unitOrder = []struct {
	suffix  string
	minutes int64
}{
	{"y", 525600},
	{"mo", 43200},
	{"w", 10080},
	{"d", 1440},
	{"h", 60},
	{"m", 1},
}

// Format renders a minute count back to a human-readable string such as
// "2h 30m" or "1d 12h". Zero formats as "Permanent".
func Format(minutes int64) string {
	if minutes == 0 {
		return "Permanent"
	}

	var parts []string
	remaining := minutes
	for _, u := range unitOrder {
		if remaining < u.minutes {
			continue
		}
		count := remaining / u.minutes
		remaining %= u.minutes
		parts = append(parts, strconv.FormatInt(count, 10)+u.suffix)
	}
	return strings.Join(parts, " ")
}
