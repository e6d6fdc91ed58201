package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pawelmojski/portcullis/api/types"
)

func clockTime(h, m, s int) *types.ClockTime {
	ct := types.ClockTime{Hour: h, Minute: m, Second: s}
	return &ct
}

// 2026-07-29 is a Wednesday.
func wed(h, m int) time.Time {
	return time.Date(2026, 7, 29, h, m, 0, 0, time.UTC)
}

func TestMatchesWeekdayAndTimeRange(t *testing.T) {
	rule := types.ScheduleRule{
		Name:      "business-hours",
		Weekdays:  []int{0, 1, 2, 3, 4}, // Mon-Fri
		TimeStart: clockTime(9, 0, 0),
		TimeEnd:   clockTime(17, 0, 0),
		Timezone:  "UTC",
		Active:    true,
	}

	ok, err := Matches(rule, wed(10, 0))
	require.NoError(t, err)
	require.True(t, ok, "expected match during business hours")

	ok, err = Matches(rule, wed(20, 0))
	require.NoError(t, err)
	require.False(t, ok, "expected no match outside business hours")

	// Saturday 2026-08-01
	sat := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	ok, err = Matches(rule, sat)
	require.NoError(t, err)
	require.False(t, ok, "expected no match on a weekend")
}

func TestMatchesWrappingRange(t *testing.T) {
	rule := types.ScheduleRule{
		Name:      "overnight",
		TimeStart: clockTime(22, 0, 0),
		TimeEnd:   clockTime(6, 0, 0),
		Timezone:  "UTC",
		Active:    true,
	}

	ok, err := Matches(rule, wed(23, 0))
	require.NoError(t, err)
	require.True(t, ok, "expected match late in the evening leg")

	ok, err = Matches(rule, wed(3, 0))
	require.NoError(t, err)
	require.True(t, ok, "expected match in the early morning leg")

	ok, err = Matches(rule, wed(12, 0))
	require.NoError(t, err)
	require.False(t, ok, "expected no match at midday")
}

func TestWindowEndWrappingRange(t *testing.T) {
	rule := types.ScheduleRule{
		Name:      "overnight",
		TimeStart: clockTime(22, 0, 0),
		TimeEnd:   clockTime(6, 0, 0),
		Timezone:  "UTC",
		Active:    true,
	}

	// Pre-midnight leg: window closes tomorrow at 06:00.
	end, err := WindowEnd(rule, wed(23, 0))
	require.NoError(t, err)
	require.True(t, end.Equal(time.Date(2026, 7, 30, 6, 0, 0, 0, time.UTC)))

	// Post-midnight leg: window closes today at 06:00.
	end, err = WindowEnd(rule, wed(3, 0))
	require.NoError(t, err)
	require.True(t, end.Equal(time.Date(2026, 7, 29, 6, 0, 0, 0, time.UTC)))
}

func TestEarliestWindowEnd(t *testing.T) {
	rules := []types.ScheduleRule{
		{Name: "a", TimeStart: clockTime(0, 0, 0), TimeEnd: clockTime(23, 0, 0), Timezone: "UTC", Active: true},
		{Name: "b", TimeStart: clockTime(0, 0, 0), TimeEnd: clockTime(18, 0, 0), Timezone: "UTC", Active: true},
	}
	deadline, ok, err := EarliestWindowEnd(rules, wed(10, 0))
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, deadline.Equal(time.Date(2026, 7, 29, 18, 0, 0, 0, time.UTC)))
}

func TestAnyMatchesEmptyRuleSetIsAlwaysOpen(t *testing.T) {
	ok, name, err := AnyMatches(nil, wed(10, 0))
	require.NoError(t, err)
	require.True(t, ok)
	require.Empty(t, name)
}

func TestDescribeContiguousWeekdayRun(t *testing.T) {
	rule := types.ScheduleRule{
		Weekdays:  []int{0, 1, 2, 3, 4},
		TimeStart: clockTime(8, 0, 0),
		TimeEnd:   clockTime(16, 0, 0),
		Timezone:  "Europe/Warsaw",
	}
	require.Equal(t, "Mon-Fri 08:00-16:00 Europe/Warsaw", Describe(rule))
}

func TestAnyMatchesDeniesWhenNoActiveRuleMatches(t *testing.T) {
	rules := []types.ScheduleRule{
		{Name: "business-hours", Weekdays: []int{0, 1, 2, 3, 4}, TimeStart: clockTime(9, 0, 0), TimeEnd: clockTime(17, 0, 0), Timezone: "UTC", Active: true},
	}
	ok, _, err := AnyMatches(rules, wed(20, 0))
	require.NoError(t, err)
	require.False(t, ok)
}
