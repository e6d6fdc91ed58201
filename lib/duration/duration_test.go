package duration

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	cases := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"", 0, false},
		{"permanent", 0, false},
		{"never", 0, false},
		{"infinity", 0, false},
		{"0", 0, false},
		{"1h", 60, false},
		{"1h30m", 90, false},
		{"2d12h", 3600, false},
		{"1.5d", 2160, false},
		{"1y", 525600, false},
		{"1M", 43200, false},
		{"6M", 259200, false},
		{"1Month", 43200, false},
		{"1w", 10080, false},
		{"bogus", 0, true},
		{"5x", 0, true},
	}
	for _, c := range cases {
		got, err := Parse(c.in)
		if c.wantErr {
			require.Error(t, err, "Parse(%q)", c.in)
			continue
		}
		require.NoError(t, err, "Parse(%q)", c.in)
		require.Equal(t, c.want, got, "Parse(%q)", c.in)
	}
}

func TestFormat(t *testing.T) {
	cases := []struct {
		in   int64
		want string
	}{
		{0, "Permanent"},
		{60, "1h"},
		{90, "1h 30m"},
		{1440, "1d"},
		{43200, "1mo"},
	}
	for _, c := range cases {
		require.Equal(t, c.want, Format(c.in), "Format(%d)", c.in)
	}
}

func TestParseFormatRoundTrip(t *testing.T) {
	minutes, err := Parse("1h30m")
	require.NoError(t, err)
	require.Equal(t, "1h 30m", Format(minutes))
}
