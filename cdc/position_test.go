package cdc

import (
	"sort"
	"testing"

	"github.com/maxpert/sluice/encoding"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPositionCompare(t *testing.T) {
	tests := []struct {
		name string
		a, b Position
		want int
	}{
		{"equal", Position{File: "mysql-bin.000003", Offset: 154}, Position{File: "mysql-bin.000003", Offset: 154}, 0},
		{"offset", Position{File: "mysql-bin.000003", Offset: 100}, Position{File: "mysql-bin.000003", Offset: 154}, -1},
		{"rotation", Position{File: "mysql-bin.000003", Offset: 9000}, Position{File: "mysql-bin.000004", Offset: 4}, -1},
		{"numeric suffix", Position{File: "mysql-bin.999999", Offset: 4}, Position{File: "mysql-bin.1000000", Offset: 4}, -1},
		{"snapshot before stream", Position{File: "mysql-bin.000003", Offset: 154, Snapshot: true, Row: 99}, Position{File: "mysql-bin.000003", Offset: 154}, -1},
		{"snapshot rows", Position{File: "mysql-bin.000003", Offset: 154, Snapshot: true, Row: 2}, Position{File: "mysql-bin.000003", Offset: 154, Snapshot: true, Row: 1}, 1},
		{"zero first", Position{}, Position{File: "mysql-bin.000001", Offset: 4}, -1},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.a.Compare(tc.b))
			assert.Equal(t, -tc.want, tc.b.Compare(tc.a))
		})
	}
}

func TestPositionTextRoundTrip(t *testing.T) {
	positions := []Position{
		{File: "mysql-bin.000003", Offset: 154},
		{File: "mysql-bin.000003", Offset: 154, Snapshot: true, Row: 7},
		{File: "mysql-bin.000003", Offset: 154, Row: 2},
		{File: "host:3306/mysql-bin.000001", Offset: 4},
	}
	for _, p := range positions {
		parsed, err := ParsePosition(p.String())
		require.NoError(t, err, p.String())
		assert.Equal(t, p, parsed)
		assert.Equal(t, 0, p.Compare(parsed))
	}
}

func TestParsePositionInvalid(t *testing.T) {
	for _, s := range []string{"", "mysql-bin", "mysql-bin:abc", "mysql-bin:4#sx", "mysql-bin:4#r"} {
		_, err := ParsePosition(s)
		assert.Error(t, err, s)
	}
}

func TestPositionMsgpackPreservesOrder(t *testing.T) {
	positions := []Position{
		{File: "mysql-bin.000004", Offset: 4},
		{File: "mysql-bin.000003", Offset: 154, Snapshot: true, Row: 3},
		{File: "mysql-bin.000003", Offset: 900},
		{File: "mysql-bin.000003", Offset: 154, Snapshot: true, Row: 1},
	}

	decoded := make([]Position, 0, len(positions))
	for _, p := range positions {
		data, err := encoding.Marshal(p)
		require.NoError(t, err)
		var out Position
		require.NoError(t, encoding.Unmarshal(data, &out))
		decoded = append(decoded, out)
	}

	sort.Slice(positions, func(i, j int) bool { return positions[i].Less(positions[j]) })
	sort.Slice(decoded, func(i, j int) bool { return decoded[i].Less(decoded[j]) })
	assert.Equal(t, positions, decoded)
}
