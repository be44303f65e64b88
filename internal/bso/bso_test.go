package bso

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimestampStringUsesTwoDecimals(t *testing.T) {
	assert.Equal(t, "1326254123.45", Timestamp(1326254123450).String())
	assert.Equal(t, "0.00", Timestamp(0).String())
	assert.Equal(t, "12.05", Timestamp(12050).String())
}

func TestParseTimestamp(t *testing.T) {
	cases := []struct {
		raw  string
		want Timestamp
	}{
		{"1326254123.45", 1326254123450},
		{"1326254123", 1326254123000},
		{"1326254123.4", 1326254123400},
		{" 10.01 ", 10010},
	}
	for _, tc := range cases {
		got, err := ParseTimestamp(tc.raw)
		require.NoError(t, err, tc.raw)
		assert.Equal(t, tc.want, got, tc.raw)
	}

	for _, bad := range []string{"", "abc", "NaN", "Inf"} {
		_, err := ParseTimestamp(bad)
		assert.ErrorIs(t, err, ErrInvalidTimestamp, bad)
	}
}

func TestNextIsStrictlyIncreasing(t *testing.T) {
	now := time.UnixMilli(1_000_000)
	first := Next(0, now)
	assert.Equal(t, Timestamp(1_000_000), first)

	// Same wall clock: must still advance by one resolution step.
	second := Next(first, now)
	assert.Equal(t, first+Resolution, second)

	// Clock going backwards never lowers the result.
	third := Next(second, now.Add(-time.Hour))
	assert.Greater(t, third, second)

	// Clock moving forward is used as-is, truncated to the resolution.
	later := Next(third, time.UnixMilli(2_000_007))
	assert.Equal(t, Timestamp(2_000_000), later)
}

func TestBSOJSONShape(t *testing.T) {
	b := BSO{ID: "bso", Modified: 1234560, Payload: `{"foo":"bar"}`}
	data, err := json.Marshal(b)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"bso","modified":1234.56,"payload":"{\"foo\":\"bar\"}"}`, string(data))

	var decoded BSO
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, b, decoded)
}

func TestBSOExpiry(t *testing.T) {
	ttl := 60
	b := BSO{ID: "a", Modified: FromTime(time.Unix(1000, 0)), TTL: &ttl}
	assert.False(t, b.Expired(time.Unix(1059, 0)))
	assert.True(t, b.Expired(time.Unix(1060, 0)))
	assert.False(t, b.Visible(time.Unix(1061, 0)))

	b.TTL = nil
	assert.True(t, b.Visible(time.Unix(1_000_000, 0)))
	b.Deleted = true
	assert.False(t, b.Visible(time.Unix(1000, 0)))
}

func TestGUIDs(t *testing.T) {
	seen := map[string]struct{}{}
	for i := 0; i < 100; i++ {
		guid := MakeGUID()
		require.Len(t, guid, 12)
		require.True(t, CheckGUID(guid), guid)
		seen[guid] = struct{}{}
	}
	assert.Len(t, seen, 100)

	assert.False(t, CheckGUID(""))
	assert.False(t, CheckGUID("short"))
	assert.False(t, CheckGUID("has space 12"))
	assert.True(t, CheckGUID("ABCDEFabcd-_"))
}

func TestNameValidation(t *testing.T) {
	assert.True(t, ValidCollectionName("history"))
	assert.True(t, ValidCollectionName("crypto.keys-1_x"))
	assert.False(t, ValidCollectionName(""))
	assert.False(t, ValidCollectionName("has/slash"))

	assert.True(t, ValidID("myid"))
	assert.False(t, ValidID("a/b"))
	assert.False(t, ValidID("a b"))
	assert.False(t, ValidID(""))
}
