package hexutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseID(t *testing.T) {
	cases := []struct {
		in   string
		want uint32
	}{
		{"0x1A0", 0x1A0},
		{"416", 416},
		{" 0x18EF0017 ", 0x18EF0017},
		{"0b101", 5},
	}
	for _, tc := range cases {
		got, err := ParseID(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}

	_, err := ParseID("frame-one")
	assert.Error(t, err)
}

func TestParseBytes(t *testing.T) {
	want := []byte{0xDE, 0xAD, 0xBE, 0xEF}

	for _, in := range []string{"DEADBEEF", "de ad be ef", "DE:AD:BE:EF", "0xDEADBEEF", "de,ad,be,ef"} {
		got, err := ParseBytes(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	got, err := ParseBytes("  ")
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = ParseBytes("xyz")
	assert.Error(t, err)
}

func TestFormatRoundTrip(t *testing.T) {
	assert.Equal(t, "0x1A0", FormatID(0x1A0))
	assert.Equal(t, "DE AD BE EF", FormatBytes([]byte{0xDE, 0xAD, 0xBE, 0xEF}))
	assert.Equal(t, "", FormatBytes(nil))
}
